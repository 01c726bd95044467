package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	rec := Record{Type: TypeWR, Timestamp: 42, Payload: PayloadWR(7, []byte("key"), []byte("value"))}
	buf := Marshal(rec)

	got, n, err := Unmarshal(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, TypeWR, got.Type)
	assert.Equal(t, uint64(42), got.Timestamp)

	wr := ParseWR(got.Payload)
	assert.Equal(t, int32(7), wr.TreeHandle)
	assert.Equal(t, []byte("key"), wr.Key)
	assert.Equal(t, []byte("value"), wr.Value)
}

func TestUnmarshalDetectsCorruptedChecksum(t *testing.T) {
	rec := Record{Type: TypeTS, Timestamp: 1}
	buf := Marshal(rec)
	buf[len(buf)-1] ^= 0xFF // flip a CRC byte

	_, _, err := Unmarshal(buf)
	assert.Error(t, err)
}

func TestUnmarshalRejectsShortBuffer(t *testing.T) {
	_, _, err := Unmarshal([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestUnmarshalRejectsOversizedLength(t *testing.T) {
	rec := Record{Type: TypeTS, Timestamp: 1}
	buf := Marshal(rec)
	_, _, err := Unmarshal(buf[:len(buf)-1]) // length field claims more than is present
	assert.Error(t, err)
}

func TestPayloadIVRoundTrip(t *testing.T) {
	p := PayloadIV(123, "/data/volume1.db")
	id, path := ParseIV(p)
	assert.Equal(t, int64(123), id)
	assert.Equal(t, "/data/volume1.db", path)
}

func TestPayloadITRoundTrip(t *testing.T) {
	p := PayloadIT(9, "my_tree")
	handle, name := ParseIT(p)
	assert.Equal(t, int32(9), handle)
	assert.Equal(t, "my_tree", name)
}

func TestPayloadPAReconstructsPageImage(t *testing.T) {
	full := make([]byte, 16)
	for i := range full {
		full[i] = byte(i + 1)
	}
	left := full[:4]
	right := full[12:]
	slack := append(append([]byte{}, left...), right...)

	payload := PayloadPA(3, 500, int32(len(left)), int32(len(full)), slack)
	pa := ParsePA(payload)
	reconstructed := pa.Reconstruct()

	assert.Equal(t, left, reconstructed[:4])
	assert.Equal(t, right, reconstructed[12:])
	for i := 4; i < 12; i++ {
		assert.Zero(t, reconstructed[i], "cleared slack region must be zero-filled")
	}
}

func TestPayloadCPRoundTrip(t *testing.T) {
	p := PayloadCP(1234567890)
	assert.Equal(t, int64(1234567890), ParseCP(p))
}

func TestPayloadTJRoundTrip(t *testing.T) {
	p := PayloadTJ(777)
	assert.Equal(t, uint64(777), ParseTJ(p))
}

func TestPayloadDVAndDTRoundTrip(t *testing.T) {
	assert.Equal(t, int32(5), ParseDV(PayloadDV(5)))
	assert.Equal(t, int32(6), ParseDT(PayloadDT(6)))
}

func TestPayloadDRElidesSharedPrefix(t *testing.T) {
	key1 := []byte("customer/100")
	key2 := []byte("customer/999")
	p := PayloadDR(2, key1, key2)

	dr := ParseDR(p)
	assert.Equal(t, int32(2), dr.TreeHandle)
	assert.Equal(t, key1, dr.Key1)
	assert.Equal(t, key2, dr.Key2)
}

func TestPayloadDRWithNoSharedPrefix(t *testing.T) {
	key1 := []byte("aaa")
	key2 := []byte("zzz")
	p := PayloadDR(1, key1, key2)
	dr := ParseDR(p)
	assert.Equal(t, key2, dr.Key2)
}
