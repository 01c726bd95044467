// Package journal implements the append-only write-ahead log: typed record
// framing, recovery, the control record, and a cron-driven checkpoint
// scheduler (spec §4.4, §6.2).
package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// RecordType is the two-ASCII-byte type tag of spec §4.4.
type RecordType [2]byte

// Record types per spec §4.4.
var (
	TypeIV RecordType = [2]byte{'I', 'V'} // volume handle binding
	TypeIT RecordType = [2]byte{'I', 'T'} // tree handle binding
	TypePA RecordType = [2]byte{'P', 'A'} // page image
	TypeCP RecordType = [2]byte{'C', 'P'} // checkpoint marker
	TypeTS RecordType = [2]byte{'T', 'S'} // transaction start
	TypeTJ RecordType = [2]byte{'T', 'J'} // transaction timestamp join
	TypeTC RecordType = [2]byte{'T', 'C'} // transaction commit
	TypeTR RecordType = [2]byte{'T', 'R'} // transaction rollback
	TypeWR RecordType = [2]byte{'W', 'R'} // write record
	TypeDV RecordType = [2]byte{'D', 'V'} // delete volume
	TypeDT RecordType = [2]byte{'D', 'T'} // delete tree
	TypeDR RecordType = [2]byte{'D', 'R'} // delete range
)

func (t RecordType) String() string { return string(t[:]) }

// recordHeaderSize is the fixed framing prefix of spec §4.4: 4-byte
// length, 2-byte type, 2 reserved bytes, 8-byte timestamp.
const recordHeaderSize = 4 + 2 + 2 + 8

// Record is a decoded journal record: header fields plus the raw payload.
// Payload layout is type-specific; see the PayloadXxx helpers below for
// structured access.
type Record struct {
	Type      RecordType
	Timestamp uint64
	Payload   []byte
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Marshal serializes rec into its on-disk framing (big-endian per §4.4),
// appending a trailing CRC32-C of the whole frame so torn writes are
// detectable during recovery.
func Marshal(rec Record) []byte {
	total := recordHeaderSize + len(rec.Payload) + 4
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	buf[4], buf[5] = rec.Type[0], rec.Type[1]
	binary.BigEndian.PutUint64(buf[8:16], rec.Timestamp)
	copy(buf[16:16+len(rec.Payload)], rec.Payload)
	crc := crc32.Checksum(buf[:total-4], crcTable)
	binary.BigEndian.PutUint32(buf[total-4:total], crc)
	return buf
}

// Unmarshal decodes one record from the head of buf, returning the record,
// the number of bytes consumed, and an error if the frame is malformed or
// fails its CRC (spec §7 Corrupt).
func Unmarshal(buf []byte) (Record, int, error) {
	if len(buf) < recordHeaderSize+4 {
		return Record{}, 0, fmt.Errorf("journal: short record header")
	}
	total := int(binary.BigEndian.Uint32(buf[0:4]))
	if total < recordHeaderSize+4 || total > len(buf) {
		return Record{}, 0, fmt.Errorf("journal: invalid record length %d", total)
	}
	stored := binary.BigEndian.Uint32(buf[total-4 : total])
	computed := crc32.Checksum(buf[:total-4], crcTable)
	if stored != computed {
		return Record{}, 0, fmt.Errorf("journal: CRC mismatch (stored=%08x computed=%08x)", stored, computed)
	}
	var rt RecordType
	rt[0], rt[1] = buf[4], buf[5]
	ts := binary.BigEndian.Uint64(buf[8:16])
	payload := make([]byte, total-recordHeaderSize-4)
	copy(payload, buf[16:total-4])
	return Record{Type: rt, Timestamp: ts, Payload: payload}, total, nil
}

// --- payload encodings ---------------------------------------------------

// PayloadIV encodes an IV record payload: volume handle binding.
func PayloadIV(volumeID int64, path string) []byte {
	b := make([]byte, 8+len(path))
	binary.BigEndian.PutUint64(b[0:8], uint64(volumeID))
	copy(b[8:], path)
	return b
}

// ParseIV decodes an IV payload.
func ParseIV(p []byte) (volumeID int64, path string) {
	return int64(binary.BigEndian.Uint64(p[0:8])), string(p[8:])
}

// PayloadIT encodes an IT record payload: tree handle binding.
func PayloadIT(volumeHandle int32, treeName string) []byte {
	b := make([]byte, 4+len(treeName))
	binary.BigEndian.PutUint32(b[0:4], uint32(volumeHandle))
	copy(b[4:], treeName)
	return b
}

// ParseIT decodes an IT payload.
func ParseIT(p []byte) (volumeHandle int32, treeName string) {
	return int32(binary.BigEndian.Uint32(p[0:4])), string(p[4:])
}

// PayloadPA encodes a PA record: page image with a "clear slack" split
// between leftSize bytes at offset 0 and the trailing region of bufSize.
func PayloadPA(volumeHandle int32, pageAddr int64, leftSize, bufSize int32, data []byte) []byte {
	b := make([]byte, 4+8+4+4+len(data))
	binary.BigEndian.PutUint32(b[0:4], uint32(volumeHandle))
	binary.BigEndian.PutUint64(b[4:12], uint64(pageAddr))
	binary.BigEndian.PutUint32(b[12:16], uint32(leftSize))
	binary.BigEndian.PutUint32(b[16:20], uint32(bufSize))
	copy(b[20:], data)
	return b
}

// PAPayload is the decoded form of a PA record.
type PAPayload struct {
	VolumeHandle int32
	PageAddr     int64
	LeftSize     int32
	BufSize      int32
	Data         []byte
}

// ParsePA decodes a PA payload.
func ParsePA(p []byte) PAPayload {
	return PAPayload{
		VolumeHandle: int32(binary.BigEndian.Uint32(p[0:4])),
		PageAddr:     int64(binary.BigEndian.Uint64(p[4:12])),
		LeftSize:     int32(binary.BigEndian.Uint32(p[12:16])),
		BufSize:      int32(binary.BigEndian.Uint32(p[16:20])),
		Data:         p[20:],
	}
}

// Reconstruct rebuilds a full page image from a PA payload: leftSize bytes
// at offset 0, the remainder of data filling the trailing region, the
// middle zero-filled (spec §4.4 PA description).
func (pa PAPayload) Reconstruct() []byte {
	buf := make([]byte, pa.BufSize)
	left := pa.Data[:pa.LeftSize]
	right := pa.Data[pa.LeftSize:]
	copy(buf[:len(left)], left)
	copy(buf[int(pa.BufSize)-len(right):], right)
	return buf
}

// PayloadCP encodes a CP record: wall-clock milliseconds.
func PayloadCP(wallClockMS int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(wallClockMS))
	return b
}

// ParseCP decodes a CP payload.
func ParseCP(p []byte) int64 { return int64(binary.BigEndian.Uint64(p[0:8])) }

// PayloadTJ encodes a TJ record: the prior timestamp identifying the
// enclosing transaction.
func PayloadTJ(priorTimestamp uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, priorTimestamp)
	return b
}

// ParseTJ decodes a TJ payload.
func ParseTJ(p []byte) uint64 { return binary.BigEndian.Uint64(p[0:8]) }

// PayloadWR encodes a WR record: tree handle, key, value.
func PayloadWR(treeHandle int32, key, value []byte) []byte {
	b := make([]byte, 4+2+len(key)+len(value))
	binary.BigEndian.PutUint32(b[0:4], uint32(treeHandle))
	binary.BigEndian.PutUint16(b[4:6], uint16(len(key)))
	copy(b[6:6+len(key)], key)
	copy(b[6+len(key):], value)
	return b
}

// WRPayload is the decoded form of a WR record.
type WRPayload struct {
	TreeHandle int32
	Key        []byte
	Value      []byte
}

// ParseWR decodes a WR payload.
func ParseWR(p []byte) WRPayload {
	treeHandle := int32(binary.BigEndian.Uint32(p[0:4]))
	keySize := int(binary.BigEndian.Uint16(p[4:6]))
	key := p[6 : 6+keySize]
	value := p[6+keySize:]
	return WRPayload{TreeHandle: treeHandle, Key: key, Value: value}
}

// PayloadDV encodes a DV record: delete volume.
func PayloadDV(volumeHandle int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(volumeHandle))
	return b
}

// ParseDV decodes a DV payload.
func ParseDV(p []byte) int32 { return int32(binary.BigEndian.Uint32(p[0:4])) }

// PayloadDT encodes a DT record: delete tree.
func PayloadDT(treeHandle int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(treeHandle))
	return b
}

// ParseDT decodes a DT payload.
func ParseDT(p []byte) int32 { return int32(binary.BigEndian.Uint32(p[0:4])) }

// PayloadDR encodes a DR record: delete range, key2 elided against key1's
// shared prefix.
func PayloadDR(treeHandle int32, key1, key2 []byte) []byte {
	elision := sharedPrefixLen(key1, key2)
	suffix := key2[elision:]
	b := make([]byte, 4+2+2+len(key1)+len(suffix))
	binary.BigEndian.PutUint32(b[0:4], uint32(treeHandle))
	binary.BigEndian.PutUint16(b[4:6], uint16(len(key1)))
	binary.BigEndian.PutUint16(b[6:8], uint16(elision))
	copy(b[8:8+len(key1)], key1)
	copy(b[8+len(key1):], suffix)
	return b
}

// DRPayload is the decoded form of a DR record, with key2 reconstructed.
type DRPayload struct {
	TreeHandle int32
	Key1       []byte
	Key2       []byte
}

// ParseDR decodes a DR payload, rebuilding key2 from key1's shared prefix.
func ParseDR(p []byte) DRPayload {
	treeHandle := int32(binary.BigEndian.Uint32(p[0:4]))
	key1Size := int(binary.BigEndian.Uint16(p[4:6]))
	elision := int(binary.BigEndian.Uint16(p[6:8]))
	key1 := p[8 : 8+key1Size]
	suffix := p[8+key1Size:]
	key2 := make([]byte, elision+len(suffix))
	copy(key2, key1[:elision])
	copy(key2[elision:], suffix)
	return DRPayload{TreeHandle: treeHandle, Key1: key1, Key2: key2}
}

func sharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
