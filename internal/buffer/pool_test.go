package buffer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbeng/persistit/internal/volume"
)

type fakeJournal struct {
	writes atomic.Int64
	nextTS atomic.Uint64
}

func (j *fakeJournal) WritePageImage(volumeHandle int32, pageAddr int64, buf []byte) (uint64, error) {
	j.writes.Add(1)
	return j.nextTS.Add(1), nil
}

type fakeVolume struct {
	id   int64
	name string
}

func (v *fakeVolume) ReadPage(pageAddr int64, buf []byte) error  { return nil }
func (v *fakeVolume) WritePage(pageAddr int64, buf []byte) error { return nil }
func (v *fakeVolume) Extend(toPages int64) error                 { return nil }
func (v *fakeVolume) ID() int64                                  { return v.id }
func (v *fakeVolume) Name() string                                { return v.name }
func (v *fakeVolume) Path() string                                { return v.name }
func (v *fakeVolume) NextAvailablePage() int64                    { return 0 }
func (v *fakeVolume) IsTemporary() bool                           { return false }

type fakeVolumeLookup struct {
	vol *fakeVolume
}

func (l *fakeVolumeLookup) Lookup(volumeHandle int32) (volume.Volume, int64, bool) {
	if l.vol == nil {
		return nil, 0, false
	}
	return l.vol, l.vol.id, true
}

func newTestPool(t *testing.T, count int) (*BufferPool, *fakeJournal) {
	t.Helper()
	j := &fakeJournal{}
	vols := &fakeVolumeLookup{vol: &fakeVolume{id: 1, name: "v1"}}
	p := NewBufferPool(PoolConfig{PageSize: 64, Count: count, Logger: zerolog.Nop()}, j, vols)
	t.Cleanup(p.Close)
	return p, j
}

func TestGetMissInstallsAndLoadsBuffer(t *testing.T) {
	p, _ := newTestPool(t, 8)
	ctx := context.Background()

	b, err := p.Get(ctx, 1, 0, 10, true, true, time.Second)
	require.NoError(t, err)
	assert.True(t, b.IsValid())
	assert.Equal(t, int64(10), b.PageAddr())
	p.Release(1, b, true, false)
}

func TestGetHitReturnsSameBuffer(t *testing.T) {
	p, _ := newTestPool(t, 8)
	ctx := context.Background()

	b1, err := p.Get(ctx, 1, 0, 10, true, true, time.Second)
	require.NoError(t, err)
	p.Release(1, b1, true, false)

	b2, err := p.Get(ctx, 2, 0, 10, false, true, time.Second)
	require.NoError(t, err)
	defer p.Release(2, b2, false, false)

	assert.Equal(t, b1.Index(), b2.Index())
	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Gets)
	assert.Equal(t, uint64(1), stats.Hits)
}

func TestGetSharedAllowsConcurrentReaders(t *testing.T) {
	p, _ := newTestPool(t, 8)
	ctx := context.Background()

	b1, err := p.Get(ctx, 1, 0, 5, false, true, time.Second)
	require.NoError(t, err)
	defer p.Release(1, b1, false, false)

	b2, err := p.Get(ctx, 2, 0, 5, false, true, time.Second)
	require.NoError(t, err)
	defer p.Release(2, b2, false, false)

	assert.Equal(t, b1.Index(), b2.Index())
}

func TestGetWriterExcludesOtherClaimants(t *testing.T) {
	p, _ := newTestPool(t, 8)
	ctx := context.Background()

	b1, err := p.Get(ctx, 1, 0, 5, true, true, time.Second)
	require.NoError(t, err)
	defer p.Release(1, b1, true, false)

	_, err = p.Get(ctx, 2, 0, 5, false, true, 20*time.Millisecond)
	assert.Error(t, err, "a concurrent claim while a writer holds the buffer should time out")
}

func TestReleaseMarksBufferMostRecentlyUsed(t *testing.T) {
	p, _ := newTestPool(t, 8)
	ctx := context.Background()

	b, err := p.Get(ctx, 1, 0, 1, true, true, time.Second)
	require.NoError(t, err)
	p.Release(1, b, true, false)

	stats := p.Stats()
	assert.Equal(t, 1, stats.ValidPages)
	assert.Equal(t, b.Index(), p.buckets[b.bucket].lruHead, "the released buffer must sit at the head of its bucket's LRU list")
}

func TestPageWriteTimestampReportsResidentPage(t *testing.T) {
	p, _ := newTestPool(t, 8)
	ctx := context.Background()

	_, ok := p.PageWriteTimestamp(0, 99)
	assert.False(t, ok, "an unloaded page has no resident write timestamp")

	b, err := p.Get(ctx, 1, 0, 99, true, true, time.Second)
	require.NoError(t, err)
	p.Release(1, b, true, false)

	_, ok = p.PageWriteTimestamp(0, 99)
	assert.True(t, ok)
}

func TestProposeAndCurrentCheckpointTracksPending(t *testing.T) {
	p, _ := newTestPool(t, 8)
	assert.Equal(t, 0, p.PendingCheckpoints())

	p.ProposeCheckpoint(100)
	assert.Equal(t, 1, p.PendingCheckpoints())
}

func TestFlushReturnsZeroWhenNothingDirty(t *testing.T) {
	p, _ := newTestPool(t, 8)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.Equal(t, 0, p.Flush(ctx, 3))
}

func TestInvalidateVolumeDropsUnclaimedPages(t *testing.T) {
	p, _ := newTestPool(t, 8)
	ctx := context.Background()

	b, err := p.Get(ctx, 1, 0, 7, true, true, time.Second)
	require.NoError(t, err)
	p.Release(1, b, true, false)

	n := p.InvalidateVolume(0)
	assert.Equal(t, 1, n)

	_, ok := p.PageWriteTimestamp(0, 7)
	assert.False(t, ok, "invalidated page must no longer be resident")
}

func TestInvalidateVolumeSkipsClaimedPages(t *testing.T) {
	p, _ := newTestPool(t, 8)
	ctx := context.Background()

	b, err := p.Get(ctx, 1, 0, 7, true, true, time.Second)
	require.NoError(t, err)
	defer p.Release(1, b, true, false)

	n := p.InvalidateVolume(0)
	assert.Equal(t, 0, n, "a page claimed by an in-flight transaction must not be invalidated")
}
