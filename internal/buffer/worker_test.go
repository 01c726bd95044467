package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbeng/persistit/internal/claim"
)

func TestPageWriterDrainsDirtyBufferToJournal(t *testing.T) {
	p, j := newTestPool(t, 8)
	ctx := context.Background()

	b, err := p.Get(ctx, 1, 0, 3, true, true, time.Second)
	require.NoError(t, err)
	b.Res.SetBits(claim.DirtyBit)
	p.Release(1, b, true, false)

	require.Eventually(t, func() bool {
		return j.writes.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond, "dirty buffer should be written out by the background page writer")

	require.Eventually(t, func() bool {
		return !b.IsDirty()
	}, 2*time.Second, 10*time.Millisecond, "page writer should clear the dirty bit once the write succeeds")
}

func TestFlushWaitsForDirtyBufferToDrain(t *testing.T) {
	p, _ := newTestPool(t, 8)
	ctx := context.Background()

	b, err := p.Get(ctx, 1, 0, 4, true, true, time.Second)
	require.NoError(t, err)
	b.Res.SetBits(claim.DirtyBit)
	p.Release(1, b, true, false)

	flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	remaining := p.Flush(flushCtx, 50)
	assert.Equal(t, 0, remaining, "Flush should drain the single dirty buffer within its pass budget")
}
