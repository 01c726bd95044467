package claim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResourceStartsValid(t *testing.T) {
	r := New()
	assert.True(t, r.TestBits(ValidBit))
	assert.False(t, r.IsWriterHeld())
	assert.Equal(t, 0, r.ClaimCount())
}

func TestClaimSharedAllowsMultipleReaders(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.True(t, r.Claim(ctx, 1, false, 0))
	require.True(t, r.Claim(ctx, 2, false, 0))
	assert.Equal(t, 2, r.ClaimCount())
	assert.False(t, r.IsWriterHeld())
}

func TestClaimExclusiveBlocksReaders(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.True(t, r.Claim(ctx, 1, true, 0))
	assert.False(t, r.Claim(ctx, 2, false, 0))
	assert.Equal(t, int64(1), r.Owner())
}

func TestClaimReentrantForWriter(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.True(t, r.Claim(ctx, 1, true, 0))
	require.True(t, r.Claim(ctx, 1, true, 0)) // reentrant
	assert.Equal(t, 2, r.ClaimCount())
}

func TestUpgradeSoleReader(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.True(t, r.Claim(ctx, 1, false, 0))
	assert.True(t, r.Upgrade(1))
	assert.True(t, r.IsWriterHeld())
	assert.Equal(t, int64(1), r.Owner())
}

func TestUpgradeFailsWithOtherReaders(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.True(t, r.Claim(ctx, 1, false, 0))
	require.True(t, r.Claim(ctx, 2, false, 0))
	assert.False(t, r.Upgrade(1))
}

func TestReleaseWakesQueuedWaiter(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.True(t, r.Claim(ctx, 1, true, 0))

	done := make(chan bool, 1)
	go func() {
		done <- r.Claim(ctx, 2, true, time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	r.Release(1, true)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never woken")
	}
}

func TestClaimTimesOutWhenUnavailable(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.True(t, r.Claim(ctx, 1, true, 0))
	start := time.Now()
	ok := r.Claim(ctx, 2, true, 50*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestClaimRespectsContextCancellation(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.True(t, r.Claim(ctx, 1, true, 0))

	cctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	ok := r.Claim(cctx, 2, true, time.Minute)
	assert.False(t, ok)
}

func TestStatusBitsIndependentOfLockBits(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.True(t, r.Claim(ctx, 1, true, 0))
	r.SetBits(DirtyBit)
	assert.True(t, r.TestBits(DirtyBit))
	assert.True(t, r.IsWriterHeld())
	r.ClearBits(DirtyBit)
	assert.False(t, r.TestBits(DirtyBit))
	assert.True(t, r.IsWriterHeld())
}

func TestReleaseWithoutClaimPanics(t *testing.T) {
	r := New()
	assert.Panics(t, func() {
		r.Release(1, false)
	})
}

func TestConcurrentReadersAndWriterFairness(t *testing.T) {
	r := New()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(owner int64) {
			defer wg.Done()
			if r.Claim(ctx, owner, false, time.Second) {
				time.Sleep(time.Millisecond)
				r.Release(owner, false)
			}
		}(int64(i + 1))
	}
	writerGranted := make(chan bool, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ok := r.Claim(ctx, 100, true, time.Second)
		if ok {
			r.Release(100, true)
		}
		writerGranted <- ok
	}()
	wg.Wait()
	assert.True(t, <-writerGranted, "the writer must be granted the claim among concurrent readers")
	assert.Equal(t, 0, r.ClaimCount())
	assert.False(t, r.IsWriterHeld())
}
