package journal

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeProposer struct {
	calls atomic.Int64
}

func (f *fakeProposer) ProposeCheckpoint(ts uint64) { f.calls.Add(1) }

func TestCheckpointSchedulerTicksOnInterval(t *testing.T) {
	proposer := &fakeProposer{}
	s := NewCheckpointScheduler(1, proposer, zerolog.Nop())
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return proposer.calls.Load() >= 1
	}, 3*time.Second, 50*time.Millisecond)
}

func TestCheckpointSchedulerStopsCleanly(t *testing.T) {
	proposer := &fakeProposer{}
	s := NewCheckpointScheduler(1, proposer, zerolog.Nop())
	s.Start()
	s.Stop()

	seen := proposer.calls.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, seen, proposer.calls.Load(), "no further ticks should fire after Stop")
}
