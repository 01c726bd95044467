package journal

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// CheckpointProposer receives a proposed checkpoint timestamp on each
// scheduler tick. *buffer.BufferPool satisfies this via ProposeCheckpoint.
type CheckpointProposer interface {
	ProposeCheckpoint(ts uint64)
}

// CheckpointScheduler proposes a checkpoint every CheckpointIntervalSeconds
// on an `@every Ns` cron schedule, supplementing spec §4.3's "periodically"
// with a concrete mechanism (SPEC_FULL.md).
type CheckpointScheduler struct {
	cron     *cron.Cron
	proposer CheckpointProposer
	log      zerolog.Logger
}

// NewCheckpointScheduler builds a scheduler that proposes a checkpoint
// every intervalSeconds seconds.
func NewCheckpointScheduler(intervalSeconds int, proposer CheckpointProposer, log zerolog.Logger) *CheckpointScheduler {
	c := cron.New(cron.WithLocation(time.UTC))
	s := &CheckpointScheduler{cron: c, proposer: proposer, log: log}
	spec := fmt.Sprintf("@every %ds", intervalSeconds)
	c.AddFunc(spec, s.tick)
	return s
}

func (s *CheckpointScheduler) tick() {
	ts := uint64(time.Now().UnixMilli())
	s.proposer.ProposeCheckpoint(ts)
	s.log.Debug().Uint64("timestamp", ts).Msg("proposed checkpoint")
}

// Start begins the cron schedule.
func (s *CheckpointScheduler) Start() { s.cron.Start() }

// Stop halts the schedule and waits for any in-flight tick to finish.
func (s *CheckpointScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
