package buffer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbeng/persistit/internal/claim"
	"github.com/dbeng/persistit/internal/metrics"
)

// scanBudget bounds how many buffers a single DirtyPageCollector pass
// inspects per bucket, per spec §4.3 "(bounded per pass)".
const scanBudget = 256

// dirtyPageCollector is the one-per-pool background role that scans each
// bucket's LRU and perm lists, moving dirty non-writer-held buffers onto
// the bucket's dirty list and waking the writer. The invalid list is not
// scanned.
type dirtyPageCollector struct {
	pool *BufferPool
	log  zerolog.Logger

	kickCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

func newDirtyPageCollector(p *BufferPool, log zerolog.Logger) *dirtyPageCollector {
	return &dirtyPageCollector{
		pool:   p,
		log:    log.With().Str("role", "dirty_page_collector").Logger(),
		kickCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (c *dirtyPageCollector) start() {
	go c.run()
}

// kick wakes the collector for an extra pass without blocking the caller.
func (c *dirtyPageCollector) kick() {
	select {
	case c.kickCh <- struct{}{}:
	default:
	}
}

func (c *dirtyPageCollector) stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *dirtyPageCollector) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.pass()
		case <-c.kickCh:
			c.pass()
		}
	}
}

func (c *dirtyPageCollector) pass() {
	moved := 0
	for i := range c.pool.buckets {
		bk := &c.pool.buckets[i]
		bk.mu.Lock()
		moved += c.scanList(bk, bk.lruHead)
		moved += c.scanList(bk, bk.permHead)
		bk.mu.Unlock()
	}
	if moved > 0 {
		c.log.Debug().Int("moved", moved).Msg("moved buffers to dirty list")
		c.pool.writer.kick()
	}
}

func (c *dirtyPageCollector) scanList(bk *bucket, head int) int {
	moved := 0
	idx := head
	for n := 0; idx != none && n < scanBudget; n++ {
		b := c.pool.arena[idx]
		next := b.next
		if b.Res.TestBits(claim.DirtyBit) && !b.Res.IsWriterHeld() {
			c.pool.unlinkAny(bk, b)
			c.pool.pushDirty(bk, b)
			moved++
		}
		idx = next
	}
	return moved
}

// pageWriter is the one-per-pool background role that drains the urgent
// then dirty lists, writes each buffer to the journal, and advances
// durable checkpoints.
type pageWriter struct {
	pool *BufferPool
	log  zerolog.Logger

	kickCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	writeFailures uint64
}

func newPageWriter(p *BufferPool, log zerolog.Logger) *pageWriter {
	return &pageWriter{
		pool:   p,
		log:    log.With().Str("role", "page_writer").Logger(),
		kickCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (w *pageWriter) start() {
	go w.run()
}

func (w *pageWriter) kick() {
	select {
	case w.kickCh <- struct{}{}:
	default:
	}
}

func (w *pageWriter) stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *pageWriter) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.pass()
		case <-w.kickCh:
			w.pass()
		}
	}
}

// pass picks buffers from urgent then dirty lists, claims each as writer,
// writes it to the journal, clears dirty, and notifies bucket waiters.
func (w *pageWriter) pass() {
	minDirtyTS := uint64(1<<64 - 1)
	any := false
	for i := range w.pool.buckets {
		bk := &w.pool.buckets[i]
		bk.mu.Lock()
		candidates := w.collect(bk, bk.urgentHead)
		candidates = append(candidates, w.collect(bk, bk.dirtyHead)...)
		bk.mu.Unlock()

		for _, idx := range candidates {
			b := w.pool.arena[idx]
			ctx, cancel := context.WithTimeout(context.Background(), claim.DefaultTimeout)
			ok := b.Res.Claim(ctx, writerOwnerToken, true, 0)
			cancel()
			if !ok {
				continue // contended; leave for next pass
			}
			any = true
			writeStart := time.Now()
			if err := b.writeToJournal(w.pool.journal); err != nil {
				w.writeFailures++
				w.log.Error().Err(err).Int64("page", b.pageAddr).Msg("page write failed")
				b.Res.Release(writerOwnerToken, true)
				continue
			}
			metrics.ObserveWriteLatency(time.Since(writeStart))
			bk.mu.Lock()
			if b.kind == listDirty || b.kind == listUrgent {
				w.pool.unlinkAny(bk, b)
				w.pool.pushLRUFront(bk, b)
			}
			bk.mu.Unlock()
			b.Res.Release(writerOwnerToken, true)
		}
	}
	if any {
		w.selectCheckpoint(minDirtyTS)
	}
}

// writerOwnerToken identifies the PageWriter as claim owner; it never
// re-enters reentrantly so any fixed non-zero value is adequate.
const writerOwnerToken int64 = -1

func (w *pageWriter) collect(bk *bucket, head int) []int {
	var out []int
	for idx := head; idx != none; idx = w.pool.arena[idx].next {
		out = append(out, idx)
	}
	return out
}

// selectCheckpoint makes the newest pending checkpoint whose floor has been
// cleared by this pass the pool's current checkpoint, discarding older
// eligible proposals (spec §4.3 "Checkpoint selection"). It appends no CP
// record to the journal.
func (w *pageWriter) selectCheckpoint(minDirtyTS uint64) {
	floor := w.pool.minDirtyTimestamp()

	w.pool.mu.Lock()
	defer w.pool.mu.Unlock()
	var eligible *Checkpoint
	var rest []Checkpoint
	for i := range w.pool.checkpoints {
		cp := w.pool.checkpoints[i]
		if cp.Timestamp <= floor {
			if eligible == nil || cp.Timestamp > eligible.Timestamp {
				if eligible != nil {
					// older proposal superseded
				}
				cpCopy := cp
				eligible = &cpCopy
			}
		} else {
			rest = append(rest, cp)
		}
	}
	w.pool.checkpoints = rest
	if eligible != nil && eligible.Timestamp > w.pool.currentCkpt.Timestamp {
		w.pool.currentCkpt = *eligible
	}
}

// minDirtyTimestamp scans all buckets for the minimum write-timestamp among
// still-dirty buffers, the "earliest-dirty-timestamp floor" of spec §4.3/§7.
func (p *BufferPool) minDirtyTimestamp() uint64 {
	min := uint64(1<<64 - 1)
	for i := range p.buckets {
		bk := &p.buckets[i]
		bk.mu.Lock()
		for _, head := range []int{bk.dirtyHead, bk.urgentHead, bk.lruHead, bk.permHead} {
			for idx := head; idx != none; idx = p.arena[idx].next {
				b := p.arena[idx]
				if b.Res.TestBits(claim.DirtyBit) && b.writeTimestamp < min {
					min = b.writeTimestamp
				}
			}
		}
		bk.mu.Unlock()
	}
	return min
}
