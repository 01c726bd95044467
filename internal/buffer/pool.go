package buffer

import (
	"context"
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbeng/persistit/internal/claim"
	"github.com/dbeng/persistit/internal/perr"
	"github.com/dbeng/persistit/internal/volume"
)

// bucket partitions of the pool. A goroutine may hold at most one bucket's
// lock at a time and must release it before blocking on a buffer claim
// (spec §5 "never acquire a bucket lock while holding a buffer claim").
type bucket struct {
	mu sync.Mutex

	invalidHead int // singly linked stack, via Buffer.next

	lruHead, lruTail       int
	permHead, permTail     int
	dirtyHead, dirtyTail   int
	urgentHead, urgentTail int
}

// PoolConfig configures a BufferPool for one page size (spec §6.4).
type PoolConfig struct {
	PageSize int
	Count    int // number of buffers; mutually exclusive with a memory spec upstream in Config
	Logger   zerolog.Logger
}

// Checkpoint is a proposed or durable checkpoint timestamp (spec §4.3
// "Checkpoint selection").
type Checkpoint struct {
	Timestamp uint64
}

// BufferPool owns a fixed array of Buffers partitioned into buckets, a
// shared hash table mapping (volume, page) to a buffer slot, and the
// DirtyPageCollector/PageWriter background roles.
type BufferPool struct {
	pageSize int
	count    int
	buckets  []bucket
	arena    []*Buffer

	hashTable  []int32 // arena index or none; slot%len(buckets) == owning bucket
	totalSlots int

	getCount uint64
	hitCount uint64

	seed maphash.Seed

	journal Journal
	volumes VolumeLookup
	log     zerolog.Logger

	mu             sync.Mutex // guards checkpoints + closed
	checkpoints    []Checkpoint
	currentCkpt    Checkpoint
	closed         bool

	collector *dirtyPageCollector
	writer    *pageWriter
}

// VolumeLookup resolves a volume handle to its Volume, for buffer loads.
type VolumeLookup interface {
	Lookup(volumeHandle int32) (volume.Volume, int64, bool)
}

// NewBufferPool constructs a pool with cfg.Count buffers of cfg.PageSize
// bytes, partitioned per spec §4.3 ("buckets = count/4096 + 1").
func NewBufferPool(cfg PoolConfig, j Journal, vols VolumeLookup) *BufferPool {
	count := cfg.Count
	if count <= 0 {
		count = 1024
	}
	numBuckets := count/4096 + 1
	totalSlots := (count*13/numBuckets + 1) * numBuckets

	p := &BufferPool{
		pageSize:   cfg.PageSize,
		count:      count,
		buckets:    make([]bucket, numBuckets),
		arena:      make([]*Buffer, count),
		hashTable:  make([]int32, totalSlots),
		totalSlots: totalSlots,
		seed:       maphash.MakeSeed(),
		journal:    j,
		volumes:    vols,
		log:        cfg.Logger,
	}
	for i := range p.hashTable {
		p.hashTable[i] = none
	}
	for i := range p.buckets {
		b := &p.buckets[i]
		b.invalidHead, b.lruHead, b.lruTail = none, none, none
		b.permHead, b.permTail = none, none
		b.dirtyHead, b.dirtyTail = none, none
		b.urgentHead, b.urgentTail = none, none
	}
	for i := 0; i < count; i++ {
		buf := newBuffer(i, cfg.PageSize)
		buf.bucket = p.bucketOf(i)
		p.arena[i] = buf
		bk := &p.buckets[buf.bucket]
		p.pushInvalid(bk, buf)
	}

	p.collector = newDirtyPageCollector(p, cfg.Logger)
	p.writer = newPageWriter(p, cfg.Logger)
	p.collector.start()
	p.writer.start()
	return p
}

// bucketOf maps a freshly constructed buffer's arena index round-robin to a
// bucket, matching "buckets = count/4096 + 1" partitioning.
func (p *BufferPool) bucketOf(arenaIndex int) int {
	return arenaIndex % len(p.buckets)
}

func (p *BufferPool) hashAndBucket(volumeHandle int32, pageAddr int64) (slot int, bk int) {
	var h maphash.Hash
	h.SetSeed(p.seed)
	var buf [12]byte
	buf[0], buf[1], buf[2], buf[3] = byte(volumeHandle), byte(volumeHandle>>8), byte(volumeHandle>>16), byte(volumeHandle>>24)
	for i := 0; i < 8; i++ {
		buf[4+i] = byte(pageAddr >> (8 * i))
	}
	h.Write(buf[:])
	sum := h.Sum64()
	slot = int(sum % uint64(p.totalSlots))
	bk = slot % len(p.buckets)
	return
}

// Get returns the buffer for (volumeHandle, pageAddr), installing a victim
// on a miss. writer requests an exclusive claim; otherwise shared. owner
// identifies the caller for claim reentrancy. Implements the lookup
// protocol of spec §4.3.
func (p *BufferPool) Get(ctx context.Context, owner int64, volumeHandle int32, pageAddr int64, writer, wantRead bool, timeout time.Duration) (*Buffer, error) {
	atomic.AddUint64(&p.getCount, 1)
	slot, bk := p.hashAndBucket(volumeHandle, pageAddr)

	for {
		p.buckets[bk].mu.Lock()
		idx := p.hashTable[slot]
		for idx != none {
			b := p.arena[idx]
			if b.volumeHandle == volumeHandle && b.pageAddr == pageAddr && b.Res.TestBits(claim.ValidBit) {
				p.buckets[bk].mu.Unlock()
				if !b.Res.Claim(ctx, owner, writer, timeout) {
					return nil, perr.ErrInUse
				}
				// Recheck identity: the buffer may have been evicted and
				// reinstalled between dropping the bucket lock and the
				// claim completing.
				if b.volumeHandle != volumeHandle || b.pageAddr != pageAddr || !b.Res.TestBits(claim.ValidBit) {
					b.Res.Release(owner, writer)
					continue
				}
				if writer && b.Res.TestBits(claim.DirtyBit) && b.writeTimestamp < p.checkpointFloor() {
					p.forceUrgent(b)
					b.Res.Release(owner, writer)
					continue
				}
				atomic.AddUint64(&p.hitCount, 1)
				if !writer {
					// shared demotion not needed; already shared
				}
				return b, nil
			}
			idx = b.hashNext
		}
		// Miss: allocate a victim under this bucket's lock.
		victim := p.allocBuffer(bk)
		if victim == nil {
			p.buckets[bk].mu.Unlock()
			p.collector.kick()
			select {
			case <-time.After(time.Millisecond):
			case <-ctx.Done():
				return nil, perr.ErrInterrupted
			}
			continue
		}
		if !victim.Res.Claim(ctx, owner, true, timeout) {
			p.pushInvalid(&p.buckets[bk], victim)
			p.buckets[bk].mu.Unlock()
			return nil, perr.ErrInUse
		}
		// Publish the victim's new identity before it becomes hash-reachable:
		// a concurrent Get for (volumeHandle, pageAddr) must find this
		// in-progress build and queue behind its writer claim rather than
		// missing and installing a second buffer for the same key.
		victim.volumeHandle = volumeHandle
		victim.pageAddr = pageAddr
		victim.hashNext = p.hashTable[slot]
		p.hashTable[slot] = int32(victim.index)
		victim.Res.SetBits(claim.ValidBit)
		p.buckets[bk].mu.Unlock()

		if wantRead {
			vol, volID, ok := p.volumes.Lookup(volumeHandle)
			if !ok {
				victim.Res.ClearBits(claim.ValidBit)
				victim.Res.Release(owner, true)
				return nil, perr.ErrVolumeNotFound
			}
			if err := victim.load(vol, volID, volumeHandle, pageAddr); err != nil {
				p.buckets[bk].mu.Lock()
				p.unhash(slot, victim.index)
				p.pushInvalid(&p.buckets[bk], victim)
				p.buckets[bk].mu.Unlock()
				victim.Res.Release(owner, true)
				return nil, perr.IO(err, "load page")
			}
		} else {
			for i := range victim.bytes {
				victim.bytes[i] = 0
			}
		}

		if !writer {
			victim.Res.Release(owner, true)
			if !victim.Res.Claim(ctx, owner, false, timeout) {
				return nil, perr.ErrInUse
			}
		}
		return victim, nil
	}
}

func (p *BufferPool) unhash(slot int, arenaIdx int) {
	cur := p.hashTable[slot]
	if cur == int32(arenaIdx) {
		p.hashTable[slot] = p.arena[arenaIdx].hashNext
		return
	}
	for cur != none {
		b := p.arena[cur]
		if b.hashNext == int32(arenaIdx) {
			b.hashNext = p.arena[arenaIdx].hashNext
			return
		}
		cur = b.hashNext
	}
}

// allocBuffer implements §4.3 step 4: pop from invalid, else scavenge LRU
// for a clean unclaimed buffer, else nil (caller must kick the collector).
func (p *BufferPool) allocBuffer(bk int) *Buffer {
	b := &p.buckets[bk]
	if b.invalidHead != none {
		v := p.arena[b.invalidHead]
		p.unlink(b, v)
		return v
	}
	for idx := b.lruTail; idx != none; {
		v := p.arena[idx]
		prev := v.prev
		if v.Res.ClaimCount() == 0 && !v.Res.TestBits(claim.DirtyBit) {
			p.unlink(b, v)
			v.Res.ClearBits(claim.ValidBit)
			return v
		}
		idx = prev
	}
	return nil
}

// Release releases a claim previously obtained from Get and moves the
// buffer to MRU on its bucket's LRU list (unless permanent).
func (p *BufferPool) Release(owner int64, b *Buffer, writer, permanent bool) {
	bk := &p.buckets[b.bucket]
	bk.mu.Lock()
	if b.kind != listPerm {
		p.unlinkAny(bk, b)
		if permanent {
			p.pushPerm(bk, b)
		} else {
			p.pushLRUFront(bk, b)
		}
	}
	bk.mu.Unlock()
	b.Res.Release(owner, writer)
}

func (p *BufferPool) forceUrgent(b *Buffer) {
	bk := &p.buckets[b.bucket]
	bk.mu.Lock()
	defer bk.mu.Unlock()
	p.unlinkAny(bk, b)
	p.pushUrgent(bk, b)
}

// PageWriteTimestamp reports the current write-timestamp of a resident
// page without claiming it, for Transaction's commit-time touched-page
// verification (spec Invariant 8). Returns false if the page is not
// currently resident — the caller must then treat validation as failed,
// since an evicted-and-possibly-rewritten page cannot be proven unchanged.
func (p *BufferPool) PageWriteTimestamp(volumeHandle int32, pageAddr int64) (uint64, bool) {
	slot, bk := p.hashAndBucket(volumeHandle, pageAddr)
	p.buckets[bk].mu.Lock()
	defer p.buckets[bk].mu.Unlock()
	idx := p.hashTable[slot]
	for idx != none {
		b := p.arena[idx]
		if b.volumeHandle == volumeHandle && b.pageAddr == pageAddr && b.Res.TestBits(claim.ValidBit) {
			return b.writeTimestamp, true
		}
		idx = b.hashNext
	}
	return 0, false
}

func (p *BufferPool) checkpointFloor() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentCkpt.Timestamp
}

// ProposeCheckpoint adds a pending checkpoint proposal for the writer to
// consider on its next drain pass (spec §4.3 "Checkpoint selection").
func (p *BufferPool) ProposeCheckpoint(ts uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkpoints = append(p.checkpoints, Checkpoint{Timestamp: ts})
}

// PendingCheckpoints reports how many proposed checkpoints have not yet
// been made durable, for the §6.3 management surface.
func (p *BufferPool) PendingCheckpoints() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.checkpoints)
}

// CurrentCheckpoint returns the newest durable checkpoint.
func (p *BufferPool) CurrentCheckpoint() Checkpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentCkpt
}

// PageSize returns the page size this pool was configured for.
func (p *BufferPool) PageSize() int { return p.pageSize }

// Stats implements the §6.3 management/observation counters this pool
// contributes.
type Stats struct {
	Gets, Hits                              uint64
	ValidPages, DirtyPages                  int
	ReaderClaimed, WriterClaimed, Permanent int
}

// Stats snapshots the pool's counters. Accepts a slightly inconsistent view
// across buckets in exchange for never holding two bucket locks at once
// (spec §5 lock-ordering discipline).
func (p *BufferPool) Stats() Stats {
	s := Stats{
		Gets: atomic.LoadUint64(&p.getCount),
		Hits: atomic.LoadUint64(&p.hitCount),
	}
	for i := range p.buckets {
		bk := &p.buckets[i]
		bk.mu.Lock()
		for idx := bk.lruHead; idx != none; idx = p.arena[idx].next {
			b := p.arena[idx]
			p.accumulate(&s, b)
		}
		for idx := bk.permHead; idx != none; idx = p.arena[idx].next {
			p.accumulate(&s, p.arena[idx])
		}
		for _, head := range []int{bk.dirtyHead, bk.urgentHead} {
			for idx := head; idx != none; idx = p.arena[idx].next {
				p.accumulate(&s, p.arena[idx])
			}
		}
		bk.mu.Unlock()
	}
	return s
}

func (p *BufferPool) accumulate(s *Stats, b *Buffer) {
	if b.Res.TestBits(claim.ValidBit) {
		s.ValidPages++
	}
	if b.Res.TestBits(claim.DirtyBit) {
		s.DirtyPages++
	}
	if b.Res.IsWriterHeld() {
		s.WriterClaimed++
	} else if b.Res.ClaimCount() > 0 {
		s.ReaderClaimed++
	}
	if b.kind == listPerm {
		s.Permanent++
	}
}

// Flush synchronously drains every dirty, non-writer-held buffer, retrying
// a bounded number of passes. Returns the count that could not be flushed
// (spec §4.3 flush()).
func (p *BufferPool) Flush(ctx context.Context, maxPasses int) int {
	for pass := 0; pass < maxPasses; pass++ {
		pending := p.enqueueAllDirty()
		if pending == 0 {
			return 0
		}
		p.collector.kick()
		p.writer.kick()
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return pending
		}
	}
	return p.countPendingDirty()
}

func (p *BufferPool) enqueueAllDirty() int {
	n := 0
	for i := range p.buckets {
		bk := &p.buckets[i]
		bk.mu.Lock()
		for idx := bk.lruHead; idx != none; {
			b := p.arena[idx]
			next := b.next
			if b.Res.TestBits(claim.DirtyBit) && !b.Res.IsWriterHeld() {
				p.unlinkAny(bk, b)
				p.pushUrgent(bk, b)
			}
			idx = next
		}
		for _, head := range []int{bk.urgentHead, bk.dirtyHead} {
			for idx := head; idx != none; idx = p.arena[idx].next {
				n++
			}
		}
		bk.mu.Unlock()
	}
	return n
}

func (p *BufferPool) countPendingDirty() int {
	n := 0
	for i := range p.buckets {
		bk := &p.buckets[i]
		bk.mu.Lock()
		for idx := bk.urgentHead; idx != none; idx = p.arena[idx].next {
			n++
		}
		for idx := bk.dirtyHead; idx != none; idx = p.arena[idx].next {
			n++
		}
		bk.mu.Unlock()
	}
	return n
}

// InvalidateVolume evicts every buffer belonging to volumeHandle,
// supporting bulk invalidation by volume (spec §4.3 responsibility).
// Buffers currently claimed are skipped; the caller should retry after
// those claims drain if it needs a hard guarantee.
func (p *BufferPool) InvalidateVolume(volumeHandle int32) int {
	invalidated := 0
	for i := range p.buckets {
		bk := &p.buckets[i]
		bk.mu.Lock()
		for slot := range p.hashTable {
			if slot%len(p.buckets) != i {
				continue
			}
			idx := p.hashTable[slot]
			var prev int32 = none
			for idx != none {
				b := p.arena[idx]
				next := b.hashNext
				if b.volumeHandle == volumeHandle && b.Res.ClaimCount() == 0 {
					if prev == none {
						p.hashTable[slot] = next
					} else {
						p.arena[prev].hashNext = next
					}
					b.Res.ClearBits(claim.ValidBit | claim.DirtyBit)
					p.unlinkAny(bk, b)
					p.pushInvalid(bk, b)
					invalidated++
				} else {
					prev = idx
				}
				idx = next
			}
		}
		bk.mu.Unlock()
	}
	return invalidated
}

// Close stops the background workers and waits for them to report stopped.
func (p *BufferPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.collector.stop()
	p.writer.stop()
}

// --- arena-index list helpers -------------------------------------------
// All list manipulation below assumes the caller holds the relevant
// bucket's lock.

func (p *BufferPool) pushInvalid(bk *bucket, b *Buffer) {
	b.kind = listInvalid
	b.prev = none
	b.next = bk.invalidHead
	bk.invalidHead = b.index
}

func (p *BufferPool) pushLRUFront(bk *bucket, b *Buffer) {
	b.kind = listLRU
	b.prev = none
	b.next = bk.lruHead
	if bk.lruHead != none {
		p.arena[bk.lruHead].prev = b.index
	}
	bk.lruHead = b.index
	if bk.lruTail == none {
		bk.lruTail = b.index
	}
}

func (p *BufferPool) pushPerm(bk *bucket, b *Buffer) {
	b.kind = listPerm
	b.prev = none
	b.next = bk.permHead
	if bk.permHead != none {
		p.arena[bk.permHead].prev = b.index
	}
	bk.permHead = b.index
	if bk.permTail == none {
		bk.permTail = b.index
	}
}

func (p *BufferPool) pushDirty(bk *bucket, b *Buffer) {
	b.kind = listDirty
	b.prev = none
	b.next = bk.dirtyHead
	if bk.dirtyHead != none {
		p.arena[bk.dirtyHead].prev = b.index
	}
	bk.dirtyHead = b.index
	if bk.dirtyTail == none {
		bk.dirtyTail = b.index
	}
}

func (p *BufferPool) pushUrgent(bk *bucket, b *Buffer) {
	b.kind = listUrgent
	b.prev = none
	b.next = bk.urgentHead
	if bk.urgentHead != none {
		p.arena[bk.urgentHead].prev = b.index
	}
	bk.urgentHead = b.index
	if bk.urgentTail == none {
		bk.urgentTail = b.index
	}
}

// unlink removes b from whatever list it is on, using the head/tail pair
// implied by b.kind. Used for the invalid-list pop path.
func (p *BufferPool) unlink(bk *bucket, b *Buffer) {
	p.unlinkAny(bk, b)
}

func (p *BufferPool) unlinkAny(bk *bucket, b *Buffer) {
	head, tail := p.headTail(bk, b.kind)
	if b.prev != none {
		p.arena[b.prev].next = b.next
	} else if *head == b.index {
		*head = b.next
	}
	if b.next != none {
		p.arena[b.next].prev = b.prev
	} else if *tail == b.index {
		*tail = b.prev
	}
	b.prev, b.next = none, none
	b.kind = listNone
}

func (p *BufferPool) headTail(bk *bucket, kind listKind) (*int, *int) {
	switch kind {
	case listInvalid:
		return &bk.invalidHead, &bk.invalidHead
	case listLRU:
		return &bk.lruHead, &bk.lruTail
	case listPerm:
		return &bk.permHead, &bk.permTail
	case listDirty:
		return &bk.dirtyHead, &bk.dirtyTail
	case listUrgent:
		return &bk.urgentHead, &bk.urgentTail
	default:
		var z int = none
		return &z, &z
	}
}
