// Package persistit wires the storage-engine core together: BufferPool,
// JournalManager, TransactionIndex, TimelyResource, and the Volume
// collaborator, behind a single Database facade.
package persistit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dbeng/persistit/internal/buffer"
	"github.com/dbeng/persistit/internal/claim"
	"github.com/dbeng/persistit/internal/journal"
	"github.com/dbeng/persistit/internal/metrics"
	"github.com/dbeng/persistit/internal/perr"
	"github.com/dbeng/persistit/internal/timely"
	"github.com/dbeng/persistit/internal/txn"
	"github.com/dbeng/persistit/internal/volume"
)

// Tree is the minimal schema object TimelyResource versions in this core;
// the B+-tree page layout and traversal it would otherwise own are an
// external collaborator (spec §1 Non-goals). Prune has nothing to release
// at this layer — page reclamation belongs to that external collaborator.
type Tree struct {
	Handle       int32
	VolumeHandle int32
	Name         string
	Dropped      bool
}

// Prune implements timely.Pruner.
func (t *Tree) Prune() {}

type volumeEntry struct {
	vol      volume.Volume
	handle   int32
	pageSize int
}

// LiveApplier is re-exported so callers supply the out-of-scope B+-tree
// mutation surface (spec §1: "B+-tree page layout and traversal algorithms"
// is an external collaborator referenced only by interface contract).
type LiveApplier = txn.LiveApplier

// Database is the top-level facade over the storage-engine core.
type Database struct {
	cfg Config
	log zerolog.Logger

	clock   *txn.Allocator
	txIndex *txn.Index
	journal *journal.Manager
	applier LiveApplier

	checkpoints *journal.CheckpointScheduler

	mu           sync.Mutex
	pools        map[int]*buffer.BufferPool // keyed by page size
	volumesByID  map[int64]*volumeEntry
	volumesByHdl map[int32]*volumeEntry

	treesMu sync.Mutex
	trees   map[string]*timely.Resource[*Tree] // keyed by "volumeHandle/name"

	sessionsMu sync.Mutex
	sessions   map[int64]*Session

	commitResource *claim.Resource

	metrics *metrics.Collector
}

// Open constructs a Database from cfg, opening the journal and one
// BufferPool per configured page size. applier supplies the out-of-scope
// live-page mutation surface; it may be nil for tests that only exercise
// the storage-engine core below that layer.
func Open(cfg Config, applier LiveApplier, log zerolog.Logger) (*Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Database{
		cfg:          cfg,
		log:          log,
		clock:        txn.NewAllocator(),
		txIndex:      txn.NewIndex(),
		applier:      applier,
		pools:        make(map[int]*buffer.BufferPool),
		volumesByID:  make(map[int64]*volumeEntry),
		volumesByHdl: make(map[int32]*volumeEntry),
		trees:        make(map[string]*timely.Resource[*Tree]),
		sessions:     make(map[int64]*Session),
	}

	jm, err := journal.Open(journal.Config{
		Dir:              cfg.Journal.Path,
		Prefix:           cfg.Journal.Prefix,
		MaxFileSizeBytes: cfg.Journal.MaxFileSizeBytes,
		Logger:           log.With().Str("component", "journal").Logger(),
		Clock:            d.clock.Next,
	})
	if err != nil {
		return nil, err
	}
	d.journal = jm

	for _, pc := range cfg.Pools {
		pool := buffer.NewBufferPool(buffer.PoolConfig{
			PageSize: pc.PageSize,
			Count:    pc.resolveCount(),
			Logger:   log.With().Str("component", "buffer_pool").Int("page_size", pc.PageSize).Logger(),
		}, jm, d)
		d.pools[pc.PageSize] = pool
	}

	interval := cfg.Journal.CheckpointIntervalSeconds
	if interval <= 0 {
		interval = 60
	}
	// Proposes checkpoints to every pool; each pool independently decides
	// eligibility against its own earliest-dirty-timestamp floor.
	d.checkpoints = journal.NewCheckpointScheduler(interval, d, log.With().Str("component", "checkpoint_scheduler").Logger())
	d.checkpoints.Start()

	d.metrics = metrics.NewCollector(d, d.journal, d, func() int { return d.pendingCheckpoints() })

	return d, nil
}

// ProposeCheckpoint implements journal.CheckpointProposer by fanning out to
// every buffer pool.
func (d *Database) ProposeCheckpoint(ts uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.pools {
		p.ProposeCheckpoint(ts)
	}
}

func (d *Database) pendingCheckpoints() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.pools {
		n += p.PendingCheckpoints()
	}
	return n
}

// Stats implements metrics.PoolSource by summing every pool's counters.
func (d *Database) Stats() metrics.PoolStats {
	d.mu.Lock()
	pools := make([]*buffer.BufferPool, 0, len(d.pools))
	for _, p := range d.pools {
		pools = append(pools, p)
	}
	d.mu.Unlock()

	var out metrics.PoolStats
	for _, p := range pools {
		s := p.Stats()
		out.Gets += s.Gets
		out.Hits += s.Hits
		out.ValidPages += s.ValidPages
		out.DirtyPages += s.DirtyPages
		out.ReaderClaimed += s.ReaderClaimed
		out.WriterClaimed += s.WriterClaimed
		out.Permanent += s.Permanent
	}
	return out
}

// Metrics returns the prometheus.Collector exposing the §6.3 surface.
func (d *Database) Metrics() *metrics.Collector { return d.metrics }

// RollbacksSinceCommit implements metrics.SessionRollbacks.
func (d *Database) RollbacksSinceCommit() map[string]uint64 {
	d.sessionsMu.Lock()
	defer d.sessionsMu.Unlock()
	out := make(map[string]uint64, len(d.sessions))
	for id, s := range d.sessions {
		out[fmt.Sprintf("%d", id)] = s.rollbacksSinceCommit()
	}
	return out
}

// Lookup implements buffer.VolumeLookup.
func (d *Database) Lookup(volumeHandle int32) (volume.Volume, int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.volumesByHdl[volumeHandle]
	if !ok {
		return nil, 0, false
	}
	return e.vol, e.vol.ID(), true
}

// OpenVolume registers vol with the journal (assigning a volume handle) and
// makes it visible to the buffer pool matching its page size.
func (d *Database) OpenVolume(vol volume.Volume, pageSize int) (int32, error) {
	handle, err := d.journal.BindVolume(vol.ID(), vol.Path())
	if err != nil {
		return 0, err
	}
	d.registerVolume(vol, handle, pageSize)
	return handle, nil
}

func (d *Database) registerVolume(vol volume.Volume, handle int32, pageSize int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := &volumeEntry{vol: vol, handle: handle, pageSize: pageSize}
	d.volumesByID[vol.ID()] = e
	d.volumesByHdl[handle] = e
}

func (d *Database) poolFor(volumeHandle int32) (*buffer.BufferPool, bool) {
	d.mu.Lock()
	e, ok := d.volumesByHdl[volumeHandle]
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	d.mu.Lock()
	p, ok := d.pools[e.pageSize]
	d.mu.Unlock()
	return p, ok
}

// --- journal.ApplySink -----------------------------------------------------

// ApplyPage implements journal.ApplySink: recovery writes page images
// directly to the volume, bypassing the buffer pool.
func (d *Database) ApplyPage(volumeHandle int32, pageAddr int64, buf []byte) error {
	d.mu.Lock()
	e, ok := d.volumesByHdl[volumeHandle]
	d.mu.Unlock()
	if !ok {
		if d.cfg.Journal.IgnoreMissingVolumes {
			return nil
		}
		return perr.ErrVolumeNotFound
	}
	return perr.IO(e.vol.WritePage(pageAddr, buf), "replay page image")
}

// ApplyWrite implements journal.ApplySink by delegating to the injected
// LiveApplier (the out-of-scope B+-tree write path).
func (d *Database) ApplyWrite(treeHandle int32, key, value []byte) error {
	if d.applier == nil {
		return nil
	}
	return d.applier.ApplyStore(treeHandle, key, value)
}

// ApplyDeleteRange implements journal.ApplySink.
func (d *Database) ApplyDeleteRange(treeHandle int32, key1, key2 []byte) error {
	if d.applier == nil {
		return nil
	}
	return d.applier.ApplyRemoveRange(treeHandle, key1, key2)
}

// ApplyDeleteTree implements journal.ApplySink.
func (d *Database) ApplyDeleteTree(treeHandle int32) error {
	if d.applier != nil {
		if err := d.applier.ApplyDropTree(treeHandle); err != nil {
			return err
		}
	}
	d.treesMu.Lock()
	for _, r := range d.trees {
		if e := r.Head(); e != nil && e.Value.Handle == treeHandle {
			e.Value.Dropped = true
		}
	}
	d.treesMu.Unlock()
	return nil
}

// ApplyDeleteVolume implements journal.ApplySink: invalidates every cached
// page belonging to the volume.
func (d *Database) ApplyDeleteVolume(volumeHandle int32) error {
	if p, ok := d.poolFor(volumeHandle); ok {
		p.InvalidateVolume(volumeHandle)
	}
	d.mu.Lock()
	if e, ok := d.volumesByHdl[volumeHandle]; ok {
		delete(d.volumesByHdl, volumeHandle)
		delete(d.volumesByID, e.vol.ID())
	}
	d.mu.Unlock()
	return nil
}

// BindVolume implements journal.ApplySink, re-establishing a handle binding
// recovered from an IV record. Unless IgnoreMissingVolumes is set, the
// volume at path must already have been reopened by the caller via
// RegisterRecoveredVolume before Recover runs.
func (d *Database) BindVolume(handle int32, volumeID int64, path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.volumesByID[volumeID]; ok {
		e.handle = handle
		d.volumesByHdl[handle] = e
	}
}

// BindTree implements journal.ApplySink, re-establishing a tree handle
// binding recovered from an IT record.
func (d *Database) BindTree(handle int32, volumeHandle int32, name string) {
	d.treesMu.Lock()
	defer d.treesMu.Unlock()
	key := treeKey(volumeHandle, name)
	r, ok := d.trees[key]
	if !ok {
		r = timely.New[*Tree](d.txIndex)
		d.trees[key] = r
	}
	r.AddVersion(context.Background(), timely.Version{StartTS: 0, Step: 0}, &Tree{Handle: handle, VolumeHandle: volumeHandle, Name: name})
}

// RegisterRecoveredVolume lets the caller pre-open a volume by its on-disk
// path before Recover runs, so BindVolume can re-associate the IV record's
// handle with a live Volume.
func (d *Database) RegisterRecoveredVolume(vol volume.Volume, pageSize int) {
	d.mu.Lock()
	d.volumesByID[vol.ID()] = &volumeEntry{vol: vol, pageSize: pageSize}
	d.mu.Unlock()
}

// Recover replays the journal from base generation against this Database.
func (d *Database) Recover(base uint64) error {
	return journal.Recover(d.cfg.Journal.Path, d.cfg.Journal.Prefix, base, d)
}

// --- tree schema objects (TimelyResource<Tree>) -----------------------------

func treeKey(volumeHandle int32, name string) string {
	return fmt.Sprintf("%d/%s", volumeHandle, name)
}

// CreateTree creates a new tree under MVCC (spec §4.6 add_version).
func (d *Database) CreateTree(ctx context.Context, tx *txn.Transaction, volumeHandle int32, name string) (*Tree, error) {
	handle, err := d.journal.BindTree(volumeHandle, name)
	if err != nil {
		return nil, err
	}
	t := &Tree{Handle: handle, VolumeHandle: volumeHandle, Name: name}

	d.treesMu.Lock()
	key := treeKey(volumeHandle, name)
	r, ok := d.trees[key]
	if !ok {
		r = timely.New[*Tree](d.txIndex)
		d.trees[key] = r
	}
	d.treesMu.Unlock()

	v := timely.Version{StartTS: tx.StartTimestamp(), Step: 0}
	if !r.AddVersion(ctx, v, t) {
		return nil, perr.ErrRollback
	}
	return t, nil
}

// DropTree stages a tombstone version of the named tree (spec §4.6).
func (d *Database) DropTree(ctx context.Context, tx *txn.Transaction, volumeHandle int32, name string) error {
	d.treesMu.Lock()
	r, ok := d.trees[treeKey(volumeHandle, name)]
	d.treesMu.Unlock()
	if !ok {
		return perr.ErrVolumeNotFound
	}
	tombstone := &Tree{Handle: -1, VolumeHandle: volumeHandle, Name: name, Dropped: true}
	dropped := int32(-1)
	if head := r.Head(); head != nil {
		dropped = head.Value.Handle
	}
	v := timely.Version{StartTS: tx.StartTimestamp(), Step: 1}
	if !r.AddVersion(ctx, v, tombstone) {
		return perr.ErrRollback
	}
	_, err := d.journal.AppendDeleteTree(dropped)
	return err
}

// GetTree resolves the visible tree version at (readTS, step) (spec §4.6
// get_version).
func (d *Database) GetTree(volumeHandle int32, name string, readTS uint64, step uint32) (*Tree, bool) {
	d.treesMu.Lock()
	r, ok := d.trees[treeKey(volumeHandle, name)]
	d.treesMu.Unlock()
	if !ok {
		return nil, false
	}
	t, ok := r.GetVersion(readTS, step)
	if !ok || (t != nil && t.Dropped) {
		return nil, false
	}
	return t, true
}

// PruneTrees walks every tree's version chain, dropping entries no live
// reader can observe (spec §4.6 prune).
func (d *Database) PruneTrees() {
	floor := d.txIndex.OldestActiveSnapshot()
	if floor == 0 {
		floor = d.clock.Current()
	}
	d.treesMu.Lock()
	defer d.treesMu.Unlock()
	for _, r := range d.trees {
		r.Prune(floor)
	}
}

// --- session / transaction lifecycle ---------------------------------------

// Session owns one Transaction plus its commit-resource claim and rollback
// bookkeeping.
type Session struct {
	id int64
	tx *txn.Transaction

	mu            sync.Mutex
	rollbackCount uint64
}

func (s *Session) rollbacksSinceCommit() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbackCount
}

// Transaction returns the session's Transaction.
func (s *Session) Transaction() *txn.Transaction { return s.tx }

var sessionSeq atomic.Int64

func nextSessionID() int64 {
	return sessionSeq.Add(1)
}

// pageTimestamps adapts Database to txn.PageTimestamps, dispatching to the
// pool matching the volume's page size.
type pageTimestamps struct{ d *Database }

func (p pageTimestamps) PageWriteTimestamp(volumeHandle int32, pageAddr int64) (uint64, bool) {
	pool, ok := p.d.poolFor(volumeHandle)
	if !ok {
		return 0, false
	}
	return pool.PageWriteTimestamp(volumeHandle, pageAddr)
}

// NewSession opens a new transactional session bound to this Database. The
// global commit resource is shared across every session so commit() can
// claim it exclusively (spec §4.5).
func (d *Database) NewSession() *Session {
	id := nextSessionID()
	s := &Session{id: id}
	commitResource := d.globalCommitResource()
	s.tx = txn.New(id, d.txIndex, d.clock, d.journal, pageTimestamps{d}, d.applier, commitResource, func(tx *txn.Transaction) {
		s.mu.Lock()
		s.rollbackCount = 0
		s.mu.Unlock()
	})
	s.tx.SetRollbackListener(func(tx *txn.Transaction) {
		s.mu.Lock()
		s.rollbackCount++
		s.mu.Unlock()
	})
	d.sessionsMu.Lock()
	d.sessions[id] = s
	d.sessionsMu.Unlock()
	return s
}

// CloseSession releases bookkeeping for a finished session.
func (d *Database) CloseSession(s *Session) {
	d.sessionsMu.Lock()
	delete(d.sessions, s.id)
	d.sessionsMu.Unlock()
}

// globalCommitResource returns the single commit-resource every session's
// Transaction claims around its outermost begin/commit bracket (spec §4.5
// "global transaction resource" / "global commit resource").
func (d *Database) globalCommitResource() *claim.Resource {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.commitResource == nil {
		d.commitResource = claim.New()
	}
	return d.commitResource
}

// Close stops every background worker and flushes+closes the journal.
func (d *Database) Close(ctx context.Context) error {
	d.checkpoints.Stop()
	d.mu.Lock()
	pools := make([]*buffer.BufferPool, 0, len(d.pools))
	for _, p := range d.pools {
		pools = append(pools, p)
	}
	d.mu.Unlock()
	for _, p := range pools {
		p.Flush(ctx, 10)
		p.Close()
	}
	return d.journal.Close()
}

// GC prunes tree versions no longer observable, intended to run
// periodically alongside checkpoints. It removes no TransactionIndex
// entries.
func (d *Database) GC() {
	d.PruneTrees()
}
