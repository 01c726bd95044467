package txn

import (
	"context"
	"sync"

	"github.com/dbeng/persistit/internal/claim"
	"github.com/dbeng/persistit/internal/perr"
)

// retryThreshold is the number of consecutive rollbacks after which a
// session switches to pessimistic mode, guaranteeing progress (spec §4.5
// "Retry").
const retryThreshold = 3

// touchedKey identifies a page read during a transaction.
type touchedKey struct {
	volumeHandle int32
	pageAddr     int64
}

// Journal is the narrow view of journal.Manager a Transaction needs.
type Journal interface {
	AppendTxStart() (uint64, error)
	AppendTxJoin(priorTS uint64) (uint64, error)
	AppendTxCommit() (uint64, error)
	AppendTxRollback() (uint64, error)
	AppendWrite(treeHandle int32, key, value []byte) (uint64, error)
	AppendDeleteRange(treeHandle int32, key1, key2 []byte) (uint64, error)
	AppendDeleteTree(treeHandle int32) (uint64, error)
	Force() error
}

// PageTimestamps answers the current write-timestamp of a page, for
// commit-time touched-page verification.
type PageTimestamps interface {
	PageWriteTimestamp(volumeHandle int32, pageAddr int64) (uint64, bool)
}

// LiveApplier applies committed overlay operations to the live trees.
type LiveApplier interface {
	ApplyStore(treeHandle int32, key, value []byte) error
	ApplyRemoveRange(treeHandle int32, key1, key2 []byte) error
	ApplyDropTree(treeHandle int32) error
	DeallocateChain(tail int64) error
}

// CommitListener is invoked after a successful commit.
type CommitListener func(tx *Transaction)

// Transaction is a per-session MVCC context (spec §4.5).
type Transaction struct {
	sessionID int64

	index   *Index
	clock   *Allocator
	journal Journal
	pages   PageTimestamps
	applier LiveApplier
	commit  *claim.Resource // global transaction/commit resource
	onCommit   CommitListener
	onRollback CommitListener

	mu sync.Mutex

	nestedDepth int
	startTS     uint64
	overlay     *Overlay
	touched     map[touchedKey]uint64

	rollbackPending bool
	consecutiveRollbacks int
	pessimistic          bool
	claimHeld            bool // whether this transaction currently holds t.commit
}

// New constructs a Transaction bound to one session.
func New(sessionID int64, index *Index, clock *Allocator, j Journal, pages PageTimestamps, applier LiveApplier, commitResource *claim.Resource, onCommit CommitListener) *Transaction {
	return &Transaction{
		sessionID: sessionID,
		index:     index,
		clock:     clock,
		journal:   j,
		pages:     pages,
		applier:   applier,
		commit:    commitResource,
		onCommit:  onCommit,
		overlay:   NewOverlay(),
		touched:   make(map[touchedKey]uint64),
	}
}

// Begin increments nested depth; if outermost, claims the global
// transaction resource (shared, or exclusive in pessimistic mode) and
// assigns a new start timestamp.
func (t *Transaction) Begin(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nestedDepth++
	if t.nestedDepth > 1 {
		return nil // nested begin reuses the outer timestamp
	}

	writer := t.pessimistic
	if !t.commit.Claim(ctx, t.sessionID, writer, claim.DefaultTimeout) {
		t.nestedDepth--
		return perr.ErrInUse
	}
	t.claimHeld = true
	t.startTS = t.clock.Next()
	t.index.Begin(t.startTS)
	if _, err := t.journal.AppendTxStart(); err != nil {
		t.commit.Release(t.sessionID, writer)
		t.claimHeld = false
		t.nestedDepth--
		return perr.Wrap(err, "append TS record")
	}
	t.rollbackPending = false
	return nil
}

// End decrements nested depth. If outermost and commit did not already
// succeed, it rolls back; the touched-page set is always cleared on exit
// from outermost.
func (t *Transaction) End(ctx context.Context) error {
	t.mu.Lock()
	outermost := t.nestedDepth == 1
	unfinished := t.rollbackPending || t.claimHeld // commit failed or never ran
	t.mu.Unlock()

	var err error
	if outermost && unfinished {
		err = t.Rollback(ctx)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.nestedDepth--
	if t.nestedDepth == 0 {
		t.touched = make(map[touchedKey]uint64)
	}
	return err
}

// Store stages a write into the overlay.
func (t *Transaction) Store(treeHandle int32, key, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overlay.Store(treeHandle, key, value, false, 0)
}

// StoreLong stages a long-record write: only the descriptor is copied into
// the overlay; the chain tail is recorded for rollback deallocation.
func (t *Transaction) StoreLong(treeHandle int32, key, descriptor []byte, chainTail int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overlay.Store(treeHandle, key, descriptor, true, chainTail)
}

// Remove stages a remove of [k1, k2], coalescing overlapping ranges.
func (t *Transaction) Remove(treeHandle int32, k1, k2 []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overlay.RemoveRange(treeHandle, k1, k2)
}

// RemoveTree stages a whole-tree drop.
func (t *Transaction) RemoveTree(treeHandle int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overlay.RemoveTree(treeHandle)
}

// RecordTouch records the (volume, page) snapshot read by this
// transaction, for commit-time validation (spec Invariant 8).
func (t *Transaction) RecordTouch(volumeHandle int32, pageAddr int64, writeTimestamp uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := touchedKey{volumeHandle, pageAddr}
	if _, ok := t.touched[k]; !ok {
		t.touched[k] = writeTimestamp
	}
}

// Fetch consults the overlay first; FetchMiss tells the caller to defer to
// the live tree.
func (t *Transaction) Fetch(treeHandle int32, key []byte) (FetchResult, []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overlay.Fetch(treeHandle, key)
}

// Rollback clears the overlay, deallocates long-record chains that will
// never commit, and signals End to propagate ErrRollback.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	tails := t.overlay.DeallocList()
	t.overlay.Clear()
	t.touched = make(map[touchedKey]uint64)
	startTS := t.startTS
	writer := t.pessimistic
	held := t.claimHeld
	t.mu.Unlock()

	for _, tail := range tails {
		if err := t.applier.DeallocateChain(tail); err != nil {
			return perr.Wrap(err, "deallocate long-record chain on rollback")
		}
	}

	t.index.Abort(startTS)
	t.journal.AppendTxRollback()
	if held {
		t.commit.Release(t.sessionID, writer)
		t.mu.Lock()
		t.claimHeld = false
		t.mu.Unlock()
	}

	t.mu.Lock()
	t.consecutiveRollbacks++
	if t.consecutiveRollbacks >= retryThreshold {
		t.pessimistic = true
	}
	listener := t.onRollback
	t.mu.Unlock()
	if listener != nil {
		listener(t)
	}
	return perr.ErrRollback
}

// Commit implements spec §4.5's seven-step outermost commit. Nested calls
// (depth > 1) return nil without recording anything; only the outermost
// call commits.
func (t *Transaction) Commit(ctx context.Context, toDisk bool) error {
	t.mu.Lock()
	if t.nestedDepth > 1 {
		t.mu.Unlock()
		return nil
	}
	startTS := t.startTS
	touched := make(map[touchedKey]uint64, len(t.touched))
	for k, v := range t.touched {
		touched[k] = v
	}
	writer := t.pessimistic
	t.mu.Unlock()

	// Step 1: claim the global commit resource exclusively.
	if !writer {
		if !t.commit.Upgrade(t.sessionID) {
			// Could not upgrade in place; release and reclaim exclusively.
			t.commit.Release(t.sessionID, false)
			t.mu.Lock()
			t.claimHeld = false
			t.mu.Unlock()
			if !t.commit.Claim(ctx, t.sessionID, true, claim.DefaultTimeout) {
				t.markRollback()
				return perr.ErrInUse
			}
			t.mu.Lock()
			t.claimHeld = true
			t.mu.Unlock()
		}
	}

	// Step 2: re-verify every touched page's current write-timestamp. Any
	// failure below leaves the commit claim held and marks the transaction
	// for rollback; the caller's End() drives the single Rollback() that
	// releases the claim, aborts the txIndex entry, and appends the TR
	// record — Commit itself must never release on a failure path.
	for k, snapshot := range touched {
		cur, ok := t.pages.PageWriteTimestamp(k.volumeHandle, k.pageAddr)
		if !ok || cur != snapshot {
			t.markRollback()
			return perr.Wrap(perr.ErrRollback, "touched page changed since read")
		}
	}

	// Step 3: transaction-start marker so recovery can detect a partial
	// apply (the TS/TJ/TC linkage already recorded in the journal serves
	// this role; see journal.Recover).
	if _, err := t.journal.AppendTxJoin(startTS); err != nil {
		t.markRollback()
		return perr.Wrap(err, "append TJ marker")
	}

	// Step 4: apply overlay records to the live trees in key order.
	t.mu.Lock()
	ops := t.overlay.Ops()
	t.mu.Unlock()
	for _, op := range ops {
		var err error
		switch op.Kind {
		case opStore:
			err = t.applier.ApplyStore(op.TreeHandle, op.Key, op.Value)
		case opRemoveRange:
			err = t.applier.ApplyRemoveRange(op.TreeHandle, op.Key, op.Key2)
		case opDropTree:
			err = t.applier.ApplyDropTree(op.TreeHandle)
		}
		if err != nil {
			t.markRollback()
			return perr.Wrap(err, "apply overlay op")
		}
		switch op.Kind {
		case opRemoveRange:
			_, err = t.journal.AppendDeleteRange(op.TreeHandle, op.Key, op.Key2)
		case opDropTree:
			_, err = t.journal.AppendDeleteTree(op.TreeHandle)
		default:
			_, err = t.journal.AppendWrite(op.TreeHandle, op.Key, op.Value)
		}
		if err != nil {
			t.markRollback()
			return perr.Wrap(err, "append overlay record")
		}
	}

	commitTS, err := t.journal.AppendTxCommit()
	if err != nil {
		t.markRollback()
		return perr.Wrap(err, "append TC record")
	}
	t.index.Commit(startTS, commitTS)

	// Step 5: clear overlay and deallocation list.
	t.mu.Lock()
	t.overlay.Clear()
	t.consecutiveRollbacks = 0
	t.mu.Unlock()

	// Step 6: release the commit resource; force if requested.
	t.commit.Release(t.sessionID, true)
	t.mu.Lock()
	t.claimHeld = false
	t.mu.Unlock()
	if toDisk {
		if err := t.journal.Force(); err != nil {
			return perr.Wrap(err, "force journal on commit")
		}
	}

	// Step 7: invoke the commit listener.
	if t.onCommit != nil {
		t.onCommit(t)
	}
	return nil
}

func (t *Transaction) markRollback() {
	t.mu.Lock()
	t.rollbackPending = true
	t.mu.Unlock()
}

// StartTimestamp returns the transaction's start timestamp (0 before
// Begin).
func (t *Transaction) StartTimestamp() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startTS
}

// SetRollbackListener registers a callback invoked at the end of every
// Rollback, after bookkeeping updates.
func (t *Transaction) SetRollbackListener(fn CommitListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRollback = fn
}

// IsPessimistic reports whether this session has switched to pessimistic
// mode after repeated rollbacks.
func (t *Transaction) IsPessimistic() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pessimistic
}
