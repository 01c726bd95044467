package txn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbeng/persistit/internal/claim"
	"github.com/dbeng/persistit/internal/perr"
)

type fakeJournal struct {
	clock *Allocator

	joins        []uint64
	writes       int
	deleteRanges [][2]string
	deleteTrees  []int32
	committed    bool
	rolledBack   bool
}

func (j *fakeJournal) AppendTxStart() (uint64, error)             { return j.clock.Next(), nil }
func (j *fakeJournal) AppendTxJoin(priorTS uint64) (uint64, error) {
	j.joins = append(j.joins, priorTS)
	return j.clock.Next(), nil
}
func (j *fakeJournal) AppendTxCommit() (uint64, error)   { j.committed = true; return j.clock.Next(), nil }
func (j *fakeJournal) AppendTxRollback() (uint64, error) { j.rolledBack = true; return j.clock.Next(), nil }
func (j *fakeJournal) AppendWrite(int32, []byte, []byte) (uint64, error) {
	j.writes++
	return j.clock.Next(), nil
}
func (j *fakeJournal) AppendDeleteRange(_ int32, key1, key2 []byte) (uint64, error) {
	j.deleteRanges = append(j.deleteRanges, [2]string{string(key1), string(key2)})
	return j.clock.Next(), nil
}
func (j *fakeJournal) AppendDeleteTree(treeHandle int32) (uint64, error) {
	j.deleteTrees = append(j.deleteTrees, treeHandle)
	return j.clock.Next(), nil
}
func (j *fakeJournal) Force() error { return nil }

type fakePages struct {
	ts map[touchedKey]uint64
}

func (p *fakePages) PageWriteTimestamp(volumeHandle int32, pageAddr int64) (uint64, bool) {
	v, ok := p.ts[touchedKey{volumeHandle, pageAddr}]
	return v, ok
}

type fakeApplier struct {
	stores      []string
	removes     int
	drops       int
	deallocated []int64
}

func (a *fakeApplier) ApplyStore(treeHandle int32, key, value []byte) error {
	a.stores = append(a.stores, string(key))
	return nil
}
func (a *fakeApplier) ApplyRemoveRange(int32, []byte, []byte) error { a.removes++; return nil }
func (a *fakeApplier) ApplyDropTree(int32) error                    { a.drops++; return nil }
func (a *fakeApplier) DeallocateChain(tail int64) error {
	a.deallocated = append(a.deallocated, tail)
	return nil
}

func newTestTransaction(t *testing.T) (*Transaction, *fakeJournal, *fakePages, *fakeApplier) {
	t.Helper()
	clock := NewAllocator()
	index := NewIndex()
	j := &fakeJournal{clock: clock}
	pages := &fakePages{ts: make(map[touchedKey]uint64)}
	applier := &fakeApplier{}
	commit := claim.New()
	tx := New(1, index, clock, j, pages, applier, commit, nil)
	return tx, j, pages, applier
}

func TestTransactionCommitAppliesStagedStore(t *testing.T) {
	tx, j, _, applier := newTestTransaction(t)
	ctx := context.Background()

	require.NoError(t, tx.Begin(ctx))
	tx.Store(1, []byte("k"), []byte("v"))
	require.NoError(t, tx.Commit(ctx, false))

	assert.Equal(t, []string{"k"}, applier.stores)
	assert.True(t, j.committed)
	assert.Equal(t, 1, j.writes)
	require.NoError(t, tx.End(ctx))
}

func TestTransactionRollbackDeallocatesLongChain(t *testing.T) {
	tx, j, _, applier := newTestTransaction(t)
	ctx := context.Background()

	require.NoError(t, tx.Begin(ctx))
	tx.StoreLong(1, []byte("k"), []byte("descriptor"), 99)

	err := tx.Rollback(ctx)
	assert.ErrorIs(t, err, perr.ErrRollback)
	assert.Equal(t, []int64{99}, applier.deallocated)
	assert.True(t, j.rolledBack)
	require.NoError(t, tx.End(ctx))
}

func TestTransactionCommitRejectsStalePage(t *testing.T) {
	tx, _, pages, _ := newTestTransaction(t)
	ctx := context.Background()

	require.NoError(t, tx.Begin(ctx))
	tx.RecordTouch(1, 100, 5)
	pages.ts[touchedKey{1, 100}] = 9 // page changed since it was read

	err := tx.Commit(ctx, false)
	assert.ErrorIs(t, err, perr.ErrRollback)
	require.ErrorIs(t, tx.End(ctx), perr.ErrRollback) // End observes rollbackPending and rolls back
}

func TestTransactionFetchConsultsOverlayBeforeCommit(t *testing.T) {
	tx, _, _, _ := newTestTransaction(t)
	ctx := context.Background()
	require.NoError(t, tx.Begin(ctx))
	tx.Store(1, []byte("k"), []byte("v"))

	kind, val := tx.Fetch(1, []byte("k"))
	assert.Equal(t, FetchStored, kind)
	assert.Equal(t, []byte("v"), val)
	require.NoError(t, tx.Commit(ctx, false))
}

func TestTransactionNestedBeginReusesStartTimestamp(t *testing.T) {
	tx, _, _, _ := newTestTransaction(t)
	ctx := context.Background()
	require.NoError(t, tx.Begin(ctx))
	outer := tx.StartTimestamp()
	require.NoError(t, tx.Begin(ctx)) // nested
	assert.Equal(t, outer, tx.StartTimestamp())
	require.NoError(t, tx.End(ctx)) // unwind nested
	require.NoError(t, tx.Commit(ctx, false))
	require.NoError(t, tx.End(ctx))
}

func TestTransactionPessimisticAfterRepeatedRollbacks(t *testing.T) {
	tx, _, _, _ := newTestTransaction(t)
	ctx := context.Background()

	for i := 0; i < retryThreshold; i++ {
		require.NoError(t, tx.Begin(ctx))
		assert.False(t, tx.IsPessimistic())
		require.Error(t, tx.Rollback(ctx))
		require.NoError(t, tx.End(ctx))
	}
	assert.True(t, tx.IsPessimistic(), "three consecutive rollbacks should flip the session to pessimistic mode")
}

func TestTransactionRollbackListenerInvoked(t *testing.T) {
	tx, _, _, _ := newTestTransaction(t)
	ctx := context.Background()

	var invoked bool
	tx.SetRollbackListener(func(*Transaction) { invoked = true })

	require.NoError(t, tx.Begin(ctx))
	require.Error(t, tx.Rollback(ctx))
	require.NoError(t, tx.End(ctx))
	assert.True(t, invoked)
}

func TestTransactionCommitJournalsRemoveRangeAsDeleteRange(t *testing.T) {
	tx, j, _, applier := newTestTransaction(t)
	ctx := context.Background()

	require.NoError(t, tx.Begin(ctx))
	tx.Remove(1, []byte("a"), []byte("m"))
	require.NoError(t, tx.Commit(ctx, false))
	require.NoError(t, tx.End(ctx))

	assert.Equal(t, 1, applier.removes)
	assert.Equal(t, 0, j.writes, "a remove-range must never be journaled as a write")
	require.Len(t, j.deleteRanges, 1)
	assert.Equal(t, [2]string{"a", "m"}, j.deleteRanges[0])
}

func TestTransactionCommitJournalsDropTreeAsDeleteTree(t *testing.T) {
	tx, j, _, applier := newTestTransaction(t)
	ctx := context.Background()

	require.NoError(t, tx.Begin(ctx))
	tx.RemoveTree(4)
	require.NoError(t, tx.Commit(ctx, false))
	require.NoError(t, tx.End(ctx))

	assert.Equal(t, 1, applier.drops)
	assert.Equal(t, 0, j.writes, "a tree drop must never be journaled as a write")
	assert.Equal(t, []int32{4}, j.deleteTrees)
}

func TestTransactionCommitListenerInvoked(t *testing.T) {
	clock := NewAllocator()
	index := NewIndex()
	j := &fakeJournal{clock: clock}
	pages := &fakePages{ts: make(map[touchedKey]uint64)}
	applier := &fakeApplier{}
	commit := claim.New()

	var invoked bool
	tx := New(1, index, clock, j, pages, applier, commit, func(*Transaction) { invoked = true })

	ctx := context.Background()
	require.NoError(t, tx.Begin(ctx))
	require.NoError(t, tx.Commit(ctx, false))
	require.NoError(t, tx.End(ctx))
	assert.True(t, invoked)
}
