package journal

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	cfg.Dir = t.TempDir()
	cfg.Logger = zerolog.Nop()
	m, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAppendAssignsIncreasingTimestamps(t *testing.T) {
	m := openTestManager(t, Config{})
	ts1, err := m.AppendTxStart()
	require.NoError(t, err)
	ts2, err := m.AppendTxStart()
	require.NoError(t, err)
	assert.Greater(t, ts2, ts1)
}

func TestManagerUsesInjectedClock(t *testing.T) {
	calls := 0
	clock := func() uint64 {
		calls++
		return uint64(100 + calls)
	}
	m := openTestManager(t, Config{Clock: clock})
	ts, err := m.AppendTxStart()
	require.NoError(t, err)
	assert.Equal(t, uint64(101), ts)
	assert.Equal(t, 1, calls)
}

func TestBindVolumeAssignsSequentialHandles(t *testing.T) {
	m := openTestManager(t, Config{})
	h1, err := m.BindVolume(1, "/a.db")
	require.NoError(t, err)
	h2, err := m.BindVolume(2, "/b.db")
	require.NoError(t, err)
	assert.Equal(t, int32(0), h1)
	assert.Equal(t, int32(1), h2)
}

func TestBindTreeAssignsSequentialHandles(t *testing.T) {
	m := openTestManager(t, Config{})
	h1, err := m.BindTree(0, "tree_a")
	require.NoError(t, err)
	h2, err := m.BindTree(0, "tree_b")
	require.NoError(t, err)
	assert.Equal(t, int32(0), h1)
	assert.Equal(t, int32(1), h2)
}

func TestWritePageImageTracksBytesWritten(t *testing.T) {
	m := openTestManager(t, Config{})
	before := m.BytesWritten()
	_, err := m.WritePageImage(0, 0, make([]byte, 64))
	require.NoError(t, err)
	assert.Greater(t, m.BytesWritten(), before)
}

func TestRolloverStartsNewGenerationWhenFileFull(t *testing.T) {
	m := openTestManager(t, Config{MaxFileSizeBytes: recordHeaderSize + 4 + 8})
	assert.Equal(t, uint64(0), m.ActiveGeneration())
	_, err := m.AppendWrite(0, []byte("k"), []byte("v"))
	require.NoError(t, err)
	_, err = m.AppendWrite(0, []byte("k2"), []byte("v2"))
	require.NoError(t, err)
	assert.Greater(t, m.ActiveGeneration(), uint64(0), "appending past MaxFileSizeBytes should roll over")
}

func TestForceSyncsWithoutError(t *testing.T) {
	m := openTestManager(t, Config{})
	_, err := m.AppendTxStart()
	require.NoError(t, err)
	assert.NoError(t, m.Force())
}

func TestAdvanceBaseGenerationPersists(t *testing.T) {
	m := openTestManager(t, Config{})
	require.NoError(t, m.AdvanceBaseGeneration(3))

	reopened, err := OpenControlFile(m.control.path)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), reopened.State().BaseGeneration)
}
