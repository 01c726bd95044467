package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenControlFileCreatesFreshAtZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CONTROL")
	cf, err := OpenControlFile(path)
	require.NoError(t, err)
	assert.Equal(t, ControlRecord{}, cf.State())
}

func TestControlFileUpdatePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CONTROL")
	cf, err := OpenControlFile(path)
	require.NoError(t, err)
	require.NoError(t, cf.Update(7, 3))

	reopened, err := OpenControlFile(path)
	require.NoError(t, err)
	assert.Equal(t, ControlRecord{ActiveGeneration: 7, BaseGeneration: 3}, reopened.State())
}

func TestOpenControlFileRejectsCorruptMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "CONTROL")
	cf, err := OpenControlFile(path)
	require.NoError(t, err)
	require.NoError(t, cf.Update(1, 0))

	buf := marshalControl(ControlRecord{ActiveGeneration: 1})
	buf[0] = 'X' // corrupt the magic
	require.NoError(t, os.WriteFile(path, buf, 0644))

	_, err = OpenControlFile(path)
	assert.Error(t, err)
}
