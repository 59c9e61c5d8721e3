package replication

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCheckpointStore(t *testing.T, s CheckpointStore) {
	_, ok, err := s.Load(3)
	require.NoError(t, err)
	assert.False(t, ok)

	first := Checkpoint{Incarnation: uuid.New(), Position: 42}
	require.NoError(t, s.Store(3, first))
	cp, ok, err := s.Load(3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, cp)

	second := Checkpoint{Incarnation: uuid.New(), Position: 7}
	require.NoError(t, s.Store(3, second))
	cp, _, _ = s.Load(3)
	assert.Equal(t, second, cp, "store replaces the checkpoint")

	_, ok, _ = s.Load(4)
	assert.False(t, ok, "checkpoints are kept per peer")
}

func TestMemoryCheckpointStore(t *testing.T) {
	testCheckpointStore(t, NewMemoryCheckpointStore())
}

func TestFileCheckpointStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	s, err := NewFileCheckpointStore(dir)
	require.NoError(t, err)
	testCheckpointStore(t, s)

	t.Run("survives reopen", func(t *testing.T) {
		cp := Checkpoint{Incarnation: uuid.New(), Position: 99}
		require.NoError(t, s.Store(1, cp))

		reopened, err := NewFileCheckpointStore(dir)
		require.NoError(t, err)
		got, ok, err := reopened.Load(1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, cp, got)
	})

	t.Run("no temporary files remain", func(t *testing.T) {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		for _, e := range entries {
			assert.Regexp(t, `^peer-\d{3}\.ckpt$`, e.Name())
		}
	})

	t.Run("corrupt file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "peer-005.ckpt"), []byte("short"), 0o644))
		_, ok, err := s.Load(5)
		assert.ErrorIs(t, err, db.ErrCorruptEntry)
		assert.False(t, ok)
	})
}
