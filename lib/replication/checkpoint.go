package replication

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Checkpoint is the position up to which a peer acknowledged our changes. It is only
// valid for the incarnation of the peer's map it was acknowledged by.
type Checkpoint struct {
	Incarnation uuid.UUID
	Position    uint64
}

// CheckpointStore persists one checkpoint per peer
type CheckpointStore interface {
	// Load returns the checkpoint of peer. The boolean is false if none was stored.
	Load(peer uint8) (Checkpoint, bool, error)
	// Store replaces the checkpoint of peer.
	Store(peer uint8, cp Checkpoint) error
}

// --------------------------------------------------------------------------
// Memory store
// --------------------------------------------------------------------------

// MemoryCheckpointStore keeps checkpoints for the lifetime of the process
type MemoryCheckpointStore struct {
	m *xsync.MapOf[uint8, Checkpoint]
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{m: xsync.NewMapOf[uint8, Checkpoint]()}
}

func (s *MemoryCheckpointStore) Load(peer uint8) (Checkpoint, bool, error) {
	cp, ok := s.m.Load(peer)
	return cp, ok, nil
}

func (s *MemoryCheckpointStore) Store(peer uint8, cp Checkpoint) error {
	s.m.Store(peer, cp)
	return nil
}

// --------------------------------------------------------------------------
// File store
// --------------------------------------------------------------------------

const checkpointFileSize = 16 + 8

// FileCheckpointStore keeps one file per peer in a directory. Files are replaced
// atomically (write to a temporary file, then rename), so a crash leaves either
// the old or the new checkpoint.
type FileCheckpointStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileCheckpointStore creates dir if needed
func NewFileCheckpointStore(dir string) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create checkpoint directory %s", dir)
	}
	return &FileCheckpointStore{dir: dir}, nil
}

func (s *FileCheckpointStore) path(peer uint8) string {
	return filepath.Join(s.dir, fmt.Sprintf("peer-%03d.ckpt", peer))
}

func (s *FileCheckpointStore) Load(peer uint8) (Checkpoint, bool, error) {
	b, err := os.ReadFile(s.path(peer))
	if errors.Is(err, os.ErrNotExist) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, errors.Wrapf(err, "read checkpoint of peer %d", peer)
	}
	if len(b) != checkpointFileSize {
		return Checkpoint{}, false, errors.Wrapf(db.ErrCorruptEntry, "checkpoint of peer %d has %d bytes", peer, len(b))
	}

	var cp Checkpoint
	copy(cp.Incarnation[:], b[:16])
	cp.Position = binary.BigEndian.Uint64(b[16:])
	return cp, true, nil
}

func (s *FileCheckpointStore) Store(peer uint8, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := make([]byte, 0, checkpointFileSize)
	b = append(b, cp.Incarnation[:]...)
	b = binary.BigEndian.AppendUint64(b, cp.Position)

	tmp, err := os.CreateTemp(s.dir, ".ckpt-*")
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "write checkpoint")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "close checkpoint")
	}
	if err := os.Rename(tmp.Name(), s.path(peer)); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrapf(err, "replace checkpoint of peer %d", peer)
	}
	return nil
}
