package segment

import (
	"fmt"
	"math/rand"
	"testing"
	"unsafe"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/interop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSegment(t *testing.T, geo Geometry, checksums bool) *Segment {
	t.Helper()
	require.NoError(t, geo.Validate())
	words := make([]uint64, geo.Stride()/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), geo.Stride())
	return New(0, mem, geo, 0, checksums)
}

func put(t *testing.T, s *Segment, key, value string, ts uint64) Position {
	t.Helper()
	h := interop.HashString(key, 1)
	pos, err := s.Put(s.Find(h, []byte(key)), h, []byte(key), []byte(value), EntryHeader{Timestamp: ts, Origin: 1})
	require.NoError(t, err)
	return pos
}

func get(t *testing.T, s *Segment, key string) (Entry, bool) {
	t.Helper()
	pos := s.Find(interop.HashString(key, 1), []byte(key))
	if !pos.Found {
		return Entry{}, false
	}
	e, err := s.Entry(pos.Chunk)
	require.NoError(t, err)
	return e, true
}

func TestGeometry(t *testing.T) {
	assert.Error(t, Geometry{Slots: 3, Chunks: 1, ChunkSize: 8}.Validate())
	assert.Error(t, Geometry{Slots: 4, Chunks: 0, ChunkSize: 8}.Validate())
	assert.Error(t, Geometry{Slots: 4, Chunks: 1, ChunkSize: 12}.Validate())

	g := Geometry{Slots: 16, Chunks: 100, ChunkSize: 64}
	require.NoError(t, g.Validate())
	assert.Zero(t, g.Stride()%64)
	assert.GreaterOrEqual(t, g.Stride(), HeaderSize+16*8+2*8+100*64)

	assert.Equal(t, 1, g.ChunksFor(10, 22))
	assert.Equal(t, 2, g.ChunksFor(10, 23))
}

func TestPutFindUpdate(t *testing.T) {
	s := newSegment(t, Geometry{Slots: 64, Chunks: 64, ChunkSize: 64}, true)

	put(t, s, "a", "1", 1)
	put(t, s, "b", "2", 2)

	e, ok := get(t, s, "a")
	require.True(t, ok)
	assert.Equal(t, "1", string(e.Value))
	assert.Equal(t, uint64(1), e.Timestamp)
	assert.Equal(t, 2, s.Entries())

	_, ok = get(t, s, "c")
	assert.False(t, ok)
}

func TestShrinkAndGrowReuseRuns(t *testing.T) {
	s := newSegment(t, Geometry{Slots: 16, Chunks: 16, ChunkSize: 64}, true)

	first := put(t, s, "k", string(make([]byte, 100)), 1)
	assert.Equal(t, 3, s.UsedChunks())

	// shrinking stays in place and frees the tail
	shrunk := put(t, s, "k", "x", 2)
	assert.Equal(t, first.Chunk, shrunk.Chunk)
	assert.Equal(t, 1, s.UsedChunks())

	// growing moves the entry and frees the old run
	grown := put(t, s, "k", string(make([]byte, 200)), 3)
	assert.Equal(t, first.Slot, grown.Slot)
	assert.NotEqual(t, first.Chunk, grown.Chunk)
	assert.Equal(t, 4, s.UsedChunks())
	assert.Equal(t, s.UsedChunks(), 16-s.FreeChunks())

	e, ok := get(t, s, "k")
	require.True(t, ok)
	assert.Len(t, e.Value, 200)
	assert.Equal(t, uint64(3), e.Timestamp)
	assert.Equal(t, 1, s.Entries())
}

func TestCapacityExhaustedLeavesSegmentUnchanged(t *testing.T) {
	s := newSegment(t, Geometry{Slots: 32, Chunks: 8, ChunkSize: 64}, true)

	for i := 0; i < 8; i++ {
		put(t, s, fmt.Sprint("key", i), "v", 1)
	}

	h := interop.HashString("overflow", 1)
	_, err := s.Put(s.Find(h, []byte("overflow")), h, []byte("overflow"), []byte("v"), EntryHeader{})
	assert.ErrorIs(t, err, db.ErrCapacityExhausted)

	// growing an existing entry fails as well and keeps the old value
	h = interop.HashString("key0", 1)
	_, err = s.Put(s.Find(h, []byte("key0")), h, []byte("key0"), make([]byte, 200), EntryHeader{})
	assert.ErrorIs(t, err, db.ErrCapacityExhausted)

	for i := 0; i < 8; i++ {
		e, ok := get(t, s, fmt.Sprint("key", i))
		require.True(t, ok)
		assert.Equal(t, "v", string(e.Value))
	}
	assert.Equal(t, 8, s.Entries())
	assert.Zero(t, s.FreeChunks())
}

func TestLookupTableFull(t *testing.T) {
	s := newSegment(t, Geometry{Slots: 4, Chunks: 64, ChunkSize: 64}, false)
	for i := 0; i < 4; i++ {
		put(t, s, fmt.Sprint(i), "v", 1)
	}
	h := interop.HashString("x", 1)
	pos := s.Find(h, []byte("x"))
	assert.Equal(t, -1, pos.Slot)
	_, err := s.Put(pos, h, []byte("x"), nil, EntryHeader{})
	assert.ErrorIs(t, err, db.ErrCapacityExhausted)
}

func TestTombstoneCounters(t *testing.T) {
	s := newSegment(t, Geometry{Slots: 16, Chunks: 16, ChunkSize: 64}, true)
	pos := put(t, s, "k", "v", 1)

	_, err := s.Put(pos, interop.HashString("k", 1), []byte("k"), nil, EntryHeader{Timestamp: 2, Flags: FlagTombstone})
	require.NoError(t, err)
	assert.Equal(t, 0, s.Entries())
	assert.Equal(t, 1, s.Tombstones())

	e, ok := get(t, s, "k")
	require.True(t, ok)
	assert.True(t, e.Tombstone())
	assert.Empty(t, e.Value)
	assert.Nil(t, e.Record().Value)

	s.Delete(s.Find(interop.HashString("k", 1), []byte("k")))
	assert.Equal(t, 0, s.Tombstones())
	assert.Equal(t, 16, s.FreeChunks())
	_, ok = get(t, s, "k")
	assert.False(t, ok)
}

// corrupt flips the last value byte of the entry at chunk in place
func corrupt(t *testing.T, s *Segment, chunk uint32) {
	t.Helper()
	b, h, ok := s.run(chunk)
	require.True(t, ok)
	b[EntryHeaderSize+h.KeyLen+h.ValueLen-1] ^= 0xff
}

func TestChecksum(t *testing.T) {
	s := newSegment(t, Geometry{Slots: 16, Chunks: 16, ChunkSize: 64}, true)
	pos := put(t, s, "k", "value", 1)
	put(t, s, "other", "value", 1)

	corrupt(t, s, pos.Chunk)
	_, err := s.Entry(pos.Chunk)
	assert.ErrorIs(t, err, db.ErrCorruptEntry)

	_, ok := get(t, s, "other")
	assert.True(t, ok)
}

// TestBackwardShiftDeletion inserts and deletes random keys in a small table and
// checks every remaining key stays reachable.
func TestBackwardShiftDeletion(t *testing.T) {
	s := newSegment(t, Geometry{Slots: 32, Chunks: 64, ChunkSize: 32}, false)
	rnd := rand.New(rand.NewSource(7))
	model := map[string]bool{}

	for i := 0; i < 2000; i++ {
		key := fmt.Sprint(rnd.Intn(40))
		h := interop.HashString(key, 1)
		pos := s.Find(h, []byte(key))

		if pos.Found && rnd.Intn(2) == 0 {
			s.Delete(pos)
			delete(model, key)
		} else if !pos.Found && len(model) < 24 {
			_, err := s.Put(pos, h, []byte(key), nil, EntryHeader{})
			require.NoError(t, err)
			model[key] = true
		}

		for k := range model {
			_, ok := get(t, s, k)
			require.True(t, ok, "key %s lost after step %d", k, i)
		}
	}

	n := 0
	s.Range(func(_ uint32, e Entry, err error) bool {
		require.NoError(t, err)
		assert.True(t, model[string(e.Key)])
		n++
		return true
	})
	assert.Equal(t, len(model), n)
	assert.Equal(t, len(model), s.Entries())
}

func TestModSeq(t *testing.T) {
	s := newSegment(t, Geometry{Slots: 4, Chunks: 4, ChunkSize: 64}, false)
	s.RaiseModSeq(5)
	s.RaiseModSeq(3)
	assert.Equal(t, uint64(5), s.MaxModSeq())
	s.Format()
	assert.Zero(t, s.MaxModSeq())
}
