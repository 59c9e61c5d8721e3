package segment

import (
	"encoding/binary"
	"math/bits"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/interop"
	"github.com/ValentinKolb/rKV/lib/lockmgr"
	"github.com/cockroachdb/errors"
)

const (
	// HeaderSize is the size of the segment header.
	HeaderSize = 64

	offLock       = 0
	offMaxModSeq  = 8
	offEntries    = 16
	offTombstones = 20
	offUsedChunks = 24
)

// MaxEntryChunks is the largest run a single entry may occupy.
const MaxEntryChunks = 1<<16 - 1

// Geometry describes the fixed dimensions of a segment.
type Geometry struct {
	Slots     uint32 // lookup table size, power of two
	Chunks    uint32 // number of arena chunks
	ChunkSize uint32 // bytes per chunk, multiple of 8
}

// Validate checks that the geometry can be laid out.
func (g Geometry) Validate() error {
	switch {
	case g.Slots == 0 || g.Slots&(g.Slots-1) != 0:
		return errors.Wrapf(db.ErrInvalidConfig, "slots per segment must be a power of two, got %d", g.Slots)
	case g.Chunks == 0 || g.Chunks >= 1<<32-1:
		return errors.Wrapf(db.ErrInvalidConfig, "invalid chunks per segment %d", g.Chunks)
	case g.ChunkSize < 8 || g.ChunkSize%8 != 0:
		return errors.Wrapf(db.ErrInvalidConfig, "chunk size must be a positive multiple of 8, got %d", g.ChunkSize)
	}
	return nil
}

func (g Geometry) bitmapWords() int {
	return int((g.Chunks + 63) / 64)
}

func (g Geometry) arenaOffset() int {
	return HeaderSize + int(g.Slots)*8 + g.bitmapWords()*8
}

// Stride is the number of bytes one segment occupies, rounded up to 64.
func (g Geometry) Stride() int {
	n := g.arenaOffset() + int(g.Chunks)*int(g.ChunkSize)
	return (n + 63) &^ 63
}

// ChunksFor returns the number of chunks an entry with the given key and value length needs.
func (g Geometry) ChunksFor(keyLen, valueLen int) int {
	n := EntryHeaderSize + keyLen + valueLen
	return (n + int(g.ChunkSize) - 1) / int(g.ChunkSize)
}

// Segment is a view over the memory of one segment.
type Segment struct {
	index     int
	geo       Geometry
	checksums bool

	mem    []byte
	slots  []uint64
	bitmap []uint64
	arena  []byte

	lock *lockmgr.Lock
}

// New creates a view over mem, which must be exactly geo.Stride() bytes and 8 byte aligned.
func New(index int, mem []byte, geo Geometry, lockTimeout time.Duration, checksums bool) *Segment {
	if len(mem) != geo.Stride() {
		panic("segment: memory does not match geometry")
	}

	bitmapOff := HeaderSize + int(geo.Slots)*8
	arenaOff := geo.arenaOffset()

	return &Segment{
		index:     index,
		geo:       geo,
		checksums: checksums,
		mem:       mem,
		slots:     unsafe.Slice((*uint64)(unsafe.Pointer(&mem[HeaderSize])), geo.Slots),
		bitmap:    unsafe.Slice((*uint64)(unsafe.Pointer(&mem[bitmapOff])), geo.bitmapWords()),
		arena:     mem[arenaOff : arenaOff+int(geo.Chunks)*int(geo.ChunkSize)],
		lock:      lockmgr.New(s64(mem, offLock), lockTimeout),
	}
}

func s64(mem []byte, off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&mem[off]))
}

func s32(mem []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

// Index returns the position of the segment in the map.
func (s *Segment) Index() int { return s.index }

// Geometry returns the dimensions of the segment.
func (s *Segment) Geometry() Geometry { return s.geo }

// Lock returns the segment lock.
func (s *Segment) Lock() *lockmgr.Lock { return s.lock }

// Format clears the segment. It must only be used on memory no one else has attached to.
func (s *Segment) Format() {
	clear(s.mem[:s.geo.arenaOffset()])
}

// ResetLock clears a lock word left behind by a crashed process. It must only be
// used while no one else has the segment mapped.
func (s *Segment) ResetLock() {
	atomic.StoreUint64(s64(s.mem, offLock), 0)
}

// MaxModSeq returns the highest modification sequence stored in the segment.
func (s *Segment) MaxModSeq() uint64 {
	return atomic.LoadUint64(s64(s.mem, offMaxModSeq))
}

// RaiseModSeq raises the segment modification sequence to at least v.
func (s *Segment) RaiseModSeq(v uint64) {
	p := s64(s.mem, offMaxModSeq)
	for {
		cur := atomic.LoadUint64(p)
		if cur >= v || atomic.CompareAndSwapUint64(p, cur, v) {
			return
		}
	}
}

// Entries returns the number of live entries.
func (s *Segment) Entries() int { return int(atomic.LoadUint32(s32(s.mem, offEntries))) }

// Tombstones returns the number of tombstoned entries.
func (s *Segment) Tombstones() int { return int(atomic.LoadUint32(s32(s.mem, offTombstones))) }

// UsedChunks returns the number of allocated chunks.
func (s *Segment) UsedChunks() int { return int(atomic.LoadUint32(s32(s.mem, offUsedChunks))) }

func (s *Segment) addCounter(off int, delta int) {
	atomic.AddUint32(s32(s.mem, off), uint32(int32(delta)))
}

// --------------------------------------------------------------------------
// Lookup table
// --------------------------------------------------------------------------

func tagOf(hash uint64) uint32 {
	return uint32(hash >> 16)
}

func (s *Segment) home(tag uint32) int {
	return int(tag & (s.geo.Slots - 1))
}

func slotValue(tag uint32, chunk uint32) uint64 {
	return uint64(tag)<<32 | uint64(chunk+1)
}

func slotChunk(v uint64) uint32 {
	return uint32(v) - 1
}

// Position is the result of a lookup.
type Position struct {
	Slot  int    // slot of the entry, or the insertion slot. -1 if the table is full
	Chunk uint32 // first chunk of the entry if Found
	Found bool
}

// Find searches the lookup table for key. Only entries with a matching hash tag are compared byte wise.
func (s *Segment) Find(hash uint64, key []byte) Position {
	tag := tagOf(hash)
	mask := int(s.geo.Slots - 1)
	home := s.home(tag)

	for i := 0; i < int(s.geo.Slots); i++ {
		p := (home + i) & mask
		v := s.slots[p]
		if v == 0 {
			return Position{Slot: p}
		}
		if uint32(v>>32) != tag {
			continue
		}
		chunk := slotChunk(v)
		if k, ok := s.keyAt(chunk); ok && interop.Equal(k, key) {
			return Position{Slot: p, Chunk: chunk, Found: true}
		}
	}
	return Position{Slot: -1}
}

// Insert stores a new slot. The slot must come from a Find that did not find the key.
func (s *Segment) Insert(slot int, hash uint64, chunk uint32) {
	s.slots[slot] = slotValue(tagOf(hash), chunk)
}

// Repoint changes the chunk an occupied slot refers to.
func (s *Segment) Repoint(slot int, chunk uint32) {
	s.slots[slot] = slotValue(uint32(s.slots[slot]>>32), chunk)
}

// DeleteSlot empties slot and shifts the following probe sequence back.
func (s *Segment) DeleteSlot(slot int) {
	mask := int(s.geo.Slots - 1)
	i, j := slot, slot
	for {
		j = (j + 1) & mask
		v := s.slots[j]
		if v == 0 {
			break
		}
		k := s.home(uint32(v >> 32))
		// the entry at j stays if its home lies cyclically in (i, j]
		if i <= j {
			if i < k && k <= j {
				continue
			}
		} else if i < k || k <= j {
			continue
		}
		s.slots[i] = v
		i = j
	}
	s.slots[i] = 0
}

// --------------------------------------------------------------------------
// Arena
// --------------------------------------------------------------------------

func (s *Segment) isFree(c uint32) bool {
	return s.bitmap[c/64]&(1<<(c%64)) == 0
}

// Allocate reserves n contiguous chunks, first fit.
func (s *Segment) Allocate(n int) (uint32, error) {
	if n <= 0 || n > MaxEntryChunks || n > int(s.geo.Chunks) {
		return 0, errors.Wrapf(db.ErrCapacityExhausted, "segment %d: entry needs %d chunks", s.index, n)
	}

	run := 0
	for c := uint32(0); c < s.geo.Chunks; {
		w := s.bitmap[c/64]
		if c%64 == 0 && w == ^uint64(0) {
			run = 0
			c += 64
			continue
		}
		if c%64 == 0 && w == 0 && run+64 < n {
			run += 64
			c += 64
			continue
		}
		if !s.isFree(c) {
			run = 0
			c++
			continue
		}
		run++
		if run == n {
			start := c + 1 - uint32(n)
			s.mark(start, n, true)
			s.addCounter(offUsedChunks, n)
			return start, nil
		}
		c++
	}
	return 0, errors.Wrapf(db.ErrCapacityExhausted, "segment %d: no run of %d free chunks", s.index, n)
}

// Free returns n chunks starting at chunk to the arena.
func (s *Segment) Free(chunk uint32, n int) {
	s.mark(chunk, n, false)
	s.addCounter(offUsedChunks, -n)
}

func (s *Segment) mark(start uint32, n int, used bool) {
	for c := start; c < start+uint32(n); {
		word, bit := c/64, c%64
		span := min(uint32(64)-bit, start+uint32(n)-c)
		var m uint64
		if span == 64 {
			m = ^uint64(0)
		} else {
			m = (uint64(1)<<span - 1) << bit
		}
		if used {
			s.bitmap[word] |= m
		} else {
			s.bitmap[word] &^= m
		}
		c += span
	}
}

// FreeChunks counts the chunks not in use.
func (s *Segment) FreeChunks() int {
	used := 0
	for _, w := range s.bitmap {
		used += bits.OnesCount64(w)
	}
	return int(s.geo.Chunks) - used
}

func (s *Segment) chunkBytes(chunk uint32, n int) ([]byte, bool) {
	if n <= 0 || uint64(chunk)+uint64(n) > uint64(s.geo.Chunks) {
		return nil, false
	}
	off := int(chunk) * int(s.geo.ChunkSize)
	return s.arena[off : off+n*int(s.geo.ChunkSize)], true
}

func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
