package segment

import (
	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/cockroachdb/errors"
)

func (s *Segment) header(chunk uint32) (EntryHeader, bool) {
	b, ok := s.chunkBytes(chunk, 1)
	if !ok || len(b) < EntryHeaderSize {
		return EntryHeader{}, false
	}
	h := decodeHeader(b)
	if _, ok := s.chunkBytes(chunk, int(h.Chunks)); !ok {
		return h, false
	}
	return h, true
}

// Put stores key and value with the metadata of h at pos, which must come from
// Find on the same key. An existing run is reused when it is large enough, and
// surplus trailing chunks are freed. Otherwise a new run is allocated, the slot
// is repointed and the old run freed. On error nothing is modified.
// A tombstone is written by setting FlagTombstone in h and passing a nil value.
func (s *Segment) Put(pos Position, hash uint64, key, value []byte, h EntryHeader) (Position, error) {
	n := s.geo.ChunksFor(len(key), len(value))
	if n > MaxEntryChunks || n > int(s.geo.Chunks) {
		return pos, errors.Wrapf(db.ErrCapacityExhausted, "segment %d: entry of %d bytes exceeds the arena", s.index, EntryHeaderSize+len(key)+len(value))
	}
	h.Chunks = uint16(n)

	if !pos.Found {
		if pos.Slot < 0 {
			return pos, errors.Wrapf(db.ErrCapacityExhausted, "segment %d: lookup table full", s.index)
		}
		chunk, err := s.Allocate(n)
		if err != nil {
			return pos, err
		}
		s.writeEntry(chunk, h, key, value)
		s.Insert(pos.Slot, hash, chunk)
		s.count(h.Tombstone(), 1)
		return Position{Slot: pos.Slot, Chunk: chunk, Found: true}, nil
	}

	old, ok := s.header(pos.Chunk)
	if !ok {
		return pos, errors.Wrapf(db.ErrCorruptEntry, "segment %d chunk %d: invalid entry position", s.index, pos.Chunk)
	}
	oldChunks := int(old.Chunks)

	if n <= oldChunks {
		s.writeEntry(pos.Chunk, h, key, value)
		if n < oldChunks {
			s.Free(pos.Chunk+uint32(n), oldChunks-n)
		}
	} else {
		chunk, err := s.Allocate(n)
		if err != nil {
			return pos, err
		}
		s.writeEntry(chunk, h, key, value)
		s.Repoint(pos.Slot, chunk)
		s.Free(pos.Chunk, oldChunks)
		pos.Chunk = chunk
	}

	if old.Tombstone() != h.Tombstone() {
		s.count(old.Tombstone(), -1)
		s.count(h.Tombstone(), 1)
	}
	return pos, nil
}

// Delete physically removes the entry at pos and frees its chunks.
func (s *Segment) Delete(pos Position) {
	if !pos.Found {
		return
	}
	if h, ok := s.header(pos.Chunk); ok {
		s.Free(pos.Chunk, int(h.Chunks))
		s.count(h.Tombstone(), -1)
	}
	// a corrupt run stays allocated, but the slot is released
	s.DeleteSlot(pos.Slot)
}

func (s *Segment) count(tombstone bool, delta int) {
	if tombstone {
		s.addCounter(offTombstones, delta)
	} else {
		s.addCounter(offEntries, delta)
	}
}

// Range calls fn for every entry in slot order until fn returns false. Entries that fail
// validation are passed with an ErrCorruptEntry error.
func (s *Segment) Range(fn func(chunk uint32, e Entry, err error) bool) {
	for _, v := range s.slots {
		if v == 0 {
			continue
		}
		chunk := slotChunk(v)
		e, err := s.Entry(chunk)
		if !fn(chunk, e, err) {
			return
		}
	}
}
