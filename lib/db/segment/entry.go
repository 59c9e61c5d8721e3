package segment

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/cockroachdb/errors"
)

// EntryHeaderSize is the size of the fixed part of an entry.
const EntryHeaderSize = 32

// FlagTombstone marks a logically deleted entry.
const FlagTombstone uint8 = 1

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EntryHeader is the decoded fixed part of an entry.
type EntryHeader struct {
	KeyLen    uint32
	ValueLen  uint32
	Timestamp uint64
	ModSeq    uint64
	Origin    uint8
	Flags     uint8
	Chunks    uint16
	Checksum  uint32
}

// Tombstone reports whether the entry is logically deleted.
func (h EntryHeader) Tombstone() bool {
	return h.Flags&FlagTombstone != 0
}

// Meta returns the replication metadata of the entry.
func (h EntryHeader) Meta() db.Meta {
	return db.Meta{Timestamp: h.Timestamp, Origin: h.Origin}
}

func decodeHeader(b []byte) EntryHeader {
	return EntryHeader{
		KeyLen:    le32(b[0:]),
		ValueLen:  le32(b[4:]),
		Timestamp: binary.LittleEndian.Uint64(b[8:]),
		ModSeq:    binary.LittleEndian.Uint64(b[16:]),
		Origin:    b[24],
		Flags:     b[25],
		Chunks:    binary.LittleEndian.Uint16(b[26:]),
		Checksum:  le32(b[28:]),
	}
}

func encodeHeader(b []byte, h EntryHeader) {
	binary.LittleEndian.PutUint32(b[0:], h.KeyLen)
	binary.LittleEndian.PutUint32(b[4:], h.ValueLen)
	binary.LittleEndian.PutUint64(b[8:], h.Timestamp)
	binary.LittleEndian.PutUint64(b[16:], h.ModSeq)
	b[24] = h.Origin
	b[25] = h.Flags
	binary.LittleEndian.PutUint16(b[26:], h.Chunks)
	binary.LittleEndian.PutUint32(b[28:], h.Checksum)
}

// Entry is a view of an entry inside the arena. Key and Value alias segment
// memory and are only valid while the segment lock is held.
type Entry struct {
	EntryHeader
	Key   []byte
	Value []byte
}

// Record copies the entry out of segment memory.
func (e Entry) Record() *db.Record {
	r := &db.Record{
		Key:       append([]byte(nil), e.Key...),
		Meta:      e.Meta(),
		Tombstone: e.Tombstone(),
		ModSeq:    e.ModSeq,
	}
	if !r.Tombstone {
		r.Value = append([]byte{}, e.Value...)
	}
	return r
}

// run returns the chunks of the entry at chunk after checking its bounds.
func (s *Segment) run(chunk uint32) ([]byte, EntryHeader, bool) {
	first, ok := s.chunkBytes(chunk, 1)
	if !ok || len(first) < EntryHeaderSize {
		return nil, EntryHeader{}, false
	}
	h := decodeHeader(first)
	b, ok := s.chunkBytes(chunk, int(h.Chunks))
	if !ok || uint64(EntryHeaderSize)+uint64(h.KeyLen)+uint64(h.ValueLen) > uint64(len(b)) {
		return nil, h, false
	}
	return b, h, true
}

func (s *Segment) keyAt(chunk uint32) ([]byte, bool) {
	b, h, ok := s.run(chunk)
	if !ok {
		return nil, false
	}
	return b[EntryHeaderSize : EntryHeaderSize+h.KeyLen], true
}

// Entry decodes the entry at chunk. With checksums enabled the stored checksum
// is verified. Any mismatch reports ErrCorruptEntry.
func (s *Segment) Entry(chunk uint32) (Entry, error) {
	b, h, ok := s.run(chunk)
	if !ok {
		return Entry{}, errors.Wrapf(db.ErrCorruptEntry, "segment %d chunk %d: entry exceeds its run", s.index, chunk)
	}
	keyEnd := EntryHeaderSize + h.KeyLen
	e := Entry{
		EntryHeader: h,
		Key:         b[EntryHeaderSize:keyEnd],
		Value:       b[keyEnd : keyEnd+h.ValueLen],
	}
	if s.checksums {
		if sum := checksum(b[:keyEnd+h.ValueLen]); sum != h.Checksum {
			return e, errors.Wrapf(db.ErrCorruptEntry, "segment %d chunk %d: checksum %#x, stored %#x", s.index, chunk, sum, h.Checksum)
		}
	}
	return e, nil
}

// checksum covers the header without the checksum field, the key and the value.
func checksum(b []byte) uint32 {
	sum := crc32.Update(0, castagnoli, b[:28])
	return crc32.Update(sum, castagnoli, b[EntryHeaderSize:])
}

// writeEntry serializes an entry into the run starting at chunk.
func (s *Segment) writeEntry(chunk uint32, h EntryHeader, key, value []byte) {
	b, _ := s.chunkBytes(chunk, int(h.Chunks))
	h.KeyLen = uint32(len(key))
	h.ValueLen = uint32(len(value))
	h.Checksum = 0

	keyEnd := EntryHeaderSize + len(key)
	copy(b[keyEnd:], value)
	copy(b[EntryHeaderSize:], key)
	encodeHeader(b, h)
	if s.checksums {
		binary.LittleEndian.PutUint32(b[28:], checksum(b[:keyEnd+len(value)]))
	}
}
