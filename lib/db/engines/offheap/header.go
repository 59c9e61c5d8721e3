package offheap

import (
	"encoding/binary"
	"unsafe"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/segment"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Map header (first page of the region)
// --------------------------------------------------------------------------

const (
	mapMagic   = "RKVMAP\x00\x01" // File format identifier
	mapVersion = 1                // Layout version
	headerSize = 4096

	offVersion     = 8
	offSegments    = 12
	offChunkSize   = 16
	offChunks      = 20
	offSlots       = 24
	offReplicaID   = 28
	offFlags       = 29
	offSeed        = 32
	offModSeq      = 40
	offIncarnation = 48
	offCreatedAt   = 64

	flagChecksums = 1
)

// mapHeader is the decoded, immutable part of the header
type mapHeader struct {
	segments    int
	geo         segment.Geometry
	replicaID   uint8
	checksums   bool
	seed        uint64
	incarnation uuid.UUID
	createdAt   uint64
}

// regionSize returns the size of a region holding the header and all segments
func (h *mapHeader) regionSize() int {
	return headerSize + h.segments*h.geo.Stride()
}

// writeHeader formats the header. The magic is written last, so a crash during
// formatting leaves a file that is recognized as unformatted.
func writeHeader(mem []byte, h *mapHeader) {
	le := binary.LittleEndian
	clear(mem[:headerSize])
	le.PutUint32(mem[offVersion:], mapVersion)
	le.PutUint32(mem[offSegments:], uint32(h.segments))
	le.PutUint32(mem[offChunkSize:], h.geo.ChunkSize)
	le.PutUint32(mem[offChunks:], h.geo.Chunks)
	le.PutUint32(mem[offSlots:], h.geo.Slots)
	mem[offReplicaID] = h.replicaID
	if h.checksums {
		mem[offFlags] |= flagChecksums
	}
	le.PutUint64(mem[offSeed:], h.seed)
	copy(mem[offIncarnation:offIncarnation+16], h.incarnation[:])
	le.PutUint64(mem[offCreatedAt:], h.createdAt)
	copy(mem, mapMagic)
}

// readHeader decodes and validates the header of an existing region
func readHeader(mem []byte) (*mapHeader, error) {
	if len(mem) < headerSize {
		return nil, errors.Wrapf(db.ErrInvalidConfig, "region of %d bytes has no header", len(mem))
	}
	if string(mem[:len(mapMagic)]) != mapMagic {
		return nil, errors.Wrap(db.ErrInvalidConfig, "region is not an rKV map (bad magic)")
	}

	le := binary.LittleEndian
	if v := le.Uint32(mem[offVersion:]); v != mapVersion {
		return nil, errors.Wrapf(db.ErrInvalidConfig, "unsupported map version %d, want %d", v, mapVersion)
	}

	h := &mapHeader{
		segments: int(le.Uint32(mem[offSegments:])),
		geo: segment.Geometry{
			Slots:     le.Uint32(mem[offSlots:]),
			Chunks:    le.Uint32(mem[offChunks:]),
			ChunkSize: le.Uint32(mem[offChunkSize:]),
		},
		replicaID: mem[offReplicaID],
		checksums: mem[offFlags]&flagChecksums != 0,
		seed:      le.Uint64(mem[offSeed:]),
		createdAt: le.Uint64(mem[offCreatedAt:]),
	}
	copy(h.incarnation[:], mem[offIncarnation:offIncarnation+16])

	if h.segments <= 0 || h.segments&(h.segments-1) != 0 {
		return nil, errors.Wrapf(db.ErrInvalidConfig, "stored segment count %d is not a power of two", h.segments)
	}
	if err := h.geo.Validate(); err != nil {
		return nil, err
	}
	if h.regionSize() > len(mem) {
		return nil, errors.Wrapf(db.ErrInvalidConfig, "region has %d bytes, layout needs %d", len(mem), h.regionSize())
	}
	return h, nil
}

// modSeqWord returns the map wide modification sequence counter
func modSeqWord(mem []byte) *uint64 {
	return (*uint64)(unsafe.Pointer(&mem[offModSeq]))
}
