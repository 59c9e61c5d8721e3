package replication

import (
	"encoding/binary"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Handshake
// --------------------------------------------------------------------------

const (
	helloMagic    = "RKV1"
	ProtoVersion  = 1
	helloSize     = len(helloMagic) + 2 + 16
	watermarkSize = 8
)

// Hello is the first frame on every connection, sent by both sides
type Hello struct {
	Version     uint8
	ReplicaID   uint8
	Incarnation uuid.UUID
}

// Encode returns the wire form: magic "RKV1" | version u8 | replica id u8 | incarnation [16]byte
func (h Hello) Encode() []byte {
	b := make([]byte, 0, helloSize)
	b = append(b, helloMagic...)
	b = append(b, h.Version, h.ReplicaID)
	return append(b, h.Incarnation[:]...)
}

// DecodeHello parses a Hello payload
func DecodeHello(b []byte) (Hello, error) {
	if len(b) != helloSize {
		return Hello{}, errors.Wrapf(db.ErrMalformedFrame, "hello of %d bytes, want %d", len(b), helloSize)
	}
	if string(b[:len(helloMagic)]) != helloMagic {
		return Hello{}, errors.Wrap(db.ErrMalformedFrame, "hello: bad magic")
	}
	h := Hello{Version: b[4], ReplicaID: b[5]}
	copy(h.Incarnation[:], b[6:])
	return h, nil
}

// --------------------------------------------------------------------------
// Watermarks (BootstrapEnd, BatchEnd, Ack)
// --------------------------------------------------------------------------

func encodeWatermark(w uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, watermarkSize), w)
}

func decodeWatermark(b []byte) (uint64, error) {
	if len(b) != watermarkSize {
		return 0, errors.Wrapf(db.ErrMalformedFrame, "watermark of %d bytes, want %d", len(b), watermarkSize)
	}
	return binary.BigEndian.Uint64(b), nil
}
