package interop

import (
	"encoding/binary"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/cockroachdb/errors"
)

const (
	recordFlagTombstone = 1

	// fixed part of an encoded record: timestamp, origin, flags, key length
	recordPrefix = 8 + 1 + 1 + 4
)

// AppendRecord appends the portable encoding of r to dst:
//
//	timestamp u64 | origin u8 | flags u8 | keyLen u32 | key | [valueLen u32 | value]
//
// All integers are big endian. The value part is omitted for tombstones. The local
// modification sequence is not part of the encoding.
func AppendRecord(dst []byte, r *db.Record) []byte {
	var flags byte
	if r.Tombstone {
		flags |= recordFlagTombstone
	}
	dst = binary.BigEndian.AppendUint64(dst, r.Meta.Timestamp)
	dst = append(dst, r.Meta.Origin, flags)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(r.Key)))
	dst = append(dst, r.Key...)
	if !r.Tombstone {
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(r.Value)))
		dst = append(dst, r.Value...)
	}
	return dst
}

// RecordSize returns the length of the encoding of r.
func RecordSize(r *db.Record) int {
	n := recordPrefix + len(r.Key)
	if !r.Tombstone {
		n += 4 + len(r.Value)
	}
	return n
}

// DecodeRecord decodes a record written by AppendRecord. Key and value are copied,
// b may be reused afterwards.
func DecodeRecord(b []byte) (*db.Record, error) {
	if len(b) < recordPrefix {
		return nil, errors.Wrapf(db.ErrCorruptEntry, "record: %d bytes, want at least %d", len(b), recordPrefix)
	}

	r := &db.Record{
		Meta: db.Meta{
			Timestamp: binary.BigEndian.Uint64(b),
			Origin:    b[8],
		},
	}
	flags := b[9]
	if flags&^recordFlagTombstone != 0 {
		return nil, errors.Wrapf(db.ErrCorruptEntry, "record: unknown flags %#x", flags)
	}
	r.Tombstone = flags&recordFlagTombstone != 0

	keyLen := binary.BigEndian.Uint32(b[10:])
	rest := b[recordPrefix:]
	if uint64(keyLen) > uint64(len(rest)) {
		return nil, errors.Wrapf(db.ErrCorruptEntry, "record: key length %d exceeds payload", keyLen)
	}
	r.Key = append([]byte(nil), rest[:keyLen]...)
	rest = rest[keyLen:]

	if r.Tombstone {
		if len(rest) != 0 {
			return nil, errors.Wrapf(db.ErrCorruptEntry, "record: %d trailing bytes after tombstone", len(rest))
		}
		return r, nil
	}

	if len(rest) < 4 {
		return nil, errors.Wrap(db.ErrCorruptEntry, "record: missing value length")
	}
	valueLen := binary.BigEndian.Uint32(rest)
	rest = rest[4:]
	if uint64(valueLen) != uint64(len(rest)) {
		return nil, errors.Wrapf(db.ErrCorruptEntry, "record: value length %d, payload has %d bytes", valueLen, len(rest))
	}
	r.Value = append([]byte{}, rest...)
	return r, nil
}
