package interop

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/cockroachdb/errors"
)

// Codec converts values of type T to and from the byte layout stored inside a segment.
// Implementations must be deterministic: equal values must produce equal bytes, since
// keys are compared byte-wise.
type Codec[T any] interface {
	// Append appends the encoding of v to dst and returns the extended slice.
	Append(dst []byte, v T) []byte

	// Decode decodes a value from b. b is only valid for the duration of the call,
	// implementations must copy whatever they retain.
	Decode(b []byte) (T, error)
}

// Encode is a helper that encodes v into a fresh slice.
func Encode[T any](c Codec[T], v T) []byte {
	return c.Append(nil, v)
}

// decodeError reports a decode failure as a corrupt entry.
func decodeError(kind string, got, want int) error {
	return errors.Wrapf(db.ErrCorruptEntry, "%s: got %d bytes, want %d", kind, got, want)
}

// --------------------------------------------------------------------------
// Variable length codecs
// --------------------------------------------------------------------------

// Bytes stores byte slices unchanged. The length is recorded by the entry header.
type Bytes struct{}

func (Bytes) Append(dst []byte, v []byte) []byte { return append(dst, v...) }

func (Bytes) Decode(b []byte) ([]byte, error) {
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// String stores strings as raw UTF-8 bytes.
type String struct{}

func (String) Append(dst []byte, v string) []byte { return append(dst, v...) }

func (String) Decode(b []byte) (string, error) { return string(b), nil }

// --------------------------------------------------------------------------
// Fixed width codecs (big endian, so byte order matches numeric order for unsigned values)
// --------------------------------------------------------------------------

// Uint64 stores a uint64 in 8 bytes.
type Uint64 struct{}

func (Uint64) Append(dst []byte, v uint64) []byte { return binary.BigEndian.AppendUint64(dst, v) }

func (Uint64) Decode(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, decodeError("uint64", len(b), 8)
	}
	return binary.BigEndian.Uint64(b), nil
}

// Int64 stores an int64 in 8 bytes.
type Int64 struct{}

func (Int64) Append(dst []byte, v int64) []byte { return binary.BigEndian.AppendUint64(dst, uint64(v)) }

func (Int64) Decode(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, decodeError("int64", len(b), 8)
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// Int32 stores an int32 in 4 bytes.
type Int32 struct{}

func (Int32) Append(dst []byte, v int32) []byte { return binary.BigEndian.AppendUint32(dst, uint32(v)) }

func (Int32) Decode(b []byte) (int32, error) {
	if len(b) != 4 {
		return 0, decodeError("int32", len(b), 4)
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// Float64 stores the IEEE 754 bits of a float64 in 8 bytes.
type Float64 struct{}

func (Float64) Append(dst []byte, v float64) []byte {
	return binary.BigEndian.AppendUint64(dst, math.Float64bits(v))
}

func (Float64) Decode(b []byte) (float64, error) {
	if len(b) != 8 {
		return 0, decodeError("float64", len(b), 8)
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// Bool stores a bool in a single byte.
type Bool struct{}

func (Bool) Append(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}

func (Bool) Decode(b []byte) (bool, error) {
	if len(b) != 1 {
		return false, decodeError("bool", len(b), 1)
	}
	switch b[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, errors.Wrapf(db.ErrCorruptEntry, "bool: invalid byte %#x", b[0])
	}
}

// --------------------------------------------------------------------------
// Composite codecs
// --------------------------------------------------------------------------

// PairOf holds the two halves of a Pair.
type PairOf[A, B any] struct {
	First  A
	Second B
}

// Pair encodes two values as uvarint(len(first)) | first | second. The length prefix
// makes the encoding self-describing for variable length first elements.
type Pair[A, B any] struct {
	First  Codec[A]
	Second Codec[B]
}

func (p Pair[A, B]) Append(dst []byte, v PairOf[A, B]) []byte {
	// encode the first element behind a reserved prefix and move it once the length is known
	start := len(dst)
	dst = binary.AppendUvarint(dst, 0)
	prefix := len(dst) - start
	dst = p.First.Append(dst, v.First)
	n := len(dst) - start - prefix

	var lenBuf [binary.MaxVarintLen64]byte
	lenSize := binary.PutUvarint(lenBuf[:], uint64(n))
	if lenSize != prefix {
		shifted := make([]byte, 0, len(dst)-prefix+lenSize)
		shifted = append(shifted, dst[:start]...)
		shifted = append(shifted, lenBuf[:lenSize]...)
		shifted = append(shifted, dst[start+prefix:]...)
		dst = shifted
	} else {
		copy(dst[start:], lenBuf[:lenSize])
	}
	return p.Second.Append(dst, v.Second)
}

func (p Pair[A, B]) Decode(b []byte) (PairOf[A, B], error) {
	var out PairOf[A, B]
	n, size := binary.Uvarint(b)
	if size <= 0 || uint64(len(b)-size) < n {
		return out, errors.Wrap(db.ErrCorruptEntry, "pair: invalid length prefix")
	}
	first, err := p.First.Decode(b[size : size+int(n)])
	if err != nil {
		return out, err
	}
	second, err := p.Second.Decode(b[size+int(n):])
	if err != nil {
		return out, err
	}
	out.First, out.Second = first, second
	return out, nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// unsafeString views b as a string without copying. The caller must not modify b
// while the string is alive.
func unsafeString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
