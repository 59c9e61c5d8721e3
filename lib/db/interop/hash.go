package interop

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
)

// Hash returns the 64-bit hash of a key's stored bytes. The seed is kept in the map
// header, so every process attached to the same region computes the same value.
func Hash(b []byte, seed uint64) uint64 {
	return mix(xxhash.Sum64(b) ^ seed)
}

// HashString is Hash for a string, without converting it to a byte slice.
func HashString(s string, seed uint64) uint64 {
	return mix(xxhash.Sum64String(s) ^ seed)
}

// Equal reports whether two byte ranges hold the same key.
func Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// EqualString compares stored key bytes against a string key without allocating.
func EqualString(stored []byte, key string) bool {
	return unsafeString(stored) == key
}

// mix is the splitmix64 finalizer. It spreads the seed over all bits so the segment
// mask (low bits) and the slot position (middle bits) stay independent.
func mix(h uint64) uint64 {
	h ^= h >> 30
	h *= 0xbf58476d1ce4e5b9
	h ^= h >> 27
	h *= 0x94d049bb133111eb
	h ^= h >> 31
	return h
}
