//go:build !unix

package region

import (
	"os"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/cockroachdb/errors"
)

// File backed regions need shared mappings, which are only implemented for unix targets.
func openFile(_ *os.File, _ int, _ InitFunc) (*Region, error) {
	return nil, errors.Wrap(db.ErrInvalidConfig, "file backed regions are not supported on this platform")
}

func mapAnonymous(size int) ([]byte, error) {
	// 8 byte aligned backing array for the atomic lock words
	words := make([]uint64, (size+7)/8)
	return unsafeBytes(words)[:size], nil
}

func unmap(_ []byte, _ bool) error {
	return nil
}

// Sync is a no-op for anonymous regions.
func (r *Region) Sync() error {
	return nil
}
