// Package region provides the raw memory backing a map: either a shared,
// memory-mapped file that several processes can attach to, or an anonymous
// mapping private to the current process.
//
// A region never grows. Its size is fixed when the backing file is created.
// Creation of a file region runs under an exclusive file lock, so two processes
// opening the same path concurrently never both format it. While a region is
// open its process holds a shared lock on the file, which lets the next opener
// tell whether it is the only process attached.
package region

import (
	"os"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/cockroachdb/errors"
)

// InitFunc prepares a freshly created region (created=true) or validates an
// existing one (created=false). exclusive reports that no other process has the
// region mapped, so state left behind by crashed processes may be reset.
type InitFunc func(mem []byte, created, exclusive bool) error

// Region is a fixed size block of memory outside of the Go heap.
type Region struct {
	path string
	file *os.File
	mem  []byte
}

// Path returns the backing file, or "" for anonymous regions.
func (r *Region) Path() string {
	return r.path
}

// Bytes returns the mapped memory. The slice is valid until Close.
func (r *Region) Bytes() []byte {
	return r.mem
}

// Size returns the size of the mapping in bytes.
func (r *Region) Size() int {
	return len(r.mem)
}

// Shared reports whether the region is backed by a file other processes can map.
func (r *Region) Shared() bool {
	return r.file != nil
}

// Open maps the file at path. If the file does not exist or is empty it is
// created with the given size and init is called with created=true. Otherwise
// the existing file is mapped at its current size and init validates it.
func Open(path string, size int, init InitFunc) (*Region, error) {
	if path == "" {
		return Anonymous(size, init)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open region file %s", path)
	}

	r, err := openFile(f, size, init)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// Anonymous creates a private region of size bytes and calls init with created=true.
// The mapping is shared by the goroutines of this process only.
func Anonymous(size int, init InitFunc) (*Region, error) {
	if size <= 0 {
		return nil, errors.Wrapf(db.ErrInvalidConfig, "region size must be positive, got %d", size)
	}

	mem, err := mapAnonymous(size)
	if err != nil {
		return nil, errors.Wrap(err, "map anonymous region")
	}

	r := &Region{mem: mem}
	if init != nil {
		if err := init(mem, true, true); err != nil {
			_ = r.Close()
			return nil, err
		}
	}
	return r, nil
}

// Close unmaps the memory and closes the backing file. The region must not be
// used afterwards.
func (r *Region) Close() error {
	var err error
	if r.mem != nil {
		err = unmap(r.mem, r.file != nil)
		r.mem = nil
	}
	if r.file != nil {
		err = errors.CombineErrors(err, r.file.Close())
		r.file = nil
	}
	return err
}
