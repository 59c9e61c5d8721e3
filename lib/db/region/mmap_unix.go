//go:build unix

package region

import (
	"os"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

func openFile(f *os.File, size int, init InitFunc) (*Region, error) {
	fd := int(f.Fd())

	// an exclusive lock succeeds only if no other process has the file open as a region
	exclusive := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB) == nil
	if !exclusive {
		if err := unix.Flock(fd, unix.LOCK_SH); err != nil {
			return nil, errors.Wrap(err, "lock region file")
		}
	}

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat region file")
	}

	if st.Size() == 0 && !exclusive {
		// a concurrent creator failed, format it ourselves
		if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
			return nil, errors.Wrap(err, "lock region file")
		}
		exclusive = true
		if st, err = f.Stat(); err != nil {
			return nil, errors.Wrap(err, "stat region file")
		}
	}

	created := st.Size() == 0
	if created {
		if size <= 0 {
			return nil, errors.Wrapf(db.ErrInvalidConfig, "region size must be positive, got %d", size)
		}
		if err := f.Truncate(int64(size)); err != nil {
			return nil, errors.Wrap(err, "resize region file")
		}
	} else {
		size = int(st.Size())
	}

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "map region file")
	}

	if init != nil {
		if err := init(mem, created, exclusive); err != nil {
			_ = unix.Munmap(mem)
			if created {
				// leave no half formatted file behind
				_ = f.Truncate(0)
			}
			return nil, err
		}
	}

	if created {
		if err := unix.Msync(mem, unix.MS_SYNC); err != nil {
			_ = unix.Munmap(mem)
			return nil, errors.Wrap(err, "sync region file")
		}
	}

	// keep a shared lock for the lifetime of the region, it is dropped when the file is closed
	if exclusive {
		if err := unix.Flock(fd, unix.LOCK_SH); err != nil {
			_ = unix.Munmap(mem)
			return nil, errors.Wrap(err, "downgrade region lock")
		}
	}

	return &Region{path: f.Name(), file: f, mem: mem}, nil
}

func mapAnonymous(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmap(mem []byte, _ bool) error {
	return unix.Munmap(mem)
}

// Sync flushes dirty pages to the backing file. It is a no-op for anonymous regions.
func (r *Region) Sync() error {
	if r.file == nil || r.mem == nil {
		return nil
	}
	return unix.Msync(r.mem, unix.MS_SYNC)
}
