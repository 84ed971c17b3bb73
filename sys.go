//go:build unix

package boltscope

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// flock acquires a shared advisory lock on the data file. A bolt writer
// holds an exclusive lock for as long as its DB is open.
func flock(db *DB) error {
	err := unix.Flock(int(db.file.Fd()), unix.LOCK_SH|unix.LOCK_NB)
	if err == nil {
		return nil
	} else if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
		return ErrReadByOther
	} else {
		return errors.Wrap(err, "flock failed: unknown error")
	}
}

// waitflock retries flock until it succeeds or timeout elapses.
// A zero timeout tries exactly once.
func waitflock(db *DB, timeout time.Duration) error {
	var t time.Time
	for {
		// If we're beyond our timeout then return an error.
		// This can only occur after we've attempted a flock once.
		if t.IsZero() {
			t = time.Now()
		} else if time.Since(t) > timeout {
			return ErrLockTimeout
		}
		err := flock(db)
		if !errors.Is(err, ErrReadByOther) || timeout <= 0 {
			return err
		}
		// Wait for a bit and try again.
		time.Sleep(50 * time.Millisecond)
	}
}

// funlock releases an advisory lock on a file descriptor.
func funlock(db *DB) error {
	return unix.Flock(int(db.file.Fd()), unix.LOCK_UN)
}

// mmap memory maps a DB's data file read-only.
func mmap(db *DB, sz int) error {
	b, err := unix.Mmap(int(db.file.Fd()), 0, sz, unix.PROT_READ, unix.MAP_SHARED|db.MmapFlags)
	if err != nil {
		return errors.Wrap(err, "mmap error")
	}

	// Advise the kernel that the mmap is accessed randomly.
	if err := unix.Madvise(b, unix.MADV_RANDOM); err != nil {
		_ = unix.Munmap(b)
		return errors.Wrap(err, "madvise error")
	}

	db.dataref = b
	db.data = b
	return nil
}

// munmap unmaps a DB's data file from memory.
func munmap(db *DB) error {
	// Ignore the unmap if we have no mapped data.
	if db.dataref == nil {
		return nil
	}

	err := unix.Munmap(db.dataref)
	db.dataref = nil
	db.data = nil
	return err
}
