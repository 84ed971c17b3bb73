//go:build !unix

package boltscope

import (
	"time"

	"github.com/pkg/errors"
)

var errNoMmap = errors.New("mmap is not supported on this platform, use Options.Buffered")

func waitflock(*DB, time.Duration) error { return nil }

func funlock(*DB) error { return nil }

func mmap(*DB, int) error { return errNoMmap }

func munmap(db *DB) error {
	db.dataref = nil
	db.data = nil
	return nil
}
