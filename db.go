package boltscope

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Options represents the options that can be set when opening a database.
type Options struct {
	// PageSize overrides the page size declared in the meta pages. It must
	// be a power of two. Zero detects the page size from the file.
	PageSize int

	// Buffered reads the whole file into memory instead of mapping it.
	Buffered bool

	// Lock takes a shared flock(2) on the file for the lifetime of the DB.
	// A running bolt writer holds an exclusive lock, so leave this off to
	// inspect a live database.
	Lock bool

	// Timeout is the amount of time to wait to obtain the shared lock.
	// When set to zero the lock is attempted once.
	Timeout time.Duration

	// MmapFlags are or'ed into the mmap flags, e.g. syscall.MAP_POPULATE
	// on Linux 2.6.23+ for sequential read-ahead.
	MmapFlags int

	// Logger receives debug and warning messages. Defaults to the logrus
	// standard logger.
	Logger log.FieldLogger
}

var DefaultOptions = &Options{}

// DB is a read-only snapshot of a database file. The page store and the
// authoritative meta are fixed at Open; any number of goroutines may read
// through independent cursors.
type DB struct {
	// MmapFlags in effect for this DB.
	MmapFlags int

	path     string
	file     *os.File
	dataref  []byte // mmap'ed readonly, write throws SEGV
	data     []byte
	pageSize int
	opened   bool
	locked   bool

	meta       *Meta
	meta0Error error
	meta1Error error

	log log.FieldLogger
}

// Info summarizes the authoritative meta page.
type Info struct {
	PageSize     uint32 `json:"page_size"`
	Version      uint32 `json:"version"`
	MaxPgid      uint64 `json:"max_pgid"`
	RootPgid     uint64 `json:"root_pgid"`
	RootSequence uint64 `json:"root_sequence"`
	FreelistPgid uint64 `json:"freelist_pgid"`
	Txid         uint64 `json:"txid"`
	MetaPgid     uint64 `json:"meta_pgid"`
	FileSize     int64  `json:"file_size"`
}

// Open opens the database file at path read-only and resolves the
// authoritative meta page.
func Open(path string, options *Options) (*DB, error) {
	if options == nil {
		options = DefaultOptions
	}
	db := &DB{path: path, MmapFlags: options.MmapFlags, log: options.Logger}
	if db.log == nil {
		db.log = log.StandardLogger()
	}
	logger := db.log.WithField("path", path)

	var err error
	if db.file, err = os.Open(path); err != nil {
		return nil, errors.Wrap(err, "open db file")
	}
	db.opened = true

	if options.Lock {
		if err := waitflock(db, options.Timeout); err != nil {
			_ = db.close()
			return nil, err
		}
		db.locked = true
	}

	info, err := db.file.Stat()
	if err != nil {
		_ = db.close()
		return nil, errors.Wrap(err, "stat db file")
	}
	if info.Size() < pageHeaderSize+metaSize {
		_ = db.close()
		return nil, formatErrorf(0, 0, "file too small: %d bytes", info.Size())
	}

	if options.Buffered {
		err = db.load(int(info.Size()))
	} else {
		err = mmap(db, int(info.Size()))
	}
	if err != nil {
		_ = db.close()
		return nil, err
	}

	if err := db.init(options.PageSize); err != nil {
		_ = db.close()
		return nil, err
	}

	logger.WithFields(log.Fields{
		"page_size": db.pageSize,
		"meta":      db.meta.id,
		"txid":      db.meta.Txid,
		"buffered":  options.Buffered,
	}).Debug("database opened")
	return db, nil
}

// load reads the whole file into memory.
func (db *DB) load(sz int) error {
	buf := make([]byte, sz)
	if _, err := io.ReadFull(db.file, buf); err != nil {
		return errors.Wrap(err, "read db file")
	}
	db.data = buf
	return nil
}

// init determines the page size, checks the file length and resolves the meta.
func (db *DB) init(pageSize int) error {
	if pageSize != 0 && !validPageSize(pageSize) {
		return errors.Errorf("invalid page size %d: must be a power of two in [%d, %d]", pageSize, minPageSize, maxPageSize)
	}
	if pageSize == 0 {
		var err error
		if pageSize, err = db.detectPageSize(); err != nil {
			return err
		}
	}
	db.pageSize = pageSize

	if len(db.data)%pageSize != 0 {
		return formatErrorf(0, 0, "file size %d is not a multiple of page size %d", len(db.data), pageSize)
	}
	if len(db.data) < 2*pageSize {
		return formatErrorf(0, 0, "file size %d cannot hold both meta pages", len(db.data))
	}

	var m0, m1 *Meta
	m0, db.meta0Error = loadMeta(db.data[:pageSize], 0, pageSize)
	m1, db.meta1Error = loadMeta(db.data[pageSize:2*pageSize], 1, pageSize)
	m, err := resolveMeta(m0, db.meta0Error, m1, db.meta1Error)
	if err != nil {
		return err
	}
	if db.meta0Error != nil {
		db.log.WithField("meta", 0).WithError(db.meta0Error).Warn("meta page invalid, using meta 1")
	} else if db.meta1Error != nil {
		db.log.WithField("meta", 1).WithError(db.meta1Error).Warn("meta page invalid, using meta 0")
	}
	db.meta = m
	return nil
}

// detectPageSize reads the page size from the first meta page. If that copy
// is unusable, every supported page size is tried for a valid second copy.
func (db *DB) detectPageSize() (int, error) {
	m0, err0 := loadMeta(db.data, 0, 0)
	if err0 == nil {
		db.log.WithField("page_size", m0.PageSize).Debug("page size read from meta 0")
		return int(m0.PageSize), nil
	}
	for sz := minPageSize; sz <= maxPageSize && 2*sz <= len(db.data); sz <<= 1 {
		if _, err := loadMeta(db.data[sz:2*sz], 1, sz); err == nil {
			db.log.WithField("page_size", sz).Debug("page size found from meta 1")
			return sz, nil
		}
	}
	return 0, errors.WithStack(&CorruptionError{
		Meta0: err0,
		Meta1: errors.New("no valid meta page at any supported page size"),
	})
}

// Path returns the path to currently open database file.
func (db *DB) Path() string { return db.path }

// PageSize returns the page size in effect.
func (db *DB) PageSize() int { return db.pageSize }

// Meta returns a copy of the authoritative meta.
func (db *DB) Meta() Meta { return *db.meta }

// MetaErrors returns the validation errors of meta 0 and meta 1.
func (db *DB) MetaErrors() (error, error) { return db.meta0Error, db.meta1Error }

func (db *DB) Info() Info {
	m := db.meta
	return Info{
		PageSize:     m.PageSize,
		Version:      m.Version,
		MaxPgid:      uint64(m.Pgid),
		RootPgid:     uint64(m.Root.Root),
		RootSequence: m.Root.Sequence,
		FreelistPgid: uint64(m.Freelist),
		Txid:         m.Txid,
		MetaPgid:     uint64(m.id),
		FileSize:     int64(len(db.data)),
	}
}

// Close releases the mapping and the file handle. Pages and cursors obtained
// from the DB must not be used afterwards.
func (db *DB) Close() error {
	return db.close()
}

func (db *DB) close() error {
	if !db.opened {
		return nil
	}
	db.opened = false

	if err := munmap(db); err != nil {
		return errors.Wrap(err, "munmap")
	}
	db.data = nil

	if db.file != nil {
		if db.locked {
			if err := funlock(db); err != nil {
				db.log.Printf("boltscope.Close(): funlock error: %s", err)
			}
		}
		if err := db.file.Close(); err != nil {
			return errors.Wrap(err, "db file closed")
		}
		db.file = nil
	}
	return nil
}

// pageRange returns the bytes of page id and its overflow continuation
// pages, rejecting anything past the high-water mark or the end of file.
func (db *DB) pageRange(id PageID, overflow uint32) ([]byte, error) {
	if db.data == nil {
		return nil, ErrDatabaseNotOpen
	}
	if id > db.meta.Pgid || uint64(id)+uint64(overflow) > uint64(db.meta.Pgid) {
		return nil, errors.WithStack(&BoundsError{Page: id, Max: db.meta.Pgid})
	}
	sz := uint64(db.pageSize)
	off := uint64(id) * sz
	n := (1 + uint64(overflow)) * sz
	if off+n > uint64(len(db.data)) {
		return nil, errors.WithStack(&BoundsError{Page: id, Max: db.meta.Pgid, Offset: int64(off), Size: int64(n)})
	}
	return db.data[off : off+n : off+n], nil
}

// pageData returns the logical body of page id, including overflow pages.
func (db *DB) pageData(id PageID) ([]byte, error) {
	base, err := db.pageRange(id, 0)
	if err != nil {
		return nil, err
	}
	hdr, _ := readPageHeader(base)
	if hdr.overflow == 0 {
		return base, nil
	}
	return db.pageRange(id, hdr.overflow)
}

// Page decodes page id. Meta, freelist and free pages decode to their kind
// only; branch and leaf pages carry their elements.
func (db *DB) Page(id PageID) (*Page, error) {
	buf, err := db.pageData(id)
	if err != nil {
		return nil, err
	}
	return decodePage(buf, id, true)
}

// treePage decodes a page that must be part of a B+tree.
func (db *DB) treePage(id PageID) (*Page, error) {
	p, err := db.Page(id)
	if err != nil {
		return nil, err
	}
	if p.Kind != PageKindBranch && p.Kind != PageKindLeaf {
		return nil, formatErrorf(id, 8, "invalid page type: %s (0x%02x)", p.Kind, p.Flags)
	}
	return p, nil
}
