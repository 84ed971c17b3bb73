package boltscope

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/pkg/errors"
)

const (
	// Magic marks a file as a bolt database.
	Magic uint32 = 0xED0CDAED
	// Version is the only data file format version understood.
	Version uint32 = 2

	minPageSize = 512
	maxPageSize = 1 << 20

	// noFreelist is stored as the freelist page id when the freelist is not
	// persisted and must be rebuilt from the tree by writers.
	noFreelist PageID = 0xFFFFFFFFFFFFFFFF
)

// Meta holds the snapshot pointers of one meta page copy.
// size: 64
type Meta struct {
	Magic    uint32 // 4
	Version  uint32 // 4
	PageSize uint32 // 4
	Flags    uint32 // 4
	// Root is the header of the root bucket.
	Root     BucketHeader // 16
	Freelist PageID       // 8
	// Pgid is the high-water mark: the last page id the file may reference.
	Pgid     PageID // 8
	Txid     uint64 // 8
	Checksum uint64 // 8

	// page id the meta was read from
	id PageID
}

// ID returns the page the meta page was read from (0 or 1).
func (m Meta) ID() PageID { return m.id }

// FreelistPersisted reports whether the meta references a freelist page.
func (m Meta) FreelistPersisted() bool { return m.Freelist != noFreelist }

// decodeMeta reads the meta body of a page image. It only checks that the
// buffer is large enough; use validate for the format checks.
func decodeMeta(buf []byte, id PageID) (*Meta, error) {
	hdr, ok := readPageHeader(buf)
	if !ok || len(buf) < pageHeaderSize+metaSize {
		return nil, formatErrorf(id, 0, "meta page too small: expect %d, got %d", pageHeaderSize+metaSize, len(buf))
	}
	if hdr.flags != metaPageFlag {
		return nil, formatErrorf(id, 8, "page type is invalid, expect 0x%02x, got 0x%02x", metaPageFlag, hdr.flags)
	}
	b := buf[pageHeaderSize:]
	return &Meta{
		Magic:    binary.LittleEndian.Uint32(b[0:]),
		Version:  binary.LittleEndian.Uint32(b[4:]),
		PageSize: binary.LittleEndian.Uint32(b[8:]),
		Flags:    binary.LittleEndian.Uint32(b[12:]),
		Root: BucketHeader{
			Root:     PageID(binary.LittleEndian.Uint64(b[16:])),
			Sequence: binary.LittleEndian.Uint64(b[24:]),
		},
		Freelist: PageID(binary.LittleEndian.Uint64(b[32:])),
		Pgid:     PageID(binary.LittleEndian.Uint64(b[40:])),
		Txid:     binary.LittleEndian.Uint64(b[48:]),
		Checksum: binary.LittleEndian.Uint64(b[56:]),
		id:       id,
	}, nil
}

// encode writes the meta body, excluding the page header, into b.
func (m *Meta) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], m.Magic)
	binary.LittleEndian.PutUint32(b[4:], m.Version)
	binary.LittleEndian.PutUint32(b[8:], m.PageSize)
	binary.LittleEndian.PutUint32(b[12:], m.Flags)
	binary.LittleEndian.PutUint64(b[16:], uint64(m.Root.Root))
	binary.LittleEndian.PutUint64(b[24:], m.Root.Sequence)
	binary.LittleEndian.PutUint64(b[32:], uint64(m.Freelist))
	binary.LittleEndian.PutUint64(b[40:], uint64(m.Pgid))
	binary.LittleEndian.PutUint64(b[48:], m.Txid)
	binary.LittleEndian.PutUint64(b[56:], m.Checksum)
}

// Sum64 returns the FNV-1a checksum of every field before Checksum.
func (m *Meta) Sum64() uint64 {
	var buf [metaSize]byte
	m.encode(buf[:])
	h := fnv.New64a()
	_, _ = h.Write(buf[:metaSize-8])
	return h.Sum64()
}

// validate checks the marker bytes, version, page size and checksum of the
// meta page.
func (m *Meta) validate(pageSize int) error {
	if m.Magic != Magic {
		return formatErrorf(m.id, pageHeaderSize, "magic is invalid, expect 0x%08x, got 0x%08x", Magic, m.Magic)
	}
	if m.Version != Version {
		return formatErrorf(m.id, pageHeaderSize+4, "version mismatch, expect %d, got %d", Version, m.Version)
	}
	if !validPageSize(int(m.PageSize)) || (pageSize != 0 && int(m.PageSize) != pageSize) {
		return formatErrorf(m.id, pageHeaderSize+8, "page size %d is invalid", m.PageSize)
	}
	if sum := m.Sum64(); sum != m.Checksum {
		return formatErrorf(m.id, pageHeaderSize+56, "checksum error, expect 0x%016x, got 0x%016x", sum, m.Checksum)
	}
	return nil
}

func validPageSize(sz int) bool {
	return sz >= minPageSize && sz <= maxPageSize && sz&(sz-1) == 0
}

// loadMeta decodes and validates the meta copy stored in buf.
func loadMeta(buf []byte, id PageID, pageSize int) (*Meta, error) {
	m, err := decodeMeta(buf, id)
	if err != nil {
		return nil, err
	}
	if err := m.validate(pageSize); err != nil {
		return nil, err
	}
	return m, nil
}

// resolveMeta picks the authoritative meta among two candidates and their
// validation errors. Writers always update the other copy, so when both are
// valid the one with the greater txid is current.
func resolveMeta(m0 *Meta, err0 error, m1 *Meta, err1 error) (*Meta, error) {
	switch {
	case err0 == nil && err1 == nil:
		if m1.Txid > m0.Txid {
			return m1, nil
		}
		return m0, nil
	case err0 == nil:
		return m0, nil
	case err1 == nil:
		return m1, nil
	}
	return nil, errors.WithStack(&CorruptionError{Meta0: err0, Meta1: err1})
}
