package boltscope

import (
	"encoding/binary"
	"sort"
)

// freelistSentinel in the page count means the real count is stored in the
// first id slot, since it does not fit the 16 bit count field.
const freelistSentinel = 0xFFFF

// FreelistSummary describes the free pages of the snapshot.
type FreelistSummary struct {
	// Persisted is false when the writer did not sync the freelist.
	Persisted bool   `json:"persisted"`
	Page      uint64 `json:"page"`
	Count     int    `json:"count"`
	Bytes     int64  `json:"bytes"`
	Encoding  string `json:"encoding"`
}

// readFreelist decodes the ids stored in a freelist page body, in either
// the plain or the sentinel encoding.
func readFreelist(p *Page) (ids []PageID, encoding string, err error) {
	if p.Kind != PageKindFreelist {
		return nil, "", formatErrorf(p.ID, 8, "invalid freelist page type: %s (0x%02x)", p.Kind, p.Flags)
	}
	buf := p.data[pageHeaderSize:]
	count, start := uint64(p.Count), 0
	encoding = "array"
	if p.Count == freelistSentinel {
		if len(buf) < 8 {
			return nil, "", formatErrorf(p.ID, pageHeaderSize, "freelist count slot out of page")
		}
		count, start = binary.LittleEndian.Uint64(buf), 1
		encoding = "array+count"
	}
	if count > uint64(len(buf)/8-start) {
		return nil, "", formatErrorf(p.ID, pageHeaderSize, "freelist count %d exceeds page size %d", count, len(p.data))
	}
	ids = make([]PageID, count)
	for i := range ids {
		ids[i] = PageID(binary.LittleEndian.Uint64(buf[(start+i)*8:]))
	}
	if !sort.SliceIsSorted(ids, func(i, j int) bool { return ids[i] < ids[j] }) {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return ids, encoding, nil
}

// Freelist returns the sorted ids of the free pages. It is informational
// only: lookups and iteration never consult it.
func (db *DB) Freelist() ([]PageID, error) {
	ids, _, err := db.freelist()
	return ids, err
}

func (db *DB) freelist() ([]PageID, string, error) {
	if !db.meta.FreelistPersisted() {
		return nil, "none", nil
	}
	p, err := db.Page(db.meta.Freelist)
	if err != nil {
		return nil, "", err
	}
	return readFreelist(p)
}

// FreelistSummary returns the count and total size of the free pages.
func (db *DB) FreelistSummary() (FreelistSummary, error) {
	ids, encoding, err := db.freelist()
	if err != nil {
		return FreelistSummary{}, err
	}
	s := FreelistSummary{
		Persisted: db.meta.FreelistPersisted(),
		Count:     len(ids),
		Bytes:     int64(len(ids)) * int64(db.pageSize),
		Encoding:  encoding,
	}
	if s.Persisted {
		s.Page = uint64(db.meta.Freelist)
	}
	return s, nil
}
