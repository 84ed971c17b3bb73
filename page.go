package boltscope

import (
	"bytes"
	"encoding/binary"
)

// PageID identifies a fixed-size page slot. Pages 0 and 1 hold the meta copies.
type PageID uint64

const (
	pageHeaderSize    = 16
	branchElementSize = 16
	leafElementSize   = 16
	bucketHeaderSize  = 16
	metaSize          = 64
)

const (
	branchPageFlag   uint16 = 0x01
	leafPageFlag     uint16 = 0x02
	metaPageFlag     uint16 = 0x04
	freelistPageFlag uint16 = 0x10
)

const bucketLeafFlag uint32 = 0x01

type PageKind uint8

const (
	// PageKindFree is a page without any flag: never written, or listed in
	// the freelist.
	PageKindFree PageKind = iota
	PageKindMeta
	PageKindFreelist
	PageKindBranch
	PageKindLeaf
)

func (k PageKind) String() string {
	switch k {
	case PageKindFree:
		return "free"
	case PageKindMeta:
		return "meta"
	case PageKindFreelist:
		return "freelist"
	case PageKindBranch:
		return "branch"
	case PageKindLeaf:
		return "leaf"
	}
	return "unknown"
}

// size: 16
type pageHeader struct {
	id       PageID // 8
	flags    uint16 // 2
	count    uint16 // 2
	overflow uint32 // 4
}

func readPageHeader(buf []byte) (pageHeader, bool) {
	if len(buf) < pageHeaderSize {
		return pageHeader{}, false
	}
	return pageHeader{
		id:       PageID(binary.LittleEndian.Uint64(buf[0:])),
		flags:    binary.LittleEndian.Uint16(buf[8:]),
		count:    binary.LittleEndian.Uint16(buf[10:]),
		overflow: binary.LittleEndian.Uint32(buf[12:]),
	}, true
}

// BranchElement routes a descent: Key is the smallest key under Child.
type BranchElement struct {
	Key   []byte
	Child PageID
}

type ElementKind uint8

const (
	KeyValueElement ElementKind = iota
	BucketElement
)

// BucketHeader is the on-file representation of a bucket, stored as the
// value of a bucket element. A zero Root means the bucket's root page is
// stored inline in the value, right after the header.
type BucketHeader struct {
	Root     PageID
	Sequence uint64
}

func (h BucketHeader) Inline() bool { return h.Root == 0 }

// LeafElement is either a key/value pair or a nested bucket header.
// For BucketElement, Value holds the raw bucket value (header and, for
// inline buckets, the inline page image).
type LeafElement struct {
	Kind   ElementKind
	Key    []byte
	Value  []byte
	Bucket BucketHeader

	// page and offset of the element, for error reporting
	page   PageID
	offset int
}

func (e LeafElement) IsBucket() bool { return e.Kind == BucketElement }

// InlinePage decodes the inline root page of an inline bucket element.
func (e LeafElement) InlinePage() (*Page, error) {
	if e.Kind != BucketElement || !e.Bucket.Inline() {
		return nil, formatErrorf(e.page, e.offset, "element %q is not an inline bucket", e.Key)
	}
	p, err := decodePage(e.Value[bucketHeaderSize:], e.page, false)
	if err != nil {
		return nil, err
	}
	if p.Kind != PageKindLeaf {
		return nil, formatErrorf(e.page, e.offset, "inline bucket %q has %s root page", e.Key, p.Kind)
	}
	p.inline = true
	return p, nil
}

// Page is a decoded, zero-copy view of one logical page (base page plus
// overflow continuation pages).
type Page struct {
	ID       PageID
	Kind     PageKind
	Flags    uint16
	Count    int
	Overflow uint32

	data     []byte
	inline   bool
	branches []BranchElement
	leaves   []LeafElement
}

// Bytes returns the logical page body.
func (p *Page) Bytes() []byte { return p.data }

// Inline reports whether the page is embedded in a bucket value.
func (p *Page) Inline() bool { return p.inline }

func (p *Page) BranchElements() []BranchElement { return p.branches }

func (p *Page) LeafElements() []LeafElement { return p.leaves }

// count returns the number of routable elements.
func (p *Page) count() int {
	if p.Kind == PageKindBranch {
		return len(p.branches)
	}
	return len(p.leaves)
}

// Used returns the number of bytes occupied by the header, the offset table
// and the element payloads.
func (p *Page) Used() int {
	switch p.Kind {
	case PageKindMeta:
		return pageHeaderSize + metaSize
	case PageKindFreelist:
		n := p.Count
		if n == freelistSentinel {
			n = 0
			if len(p.data) >= pageHeaderSize+8 {
				n = int(binary.LittleEndian.Uint64(p.data[pageHeaderSize:])) + 1
			}
		}
		return pageHeaderSize + n*8
	case PageKindBranch:
		used := pageHeaderSize + len(p.branches)*branchElementSize
		for _, e := range p.branches {
			used += len(e.Key)
		}
		return used
	case PageKindLeaf:
		used := pageHeaderSize + len(p.leaves)*leafElementSize
		for _, e := range p.leaves {
			used += len(e.Key) + len(e.Value)
		}
		return used
	}
	return 0
}

// decodePage interprets buf as a page. Every offset in the element table
// is checked against len(buf) before it is dereferenced. When checkID is
// set the id stored in the header of a written page must match id.
func decodePage(buf []byte, id PageID, checkID bool) (*Page, error) {
	hdr, ok := readPageHeader(buf)
	if !ok {
		return nil, formatErrorf(id, 0, "page buffer too small: expect %d, got %d", pageHeaderSize, len(buf))
	}
	if checkID && hdr.flags != 0 && hdr.id != id {
		return nil, formatErrorf(id, 0, "page header id is %d", hdr.id)
	}

	p := &Page{
		ID:       id,
		Flags:    hdr.flags,
		Count:    int(hdr.count),
		Overflow: hdr.overflow,
		data:     buf,
	}
	switch hdr.flags {
	case 0:
		p.Kind = PageKindFree
	case metaPageFlag:
		p.Kind = PageKindMeta
	case freelistPageFlag:
		p.Kind = PageKindFreelist
	case branchPageFlag:
		p.Kind = PageKindBranch
		if err := p.decodeBranch(); err != nil {
			return nil, err
		}
	case leafPageFlag:
		p.Kind = PageKindLeaf
		if err := p.decodeLeaf(); err != nil {
			return nil, err
		}
	default:
		return nil, formatErrorf(id, 8, "invalid page flags 0x%02x", hdr.flags)
	}
	return p, nil
}

// elementTable checks that count elements of size n fit in the page.
func (p *Page) elementTable(size int) error {
	if p.Count == 0 {
		return nil
	}
	end := uint64(pageHeaderSize) + uint64(p.Count)*uint64(size)
	if end > uint64(len(p.data)) {
		return formatErrorf(p.ID, 10, "element count %d exceeds page size %d", p.Count, len(p.data))
	}
	return nil
}

// payload returns data[start : start+n] after bounds checking.
func (p *Page) payload(start uint64, n uint32) ([]byte, bool) {
	end := start + uint64(n)
	if end > uint64(len(p.data)) {
		return nil, false
	}
	return p.data[start:end:end], true
}

func (p *Page) decodeBranch() error {
	if p.Count == 0 {
		return formatErrorf(p.ID, 10, "empty branch page")
	}
	if err := p.elementTable(branchElementSize); err != nil {
		return err
	}
	p.branches = make([]BranchElement, p.Count)
	for i := range p.branches {
		off := pageHeaderSize + i*branchElementSize
		pos := binary.LittleEndian.Uint32(p.data[off:])
		ksize := binary.LittleEndian.Uint32(p.data[off+4:])
		child := PageID(binary.LittleEndian.Uint64(p.data[off+8:]))
		key, ok := p.payload(uint64(off)+uint64(pos), ksize)
		if !ok {
			return formatErrorf(p.ID, off, "branch element %d key [%d+%d] out of page", i, pos, ksize)
		}
		if child < 2 {
			return formatErrorf(p.ID, off+8, "branch element %d references meta page %d", i, child)
		}
		if i > 0 && bytes.Compare(p.branches[i-1].Key, key) >= 0 {
			return formatErrorf(p.ID, off, "branch element %d key out of order", i)
		}
		p.branches[i] = BranchElement{Key: key, Child: child}
	}
	return nil
}

func (p *Page) decodeLeaf() error {
	if err := p.elementTable(leafElementSize); err != nil {
		return err
	}
	p.leaves = make([]LeafElement, p.Count)
	for i := range p.leaves {
		off := pageHeaderSize + i*leafElementSize
		flags := binary.LittleEndian.Uint32(p.data[off:])
		pos := binary.LittleEndian.Uint32(p.data[off+4:])
		ksize := binary.LittleEndian.Uint32(p.data[off+8:])
		vsize := binary.LittleEndian.Uint32(p.data[off+12:])
		start := uint64(off) + uint64(pos)
		key, ok := p.payload(start, ksize)
		if !ok {
			return formatErrorf(p.ID, off, "leaf element %d key [%d+%d] out of page", i, pos, ksize)
		}
		value, ok := p.payload(start+uint64(ksize), vsize)
		if !ok {
			return formatErrorf(p.ID, off, "leaf element %d value [%d+%d] out of page", i, uint64(pos)+uint64(ksize), vsize)
		}
		if i > 0 && bytes.Compare(p.leaves[i-1].Key, key) >= 0 {
			return formatErrorf(p.ID, off, "leaf element %d key out of order", i)
		}

		e := LeafElement{Key: key, Value: value, page: p.ID, offset: off}
		if hasFlag(flags, bucketLeafFlag) {
			if len(value) < bucketHeaderSize {
				return formatErrorf(p.ID, off, "bucket element %d value too small: %d", i, len(value))
			}
			e.Kind = BucketElement
			e.Bucket = BucketHeader{
				Root:     PageID(binary.LittleEndian.Uint64(value[0:])),
				Sequence: binary.LittleEndian.Uint64(value[8:]),
			}
			if !e.Bucket.Inline() && e.Bucket.Root < 2 {
				return formatErrorf(p.ID, off, "bucket element %d references meta page %d", i, e.Bucket.Root)
			}
		}
		p.leaves[i] = e
	}
	return nil
}
