package boltscope

import (
	"bytes"

	"github.com/pkg/errors"
)

// Bucket represents a named, independently rooted key/value namespace.
// Buckets are resolved on demand from their parent and are never cached.
type Bucket struct {
	db     *DB
	path   [][]byte
	header BucketHeader
	inline *Page
}

// BucketStats records statistics about the pages and elements of a bucket,
// its nested buckets included.
type BucketStats struct {
	KeyN          int `json:"key_n"`           // number of key/value pairs
	BucketN       int `json:"bucket_n"`        // number of nested buckets
	InlineBucketN int `json:"inline_bucket_n"` // number of nested inline buckets
	Depth         int `json:"depth"`           // deepest tree, in pages

	BranchPageN   int `json:"branch_page_n"`
	LeafPageN     int `json:"leaf_page_n"`
	OverflowPageN int `json:"overflow_page_n"`

	BranchInuse int `json:"branch_inuse"` // bytes
	LeafInuse   int `json:"leaf_inuse"`
	InlineInuse int `json:"inline_inuse"`
}

// Root returns the root bucket of the snapshot.
func (db *DB) Root() *Bucket {
	return &Bucket{db: db, header: db.meta.Root}
}

// Bucket resolves a bucket path from the root bucket.
func (db *DB) Bucket(path ...[]byte) (*Bucket, error) {
	return db.Root().Resolve(path...)
}

// Get looks up key in the bucket at path.
func (db *DB) Get(path [][]byte, key []byte) ([]byte, bool, error) {
	b, err := db.Bucket(path...)
	if err != nil {
		return nil, false, err
	}
	return b.Get(key)
}

// ForEach iterates the bucket at path in ascending key order.
func (db *DB) ForEach(path [][]byte, fn func(k, v []byte) error) error {
	b, err := db.Bucket(path...)
	if err != nil {
		return err
	}
	return b.ForEach(fn)
}

// BucketNames lists the top-level bucket names.
func (db *DB) BucketNames() ([]string, error) {
	buckets, err := db.Root().Buckets()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(buckets))
	for i, b := range buckets {
		names[i] = string(b.Name())
	}
	return names, nil
}

// Name returns the bucket's own name; nil for the root bucket.
func (b *Bucket) Name() []byte {
	if len(b.path) == 0 {
		return nil
	}
	return b.path[len(b.path)-1]
}

// Path returns the names from the root bucket down to b.
func (b *Bucket) Path() [][]byte {
	return append([][]byte(nil), b.path...)
}

// Root returns the page id of the bucket's root page; zero for inline buckets.
func (b *Bucket) Root() PageID { return b.header.Root }

// Sequence returns the bucket's sequence counter.
func (b *Bucket) Sequence() uint64 { return b.header.Sequence }

// Inline reports whether the bucket's root page is stored in its parent.
func (b *Bucket) Inline() bool { return b.inline != nil }

// Cursor creates a cursor associated with the bucket.
func (b *Bucket) Cursor() *Cursor {
	return newCursor(b.db, b.header.Root, b.inline)
}

// Bucket retrieves a nested bucket by name. It fails with a NotFoundError
// when name is absent or names a key/value pair.
func (b *Bucket) Bucket(name []byte) (*Bucket, error) {
	c := b.Cursor()
	c.Seek(name)
	if err := c.Err(); err != nil {
		return nil, err
	}
	e, ok := c.Element()
	if !ok || !bytes.Equal(name, e.Key) || !e.IsBucket() {
		return nil, errors.WithStack(&NotFoundError{Path: append(b.Path(), name)})
	}
	return b.openBucket(e)
}

// Resolve walks a path of nested bucket names starting at b.
func (b *Bucket) Resolve(path ...[]byte) (*Bucket, error) {
	cur := b
	for _, name := range path {
		next, err := cur.Bucket(name)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// openBucket re-interprets a bucket element of b as a Bucket.
func (b *Bucket) openBucket(e LeafElement) (*Bucket, error) {
	path := make([][]byte, len(b.path), len(b.path)+1)
	copy(path, b.path)
	child := &Bucket{db: b.db, path: append(path, e.Key), header: e.Bucket}
	if e.Bucket.Inline() {
		p, err := e.InlinePage()
		if err != nil {
			return nil, err
		}
		child.inline = p
	}
	return child, nil
}

// Get retrieves the value for a key in the bucket. Nested buckets are not
// values: a bucket named key reports found == false.
func (b *Bucket) Get(key []byte) (value []byte, found bool, err error) {
	c := b.Cursor()
	c.Seek(key)
	if err := c.Err(); err != nil {
		return nil, false, err
	}
	e, ok := c.Element()
	if !ok || !bytes.Equal(key, e.Key) || e.IsBucket() {
		return nil, false, nil
	}
	return e.Value, true, nil
}

// ForEach executes fn for each key/value pair in the bucket, in ascending
// key order. The value is nil for nested buckets. Iteration stops at the
// first error returned by fn.
func (b *Bucket) ForEach(fn func(k, v []byte) error) error {
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return c.Err()
}

// Buckets returns the nested buckets of b in key order.
func (b *Bucket) Buckets() ([]*Bucket, error) {
	var buckets []*Bucket
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		e, _ := c.Element()
		if !e.IsBucket() {
			continue
		}
		child, err := b.openBucket(e)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, child)
	}
	return buckets, c.Err()
}

// Walk calls fn for b's nested buckets depth-first in key order, with the
// nesting depth of each (1 for direct children). A bucket whose root page
// was already visited is reported as a FormatError.
func (b *Bucket) Walk(fn func(child *Bucket, depth int) error) error {
	seen := map[PageID]struct{}{}
	if !b.Inline() {
		seen[b.Root()] = struct{}{}
	}
	return b.walk(fn, 1, seen)
}

func (b *Bucket) walk(fn func(*Bucket, int) error, depth int, seen map[PageID]struct{}) error {
	children, err := b.Buckets()
	if err != nil {
		return err
	}
	for _, child := range children {
		if !child.Inline() {
			if _, ok := seen[child.Root()]; ok {
				return formatErrorf(child.Root(), 0, "bucket %q shares its root page", JoinPath(child.path))
			}
			seen[child.Root()] = struct{}{}
		}
		if err := fn(child, depth); err != nil {
			return err
		}
		if err := child.walk(fn, depth+1, seen); err != nil {
			return err
		}
	}
	return nil
}

// Stats retrieves page and element statistics for the bucket.
func (b *Bucket) Stats() (BucketStats, error) {
	var s BucketStats
	add := func(bucket *Bucket) error {
		if bucket.Inline() {
			s.InlineInuse += bucket.inline.Used()
			s.KeyN += countKeys(bucket.inline)
			if s.Depth < 1 {
				s.Depth = 1
			}
			return nil
		}
		return bucket.db.walkTree(bucket.Root(), func(p *Page, _ PageID, depth int) error {
			if depth > s.Depth {
				s.Depth = depth
			}
			s.OverflowPageN += int(p.Overflow)
			switch p.Kind {
			case PageKindBranch:
				s.BranchPageN++
				s.BranchInuse += p.Used()
			case PageKindLeaf:
				s.LeafPageN++
				s.LeafInuse += p.Used()
				s.KeyN += countKeys(p)
			}
			return nil
		})
	}
	if err := add(b); err != nil {
		return s, err
	}
	err := b.Walk(func(child *Bucket, _ int) error {
		s.BucketN++
		if child.Inline() {
			s.InlineBucketN++
		}
		return add(child)
	})
	return s, err
}

func countKeys(p *Page) int {
	n := 0
	for _, e := range p.leaves {
		if !e.IsBucket() {
			n++
		}
	}
	return n
}
