package boltscope

import (
	"bytes"
	"sort"
)

// maxTreeDepth bounds a descent so that cyclic page references in a damaged
// file end in a FormatError.
const maxTreeDepth = 64

// Cursor represents an iterator that can traverse over all key/value pairs
// in a bucket in sorted order. Cursors are not safe for concurrent use, but
// any number of cursors may traverse the same DB concurrently.
//
// Movement methods return a nil key once the cursor runs off either end or
// hits a malformed page; Err tells the two apart. After that only First,
// Last and Seek start a new traversal.
type Cursor struct {
	db     *DB
	root   PageID
	inline *Page
	stack  []elemRef
	done   bool
	err    error
}

// elemRef represents a reference to an element on a given page.
type elemRef struct {
	id    PageID
	page  *Page
	index int
}

func (r *elemRef) isLeaf() bool { return r.page.Kind == PageKindLeaf }

func (r *elemRef) count() int { return r.page.count() }

func newCursor(db *DB, root PageID, inline *Page) *Cursor {
	return &Cursor{db: db, root: root, inline: inline}
}

// Err returns the error that stopped the last movement, if any.
func (c *Cursor) Err() error { return c.err }

// First moves the cursor to the first item in the bucket and returns its key
// and value. The value is nil when the key is a nested bucket.
func (c *Cursor) First() (key []byte, value []byte) {
	if !c.start(0) || !c.first() {
		return nil, nil
	}

	// If we land on an empty page then move to the next value.
	if c.top().count() == 0 {
		return c.next()
	}
	return c.keyValue()
}

// Last moves the cursor to the last item in the bucket and returns its key
// and value.
func (c *Cursor) Last() (key []byte, value []byte) {
	if !c.start(-1) || !c.last() {
		return nil, nil
	}

	// If this is an empty page then move to the previous value.
	if c.top().count() == 0 {
		return c.prev()
	}
	return c.keyValue()
}

// Next moves the cursor to the next item in the bucket and returns its key
// and value.
func (c *Cursor) Next() (key []byte, value []byte) {
	if c.done || len(c.stack) == 0 {
		return nil, nil
	}
	return c.next()
}

// Prev moves the cursor to the previous item in the bucket and returns its
// key and value.
func (c *Cursor) Prev() (key []byte, value []byte) {
	if c.done || len(c.stack) == 0 {
		return nil, nil
	}
	return c.prev()
}

// Seek moves the cursor to the first item whose key is greater than or
// equal to seek and returns it.
func (c *Cursor) Seek(seek []byte) (key []byte, value []byte) {
	if !c.start(0) || !c.search(seek) {
		return nil, nil
	}

	// If we ended up after the last element of a page then move to the next one.
	if ref := c.top(); ref.index >= ref.count() {
		return c.next()
	}
	return c.keyValue()
}

// Element returns the leaf element at the current position.
func (c *Cursor) Element() (LeafElement, bool) {
	if c.done || len(c.stack) == 0 {
		return LeafElement{}, false
	}
	ref := c.top()
	if !ref.isLeaf() || ref.index < 0 || ref.index >= ref.count() {
		return LeafElement{}, false
	}
	return ref.page.leaves[ref.index], true
}

// Depth returns the number of pages on the current path.
func (c *Cursor) Depth() int { return len(c.stack) }

// start resets the cursor and pushes the root page. A negative index
// positions at the last element of the root.
func (c *Cursor) start(index int) bool {
	c.stack = c.stack[:0]
	c.done, c.err = false, nil

	var p *Page
	if c.inline != nil {
		p = c.inline
	} else {
		var err error
		if p, err = c.db.treePage(c.root); err != nil {
			return c.fail(err)
		}
	}
	if index < 0 {
		index = p.count() - 1
	}
	return c.push(p, index)
}

func (c *Cursor) top() *elemRef { return &c.stack[len(c.stack)-1] }

func (c *Cursor) push(p *Page, index int) bool {
	if len(c.stack) >= maxTreeDepth {
		return c.fail(formatErrorf(p.ID, 0, "tree deeper than %d levels", maxTreeDepth))
	}
	c.stack = append(c.stack, elemRef{id: p.ID, page: p, index: index})
	return true
}

func (c *Cursor) fail(err error) bool {
	c.err = err
	c.done = true
	return false
}

// child decodes the page referenced by the branch element at the top of the stack.
func (c *Cursor) child() (*Page, bool) {
	ref := c.top()
	p, err := c.db.treePage(ref.page.branches[ref.index].Child)
	if err != nil {
		return nil, c.fail(err)
	}
	return p, true
}

// first moves the cursor to the first leaf element under the top of the stack.
func (c *Cursor) first() bool {
	for !c.top().isLeaf() {
		p, ok := c.child()
		if !ok || !c.push(p, 0) {
			return false
		}
	}
	return true
}

// last moves the cursor to the last leaf element under the top of the stack.
func (c *Cursor) last() bool {
	for !c.top().isLeaf() {
		p, ok := c.child()
		if !ok || !c.push(p, p.count()-1) {
			return false
		}
	}
	return true
}

// next moves to the next leaf element, popping exhausted pages off the stack.
func (c *Cursor) next() (key []byte, value []byte) {
	for {
		// Attempt to move over one element until we're successful.
		// Move up the stack as we hit the end of each page in our stack.
		var i int
		for i = len(c.stack) - 1; i >= 0; i-- {
			elem := &c.stack[i]
			if elem.index < elem.count()-1 {
				elem.index++
				break
			}
		}

		// If we've hit the root page then stop and return.
		if i == -1 {
			c.done = true
			return nil, nil
		}

		// Otherwise start from where we left off in the stack and find the
		// first element of the first leaf page.
		c.stack = c.stack[:i+1]
		if !c.first() {
			return nil, nil
		}

		// If this is an empty page then restart and move back up the stack.
		if c.top().count() == 0 {
			continue
		}
		return c.keyValue()
	}
}

// prev moves to the previous leaf element.
func (c *Cursor) prev() (key []byte, value []byte) {
	for {
		var i int
		for i = len(c.stack) - 1; i >= 0; i-- {
			elem := &c.stack[i]
			if elem.index > 0 {
				elem.index--
				break
			}
		}
		if i == -1 {
			c.done = true
			return nil, nil
		}

		c.stack = c.stack[:i+1]
		if !c.last() {
			return nil, nil
		}
		if c.top().count() == 0 {
			continue
		}
		return c.keyValue()
	}
}

// search descends from the top of the stack to the leaf that may hold key.
func (c *Cursor) search(key []byte) bool {
	for {
		ref := c.top()
		if ref.isLeaf() {
			leaves := ref.page.leaves
			ref.index = sort.Search(len(leaves), func(i int) bool {
				return bytes.Compare(leaves[i].Key, key) >= 0
			})
			return true
		}

		// Route to the rightmost separator <= key, or the first child.
		branches := ref.page.branches
		index := sort.Search(len(branches), func(i int) bool {
			return bytes.Compare(branches[i].Key, key) > 0
		}) - 1
		if index < 0 {
			index = 0
		}
		ref.index = index

		p, ok := c.child()
		if !ok || !c.push(p, 0) {
			return false
		}
	}
}

// keyValue returns the key and value of the current leaf element.
func (c *Cursor) keyValue() ([]byte, []byte) {
	e, ok := c.Element()
	if !ok {
		return nil, nil
	}

	// Return a nil value if the element is a bucket.
	if e.IsBucket() {
		return e.Key, nil
	}
	return e.Key, e.Value
}
