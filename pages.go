package boltscope

import (
	"runtime"
	"sort"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
)

// PageInfo describes one page reached from the meta pages.
type PageInfo struct {
	ID       PageID   `json:"id"`
	Kind     PageKind `json:"-"`
	Type     string   `json:"type"`
	Count    int      `json:"count"`
	Overflow uint32   `json:"overflow"`
	// Capacity is the size in bytes of the page and its overflow pages.
	Capacity int `json:"capacity"`
	Used     int `json:"used"`

	ParentID  PageID `json:"parent_id,omitempty"`
	HasParent bool   `json:"has_parent"`
}

type pageIterItem struct {
	id        PageID
	kind      PageKind
	parent    PageID
	hasParent bool
}

// PageIterator visits the reachable pages breadth-first: both metas, the
// freelist page and the ids it lists, then every page of the root tree and
// of every nested bucket tree. Each page is reported once.
type PageIterator struct {
	db    *DB
	queue []pageIterItem
	seen  map[PageID]struct{}
	err   error
}

// Pages returns an iterator over the reachable pages.
func (db *DB) Pages() *PageIterator {
	it := &PageIterator{db: db, seen: map[PageID]struct{}{}}
	it.queue = append(it.queue,
		pageIterItem{id: 0, kind: PageKindMeta},
		pageIterItem{id: 1, kind: PageKindMeta},
	)
	if db.meta.FreelistPersisted() {
		it.queue = append(it.queue, pageIterItem{id: db.meta.Freelist, kind: PageKindFreelist})
	}
	it.queue = append(it.queue, pageIterItem{id: db.meta.Root.Root, kind: PageKindBranch})
	return it
}

// Err returns the error that stopped the iteration, if any.
func (it *PageIterator) Err() error { return it.err }

// Next returns the next page. It returns false at the end or on error.
func (it *PageIterator) Next() (PageInfo, bool) {
	for len(it.queue) > 0 && it.err == nil {
		item := it.queue[0]
		it.queue = it.queue[1:]
		if _, ok := it.seen[item.id]; ok {
			continue
		}
		it.seen[item.id] = struct{}{}

		info, err := it.visit(item)
		if err != nil {
			it.err = err
			return PageInfo{}, false
		}
		return info, true
	}
	return PageInfo{}, false
}

func (it *PageIterator) visit(item pageIterItem) (PageInfo, error) {
	sz := it.db.pageSize
	info := PageInfo{
		ID:        item.id,
		Kind:      item.kind,
		Type:      item.kind.String(),
		Capacity:  sz,
		ParentID:  item.parent,
		HasParent: item.hasParent,
	}
	if item.kind == PageKindFree {
		return info, nil
	}

	var (
		p   *Page
		err error
	)
	switch item.kind {
	case PageKindMeta:
		// A damaged meta copy is still a reachable page.
		if p, err = it.db.Page(item.id); err != nil {
			return info, nil
		}
	case PageKindFreelist:
		p, err = it.db.Page(item.id)
	default:
		p, err = it.db.treePage(item.id)
	}
	if err != nil {
		return info, err
	}
	info.Kind = p.Kind
	info.Type = p.Kind.String()
	info.Count = p.Count
	info.Overflow = p.Overflow
	info.Capacity = sz * (1 + int(p.Overflow))
	info.Used = p.Used()

	switch p.Kind {
	case PageKindFreelist:
		ids, _, err := readFreelist(p)
		if err != nil {
			return info, err
		}
		for _, id := range ids {
			it.queue = append(it.queue, pageIterItem{id: id, kind: PageKindFree})
		}
	case PageKindBranch:
		for _, e := range p.branches {
			it.queue = append(it.queue, pageIterItem{id: e.Child, kind: PageKindBranch, parent: p.ID, hasParent: true})
		}
	case PageKindLeaf:
		for _, e := range p.leaves {
			if e.IsBucket() && !e.Bucket.Inline() {
				it.queue = append(it.queue, pageIterItem{id: e.Bucket.Root, kind: PageKindBranch, parent: p.ID, hasParent: true})
			}
		}
	}
	return info, nil
}

// walkTree calls fn for each page of the tree rooted at root, depth-first,
// with the parent page id and the depth of the page (1 for the root).
// Nested bucket trees are not entered.
func (db *DB) walkTree(root PageID, fn func(p *Page, parent PageID, depth int) error) error {
	seen := map[PageID]struct{}{}
	var walk func(id, parent PageID, depth int) error
	walk = func(id, parent PageID, depth int) error {
		if depth > maxTreeDepth {
			return formatErrorf(id, 0, "tree deeper than %d levels", maxTreeDepth)
		}
		if _, ok := seen[id]; ok {
			return formatErrorf(id, 0, "page referenced twice in one tree")
		}
		seen[id] = struct{}{}

		p, err := db.treePage(id)
		if err != nil {
			return err
		}
		if err := fn(p, parent, depth); err != nil {
			return err
		}
		for _, e := range p.branches {
			if err := walk(e.Child, id, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(root, 0, 1)
}

// UnreachablePages returns the ids below the high-water mark that are
// neither free nor covered by a reachable page or its overflow pages.
// The id range is checked in parallel chunks by up to workers goroutines;
// zero means one per CPU.
func (db *DB) UnreachablePages(workers int) ([]PageID, error) {
	known := map[PageID]struct{}{}
	it := db.Pages()
	for info, ok := it.Next(); ok; info, ok = it.Next() {
		for i := uint64(0); i <= uint64(info.Overflow); i++ {
			known[info.ID+PageID(i)] = struct{}{}
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	total := uint64(db.meta.Pgid)
	chunk := (total + uint64(workers) - 1) / uint64(workers)
	if chunk == 0 {
		return nil, nil
	}

	results := make([][]PageID, workers)
	var g errgroup.Group
	g.SetLimit(workers)
	for w := 0; w < workers; w++ {
		start := uint64(w) * chunk
		end := start + chunk
		if end > total {
			end = total
		}
		if start >= end {
			continue
		}
		g.Go(func() error {
			for id := start; id < end; id++ {
				if _, ok := known[PageID(id)]; !ok {
					results[w] = append(results[w], PageID(id))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var ids []PageID
	for _, r := range results {
		ids = append(ids, r...)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	db.log.WithField("count", len(ids)).WithField("workers", workers).Debug("unreachable pages computed")
	return ids, nil
}

// PageDigest returns the BLAKE3-256 digest of the logical page body of id,
// overflow pages included.
func (db *DB) PageDigest(id PageID) ([32]byte, error) {
	buf, err := db.pageData(id)
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(buf), nil
}
