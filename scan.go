package boltscope

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SplitBucket cuts the key space of b into at most n contiguous,
// non-overlapping ranges along the separators of its root branch page.
// Concatenating the ranges in order covers every key exactly once. A
// bucket whose root is a leaf yields a single unbounded range.
func SplitBucket(b *Bucket, n int) ([]KeyRange, error) {
	if n <= 1 || b.Inline() {
		return []KeyRange{{}}, nil
	}
	root, err := b.db.treePage(b.Root())
	if err != nil {
		return nil, err
	}
	if root.Kind != PageKindBranch || len(root.branches) < 2 {
		return []KeyRange{{}}, nil
	}

	// The first separator bounds nothing: every key below it still routes
	// to the first child.
	seps := root.branches[1:]
	if n > len(seps)+1 {
		n = len(seps) + 1
	}
	ranges := make([]KeyRange, 0, n)
	var lower []byte
	for i := 1; i < n; i++ {
		upper := seps[i*len(seps)/n].Key
		ranges = append(ranges, KeyRange{Lower: lower, Upper: upper})
		lower = upper
	}
	return append(ranges, KeyRange{Lower: lower}), nil
}

// Partition is one independently scannable part of a table.
type Partition struct {
	Table   TableProvider
	Request ScanRequest
}

func (p Partition) logger() log.FieldLogger {
	var db *DB
	switch t := p.Table.(type) {
	case *BucketTable:
		db = t.Bucket.db
	case *FileTable:
		db = t.DB
	case *BucketsTable:
		db = t.DB
	case *PagesTable:
		db = t.DB
	}
	if db == nil || db.log == nil {
		return log.StandardLogger()
	}
	return db.log
}

// BucketPartitions splits b into up to n partitions sharing the settings
// of req. Bounds in req narrow every partition.
func BucketPartitions(b *Bucket, n int, req ScanRequest) ([]Partition, error) {
	ranges, err := SplitBucket(b, n)
	if err != nil {
		return nil, err
	}
	bound := req.Range()
	parts := make([]Partition, 0, len(ranges))
	for _, r := range ranges {
		r = r.Intersect(bound)
		if r.Empty() {
			continue
		}
		parts = append(parts, Partition{Table: &BucketTable{Bucket: b}, Request: req.WithRange(r)})
	}
	return parts, nil
}

// ParallelScan scans the partitions with up to workers concurrent
// traversals and calls fn for every batch. Batches are delivered in
// partition order, and in scan order within a partition, so the partitions
// of a split bucket keep ascending key order. fn is never called
// concurrently and must Retain a record it keeps. The first error cancels
// the remaining scans.
func ParallelScan(ctx context.Context, parts []Partition, workers int, fn func(part int, rec arrow.Record) error) error {
	if workers <= 0 {
		workers = 1
	}
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(sctx)
	g.SetLimit(workers)

	results := make([]chan arrow.Record, len(parts))
	for i := range results {
		results[i] = make(chan arrow.Record, 2)
	}

	// Go blocks while every slot is busy, so partitions start in order and
	// the one being delivered is always running or finished.
	launched := make(chan struct{})
	go func() {
		defer close(launched)
		for i := range parts {
			g.Go(func() error {
				defer close(results[i])
				if err := scanPartition(gctx, parts[i], results[i]); err != nil {
					return errors.Wrapf(err, "partition %d", i)
				}
				return nil
			})
		}
	}()

	deliver := func() error {
		for i, ch := range results {
			for rec := range ch {
				err := fn(i, rec)
				rec.Release()
				if err != nil {
					return err
				}
			}
			if gctx.Err() != nil {
				return nil
			}
			parts[i].logger().WithField("partition", i).Debug("partition scanned")
		}
		return nil
	}
	err := deliver()
	cancel()
	<-launched
	for _, ch := range results {
		for rec := range ch {
			rec.Release()
		}
	}
	if werr := g.Wait(); err == nil {
		err = werr
	}
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func scanPartition(ctx context.Context, part Partition, out chan<- arrow.Record) error {
	reader, err := part.Table.Scan(ctx, part.Request)
	if err != nil {
		return err
	}
	defer reader.Release()
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		select {
		case out <- rec:
		case <-ctx.Done():
			rec.Release()
			return ctx.Err()
		}
	}
	return reader.Err()
}

// PartitionedTable presents partitions of one table as a single provider.
// A scan narrows every partition by the request and reads them with
// ParallelScan, so records keep partition order.
type PartitionedTable struct {
	Partitions []Partition
	Workers    int
}

func (t *PartitionedTable) Schema() *arrow.Schema {
	return t.Partitions[0].Table.Schema()
}

// Scan starts the partition scans in the background. Projection, Limit and
// the key bounds of req apply to every partition; req.BatchSize and
// req.Decode only fill in what a partition leaves unset.
func (t *PartitionedTable) Scan(ctx context.Context, req ScanRequest) (array.RecordReader, error) {
	schema, err := ProjectSchema(t.Schema(), req.Projection)
	if err != nil {
		return nil, err
	}
	parts := make([]Partition, 0, len(t.Partitions))
	for _, p := range t.Partitions {
		r := p.Request.Range().Intersect(req.Range())
		if r.Empty() {
			continue
		}
		preq := p.Request.WithRange(r)
		preq.Projection = req.Projection
		preq.Limit = req.Limit
		if preq.BatchSize <= 0 {
			preq.BatchSize = req.BatchSize
		}
		if preq.Decode == nil {
			preq.Decode = req.Decode
		}
		parts = append(parts, Partition{Table: p.Table, Request: preq})
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &partitionReader{
		refs:   1,
		schema: schema,
		limit:  int64(req.Limit),
		recs:   make(chan arrow.Record),
		cancel: cancel,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(r.recs)
		r.scanErr = ParallelScan(ctx, parts, t.Workers, func(_ int, rec arrow.Record) error {
			rec.Retain()
			select {
			case r.recs <- rec:
				return nil
			case <-ctx.Done():
				rec.Release()
				return ctx.Err()
			}
		})
	}()
	return r, nil
}

// partitionReader streams the records a background ParallelScan hands over.
type partitionReader struct {
	refs    int64
	schema  *arrow.Schema
	limit   int64
	rows    int64
	recs    chan arrow.Record
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cur     arrow.Record
	scanErr error
	err     error
	done    bool
}

var _ array.RecordReader = (*partitionReader)(nil)

func (r *partitionReader) Schema() *arrow.Schema { return r.schema }
func (r *partitionReader) Record() arrow.Record  { return r.cur }
func (r *partitionReader) Err() error            { return r.err }
func (r *partitionReader) Retain()               { atomic.AddInt64(&r.refs, 1) }

func (r *partitionReader) Release() {
	if atomic.AddInt64(&r.refs, -1) != 0 {
		return
	}
	r.stop()
	if r.cur != nil {
		r.cur.Release()
		r.cur = nil
	}
}

// stop cancels the scan and waits for it to wind down.
func (r *partitionReader) stop() {
	r.cancel()
	for rec := range r.recs {
		rec.Release()
	}
	r.wg.Wait()
}

func (r *partitionReader) Next() bool {
	if r.cur != nil {
		r.cur.Release()
		r.cur = nil
	}
	if r.done {
		return false
	}
	rec, ok := <-r.recs
	if !ok {
		r.done = true
		r.wg.Wait()
		r.err = r.scanErr
		return false
	}
	if r.limit > 0 && r.rows+rec.NumRows() >= r.limit {
		if keep := r.limit - r.rows; keep < rec.NumRows() {
			sliced := rec.NewSlice(0, keep)
			rec.Release()
			rec = sliced
		}
		r.done = true
		r.stop()
	}
	r.rows += rec.NumRows()
	r.cur = rec
	return true
}
