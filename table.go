package boltscope

import (
	"bytes"
	"context"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
)

// DefaultBatchSize is the number of rows per record batch when the scan
// request does not set one.
const DefaultBatchSize = 1024

// ScanRequest carries what a query engine pushes down into a scan.
type ScanRequest struct {
	// Projection selects columns by index; nil means all.
	Projection []int
	// Lower is the inclusive and Upper the exclusive key bound; nil is unbounded.
	Lower []byte
	Upper []byte
	// Limit caps the number of rows; zero means no limit.
	Limit int
	// BatchSize defaults to DefaultBatchSize.
	BatchSize int
	// Decode is applied to every value before it enters a batch.
	Decode DeCompressor
	// Mem allocates the batches; nil means memory.DefaultAllocator.
	Mem memory.Allocator
}

// WithRange returns a copy of r bounded by kr.
func (r ScanRequest) WithRange(kr KeyRange) ScanRequest {
	r.Lower, r.Upper = kr.Lower, kr.Upper
	return r
}

// Range returns the key bounds of r.
func (r ScanRequest) Range() KeyRange {
	return KeyRange{Lower: r.Lower, Upper: r.Upper}
}

// TableProvider is a table-scan source for a columnar query engine. The
// records of a reader are only valid until its next call to Next; callers
// that keep one must Retain it.
type TableProvider interface {
	Schema() *arrow.Schema
	Scan(ctx context.Context, req ScanRequest) (array.RecordReader, error)
}

// ProjectSchema returns s restricted to the given column indices, in that
// order. A nil projection keeps every column.
func ProjectSchema(s *arrow.Schema, projection []int) (*arrow.Schema, error) {
	if projection == nil {
		return s, nil
	}
	fields := make([]arrow.Field, len(projection))
	for i, idx := range projection {
		if idx < 0 || idx >= s.NumFields() {
			return nil, errors.Errorf("projection index %d out of range [0, %d)", idx, s.NumFields())
		}
		fields[i] = s.Field(idx)
	}
	return arrow.NewSchema(fields, nil), nil
}

// ValueAt returns row i of arr as a Go value: []byte, string, uint64 or
// bool, and nil when the slot is null.
func ValueAt(arr arrow.Array, i int) interface{} {
	if arr.IsNull(i) {
		return nil
	}
	switch a := arr.(type) {
	case *array.Binary:
		return a.Value(i)
	case *array.String:
		return a.Value(i)
	case *array.Uint64:
		return a.Value(i)
	case *array.Boolean:
		return a.Value(i)
	}
	return nil
}

// RowAt returns the values of row i across every column of rec.
func RowAt(rec arrow.Record, i int) []interface{} {
	row := make([]interface{}, rec.NumCols())
	for c := range row {
		row[c] = ValueAt(rec.Column(c), i)
	}
	return row
}

// ReadAll drains and releases a reader. The returned records are retained;
// release them when done.
func ReadAll(r array.RecordReader) ([]arrow.Record, error) {
	defer r.Release()
	var recs []arrow.Record
	for r.Next() {
		rec := r.Record()
		rec.Retain()
		recs = append(recs, rec)
	}
	return recs, r.Err()
}

// rowFunc yields the next full-schema row; ok is false at the end.
type rowFunc func() (row []interface{}, ok bool, err error)

// rowReader fills record batches from a rowFunc.
type rowReader struct {
	refs       int64
	ctx        context.Context
	schema     *arrow.Schema
	builder    *array.RecordBuilder
	projection []int
	next       rowFunc
	batchSize  int
	limit      int
	rows       int
	done       bool
	cur        arrow.Record
	err        error
}

var _ array.RecordReader = (*rowReader)(nil)

func newRowReader(ctx context.Context, schema *arrow.Schema, req ScanRequest, next rowFunc) (*rowReader, error) {
	projected, err := ProjectSchema(schema, req.Projection)
	if err != nil {
		return nil, err
	}
	projection := req.Projection
	if projection == nil {
		projection = make([]int, schema.NumFields())
		for i := range projection {
			projection[i] = i
		}
	}
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	mem := req.Mem
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &rowReader{
		refs:       1,
		ctx:        ctx,
		schema:     projected,
		builder:    array.NewRecordBuilder(mem, projected),
		projection: projection,
		next:       next,
		batchSize:  batchSize,
		limit:      req.Limit,
	}, nil
}

func (r *rowReader) Schema() *arrow.Schema { return r.schema }
func (r *rowReader) Record() arrow.Record  { return r.cur }
func (r *rowReader) Err() error            { return r.err }
func (r *rowReader) Retain()               { atomic.AddInt64(&r.refs, 1) }

func (r *rowReader) Release() {
	if atomic.AddInt64(&r.refs, -1) != 0 {
		return
	}
	r.done = true
	if r.cur != nil {
		r.cur.Release()
		r.cur = nil
	}
	r.builder.Release()
}

func (r *rowReader) fail(err error) bool {
	r.err = err
	r.done = true
	return false
}

func (r *rowReader) Next() bool {
	if r.cur != nil {
		r.cur.Release()
		r.cur = nil
	}
	if r.done {
		return false
	}
	if err := r.ctx.Err(); err != nil {
		return r.fail(err)
	}
	n := 0
	for n < r.batchSize {
		if r.limit > 0 && r.rows >= r.limit {
			r.done = true
			break
		}
		row, ok, err := r.next()
		if err != nil {
			return r.fail(err)
		}
		if !ok {
			r.done = true
			break
		}
		for i, idx := range r.projection {
			if err := appendValue(r.builder.Field(i), row[idx]); err != nil {
				return r.fail(errors.Wrapf(err, "column %s", r.schema.Field(i).Name))
			}
		}
		n++
		r.rows++
	}
	if n == 0 {
		return false
	}
	r.cur = r.builder.NewRecord()
	return true
}

// appendValue appends v to a column builder; a nil v appends a null.
func appendValue(b array.Builder, v interface{}) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch b := b.(type) {
	case *array.BinaryBuilder:
		if x, ok := v.([]byte); ok {
			b.Append(x)
			return nil
		}
	case *array.StringBuilder:
		if x, ok := v.(string); ok {
			b.Append(x)
			return nil
		}
	case *array.Uint64Builder:
		if x, ok := v.(uint64); ok {
			b.Append(x)
			return nil
		}
	case *array.BooleanBuilder:
		if x, ok := v.(bool); ok {
			b.Append(x)
			return nil
		}
	}
	return errors.Errorf("expect %s, got %T", b.Type(), v)
}

var kvSchema = arrow.NewSchema([]arrow.Field{
	{Name: "bucket", Type: arrow.BinaryTypes.String},
	{Name: "key", Type: arrow.BinaryTypes.Binary},
	{Name: "value", Type: arrow.BinaryTypes.Binary},
}, nil)

// pairs returns a rowFunc over the key/value pairs of b within
// [req.Lower, req.Upper). Nested bucket elements are skipped.
func pairs(b *Bucket, req ScanRequest) rowFunc {
	c := b.Cursor()
	name := JoinPath(b.path)
	started := false
	return func() ([]interface{}, bool, error) {
		for {
			var k, v []byte
			if !started {
				started = true
				if req.Lower != nil {
					k, v = c.Seek(req.Lower)
				} else {
					k, v = c.First()
				}
			} else {
				k, v = c.Next()
			}
			if k == nil {
				return nil, false, c.Err()
			}
			if req.Upper != nil && bytes.Compare(k, req.Upper) >= 0 {
				return nil, false, nil
			}
			if v == nil {
				continue
			}
			if req.Decode != nil {
				decoded, err := req.Decode(v)
				if err != nil {
					return nil, false, errors.Wrapf(err, "decode value of %q in bucket %q", k, name)
				}
				v = decoded
			}
			return []interface{}{name, k, v}, true, nil
		}
	}
}

// BucketTable exposes the key/value pairs of one bucket.
type BucketTable struct {
	Bucket *Bucket
}

func (t *BucketTable) Schema() *arrow.Schema { return kvSchema }

func (t *BucketTable) Scan(ctx context.Context, req ScanRequest) (array.RecordReader, error) {
	return newRowReader(ctx, kvSchema, req, pairs(t.Bucket, req))
}

// FileTable exposes the key/value pairs of every bucket of a file, the
// root bucket included. The bucket column holds the joined path. Key
// bounds apply within each bucket.
type FileTable struct {
	DB *DB
}

func (t *FileTable) Schema() *arrow.Schema { return kvSchema }

func (t *FileTable) Scan(ctx context.Context, req ScanRequest) (array.RecordReader, error) {
	root := t.DB.Root()
	buckets := []*Bucket{root}
	if err := root.Walk(func(b *Bucket, _ int) error {
		buckets = append(buckets, b)
		return nil
	}); err != nil {
		return nil, err
	}

	var cur rowFunc
	next := func() ([]interface{}, bool, error) {
		for {
			if cur == nil {
				if len(buckets) == 0 {
					return nil, false, nil
				}
				cur = pairs(buckets[0], req)
				buckets = buckets[1:]
			}
			row, ok, err := cur()
			if err != nil || ok {
				return row, ok, err
			}
			cur = nil
		}
	}
	return newRowReader(ctx, kvSchema, req, next)
}

var bucketsSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.BinaryTypes.String},
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "page_id", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "is_inline", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "depth", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "parent_id", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "parent_name", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

// BucketsTable is the catalog of every nested bucket. A bucket's id is
// its joined path; top-level buckets have no parent.
type BucketsTable struct {
	DB *DB
}

func (t *BucketsTable) Schema() *arrow.Schema { return bucketsSchema }

func (t *BucketsTable) Scan(ctx context.Context, req ScanRequest) (array.RecordReader, error) {
	var rows [][]interface{}
	err := t.DB.Root().Walk(func(b *Bucket, depth int) error {
		var parentID, parentName interface{}
		if len(b.path) > 1 {
			parent := b.path[:len(b.path)-1]
			parentID = JoinPath(parent)
			parentName = string(parent[len(parent)-1])
		}
		rows = append(rows, []interface{}{
			JoinPath(b.path), string(b.Name()), uint64(b.Root()), b.Inline(), uint64(depth), parentID, parentName,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newRowReader(ctx, bucketsSchema, req, func() ([]interface{}, bool, error) {
		if len(rows) == 0 {
			return nil, false, nil
		}
		row := rows[0]
		rows = rows[1:]
		return row, true, nil
	})
}

var pagesSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "typ", Type: arrow.BinaryTypes.String},
	{Name: "overflow", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "capacity", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "used", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "parent_page_id", Type: arrow.PrimitiveTypes.Uint64, Nullable: true},
}, nil)

// PagesTable exposes the reachable pages in breadth-first order.
type PagesTable struct {
	DB *DB
}

func (t *PagesTable) Schema() *arrow.Schema { return pagesSchema }

func (t *PagesTable) Scan(ctx context.Context, req ScanRequest) (array.RecordReader, error) {
	it := t.DB.Pages()
	return newRowReader(ctx, pagesSchema, req, func() ([]interface{}, bool, error) {
		info, ok := it.Next()
		if !ok {
			return nil, false, it.Err()
		}
		var parent interface{}
		if info.HasParent {
			parent = uint64(info.ParentID)
		}
		return []interface{}{
			uint64(info.ID), info.Type, uint64(info.Overflow), uint64(info.Capacity), uint64(info.Used), parent,
		}, true, nil
	})
}
