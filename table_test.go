package boltscope

import (
	"context"
	"fmt"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanAll(t *testing.T, table TableProvider, req ScanRequest) []arrow.Record {
	t.Helper()
	r, err := table.Scan(context.Background(), req)
	require.NoError(t, err)
	recs, err := ReadAll(r)
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, rec := range recs {
			rec.Release()
		}
	})
	return recs
}

func column(rec arrow.Record, name string) arrow.Array {
	if idx := rec.Schema().FieldIndices(name); len(idx) == 1 {
		return rec.Column(idx[0])
	}
	return nil
}

func keysOf(recs []arrow.Record) []string {
	var keys []string
	for _, rec := range recs {
		col := column(rec, "key").(*array.Binary)
		for i := 0; i < col.Len(); i++ {
			keys = append(keys, string(col.Value(i)))
		}
	}
	return keys
}

func TestBucketTableBatches(t *testing.T) {
	assert := assertion.New(t)
	table := &BucketTable{Bucket: dataBucket(t, 250)}

	batches := scanAll(t, table, ScanRequest{BatchSize: 100})
	require.Len(t, batches, 3)
	assert.Equal(int64(100), batches[0].NumRows())
	assert.Equal(int64(100), batches[1].NumRows())
	assert.Equal(int64(50), batches[2].NumRows())

	keys := keysOf(batches)
	require.Len(t, keys, 250)
	for i, k := range keys {
		assert.Equal(string(testKey(i)), k)
	}

	row := RowAt(batches[2], 49)
	assert.Equal([]interface{}{"data", testKey(249), []byte("value-249")}, row)

	// default batch size
	batches = scanAll(t, table, ScanRequest{})
	require.Len(t, batches, 1)
	assert.Equal(int64(250), batches[0].NumRows())
}

func TestBucketTablePushdown(t *testing.T) {
	assert := assertion.New(t)
	table := &BucketTable{Bucket: dataBucket(t, 250)}

	keys := keysOf(scanAll(t, table, ScanRequest{Lower: testKey(10), Upper: testKey(20)}))
	require.Len(t, keys, 10)
	assert.Equal(string(testKey(10)), keys[0])
	assert.Equal(string(testKey(19)), keys[9])

	keys = keysOf(scanAll(t, table, ScanRequest{Lower: testKey(240), Limit: 3, BatchSize: 2}))
	assert.Equal([]string{string(testKey(240)), string(testKey(241)), string(testKey(242))}, keys)

	// an empty range yields no batch at all
	assert.Empty(scanAll(t, table, ScanRequest{Lower: testKey(20), Upper: testKey(20)}))

	batches := scanAll(t, table, ScanRequest{Projection: []int{2, 1}, Limit: 1})
	require.Len(t, batches, 1)
	assert.Equal([]string{"value", "key"}, []string{batches[0].ColumnName(0), batches[0].ColumnName(1)})
	assert.Equal([]interface{}{[]byte("value-0"), testKey(0)}, RowAt(batches[0], 0))
	assert.Nil(column(batches[0], "bucket"))

	_, err := table.Scan(context.Background(), ScanRequest{Projection: []int{3}})
	assert.Error(err)
}

func TestBucketTableDecode(t *testing.T) {
	assert := assertion.New(t)
	b := simpleFile(testPageSize)
	b.leaf(4, kv("a", string(snappy.Encode(nil, []byte("one")))), kv("b", string(snappy.Encode(nil, []byte("two")))))
	db, _ := openTest(t, b.build(t), nil)
	table := &BucketTable{Bucket: mustBucket(t, db, "users")}

	batches := scanAll(t, table, ScanRequest{Decode: SnappyDeCompress})
	require.Len(t, batches, 1)
	values := column(batches[0], "value").(*array.Binary)
	assert.Equal([]byte("one"), values.Value(0))
	assert.Equal([]byte("two"), values.Value(1))

	// a value that does not decode fails the scan
	r, err := table.Scan(context.Background(), ScanRequest{Decode: XzDeCompress})
	require.NoError(t, err)
	defer r.Release()
	assert.False(r.Next())
	require.Error(t, r.Err())
	assert.Contains(r.Err().Error(), `"a"`)
	assert.False(r.Next())
}

func TestBucketTableSkipsBuckets(t *testing.T) {
	assert := assertion.New(t)
	db, _ := openTest(t, nestedFixture(t), nil)
	table := &BucketTable{Bucket: mustBucket(t, db, "b")}

	keys := keysOf(scanAll(t, table, ScanRequest{}))
	assert.Len(keys, 500)
	assert.NotContains(keys, "b1")
	assert.NotContains(keys, "b2")
}

func TestBucketTableCancel(t *testing.T) {
	assert := assertion.New(t)
	table := &BucketTable{Bucket: dataBucket(t, 250)}
	ctx, cancel := context.WithCancel(context.Background())
	r, err := table.Scan(ctx, ScanRequest{BatchSize: 10})
	require.NoError(t, err)

	defer r.Release()
	assert.True(r.Next())
	assert.NoError(r.Err())
	cancel()
	assert.False(r.Next())
	assert.True(errors.Is(r.Err(), context.Canceled))
}

func TestFileTable(t *testing.T) {
	assert := assertion.New(t)
	db, _ := openTest(t, nestedFixture(t), nil)
	table := &FileTable{DB: db}

	batches := scanAll(t, table, ScanRequest{})
	rows := 0
	perBucket := map[string]int{}
	for _, b := range batches {
		col := column(b, "bucket").(*array.String)
		for i := 0; i < col.Len(); i++ {
			perBucket[col.Value(i)]++
		}
		rows += int(b.NumRows())
	}
	assert.Equal(501, rows)
	assert.Equal(map[string]int{"a": 1, "b": 500}, perBucket)

	// bounds apply in every bucket
	keys := keysOf(scanAll(t, table, ScanRequest{Lower: []byte("k"), Upper: []byte("key-00002")}))
	assert.Equal([]string{"k", string(testKey(0)), string(testKey(1))}, keys)
}

func TestBucketsTable(t *testing.T) {
	assert := assertion.New(t)
	db, _ := openTest(t, nestedFixture(t), nil)

	batches := scanAll(t, &BucketsTable{DB: db}, ScanRequest{})
	require.Len(t, batches, 1)
	batch := batches[0]
	assert.Equal(int64(6), batch.NumRows())
	assert.True(batch.Schema().Field(5).Nullable)

	byID := map[string][]interface{}{}
	for i := 0; i < int(batch.NumRows()); i++ {
		row := RowAt(batch, i)
		byID[row[0].(string)] = row
	}
	assert.Equal([]interface{}{"a", "a", uint64(0), true, uint64(1), nil, nil}, byID["a"])

	b11 := byID["b/b1/b11"]
	require.NotNil(t, b11)
	assert.Equal("b11", b11[1])
	assert.Equal(uint64(3), b11[4])
	assert.Equal("b/b1", b11[5])
	assert.Equal("b1", b11[6])

	parent := column(batch, "parent_id")
	for i := 0; i < int(batch.NumRows()); i++ {
		topLevel := RowAt(batch, i)[4] == uint64(1)
		assert.Equal(topLevel, parent.IsNull(i), "row %d", i)
	}
}

func TestPagesTable(t *testing.T) {
	assert := assertion.New(t)
	db, _ := openTest(t, manyKeysFixture(t, 500), nil)

	n := 0
	it := db.Pages()
	for _, ok := it.Next(); ok; _, ok = it.Next() {
		n++
	}
	require.NoError(t, it.Err())

	batches := scanAll(t, &PagesTable{DB: db}, ScanRequest{BatchSize: 7})
	rows := 0
	for _, b := range batches {
		rows += int(b.NumRows())
	}
	assert.Equal(n, rows)

	first := batches[0]
	assert.Equal([]interface{}{uint64(0), "meta", uint64(0), uint64(db.PageSize()), uint64(pageHeaderSize + metaSize), nil}, RowAt(first, 0))
	assert.Equal("meta", RowAt(first, 1)[1])
}

func TestAppendValue(t *testing.T) {
	assert := assertion.New(t)
	b := array.NewStringBuilder(memory.DefaultAllocator)
	defer b.Release()
	assert.NoError(appendValue(b, "x"))
	assert.NoError(appendValue(b, nil))
	assert.NoError(appendValue(b, "z"))
	a := b.NewArray()
	defer a.Release()
	assert.Equal(3, a.Len())
	assert.False(a.IsNull(0))
	assert.True(a.IsNull(1))
	assert.Nil(ValueAt(a, 1))
	assert.Equal("z", ValueAt(a, 2))

	u := array.NewUint64Builder(memory.DefaultAllocator)
	defer u.Release()
	err := appendValue(u, "nope")
	assert.Error(err)
	assert.Contains(err.Error(), fmt.Sprintf("%T", "nope"))
}

func TestScanAllocator(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	table := &BucketTable{Bucket: dataBucket(t, 250)}
	r, err := table.Scan(context.Background(), ScanRequest{BatchSize: 64, Mem: mem})
	require.NoError(t, err)
	rows := 0
	for r.Next() {
		rows += int(r.Record().NumRows())
	}
	require.NoError(t, r.Err())
	r.Release()
	assertion.Equal(t, 250, rows)
}

func TestProjectSchema(t *testing.T) {
	assert := assertion.New(t)
	s, err := ProjectSchema(kvSchema, nil)
	assert.NoError(err)
	assert.True(s.Equal(kvSchema))

	s, err = ProjectSchema(pagesSchema, []int{5, 0})
	require.NoError(t, err)
	assert.Equal("parent_page_id", s.Field(0).Name)
	assert.True(s.Field(0).Nullable)
	assert.Equal(arrow.PrimitiveTypes.Uint64, s.Field(1).Type)

	_, err = ProjectSchema(kvSchema, []int{-1})
	assert.Error(err)
}
