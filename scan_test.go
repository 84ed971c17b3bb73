package boltscope

import (
	"bytes"
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitBucket(t *testing.T) {
	assert := assertion.New(t)
	const n = 3000
	b := dataBucket(t, n)

	for _, parts := range []int{1, 2, 3, 8, 1000} {
		ranges, err := SplitBucket(b, parts)
		require.NoError(t, err)
		assert.True(len(ranges) >= 1 && len(ranges) <= parts, "%d ranges for %d parts", len(ranges), parts)
		assert.Nil(ranges[0].Lower)
		assert.Nil(ranges[len(ranges)-1].Upper)
		for i := 1; i < len(ranges); i++ {
			assert.Equal(ranges[i-1].Upper, ranges[i].Lower)
			assert.True(bytes.Compare(ranges[i].Lower, ranges[i-1].Lower) > 0)
		}

		// every key lands in exactly one range
		seen := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			hits := 0
			for _, r := range ranges {
				if r.Contains(k) {
					hits++
				}
			}
			assert.Equal(1, hits, "key %s", k)
			seen++
		}
		assert.Equal(n, seen)
	}

	ranges, err := SplitBucket(b, 4)
	require.NoError(t, err)
	assert.True(len(ranges) > 1, "a bucket of %d keys has a branch root", n)
}

func TestSplitBucketLeafRoot(t *testing.T) {
	assert := assertion.New(t)
	db, _ := openTest(t, usersFixture(t), nil)
	ranges, err := SplitBucket(mustBucket(t, db, "users"), 4)
	assert.NoError(err)
	assert.Equal([]KeyRange{{}}, ranges)

	db, _ = openTest(t, nestedFixture(t), nil)
	ranges, err = SplitBucket(mustBucket(t, db, "a"), 4)
	assert.NoError(err)
	assert.Equal([]KeyRange{{}}, ranges)
}

func collect(t *testing.T, parts []Partition, workers int) ([]string, []int) {
	t.Helper()
	var keys []string
	var order []int
	err := ParallelScan(context.Background(), parts, workers, func(part int, rec arrow.Record) error {
		order = append(order, part)
		keys = append(keys, keysOf([]arrow.Record{rec})...)
		return nil
	})
	require.NoError(t, err)
	return keys, order
}

func TestParallelScan(t *testing.T) {
	assert := assertion.New(t)
	const n = 3000
	b := dataBucket(t, n)

	parts, err := BucketPartitions(b, 6, ScanRequest{BatchSize: 64})
	require.NoError(t, err)
	require.True(t, len(parts) > 1)

	for _, workers := range []int{1, 3, 16} {
		keys, order := collect(t, parts, workers)
		require.Len(t, keys, n, "%d workers", workers)
		for i, k := range keys {
			assert.Equal(string(testKey(i)), k)
		}
		for i := 1; i < len(order); i++ {
			assert.True(order[i-1] <= order[i])
		}
	}
}

func TestBucketPartitionsBounds(t *testing.T) {
	assert := assertion.New(t)
	b := dataBucket(t, 3000)

	req := ScanRequest{Lower: testKey(100), Upper: testKey(200)}
	parts, err := BucketPartitions(b, 6, req)
	require.NoError(t, err)
	// partitions outside the bounds are dropped
	assert.True(len(parts) <= 2)

	keys, _ := collect(t, parts, 2)
	require.Len(t, keys, 100)
	assert.Equal(string(testKey(100)), keys[0])
	assert.Equal(string(testKey(199)), keys[99])
}

func TestParallelScanError(t *testing.T) {
	assert := assertion.New(t)
	b := dataBucket(t, 3000)
	parts, err := BucketPartitions(b, 6, ScanRequest{BatchSize: 16})
	require.NoError(t, err)

	stop := errors.New("stop")
	calls := 0
	err = ParallelScan(context.Background(), parts, 3, func(part int, rec arrow.Record) error {
		calls++
		if calls == 5 {
			return stop
		}
		return nil
	})
	assert.Equal(stop, err)
	assert.Equal(5, calls)

	// a failing partition is reported with its index
	parts[1].Request.Decode = XzDeCompress
	err = ParallelScan(context.Background(), parts, 3, func(int, arrow.Record) error { return nil })
	assert.Error(err)
	assert.Contains(err.Error(), "partition 1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = ParallelScan(ctx, parts, 3, func(int, arrow.Record) error { return nil })
	assert.True(errors.Is(err, context.Canceled))
}

func TestParallelScanLogger(t *testing.T) {
	assert := assertion.New(t)
	db, hook := openTest(t, manyKeysFixture(t, 3000), nil)
	parts, err := BucketPartitions(mustBucket(t, db, "data"), 3, ScanRequest{})
	require.NoError(t, err)
	hook.Reset()

	keys, _ := collect(t, parts, 2)
	assert.Len(keys, 3000)
	scanned := 0
	for _, e := range hook.AllEntries() {
		if e.Message == "partition scanned" {
			scanned++
		}
	}
	assert.Equal(len(parts), scanned)
}

func TestPartitionedTable(t *testing.T) {
	assert := assertion.New(t)
	const n = 3000
	b := dataBucket(t, n)
	parts, err := BucketPartitions(b, 6, ScanRequest{BatchSize: 100})
	require.NoError(t, err)
	table := &PartitionedTable{Partitions: parts, Workers: 3}
	assert.True(table.Schema().Equal(kvSchema))

	keys := keysOf(scanAll(t, table, ScanRequest{}))
	require.Len(t, keys, n)
	for i, k := range keys {
		assert.Equal(string(testKey(i)), k)
	}

	// bounds and projection of the request narrow every partition
	recs := scanAll(t, table, ScanRequest{Projection: []int{1}, Lower: testKey(1000), Upper: testKey(2500)})
	keys = keysOf(recs)
	require.Len(t, keys, 1500)
	assert.Equal(string(testKey(1000)), keys[0])
	assert.Equal(string(testKey(2499)), keys[1499])
	assert.Equal(int64(1), recs[0].NumCols())

	keys = keysOf(scanAll(t, table, ScanRequest{Lower: testKey(10), Limit: 150}))
	require.Len(t, keys, 150)
	assert.Equal(string(testKey(159)), keys[149])

	assert.Empty(scanAll(t, table, ScanRequest{Lower: testKey(n)}))

	// releasing a reader early stops the scans
	r, err := table.Scan(context.Background(), ScanRequest{BatchSize: 10})
	require.NoError(t, err)
	assert.True(r.Next())
	r.Release()
}

func TestPartitionedTableError(t *testing.T) {
	b := dataBucket(t, 3000)
	parts, err := BucketPartitions(b, 6, ScanRequest{Decode: XzDeCompress})
	require.NoError(t, err)

	r, err := (&PartitionedTable{Partitions: parts, Workers: 2}).Scan(context.Background(), ScanRequest{})
	require.NoError(t, err)
	defer r.Release()
	for r.Next() {
	}
	require.Error(t, r.Err())
	assertion.Contains(t, r.Err().Error(), "partition ")
}
