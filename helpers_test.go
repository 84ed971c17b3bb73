package boltscope

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boltdb/bolt"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

// boltFixture writes a database with the real bolt writer.
func boltFixture(t *testing.T, fn func(tx *bolt.Tx) error) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, db.Update(fn))
	require.NoError(t, db.Close())
	return path
}

// usersFixture holds one bucket "users" with {"a": "1", "b": "2"}.
func usersFixture(t *testing.T) string {
	return boltFixture(t, func(tx *bolt.Tx) error {
		b, err := tx.CreateBucket([]byte("users"))
		if err != nil {
			return err
		}
		if err := b.Put([]byte("a"), []byte("1")); err != nil {
			return err
		}
		return b.Put([]byte("b"), []byte("2"))
	})
}

func testKey(i int) []byte { return []byte(fmt.Sprintf("key-%05d", i)) }

// manyKeysFixture holds n keys in bucket "data", enough for branch pages.
func manyKeysFixture(t *testing.T, n int) string {
	return boltFixture(t, func(tx *bolt.Tx) error {
		b, err := tx.CreateBucket([]byte("data"))
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := b.Put(testKey(i), []byte(fmt.Sprintf("value-%d", i))); err != nil {
				return err
			}
		}
		return nil
	})
}

// openTest opens path with a null logger and closes it with the test.
func openTest(t *testing.T, path string, options *Options) (*DB, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	if options == nil {
		options = &Options{}
	}
	options.Logger = logger
	db, err := Open(path, options)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, hook
}

type testElem struct {
	bucket bool
	key    []byte
	value  []byte
	child  PageID
}

func kv(k, v string) testElem { return testElem{key: []byte(k), value: []byte(v)} }

func child(k string, id PageID) testElem { return testElem{key: []byte(k), child: id} }

func subBucket(k string, root PageID, inline []byte) testElem {
	return testElem{bucket: true, key: []byte(k), value: bucketValue(root, 0, inline)}
}

func bucketValue(root PageID, seq uint64, inline []byte) []byte {
	v := make([]byte, bucketHeaderSize+len(inline))
	binary.LittleEndian.PutUint64(v[0:], uint64(root))
	binary.LittleEndian.PutUint64(v[8:], seq)
	copy(v[bucketHeaderSize:], inline)
	return v
}

func putHeader(buf []byte, id PageID, flags uint16, count uint16, overflow uint32) {
	binary.LittleEndian.PutUint64(buf[0:], uint64(id))
	binary.LittleEndian.PutUint16(buf[8:], flags)
	binary.LittleEndian.PutUint16(buf[10:], count)
	binary.LittleEndian.PutUint32(buf[12:], overflow)
}

// fileBuilder lays out a database file page by page.
type fileBuilder struct {
	pageSize int
	pages    map[PageID][]byte
	maxID    PageID
}

func newFileBuilder(pageSize int) *fileBuilder {
	return &fileBuilder{pageSize: pageSize, pages: map[PageID][]byte{}}
}

// pad rounds a page image up to whole pages and records the overflow.
func (b *fileBuilder) pad(buf []byte) []byte {
	n := (len(buf) + b.pageSize - 1) / b.pageSize
	if n == 0 {
		n = 1
	}
	out := make([]byte, n*b.pageSize)
	copy(out, buf)
	binary.LittleEndian.PutUint32(out[12:], uint32(n-1))
	return out
}

func (b *fileBuilder) put(id PageID, buf []byte) []byte {
	b.pages[id] = buf
	if last := id + PageID(len(buf)/b.pageSize) - 1; last > b.maxID {
		b.maxID = last
	}
	return buf
}

// meta writes a valid meta page. The checksum sits at byte 72.
func (b *fileBuilder) meta(id PageID, txid uint64, root, freelist, pgid PageID) []byte {
	buf := make([]byte, b.pageSize)
	putHeader(buf, id, metaPageFlag, 0, 0)
	m := &Meta{
		Magic:    Magic,
		Version:  Version,
		PageSize: uint32(b.pageSize),
		Root:     BucketHeader{Root: root},
		Freelist: freelist,
		Pgid:     pgid,
		Txid:     txid,
	}
	m.Checksum = m.Sum64()
	m.encode(buf[pageHeaderSize:])
	return b.put(id, buf)
}

// metas writes both meta copies with meta 1 one transaction ahead.
func (b *fileBuilder) metas(root, freelist, pgid PageID) {
	b.meta(0, 1, root, freelist, pgid)
	b.meta(1, 2, root, freelist, pgid)
}

func setFlag[T flags](b, flag T) T { return b | flag }

func encodeLeaf(id PageID, elems []testElem) []byte {
	size := pageHeaderSize + len(elems)*leafElementSize
	for _, e := range elems {
		size += len(e.key) + len(e.value)
	}
	buf := make([]byte, size)
	putHeader(buf, id, leafPageFlag, uint16(len(elems)), 0)
	data := pageHeaderSize + len(elems)*leafElementSize
	for i, e := range elems {
		off := pageHeaderSize + i*leafElementSize
		var flags uint32
		if e.bucket {
			flags = setFlag(flags, bucketLeafFlag)
		}
		binary.LittleEndian.PutUint32(buf[off:], flags)
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(data-off))
		binary.LittleEndian.PutUint32(buf[off+8:], uint32(len(e.key)))
		binary.LittleEndian.PutUint32(buf[off+12:], uint32(len(e.value)))
		data += copy(buf[data:], e.key)
		data += copy(buf[data:], e.value)
	}
	return buf
}

// inlineLeaf encodes the leaf image stored inside an inline bucket value.
func inlineLeaf(elems ...testElem) []byte { return encodeLeaf(0, elems) }

func (b *fileBuilder) leaf(id PageID, elems ...testElem) []byte {
	return b.put(id, b.pad(encodeLeaf(id, elems)))
}

func (b *fileBuilder) branch(id PageID, elems ...testElem) []byte {
	size := pageHeaderSize + len(elems)*branchElementSize
	for _, e := range elems {
		size += len(e.key)
	}
	buf := make([]byte, size)
	putHeader(buf, id, branchPageFlag, uint16(len(elems)), 0)
	data := pageHeaderSize + len(elems)*branchElementSize
	for i, e := range elems {
		off := pageHeaderSize + i*branchElementSize
		binary.LittleEndian.PutUint32(buf[off:], uint32(data-off))
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(len(e.key)))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(e.child))
		data += copy(buf[data:], e.key)
	}
	return b.put(id, b.pad(buf))
}

// freelist writes ids in the plain encoding, or with the count in the
// first slot when sentinel is set.
func (b *fileBuilder) freelist(id PageID, sentinel bool, ids ...PageID) []byte {
	slots := len(ids)
	count := uint16(len(ids))
	if sentinel {
		slots++
		count = freelistSentinel
	}
	buf := make([]byte, pageHeaderSize+slots*8)
	putHeader(buf, id, freelistPageFlag, count, 0)
	off := pageHeaderSize
	if sentinel {
		binary.LittleEndian.PutUint64(buf[off:], uint64(len(ids)))
		off += 8
	}
	for _, pid := range ids {
		binary.LittleEndian.PutUint64(buf[off:], uint64(pid))
		off += 8
	}
	return b.put(id, b.pad(buf))
}

// bytes returns the file image; pages never written stay zeroed.
func (b *fileBuilder) bytes() []byte {
	data := make([]byte, int(b.maxID+1)*b.pageSize)
	for id, buf := range b.pages {
		copy(data[int(id)*b.pageSize:], buf)
	}
	return data
}

func (b *fileBuilder) build(t *testing.T) string {
	t.Helper()
	return writeFile(t, b.bytes())
}

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "built.db")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

// simpleFile has a root leaf at page 3 holding bucket "users" at page 4
// and a plain freelist at page 2 listing page 5.
func simpleFile(pageSize int) *fileBuilder {
	b := newFileBuilder(pageSize)
	b.metas(3, 2, 5)
	b.freelist(2, false, 5)
	b.leaf(3, subBucket("users", 4, nil))
	b.leaf(4, kv("a", "1"), kv("b", "2"))
	b.put(5, make([]byte, pageSize))
	return b
}
