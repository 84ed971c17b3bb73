package boltscope

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLeaf(t *testing.T) {
	assert := assertion.New(t)
	b := newFileBuilder(testPageSize)
	buf := b.leaf(3, kv("a", "1"), kv("bb", "22"), subBucket("c", 7, nil))

	p, err := decodePage(buf, 3, true)
	require.NoError(t, err)
	assert.Equal(PageKindLeaf, p.Kind)
	assert.Equal(3, p.Count)
	assert.Equal(uint32(0), p.Overflow)

	elems := p.LeafElements()
	require.Len(t, elems, 3)
	assert.Equal([]byte("a"), elems[0].Key)
	assert.Equal([]byte("1"), elems[0].Value)
	assert.Equal(KeyValueElement, elems[1].Kind)
	assert.Equal([]byte("22"), elems[1].Value)
	assert.True(elems[2].IsBucket())
	assert.Equal(BucketHeader{Root: 7}, elems[2].Bucket)
	assert.False(elems[2].Bucket.Inline())

	used := pageHeaderSize + 3*leafElementSize + len("a1bb22c") + bucketHeaderSize
	assert.Equal(used, p.Used())
}

func TestDecodeBranch(t *testing.T) {
	assert := assertion.New(t)
	b := newFileBuilder(testPageSize)
	buf := b.branch(2, child("a", 3), child("m", 4))

	p, err := decodePage(buf, 2, true)
	require.NoError(t, err)
	assert.Equal(PageKindBranch, p.Kind)
	assert.Equal([]BranchElement{{Key: []byte("a"), Child: 3}, {Key: []byte("m"), Child: 4}}, p.BranchElements())
	assert.Nil(p.LeafElements())
}

func TestDecodeOtherKinds(t *testing.T) {
	assert := assertion.New(t)
	b := newFileBuilder(testPageSize)

	p, err := decodePage(make([]byte, testPageSize), 9, true)
	require.NoError(t, err)
	assert.Equal(PageKindFree, p.Kind)
	assert.Equal("free", p.Kind.String())
	assert.Equal(0, p.Used())

	p, err = decodePage(b.meta(0, 1, 3, 2, 4), 0, true)
	require.NoError(t, err)
	assert.Equal(PageKindMeta, p.Kind)
	assert.Equal(pageHeaderSize+metaSize, p.Used())

	p, err = decodePage(b.freelist(2, false, 5, 6), 2, true)
	require.NoError(t, err)
	assert.Equal(PageKindFreelist, p.Kind)
	assert.Equal(pageHeaderSize+16, p.Used())
}

func TestDecodeOverflow(t *testing.T) {
	assert := assertion.New(t)
	b := newFileBuilder(testPageSize)
	big := make([]byte, 3*testPageSize)
	for i := range big {
		big[i] = byte(i)
	}
	buf := b.leaf(3, testElem{key: []byte("big"), value: big})
	assert.Len(buf, 4*testPageSize)

	p, err := decodePage(buf, 3, true)
	require.NoError(t, err)
	assert.Equal(uint32(3), p.Overflow)
	assert.Equal(big, p.LeafElements()[0].Value)
}

func TestDecodePageErrors(t *testing.T) {
	b := newFileBuilder(testPageSize)
	cases := []struct {
		name   string
		page   func() []byte
		offset int
	}{
		{"short buffer", func() []byte { return make([]byte, 8) }, 0},
		{"header id mismatch", func() []byte { return b.leaf(4, kv("a", "1")) }, 0},
		{"unknown flags", func() []byte {
			buf := b.leaf(3, kv("a", "1"))
			binary.LittleEndian.PutUint16(buf[8:], setFlag(leafPageFlag, branchPageFlag))
			return buf
		}, 8},
		{"count exceeds page", func() []byte {
			buf := b.leaf(3)
			binary.LittleEndian.PutUint16(buf[10:], 0xfff0)
			return buf
		}, 10},
		{"key out of page", func() []byte {
			buf := b.leaf(3, kv("a", "1"))
			binary.LittleEndian.PutUint32(buf[pageHeaderSize+4:], testPageSize)
			return buf
		}, pageHeaderSize},
		{"value out of page", func() []byte {
			buf := b.leaf(3, kv("a", "1"))
			binary.LittleEndian.PutUint32(buf[pageHeaderSize+12:], 0xffffffff)
			return buf
		}, pageHeaderSize},
		{"leaf keys out of order", func() []byte { return b.leaf(3, kv("b", "1"), kv("a", "2")) }, pageHeaderSize + leafElementSize},
		{"duplicate leaf keys", func() []byte { return b.leaf(3, kv("a", "1"), kv("a", "2")) }, pageHeaderSize + leafElementSize},
		{"short bucket value", func() []byte {
			return b.leaf(3, testElem{bucket: true, key: []byte("x"), value: []byte("short")})
		}, pageHeaderSize},
		{"bucket references meta page", func() []byte { return b.leaf(3, subBucket("x", 1, nil)) }, pageHeaderSize},
		{"empty branch", func() []byte { return b.branch(3) }, 10},
		{"branch references meta page", func() []byte { return b.branch(3, child("a", 0)) }, pageHeaderSize + 8},
		{"branch keys out of order", func() []byte { return b.branch(3, child("m", 4), child("a", 5)) }, pageHeaderSize + branchElementSize},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert := assertion.New(t)
			_, err := decodePage(c.page(), 3, true)
			assert.True(errors.Is(err, ErrFormat), "got %v", err)
			var format *FormatError
			if assert.True(errors.As(err, &format)) {
				assert.Equal(PageID(3), format.Page)
				assert.Equal(c.offset, format.Offset)
			}
		})
	}
}

func TestInlinePage(t *testing.T) {
	assert := assertion.New(t)
	b := newFileBuilder(testPageSize)
	buf := b.leaf(3, subBucket("small", 0, inlineLeaf(kv("k", "v"))))

	p, err := decodePage(buf, 3, true)
	require.NoError(t, err)
	e := p.LeafElements()[0]
	assert.True(e.Bucket.Inline())

	inline, err := e.InlinePage()
	require.NoError(t, err)
	assert.True(inline.Inline())
	assert.Equal(PageKindLeaf, inline.Kind)
	assert.Equal([]byte("v"), inline.LeafElements()[0].Value)

	// a non-bucket element has no inline page
	_, err = LeafElement{Key: []byte("k")}.InlinePage()
	assert.True(errors.Is(err, ErrFormat))

	// an inline image must be a leaf
	bad := b.leaf(3, subBucket("bad", 0, make([]byte, pageHeaderSize)))
	p, err = decodePage(bad, 3, true)
	require.NoError(t, err)
	_, err = p.LeafElements()[0].InlinePage()
	assert.True(errors.Is(err, ErrFormat))
}
