package boltscope

import (
	"bytes"
	"sort"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

// DeCompressor decodes a stored value. Applications commonly compress
// values before putting them into a bucket; the tabular adapter can undo
// that before values reach a record batch.
type DeCompressor func([]byte) ([]byte, error)

var (
	NoneDeCompress DeCompressor = func(in []byte) ([]byte, error) {
		return in, nil
	}

	SnappyDeCompress DeCompressor = func(in []byte) ([]byte, error) {
		return snappy.Decode(nil, in)
	}

	Lz4DeCompress DeCompressor = func(in []byte) ([]byte, error) {
		buf := &bytes.Buffer{}
		reader := lz4.NewReader(bytes.NewReader(in))
		_, err := buf.ReadFrom(reader)
		return buf.Bytes(), err
	}

	XzDeCompress DeCompressor = func(in []byte) ([]byte, error) {
		reader, err := xz.NewReader(bytes.NewReader(in))
		if err != nil {
			return nil, err
		}
		buf := &bytes.Buffer{}
		_, err = buf.ReadFrom(reader)
		return buf.Bytes(), err
	}
)

// zstdDecoder is shared; DecodeAll is safe for concurrent use.
var zstdDecoder, _ = zstd.NewReader(nil)

var ZstdDeCompress DeCompressor = func(in []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(in, nil)
}

var codecs = map[string]DeCompressor{
	"none":   NoneDeCompress,
	"snappy": SnappyDeCompress,
	"lz4":    Lz4DeCompress,
	"xz":     XzDeCompress,
	"zstd":   ZstdDeCompress,
}

// LookupCodec returns the decompressor registered under name. The empty
// name selects "none".
func LookupCodec(name string) (DeCompressor, error) {
	if name == "" {
		name = "none"
	}
	d, ok := codecs[strings.ToLower(name)]
	if !ok {
		return nil, errors.Errorf("unknown codec %q, expect one of %s", name, strings.Join(CodecNames(), ", "))
	}
	return d, nil
}

// CodecNames lists the registered codec names in sorted order.
func CodecNames() []string {
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
