// Package compression provides the named, pluggable byte compressors
// applied to serialized records before they enter a chunk. The codec
// name is a dataset-wide constant recorded in the index; every chunk
// of a dataset is compressed with the same codec.
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses and decompresses byte blocks. Implementations must
// be safe for concurrent use; one codec instance is shared by all
// workers of a run.
type Codec interface {
	// Name is the codec identifier recorded in the dataset index.
	// The empty name means no compression.
	Name() string

	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Codec names persisted in dataset indexes.
const (
	None = ""
	Zstd = "zstd"
	LZ4  = "lz4"
)

// Lookup resolves a codec by its persisted name. "" and "none" both
// mean the identity codec.
func Lookup(name string) (Codec, error) {
	switch name {
	case None, "none":
		return noneCodec{}, nil
	case Zstd:
		return zstdCodec{}, nil
	case LZ4:
		return lz4Codec{}, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q (supported: zstd, lz4)", name)
	}
}

// ----------------------------------------------------------------------------
// Identity
// ----------------------------------------------------------------------------

type noneCodec struct{}

func (noneCodec) Name() string                            { return None }
func (noneCodec) Compress(data []byte) ([]byte, error)    { return data, nil }
func (noneCodec) Decompress(data []byte) ([]byte, error)  { return data, nil }

// ----------------------------------------------------------------------------
// Zstd, level 3 (the default level: good ratio without excessive CPU)
// ----------------------------------------------------------------------------

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization. Both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compression: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compression: zstd decoder initialization failed: " + err.Error())
	}
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return Zstd }

func (zstdCodec) Compress(data []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(data, nil), nil
}

func (zstdCodec) Decompress(data []byte) ([]byte, error) {
	// Append into an empty slice so an empty payload round-trips to
	// []byte{} rather than nil.
	out, err := zstdDecoder.DecodeAll(data, []byte{})
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// LZ4 frame format (self-describing, no external size tracking)
// ----------------------------------------------------------------------------

type lz4Codec struct{}

func (lz4Codec) Name() string { return LZ4 }

func (lz4Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decompress(data []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out, nil
}
