// Package serializer maps runtime values to named byte encodings and
// back. Every field of a record is encoded by exactly one codec,
// identified by a short format token ("int", "str", ...). The token
// sequence of the first record written to a dataset becomes the
// dataset-wide data_format recorded in its index; readers resolve the
// codec by token and never inspect runtime types.
package serializer

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Format tokens. These are persisted in dataset indexes; changing a
// value breaks every dataset written with it.
const (
	TokenInt    = "int"
	TokenFloat  = "float"
	TokenString = "str"
	TokenBytes  = "bytes"
	TokenBool   = "bool"
	TokenCBOR   = "cbor"
)

// Codec encodes and decodes a single field value.
type Codec interface {
	// Token is the format token recorded in the dataset index.
	Token() string

	// Encode serializes v. It fails if v is not a shape this codec
	// handles.
	Encode(v any) ([]byte, error)

	// Decode reverses Encode.
	Decode(data []byte) (any, error)
}

var registry = map[string]Codec{
	TokenInt:    intCodec{},
	TokenFloat:  floatCodec{},
	TokenString: stringCodec{},
	TokenBytes:  bytesCodec{},
	TokenBool:   boolCodec{},
	TokenCBOR:   cborCodec{},
}

// Lookup returns the codec for a format token.
func Lookup(token string) (Codec, error) {
	c, ok := registry[token]
	if !ok {
		return nil, fmt.Errorf("unknown data format token %q", token)
	}
	return c, nil
}

// Serialize encodes a single field value, choosing the codec by
// content inspection, and returns the encoded bytes together with the
// chosen format token.
func Serialize(v any) ([]byte, string, error) {
	c := codecFor(v)
	data, err := c.Encode(v)
	if err != nil {
		return nil, "", err
	}
	return data, c.Token(), nil
}

// Deserialize decodes a single field previously encoded under token.
func Deserialize(data []byte, token string) (any, error) {
	c, err := Lookup(token)
	if err != nil {
		return nil, err
	}
	return c.Decode(data)
}

// codecFor picks a codec by the value's runtime shape. Anything
// without a dedicated codec falls through to CBOR.
func codecFor(v any) Codec {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return intCodec{}
	case float32, float64:
		return floatCodec{}
	case string:
		return stringCodec{}
	case []byte:
		return bytesCodec{}
	case bool:
		return boolCodec{}
	default:
		return cborCodec{}
	}
}

// ----------------------------------------------------------------------------
// Scalar codecs
// ----------------------------------------------------------------------------

type intCodec struct{}

func (intCodec) Token() string { return TokenInt }

func (intCodec) Encode(v any) ([]byte, error) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint:
		n = int64(x)
	case uint8:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint32:
		n = int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", x)
		}
		n = int64(x)
	default:
		return nil, fmt.Errorf("int codec cannot encode %T", v)
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(n))
	return buf, nil
}

func (intCodec) Decode(data []byte) (any, error) {
	if len(data) != 8 {
		return nil, fmt.Errorf("int field must be 8 bytes, got %d", len(data))
	}
	return int(int64(binary.LittleEndian.Uint64(data))), nil
}

type floatCodec struct{}

func (floatCodec) Token() string { return TokenFloat }

func (floatCodec) Encode(v any) ([]byte, error) {
	var f float64
	switch x := v.(type) {
	case float32:
		f = float64(x)
	case float64:
		f = x
	default:
		return nil, fmt.Errorf("float codec cannot encode %T", v)
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
	return buf, nil
}

func (floatCodec) Decode(data []byte) (any, error) {
	if len(data) != 8 {
		return nil, fmt.Errorf("float field must be 8 bytes, got %d", len(data))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
}

type stringCodec struct{}

func (stringCodec) Token() string { return TokenString }

func (stringCodec) Encode(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("str codec cannot encode %T", v)
	}
	return []byte(s), nil
}

func (stringCodec) Decode(data []byte) (any, error) {
	return string(data), nil
}

type bytesCodec struct{}

func (bytesCodec) Token() string { return TokenBytes }

func (bytesCodec) Encode(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("bytes codec cannot encode %T", v)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (bytesCodec) Decode(data []byte) (any, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

type boolCodec struct{}

func (boolCodec) Token() string { return TokenBool }

func (boolCodec) Encode(v any) ([]byte, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("bool codec cannot encode %T", v)
	}
	if b {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

func (boolCodec) Decode(data []byte) (any, error) {
	if len(data) != 1 {
		return nil, fmt.Errorf("bool field must be 1 byte, got %d", len(data))
	}
	return data[0] != 0, nil
}
