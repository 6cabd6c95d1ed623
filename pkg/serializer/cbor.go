package serializer

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. The same logical value always
// produces identical bytes, which keeps chunk content reproducible.
var encMode cbor.EncMode

// decMode accepts standard CBOR and decodes any-typed targets into
// map[string]any rather than the CBOR default map[any]any, so decoded
// records interoperate with encoding/json and ordinary Go code.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("serializer: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("serializer: CBOR decoder initialization failed: " + err.Error())
	}
}

// cborCodec is the fallback codec for values with no dedicated scalar
// codec: slices, maps, structs. Deterministic CBOR encoding.
type cborCodec struct{}

func (cborCodec) Token() string { return TokenCBOR }

func (cborCodec) Encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func (cborCodec) Decode(data []byte) (any, error) {
	var v any
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return normalizeCBOR(v), nil
}

// normalizeCBOR converts CBOR integer decodings (uint64/int64) to int
// so round-tripped values compare equal to what callers wrote.
func normalizeCBOR(v any) any {
	switch x := v.(type) {
	case uint64:
		return int(x)
	case int64:
		return int(x)
	case []any:
		for i := range x {
			x[i] = normalizeCBOR(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = normalizeCBOR(x[k])
		}
		return x
	default:
		return v
	}
}
