package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	for _, name := range []string{"", "none", "zstd", "lz4"} {
		_, err := Lookup(name)
		assert.NoError(t, err, "name %q", name)
	}

	_, err := Lookup("snappy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snappy")
}

func TestRoundTrip(t *testing.T) {
	inputs := [][]byte{
		[]byte("hello world"),
		bytes.Repeat([]byte("chunkstream "), 1000),
		{0x00},
		{},
	}

	for _, name := range []string{"", "zstd", "lz4"} {
		codec, err := Lookup(name)
		require.NoError(t, err)

		for _, in := range inputs {
			compressed, err := codec.Compress(in)
			require.NoError(t, err, "codec %q", name)

			out, err := codec.Decompress(compressed)
			require.NoError(t, err, "codec %q", name)
			// Empty payloads must come back as []byte{}, not nil.
			assert.NotNil(t, out, "codec %q", name)
			assert.Equal(t, in, out, "codec %q", name)
		}
	}
}

func TestZstdShrinksRepetitiveData(t *testing.T) {
	codec, err := Lookup(Zstd)
	require.NoError(t, err)

	in := bytes.Repeat([]byte("the same line over and over\n"), 500)
	compressed, err := codec.Compress(in)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(in)/2)
}

func TestZstdRejectsGarbage(t *testing.T) {
	codec, err := Lookup(Zstd)
	require.NoError(t, err)

	_, err = codec.Decompress([]byte("not a zstd stream"))
	assert.Error(t, err)
}

func TestIdentityPassesThrough(t *testing.T) {
	codec, err := Lookup(None)
	require.NoError(t, err)
	assert.Equal(t, None, codec.Name())

	in := []byte{1, 2, 3}
	out, err := codec.Compress(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
