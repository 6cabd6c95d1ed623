package chunk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkstream/chunkstream/pkg/encryption"
)

func TestRecordRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		fields [][]byte
	}{
		{"single field", [][]byte{[]byte("hello")}},
		{"two fields", [][]byte{{1, 2, 3}, {4}}},
		{"empty field", [][]byte{{}, []byte("x")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeRecord(tt.fields)
			back, err := DecodeRecord(encoded)
			require.NoError(t, err)
			require.Len(t, back, len(tt.fields))
			for i := range tt.fields {
				assert.Equal(t, []byte(tt.fields[i]), []byte(back[i]))
			}
		})
	}
}

func TestDecodeRecordCorrupt(t *testing.T) {
	_, err := DecodeRecord([]byte{1, 2})
	assert.Error(t, err)

	// Claims 2 fields but carries none.
	_, err = DecodeRecord([]byte{2, 0, 0, 0})
	assert.Error(t, err)

	// Trailing garbage.
	encoded := EncodeRecord([][]byte{[]byte("a")})
	_, err = DecodeRecord(append(encoded, 0xFF))
	assert.Error(t, err)
}

func TestBuilderThresholds(t *testing.T) {
	t.Run("item bound", func(t *testing.T) {
		b := NewBuilder(2, 0)
		assert.False(t, b.Full())
		b.Add([]byte("one"))
		assert.False(t, b.Full())
		b.Add([]byte("two"))
		assert.True(t, b.Full())
	})

	t.Run("byte bound includes frame overhead", func(t *testing.T) {
		b := NewBuilder(0, 64)
		b.Add(make([]byte, 8))
		assert.Equal(t, HeaderOverhead(1)+8, b.Size())
		for !b.Full() {
			b.Add(make([]byte, 8))
		}
		assert.GreaterOrEqual(t, b.Size(), uint64(64))
	})

	t.Run("reset", func(t *testing.T) {
		b := NewBuilder(1, 0)
		b.Add([]byte("x"))
		require.True(t, b.Full())
		b.Reset()
		assert.True(t, b.Empty())
		assert.False(t, b.Full())
	})
}

func TestBuilderEmptyChunk(t *testing.T) {
	b := NewBuilder(10, 0)
	_, err := b.Bytes(nil)
	assert.Error(t, err)
}

func TestFrameRoundTrip(t *testing.T) {
	b := NewBuilder(10, 0)
	records := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	for _, r := range records {
		b.Add(r)
	}

	frame, err := b.Bytes(nil)
	require.NoError(t, err)

	c, err := Parse(frame, nil)
	require.NoError(t, err)
	require.Equal(t, 3, c.Count())

	for i, want := range records {
		got, err := c.Item(i)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err = c.Item(3)
	assert.Error(t, err)
	_, err = c.Item(-1)
	assert.Error(t, err)
}

func TestFrameChunkLevelEncryption(t *testing.T) {
	enc, err := encryption.NewFernet("password", encryption.LevelChunk)
	require.NoError(t, err)

	b := NewBuilder(10, 0)
	b.Add([]byte("secret record"))
	frame, err := b.Bytes(enc)
	require.NoError(t, err)

	// Without the encryption object the frame is unreadable.
	_, err = Parse(frame, nil)
	assert.ErrorIs(t, err, ErrChunkEncrypted)

	c, err := Parse(frame, enc)
	require.NoError(t, err)
	got, err := c.Item(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret record"), got)
}

func TestSampleLevelLeavesFramePlain(t *testing.T) {
	enc, err := encryption.NewFernet("password", encryption.LevelSample)
	require.NoError(t, err)

	b := NewBuilder(10, 0)
	b.Add([]byte("already encrypted by the writer"))
	frame, err := b.Bytes(enc)
	require.NoError(t, err)

	// Sample-level encryption happens per record before buffering;
	// the frame itself parses without the encryption object.
	c, err := Parse(frame, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Count())
}

func TestParseCorruptFrames(t *testing.T) {
	b := NewBuilder(10, 0)
	b.Add([]byte("data"))
	frame, err := b.Bytes(nil)
	require.NoError(t, err)

	t.Run("truncated", func(t *testing.T) {
		_, err := Parse(frame[:3], nil)
		assert.Error(t, err)
	})

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte{}, frame...)
		bad[0] ^= 0xFF
		_, err := Parse(bad, nil)
		assert.Error(t, err)
	})

	t.Run("bad version", func(t *testing.T) {
		bad := append([]byte{}, frame...)
		bad[4] = 99
		_, err := Parse(bad, nil)
		assert.Error(t, err)
	})

	t.Run("payload shorter than offsets claim", func(t *testing.T) {
		_, err := Parse(frame[:len(frame)-1], nil)
		assert.Error(t, err)
	})
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chunk-0.bin")

	b := NewBuilder(10, 0)
	b.Add([]byte("on disk"))
	frame, err := b.Bytes(nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, frame, 0o644))

	c, err := Open(path, nil)
	require.NoError(t, err)
	got, err := c.Item(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("on disk"), got)

	_, err = Open(filepath.Join(dir, "missing.bin"), nil)
	assert.Error(t, err)
}
