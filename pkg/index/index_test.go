package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkstream/chunkstream/pkg/encryption"
)

func chunkList(sizes ...int) []ChunkInfo {
	chunks := make([]ChunkInfo, len(sizes))
	for i, n := range sizes {
		chunks[i] = ChunkInfo{
			Filename:   "chunk-" + string(rune('0'+i)) + ".bin",
			ChunkSize:  n,
			ChunkBytes: uint64(n * 16),
		}
	}
	return chunks
}

func TestAppendComputesOffsets(t *testing.T) {
	idx := New(Config{})
	cfg := Config{DataFormat: []string{"int", "int"}}

	require.NoError(t, idx.Append(cfg, chunkList(3, 2)))
	assert.Equal(t, 5, idx.Len())
	assert.Equal(t, 0, idx.Chunks[0].OffsetStart)
	assert.Equal(t, 3, idx.Chunks[1].OffsetStart)

	require.NoError(t, idx.Append(cfg, chunkList(4)))
	assert.Equal(t, 9, idx.Len())
	assert.Equal(t, 5, idx.Chunks[2].OffsetStart)
}

func TestAppendFixesConfigOnFirstUse(t *testing.T) {
	idx := New(Config{})
	cfg := Config{DataFormat: []string{"str"}, Compression: "zstd"}

	require.NoError(t, idx.Append(cfg, chunkList(1)))
	assert.Equal(t, []string{"str"}, idx.Config.DataFormat)
	assert.Equal(t, "zstd", idx.Config.Compression)
}

func TestAppendRejectsMismatch(t *testing.T) {
	base := Config{DataFormat: []string{"int", "int"}}

	tests := []struct {
		name  string
		other Config
	}{
		{"different field count", Config{DataFormat: []string{"int", "int", "int"}}},
		{"different token", Config{DataFormat: []string{"int", "str"}}},
		{"different compression", Config{DataFormat: base.DataFormat, Compression: "zstd"}},
		{"encrypted vs plain", Config{
			DataFormat: base.DataFormat,
			Encryption: &encryption.Descriptor{Algorithm: "fernet", Level: encryption.LevelChunk},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := New(Config{})
			require.NoError(t, idx.Append(base, chunkList(2)))

			err := idx.Append(tt.other, chunkList(1))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfigMismatch)
			// The committed chunk list is untouched.
			assert.Equal(t, 2, idx.Len())
		})
	}
}

func TestEncryptionLevelMismatchIsConfigMismatch(t *testing.T) {
	a := Config{
		DataFormat: []string{"int"},
		Encryption: &encryption.Descriptor{Algorithm: "fernet", Level: encryption.LevelChunk},
	}
	b := Config{
		DataFormat: []string{"int"},
		Encryption: &encryption.Descriptor{Algorithm: "fernet", Level: encryption.LevelSample},
	}
	assert.ErrorIs(t, a.AssertCompatible(b), ErrConfigMismatch)
	assert.NoError(t, a.AssertCompatible(a))
}

func TestFindChunk(t *testing.T) {
	idx := New(Config{})
	require.NoError(t, idx.Append(Config{DataFormat: []string{"int"}}, chunkList(3, 1, 4)))

	tests := []struct {
		global, wantChunk, wantLocal int
	}{
		{0, 0, 0},
		{2, 0, 2},
		{3, 1, 0},
		{4, 2, 0},
		{7, 2, 3},
	}
	for _, tt := range tests {
		c, l, err := idx.FindChunk(tt.global)
		require.NoError(t, err)
		assert.Equal(t, tt.wantChunk, c, "global %d", tt.global)
		assert.Equal(t, tt.wantLocal, l, "global %d", tt.global)
	}

	_, _, err := idx.FindChunk(-1)
	assert.Error(t, err)
	_, _, err = idx.FindChunk(8)
	assert.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	idx := New(Config{ChunkSize: 100, Compression: "zstd"})
	require.NoError(t, idx.Append(Config{
		DataFormat:  []string{"int", "int"},
		Compression: "zstd",
	}, chunkList(10, 10)))
	require.NoError(t, idx.Save(dir))

	assert.True(t, Exists(dir))

	back, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, idx.Len(), back.Len())
	assert.Equal(t, idx.Config.DataFormat, back.Config.DataFormat)
	assert.Equal(t, "zstd", back.Config.Compression)
	assert.False(t, back.UpdatedAt.IsZero())
}

func TestLoadMissing(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, Exists(dir))

	_, err := Load(dir)
	assert.ErrorIs(t, err, ErrNoIndex)
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, Filename), []byte("{nope"), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoIndex)
}

func TestSaveIsAtomicOverExisting(t *testing.T) {
	dir := t.TempDir()

	first := New(Config{})
	require.NoError(t, first.Append(Config{DataFormat: []string{"int"}}, chunkList(5)))
	require.NoError(t, first.Save(dir))

	second := New(Config{})
	require.NoError(t, second.Append(Config{DataFormat: []string{"int"}}, chunkList(2, 2)))
	require.NoError(t, second.Save(dir))

	back, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 4, back.Len())

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
