package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/chunkstream/chunkstream/pkg/cache"
	"github.com/chunkstream/chunkstream/pkg/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDataset(t *testing.T, dir string, n int) *index.Index {
	t.Helper()

	c, err := cache.New(dir, cache.WithChunkSize(3))
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, c.Put(i))
	}
	require.NoError(t, c.Done())
	require.NoError(t, c.Merge())

	idx, err := index.Load(dir)
	require.NoError(t, err)
	return idx
}

func TestLoadIndex(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, 10)

	idx, err := loadIndex(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 10, idx.Len())
	assert.Len(t, idx.Chunks, 4)
}

func TestLoadIndexMissing(t *testing.T) {
	_, err := loadIndex(context.Background(), t.TempDir())
	require.Error(t, err)
}

func TestValidateChunksConsistent(t *testing.T) {
	dir := t.TempDir()
	idx := writeDataset(t, dir, 10)

	assert.Empty(t, validateChunks(dir, idx))
}

func TestValidateChunksMissingFile(t *testing.T) {
	dir := t.TempDir()
	idx := writeDataset(t, dir, 10)

	require.NoError(t, os.Remove(filepath.Join(dir, "chunk-1.bin")))

	problems := validateChunks(dir, idx)
	require.Len(t, problems, 1)
	assert.Equal(t, "chunk-1.bin", problems[0].Chunk)
	assert.Contains(t, problems[0].Detail, "missing chunk file")
}

func TestValidateChunksSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	idx := writeDataset(t, dir, 10)

	path := filepath.Join(dir, "chunk-0.bin")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-4], 0o644))

	problems := validateChunks(dir, idx)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0].Detail, "size mismatch")
}

func TestValidateChunksOffsetMismatch(t *testing.T) {
	dir := t.TempDir()
	idx := writeDataset(t, dir, 10)

	idx.Chunks[2].OffsetStart = 99

	problems := validateChunks(dir, idx)
	require.NotEmpty(t, problems)
	assert.Contains(t, problems[0].Detail, "offset table mismatch")
}

func TestRemoveDataset(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, 10)
	keep := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(keep, []byte("keep"), 0o644))

	require.NoError(t, removeDataset(context.Background(), dir))

	assert.False(t, index.Exists(dir))
	chunks, err := filepath.Glob(filepath.Join(dir, "chunk-*.bin"))
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.FileExists(t, keep)
}
