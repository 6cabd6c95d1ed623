// Package index implements the durable dataset manifest: the ordered
// chunk descriptor list plus the dataset-wide configuration (data
// format, compression, encryption, chunking policy). The index is the
// single source of truth for readers; chunk files are opaque blobs
// located through it.
package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/chunkstream/chunkstream/pkg/encryption"
)

// Filename is the index file name inside a dataset directory.
const Filename = "index.json"

// Version is the current index schema version.
const Version = 1

var (
	// ErrConfigMismatch reports chunks or datasets whose configs are
	// not identical. It is fatal: configs are never coerced.
	ErrConfigMismatch = errors.New("the config isn't consistent between chunks")

	// ErrNoIndex reports a directory with no committed dataset.
	ErrNoIndex = errors.New("no dataset index found")
)

// ChunkInfo describes one committed chunk.
type ChunkInfo struct {
	// Filename of the chunk inside the dataset directory.
	Filename string `json:"filename"`

	// ChunkSize is the number of items in the chunk.
	ChunkSize int `json:"chunk_size"`

	// ChunkBytes is the chunk file size in bytes.
	ChunkBytes uint64 `json:"chunk_bytes"`

	// OffsetStart is the global index of the chunk's first item:
	// the prefix sum of the item counts of all preceding chunks.
	OffsetStart int `json:"offset_start"`
}

// Config is the dataset-wide configuration. Every chunk of a dataset
// is written under one Config; a writer producing a different config
// for the same dataset is a fatal consistency violation.
type Config struct {
	// ChunkSize caps items per chunk; zero means unbounded.
	ChunkSize int `json:"chunk_size"`

	// ChunkBytes caps bytes per chunk; zero means unbounded.
	ChunkBytes uint64 `json:"chunk_bytes"`

	// DataFormat is the ordered field-token sequence, fixed by the
	// first record written.
	DataFormat []string `json:"data_format"`

	// FieldNames is non-nil only for map-shaped records, in sorted
	// key order.
	FieldNames []string `json:"field_names,omitempty"`

	// Compression is the codec name; empty means uncompressed.
	Compression string `json:"compression,omitempty"`

	// Encryption describes the algorithm and level; nil means
	// unencrypted.
	Encryption *encryption.Descriptor `json:"encryption,omitempty"`
}

// Index is the dataset manifest.
type Index struct {
	Version   int         `json:"version"`
	Chunks    []ChunkInfo `json:"chunks"`
	Config    Config      `json:"config"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// New creates an empty index under cfg.
func New(cfg Config) *Index {
	return &Index{Version: Version, Config: cfg}
}

// FormatEqual reports whether two data formats match exactly.
func FormatEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// AssertCompatible verifies that data produced under other can join a
// dataset committed under c. It ignores the chunking policy (chunks of
// different sizes coexist) but requires identical data format,
// compression, and encryption identity.
func (c Config) AssertCompatible(other Config) error {
	if !FormatEqual(c.DataFormat, other.DataFormat) {
		return fmt.Errorf("%w: data_format %v vs %v", ErrConfigMismatch, c.DataFormat, other.DataFormat)
	}
	if !FormatEqual(c.FieldNames, other.FieldNames) {
		return fmt.Errorf("%w: field names %v vs %v", ErrConfigMismatch, c.FieldNames, other.FieldNames)
	}
	if c.Compression != other.Compression {
		return fmt.Errorf("%w: compression %q vs %q", ErrConfigMismatch, c.Compression, other.Compression)
	}
	a, b := c.Encryption, other.Encryption
	switch {
	case a == nil && b == nil:
	case a == nil || b == nil:
		return fmt.Errorf("%w: one side is encrypted and the other is not", ErrConfigMismatch)
	case a.Algorithm != b.Algorithm || a.Level != b.Level:
		return fmt.Errorf("%w: encryption %s/%s vs %s/%s",
			ErrConfigMismatch, a.Algorithm, a.Level, b.Algorithm, b.Level)
	}
	return nil
}

// Append extends the chunk list with chunks produced under cfg,
// recomputing the global offsets. The receiving index is only mutated
// after the compatibility check passes.
func (idx *Index) Append(cfg Config, chunks []ChunkInfo) error {
	if len(idx.Chunks) > 0 || len(idx.Config.DataFormat) > 0 {
		if err := idx.Config.AssertCompatible(cfg); err != nil {
			return err
		}
	} else {
		idx.Config.DataFormat = cfg.DataFormat
		idx.Config.FieldNames = cfg.FieldNames
		idx.Config.Compression = cfg.Compression
		idx.Config.Encryption = cfg.Encryption
	}

	offset := idx.Len()
	for _, c := range chunks {
		c.OffsetStart = offset
		offset += c.ChunkSize
		idx.Chunks = append(idx.Chunks, c)
	}
	return nil
}

// Len returns the total item count without reading any chunk bodies.
func (idx *Index) Len() int {
	if len(idx.Chunks) == 0 {
		return 0
	}
	last := idx.Chunks[len(idx.Chunks)-1]
	return last.OffsetStart + last.ChunkSize
}

// FindChunk locates the chunk containing global item index i and the
// item's local index within it, via binary search over the cumulative
// offsets.
func (idx *Index) FindChunk(i int) (chunkIdx, localIdx int, err error) {
	if i < 0 || i >= idx.Len() {
		return 0, 0, fmt.Errorf("item index %d out of range [0, %d)", i, idx.Len())
	}
	n := sort.Search(len(idx.Chunks), func(k int) bool {
		return idx.Chunks[k].OffsetStart > i
	}) - 1
	return n, i - idx.Chunks[n].OffsetStart, nil
}

// Load reads the index of a dataset directory. A missing file maps to
// ErrNoIndex so callers can distinguish "no dataset" from corruption.
func Load(dir string) (*Index, error) {
	data, err := os.ReadFile(filepath.Join(dir, Filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w in %s", ErrNoIndex, dir)
		}
		return nil, fmt.Errorf("read index: %w", err)
	}

	idx, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("index in %s: %w", dir, err)
	}
	return idx, nil
}

// Encode serializes the index, stamping the update time.
func (idx *Index) Encode() ([]byte, error) {
	idx.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode index: %w", err)
	}
	return data, nil
}

// Decode parses a serialized index, wherever it was fetched from.
func Decode(data []byte) (*Index, error) {
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	if idx.Version != Version {
		return nil, fmt.Errorf("unsupported index version %d", idx.Version)
	}
	return &idx, nil
}

// Exists reports whether dir holds a committed dataset.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, Filename))
	return err == nil
}

// Save writes the index atomically: the JSON is written to a temp file
// in the same directory and renamed over the final name, so a reader
// never observes a partially written index and a failed merge leaves
// the previous committed index untouched.
func (idx *Index) Save(dir string) error {
	data, err := idx.Encode()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, Filename+".tmp-*")
	if err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close index: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, Filename)); err != nil {
		return fmt.Errorf("commit index: %w", err)
	}
	return nil
}
