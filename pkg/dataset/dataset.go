// Package dataset implements random access over a committed chunked
// dataset: open the index, locate the chunk holding an item, undo the
// write pipeline (decrypt, decompress, deserialize), and hand back the
// record. Remote datasets are read through a Fetcher with chunk files
// cached on local disk.
package dataset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/chunkstream/chunkstream/internal/logger"
	"github.com/chunkstream/chunkstream/pkg/chunk"
	"github.com/chunkstream/chunkstream/pkg/compression"
	"github.com/chunkstream/chunkstream/pkg/encryption"
	"github.com/chunkstream/chunkstream/pkg/index"
	"github.com/chunkstream/chunkstream/pkg/metrics"
	"github.com/chunkstream/chunkstream/pkg/serializer"
	"github.com/chunkstream/chunkstream/pkg/storage"
)

// Encryption mismatch errors. The reader fails fast on the index
// descriptor before touching any chunk body.
var (
	ErrEncryptedNoKey = errors.New("data is encrypted but no encryption object was provided")
	ErrNotEncrypted   = errors.New("data isn't encrypted but an encryption object was provided")
	ErrLevelMismatch  = errors.New("encryption level mismatch")
	ErrAlgoMismatch   = errors.New("encryption algorithm mismatch")
)

// Option configures Open.
type Option func(*Dataset)

// WithEncryption supplies the key material for an encrypted dataset.
func WithEncryption(enc encryption.Encryption) Option {
	return func(d *Dataset) { d.enc = enc }
}

// WithFetcher overrides the storage the dataset is read from. Without
// it the location string is resolved: local path or s3:// URI.
func WithFetcher(f storage.Fetcher) Option {
	return func(d *Dataset) { d.fetcher = f }
}

// WithCacheDir sets where remote chunk files are cached. Defaults to a
// per-location directory under the user cache dir.
func WithCacheDir(dir string) Option {
	return func(d *Dataset) { d.cacheDir = dir }
}

// WithMetrics records chunk fetches and cache hits on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dataset) { d.met = m }
}

// WithLoader replaces the binary chunk frame loader.
func WithLoader(l ItemLoader) Option {
	return func(d *Dataset) { d.loader = l }
}

// Dataset is a read-only view over a committed dataset. Safe for
// concurrent reads.
type Dataset struct {
	location string
	cacheDir string
	fetcher  storage.Fetcher
	enc      encryption.Encryption
	met      *metrics.Metrics
	loader   ItemLoader
	idx      *index.Index
	codec    compression.Codec

	mu   sync.Mutex
	last *cachedChunk
}

type cachedChunk struct {
	idx   int
	items Items
}

// Open loads the dataset index from dir (a local path or s3:// URI)
// and validates the caller's encryption against the committed
// descriptor.
func Open(ctx context.Context, dir string, opts ...Option) (*Dataset, error) {
	d := &Dataset{location: dir}
	for _, opt := range opts {
		opt(d)
	}

	if d.fetcher == nil {
		store, err := storage.Resolve(ctx, dir)
		if err != nil {
			return nil, err
		}
		d.fetcher = store
	}
	if d.cacheDir == "" && storage.IsRemote(dir) {
		d.cacheDir = defaultCacheDir(dir)
	}
	if d.loader == nil {
		d.loader = binaryLoader{enc: d.enc}
	}

	raw, err := d.fetcher.Fetch(ctx, index.Filename)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", dir, index.ErrNoIndex)
	}
	if err != nil {
		return nil, err
	}
	idx, err := index.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	d.idx = idx

	if err := checkEncryption(idx.Config.Encryption, d.enc); err != nil {
		return nil, err
	}

	d.codec, err = compression.Lookup(idx.Config.Compression)
	if err != nil {
		return nil, err
	}

	logger.Debug("dataset opened",
		logger.KeyDir, dir,
		logger.KeyItems, idx.Len(),
		logger.KeyIndexChunks, len(idx.Chunks),
		logger.KeyDataFormat, idx.Config.DataFormat)
	return d, nil
}

// checkEncryption compares the committed descriptor with the supplied
// key material.
func checkEncryption(desc *encryption.Descriptor, enc encryption.Encryption) error {
	switch {
	case desc == nil && enc == nil:
		return nil
	case desc != nil && enc == nil:
		return ErrEncryptedNoKey
	case desc == nil:
		return ErrNotEncrypted
	case desc.Level != enc.Level():
		return fmt.Errorf("%w: dataset uses %s, got %s", ErrLevelMismatch, desc.Level, enc.Level())
	case desc.Algorithm != enc.Algorithm():
		return fmt.Errorf("%w: dataset uses %s, got %s", ErrAlgoMismatch, desc.Algorithm, enc.Algorithm())
	}
	return nil
}

func defaultCacheDir(location string) string {
	sum := sha256.Sum256([]byte(location))
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "chunkstream", hex.EncodeToString(sum[:8]))
}

// Len returns the number of items without reading any chunk.
func (d *Dataset) Len() int { return d.idx.Len() }

// Config returns the committed dataset config.
func (d *Dataset) Config() index.Config { return d.idx.Config }

// Index returns the loaded index.
func (d *Dataset) Index() *index.Index { return d.idx }

// Get returns item i. Records written as maps come back as
// map[string]any, multi-field slices as []any, and single scalar
// records as the scalar itself.
func (d *Dataset) Get(ctx context.Context, i int) (any, error) {
	chunkIdx, local, err := d.idx.FindChunk(i)
	if err != nil {
		return nil, err
	}

	items, err := d.chunkAt(ctx, chunkIdx)
	if err != nil {
		return nil, err
	}
	raw, err := items.Item(local)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", chunkIdx, err)
	}
	return d.decodeRecord(raw)
}

// Slice returns items in [start, end). Bounds are clamped to the
// dataset, so an oversized range returns what exists rather than an
// error.
func (d *Dataset) Slice(ctx context.Context, start, end int) ([]any, error) {
	start = max(start, 0)
	end = min(end, d.Len())
	if start > end {
		start = end
	}
	out := make([]any, 0, end-start)
	for i := start; i < end; i++ {
		v, err := d.Get(ctx, i)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// All iterates the dataset in order. Iteration stops at the first
// error, reported through the yielded error value.
func (d *Dataset) All(ctx context.Context) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for i := 0; i < d.Len(); i++ {
			v, err := d.Get(ctx, i)
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}

// chunkAt returns the loaded chunk, keeping the most recently used one
// cached so sequential scans decode each chunk once.
func (d *Dataset) chunkAt(ctx context.Context, chunkIdx int) (Items, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.last != nil && d.last.idx == chunkIdx {
		return d.last.items, nil
	}

	data, err := d.fetchChunk(ctx, d.idx.Chunks[chunkIdx].Filename)
	if err != nil {
		return nil, err
	}
	items, err := d.loader.Load(data, d.idx.Config)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", chunkIdx, err)
	}
	d.last = &cachedChunk{idx: chunkIdx, items: items}
	return items, nil
}

// fetchChunk reads a chunk file, going through the local cache dir
// when one is configured.
func (d *Dataset) fetchChunk(ctx context.Context, filename string) ([]byte, error) {
	if d.cacheDir == "" {
		d.met.ObserveChunkFetch(false)
		return d.fetcher.Fetch(ctx, filename)
	}

	path := filepath.Join(d.cacheDir, filename)
	if data, err := os.ReadFile(path); err == nil {
		d.met.ObserveChunkFetch(true)
		return data, nil
	}

	d.met.ObserveChunkFetch(false)
	data, err := d.fetcher.Fetch(ctx, filename)
	if err != nil {
		return nil, err
	}
	if err := storage.NewLocal(d.cacheDir).Publish(ctx, filename, data); err != nil {
		return nil, fmt.Errorf("cache chunk %s: %w", filename, err)
	}
	logger.Debug("chunk cached",
		logger.KeyChunk, filename,
		logger.KeyBytesRead, len(data),
		logger.KeyDir, d.cacheDir)
	return data, nil
}

// decodeRecord undoes the write pipeline for one stored record.
func (d *Dataset) decodeRecord(raw []byte) (any, error) {
	var err error
	if d.enc != nil && d.enc.Level() == encryption.LevelSample {
		raw, err = d.enc.Decrypt(raw)
		if err != nil {
			return nil, fmt.Errorf("decrypt record: %w", err)
		}
	}
	raw, err = d.codec.Decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("decompress record: %w", err)
	}

	fields, err := chunk.DecodeRecord(raw)
	if err != nil {
		return nil, err
	}
	format := d.idx.Config.DataFormat
	if len(fields) != len(format) {
		return nil, fmt.Errorf("%w: record has %d fields, data_format has %d",
			index.ErrConfigMismatch, len(fields), len(format))
	}

	values := make([]any, len(fields))
	for i, f := range fields {
		values[i], err = serializer.Deserialize(f, format[i])
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
	}
	return serializer.Unflatten(values, d.idx.Config.FieldNames), nil
}
