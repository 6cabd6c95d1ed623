// Package cache implements the per-writer buffering facade over the
// chunk format: records go in one at a time, size-bounded chunk files
// come out, and a final merge commits the chunk set into a dataset
// index. One Cache is owned by exactly one worker; coordination
// between workers happens through the filesystem at commit time, never
// through shared memory.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chunkstream/chunkstream/internal/logger"
	"github.com/chunkstream/chunkstream/pkg/chunk"
	"github.com/chunkstream/chunkstream/pkg/compression"
	"github.com/chunkstream/chunkstream/pkg/encryption"
	"github.com/chunkstream/chunkstream/pkg/index"
	"github.com/chunkstream/chunkstream/pkg/serializer"
)

// ErrFrozen is returned by Put after Done has been called.
var ErrFrozen = errors.New("cache is frozen: Done was already called")

// FlushInfo describes one durable chunk flush, delivered to the
// OnFlush hook. The orchestrator uses it for checkpointing and for
// handing finished chunks to the upload helper.
type FlushInfo struct {
	// Path is the absolute path of the flushed chunk file.
	Path string

	// Chunk is the descriptor of the flushed chunk (worker-local
	// filename).
	Chunk index.ChunkInfo
}

// Option configures a Cache.
type Option func(*Cache)

// WithChunkSize caps items per chunk.
func WithChunkSize(n int) Option {
	return func(c *Cache) { c.cfg.ChunkSize = n }
}

// WithChunkBytes caps bytes per chunk.
func WithChunkBytes(n uint64) Option {
	return func(c *Cache) { c.cfg.ChunkBytes = n }
}

// WithCompression selects the compression codec by name.
func WithCompression(name string) Option {
	return func(c *Cache) { c.cfg.Compression = name }
}

// WithEncryption applies enc at its operating level.
func WithEncryption(enc encryption.Encryption) Option {
	return func(c *Cache) { c.enc = enc }
}

// WithWorkerRank namespaces chunk filenames by worker rank so sibling
// caches writing the same directory never collide.
func WithWorkerRank(rank int) Option {
	return func(c *Cache) { c.rank = rank }
}

// WithResume seeds the cache with chunks flushed by a previous
// checkpointed run, continuing the sequence numbering after them.
func WithResume(chunks []index.ChunkInfo) Option {
	return func(c *Cache) {
		c.chunks = append(c.chunks, chunks...)
		c.seq = len(chunks)
	}
}

// WithDataFormat pre-fixes the dataset's data format, as recorded by a
// previous run's checkpoint. Records that don't match fail instead of
// fixing a new format.
func WithDataFormat(tokens, names []string) Option {
	return func(c *Cache) {
		c.cfg.DataFormat = tokens
		c.cfg.FieldNames = names
	}
}

// OnFlush registers a hook invoked after every durable chunk flush.
func OnFlush(fn func(FlushInfo)) Option {
	return func(c *Cache) { c.onFlush = fn }
}

// Cache buffers records and flushes size-bounded chunks to a dataset
// directory. Not safe for concurrent use; every worker owns its own
// Cache.
type Cache struct {
	dir  string
	rank int

	cfg   index.Config
	codec compression.Codec
	enc   encryption.Encryption

	builder *chunk.Builder
	chunks  []index.ChunkInfo
	seq     int

	formatFixed bool
	done        bool

	onFlush func(FlushInfo)
}

// New creates a Cache writing chunks into dir, creating it if needed.
// With neither WithChunkSize nor WithChunkBytes the chunk byte budget
// defaults to 64MB.
func New(dir string, opts ...Option) (*Cache, error) {
	c := &Cache{dir: dir}
	for _, opt := range opts {
		opt(c)
	}

	if c.cfg.ChunkSize <= 0 && c.cfg.ChunkBytes == 0 {
		c.cfg.ChunkBytes = 64 * 1000 * 1000
	}

	codec, err := compression.Lookup(c.cfg.Compression)
	if err != nil {
		return nil, err
	}
	c.codec = codec
	c.cfg.Encryption = encryption.Describe(c.enc)
	c.formatFixed = len(c.cfg.DataFormat) > 0

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	c.builder = chunk.NewBuilder(c.cfg.ChunkSize, c.cfg.ChunkBytes)
	return c, nil
}

// Dir returns the directory this cache writes into.
func (c *Cache) Dir() string { return c.dir }

// Config returns the dataset config this cache writes under. The data
// format is empty until the first Put.
func (c *Cache) Config() index.Config { return c.cfg }

// Chunks returns the descriptors of every chunk flushed so far,
// including chunks seeded by WithResume.
func (c *Cache) Chunks() []index.ChunkInfo { return c.chunks }

// Put serializes, compresses, optionally encrypts, and buffers one
// record, flushing a chunk when the chunking policy threshold is
// reached.
//
// The first Put fixes the dataset's data format; every subsequent
// record must flatten to the same token sequence or Put fails with a
// config-consistency error.
func (c *Cache) Put(record any) error {
	return c.PutBatch(record)
}

// PutBatch buffers several records as one atomic unit: a chunk
// boundary never falls inside a batch, so all records of one input
// item land in the same chunk. The chunking threshold is checked only
// after the whole batch is buffered, which lets a chunk overshoot its
// byte budget by at most one batch.
func (c *Cache) PutBatch(records ...any) error {
	if c.done {
		return ErrFrozen
	}
	for _, record := range records {
		if err := c.add(record); err != nil {
			return err
		}
	}
	if c.builder.Full() {
		return c.flush()
	}
	return nil
}

// add serializes and buffers one record without flushing.
func (c *Cache) add(record any) error {
	fields, names, err := serializer.Flatten(record)
	if err != nil {
		return err
	}

	encoded := make([][]byte, len(fields))
	tokens := make([]string, len(fields))
	for i, f := range fields {
		data, token, err := serializer.Serialize(f)
		if err != nil {
			return fmt.Errorf("serialize field %d: %w", i, err)
		}
		encoded[i] = data
		tokens[i] = token
	}

	if !c.formatFixed {
		c.cfg.DataFormat = tokens
		c.cfg.FieldNames = names
		c.formatFixed = true
	} else if !index.FormatEqual(c.cfg.DataFormat, tokens) || !index.FormatEqual(c.cfg.FieldNames, names) {
		return fmt.Errorf("%w: this writer produced %v after fixing %v",
			index.ErrConfigMismatch, tokens, c.cfg.DataFormat)
	}

	rec := chunk.EncodeRecord(encoded)

	rec, err = c.codec.Compress(rec)
	if err != nil {
		return fmt.Errorf("compress record: %w", err)
	}
	if c.enc != nil && c.enc.Level() == encryption.LevelSample {
		rec, err = c.enc.Encrypt(rec)
		if err != nil {
			return fmt.Errorf("encrypt record: %w", err)
		}
	}

	c.builder.Add(rec)
	return nil
}

// Done flushes any partially filled chunk and freezes the cache.
// Calling Done twice is a no-op.
func (c *Cache) Done() error {
	if c.done {
		return nil
	}
	c.done = true
	if c.builder.Empty() {
		return nil
	}
	return c.flush()
}

// flush assembles the buffered records into a chunk file named
// chunk-<rank>-<seq>.bin and records its descriptor.
func (c *Cache) flush() error {
	count := c.builder.Count()
	frame, err := c.builder.Bytes(c.enc)
	if err != nil {
		return err
	}

	info := index.ChunkInfo{
		Filename:   fmt.Sprintf("chunk-%d-%d.bin", c.rank, c.seq),
		ChunkSize:  count,
		ChunkBytes: uint64(len(frame)),
	}
	path := filepath.Join(c.dir, info.Filename)

	if err := os.WriteFile(path, frame, 0o644); err != nil {
		return fmt.Errorf("write chunk %s: %w", info.Filename, err)
	}

	c.chunks = append(c.chunks, info)
	c.seq++
	c.builder.Reset()

	logger.Debug("chunk flushed",
		logger.KeyWorker, c.rank,
		logger.KeyChunk, info.Filename,
		logger.KeyChunkItems, info.ChunkSize,
		logger.KeyChunkBytes, info.ChunkBytes)

	if c.onFlush != nil {
		c.onFlush(FlushInfo{Path: path, Chunk: info})
	}
	return nil
}

// Merge commits this cache's chunk set as the dataset index of its
// directory. It is the single-writer path; the orchestrator merges
// sibling caches from several workers with Commit instead.
func (c *Cache) Merge() error {
	if !c.done {
		return errors.New("cannot merge before Done")
	}
	_, err := Commit(c.dir, nil, c.cfg, [][]index.ChunkInfo{c.chunks})
	return err
}
