package chunk

import (
	"encoding/binary"
	"fmt"

	"github.com/chunkstream/chunkstream/pkg/encryption"
)

// Builder accumulates encoded item records until the chunking policy
// threshold is reached, then assembles them into a chunk frame. A
// Builder is owned by a single writer goroutine.
type Builder struct {
	maxItems int
	maxBytes uint64

	records [][]byte
	payload uint64
}

// NewBuilder creates a Builder bounded by maxItems items or maxBytes
// frame bytes, whichever is reached first. A zero value disables that
// bound; at least one bound must be set by the caller.
func NewBuilder(maxItems int, maxBytes uint64) *Builder {
	return &Builder{maxItems: maxItems, maxBytes: maxBytes}
}

// Add appends one encoded item record. The record bytes are retained
// until Reset.
func (b *Builder) Add(record []byte) {
	b.records = append(b.records, record)
	b.payload += uint64(len(record))
}

// Count returns the number of buffered items.
func (b *Builder) Count() int { return len(b.records) }

// Empty reports whether nothing is buffered.
func (b *Builder) Empty() bool { return len(b.records) == 0 }

// Size returns the frame size the buffered items would serialize to,
// excluding chunk-level encryption overhead.
func (b *Builder) Size() uint64 {
	return HeaderOverhead(len(b.records)) + b.payload
}

// Full reports whether the chunking policy threshold is reached and
// the buffered items should be flushed.
func (b *Builder) Full() bool {
	if b.maxItems > 0 && len(b.records) >= b.maxItems {
		return true
	}
	if b.maxBytes > 0 && b.Size() >= b.maxBytes {
		return true
	}
	return false
}

// Bytes assembles the chunk frame. When enc operates at chunk level
// the body is encrypted as one blob; a sample-level or nil enc leaves
// the body plain (sample-level records are already encrypted).
func (b *Builder) Bytes(enc encryption.Encryption) ([]byte, error) {
	if b.Empty() {
		return nil, fmt.Errorf("cannot assemble an empty chunk")
	}

	body := make([]byte, 0, 4+uint64(len(b.records)+1)*8+b.payload)
	body = binary.LittleEndian.AppendUint32(body, uint32(len(b.records)))

	var off uint64
	body = binary.LittleEndian.AppendUint64(body, off)
	for _, rec := range b.records {
		off += uint64(len(rec))
		body = binary.LittleEndian.AppendUint64(body, off)
	}
	for _, rec := range b.records {
		body = append(body, rec...)
	}

	var flags byte
	if enc != nil && enc.Level() == encryption.LevelChunk {
		blob, err := enc.Encrypt(body)
		if err != nil {
			return nil, fmt.Errorf("encrypt chunk: %w", err)
		}
		flags |= flagChunkEncrypted
		body = binary.LittleEndian.AppendUint64(make([]byte, 0, 8+len(blob)), uint64(len(blob)))
		body = append(body, blob...)
	}

	frame := make([]byte, 0, headerSize+len(body))
	frame = binary.LittleEndian.AppendUint32(frame, Magic)
	frame = append(frame, Version, flags)
	frame = append(frame, body...)
	return frame, nil
}

// Reset discards buffered items so the Builder can start a new chunk.
func (b *Builder) Reset() {
	b.records = b.records[:0]
	b.payload = 0
}
