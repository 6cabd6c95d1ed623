package chunk

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/chunkstream/chunkstream/pkg/encryption"
)

// Chunk is a parsed chunk frame providing random access to its item
// records. Item bytes alias the decrypted body; they stay valid as
// long as the Chunk is referenced.
type Chunk struct {
	offsets []uint64
	payload []byte
}

// ErrChunkEncrypted is reported by Parse when a chunk-level encrypted
// frame is parsed without an encryption object. The streaming reader
// checks the index descriptor first, so hitting this means the index
// and the chunk file disagree.
var ErrChunkEncrypted = fmt.Errorf("chunk is encrypted but no encryption object was provided")

// Parse validates and decodes a chunk frame. enc is consulted only
// when the frame is chunk-level encrypted.
func Parse(data []byte, enc encryption.Encryption) (*Chunk, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("chunk frame truncated: %d bytes", len(data))
	}
	if magic := binary.LittleEndian.Uint32(data); magic != Magic {
		return nil, fmt.Errorf("bad chunk magic 0x%08X", magic)
	}
	if v := data[4]; v != Version {
		return nil, fmt.Errorf("unsupported chunk version %d", v)
	}
	flags := data[5]
	body := data[headerSize:]

	if flags&flagChunkEncrypted != 0 {
		if enc == nil {
			return nil, ErrChunkEncrypted
		}
		if len(body) < 8 {
			return nil, fmt.Errorf("encrypted chunk body truncated")
		}
		blobLen := binary.LittleEndian.Uint64(body)
		blob := body[8:]
		if uint64(len(blob)) != blobLen {
			return nil, fmt.Errorf("encrypted chunk blob length mismatch: header %d, actual %d",
				blobLen, len(blob))
		}
		plain, err := enc.Decrypt(blob)
		if err != nil {
			return nil, err
		}
		body = plain
	}

	if len(body) < 4 {
		return nil, fmt.Errorf("chunk body truncated")
	}
	count := int(binary.LittleEndian.Uint32(body))
	offEnd := 4 + (count+1)*8
	if count < 0 || len(body) < offEnd {
		return nil, fmt.Errorf("chunk offset table truncated: %d items, %d bytes", count, len(body))
	}

	offsets := make([]uint64, count+1)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint64(body[4+i*8:])
	}
	payload := body[offEnd:]
	if offsets[count] != uint64(len(payload)) {
		return nil, fmt.Errorf("chunk payload length mismatch: offsets end at %d, payload is %d",
			offsets[count], len(payload))
	}

	return &Chunk{offsets: offsets, payload: payload}, nil
}

// Open reads and parses a chunk file.
func Open(path string, enc encryption.Encryption) (*Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chunk: %w", err)
	}
	c, err := Parse(data, enc)
	if err != nil {
		return nil, fmt.Errorf("parse chunk %s: %w", path, err)
	}
	return c, nil
}

// Count returns the number of items in the chunk.
func (c *Chunk) Count() int { return len(c.offsets) - 1 }

// Item returns the encoded record at local index i.
func (c *Chunk) Item(i int) ([]byte, error) {
	if i < 0 || i >= c.Count() {
		return nil, fmt.Errorf("item index %d out of range [0, %d)", i, c.Count())
	}
	if c.offsets[i] > c.offsets[i+1] || c.offsets[i+1] > uint64(len(c.payload)) {
		return nil, fmt.Errorf("corrupt offset table at item %d", i)
	}
	return c.payload[c.offsets[i]:c.offsets[i+1]], nil
}
