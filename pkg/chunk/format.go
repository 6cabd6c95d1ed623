// Package chunk implements the size-bounded immutable binary container
// holding serialized items. A chunk file is written once by a cache
// writer and read back by the streaming reader; once committed into a
// dataset index it is never mutated.
//
// Frame layout (little-endian):
//
//	magic    uint32   "CHK1"
//	version  uint8    1
//	flags    uint8    bit0: chunk-level encrypted
//	body
//
// For a plain chunk the body is:
//
//	count    uint32
//	offsets  (count+1) × uint64   item boundaries within the payload
//	payload  concatenated item records
//
// For a chunk-level encrypted chunk the body is a length-prefixed
// opaque blob (uint64 length + ciphertext of the plain body).
package chunk

import (
	"encoding/binary"
	"fmt"
)

const (
	// Magic identifies a chunk file ("CHK1").
	Magic uint32 = 0x43484B31

	// Version is the current frame version.
	Version byte = 1

	headerSize = 4 + 1 + 1

	flagChunkEncrypted byte = 1 << 0
)

// HeaderOverhead returns the frame size of a chunk holding n items
// with the given total payload bytes. Chunking policies measure
// against this, not the raw payload, so the on-disk budget is honored.
func HeaderOverhead(n int) uint64 {
	return uint64(headerSize) + 4 + uint64(n+1)*8
}

// EncodeRecord frames a multi-field item record:
//
//	fieldCount uint32 | fieldLen uint32 × fieldCount | field bytes...
func EncodeRecord(fields [][]byte) []byte {
	size := 4 + 4*len(fields)
	for _, f := range fields {
		size += len(f)
	}

	out := make([]byte, 0, size)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(fields)))
	for _, f := range fields {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(f)))
	}
	for _, f := range fields {
		out = append(out, f...)
	}
	return out
}

// DecodeRecord reverses EncodeRecord.
func DecodeRecord(data []byte) ([][]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("record too short: %d bytes", len(data))
	}
	count := int(binary.LittleEndian.Uint32(data))
	if count == 0 {
		return nil, fmt.Errorf("record with zero fields")
	}

	headEnd := 4 + 4*count
	if len(data) < headEnd {
		return nil, fmt.Errorf("record header truncated: %d fields, %d bytes", count, len(data))
	}

	fields := make([][]byte, count)
	pos := headEnd
	for i := 0; i < count; i++ {
		fieldLen := int(binary.LittleEndian.Uint32(data[4+4*i:]))
		if pos+fieldLen > len(data) {
			return nil, fmt.Errorf("record field %d truncated", i)
		}
		fields[i] = data[pos : pos+fieldLen]
		pos += fieldLen
	}
	if pos != len(data) {
		return nil, fmt.Errorf("record has %d trailing bytes", len(data)-pos)
	}
	return fields, nil
}
