package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging. Use these consistently
// across all log statements so pipeline runs can be filtered and
// aggregated by worker, chunk, or dataset directory.
const (
	// Processing run
	KeyRunID  = "run_id" // unique id for one optimize/map invocation
	KeyWorker = "worker" // worker rank (0-based)
	KeyMode   = "mode"   // create, append, overwrite
	KeyInputs = "inputs" // number of input items (when known)
	KeyItems  = "items"  // items processed so far
	KeyState  = "state"  // orchestrator state

	// Chunk storage
	KeyChunk      = "chunk"       // chunk filename
	KeyChunkIndex = "chunk_index" // chunk ordinal within the dataset
	KeyChunkBytes = "chunk_bytes" // serialized chunk size in bytes
	KeyChunkItems = "chunk_items" // item count in a chunk
	KeyDataFormat = "data_format" // dataset field-token sequence

	// Dataset
	KeyDir         = "dir"    // dataset directory
	KeyRemote      = "remote" // remote URI (s3://...)
	KeyCompression = "compression"
	KeyEncryption  = "encryption"
	KeyIndexChunks = "index_chunks"

	// I/O
	KeyPath         = "path"
	KeyBytesRead    = "bytes_read"
	KeyBytesWritten = "bytes_written"
	KeyDurationMS   = "duration_ms"

	// Errors
	KeyError = "error"
)

// Err wraps an error as a slog attribute under the standard error key.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// WorkerAttr returns the standard worker-rank attribute.
func WorkerAttr(rank int) slog.Attr {
	return slog.Int(KeyWorker, rank)
}

// ChunkAttr returns the standard chunk-filename attribute.
func ChunkAttr(filename string) slog.Attr {
	return slog.String(KeyChunk, filename)
}

// FormatAttr renders a data-format token sequence as a single field.
func FormatAttr(tokens []string) slog.Attr {
	return slog.String(KeyDataFormat, fmt.Sprintf("%v", tokens))
}
