package dataset

import (
	"github.com/chunkstream/chunkstream/pkg/chunk"
	"github.com/chunkstream/chunkstream/pkg/encryption"
	"github.com/chunkstream/chunkstream/pkg/index"
)

// Items exposes the decoded records of one chunk file.
type Items interface {
	Count() int
	Item(i int) ([]byte, error)
}

// ItemLoader turns a fetched chunk body into addressable items. The
// default loader parses the binary chunk frame; a loader with its own
// offset table, a columnar layout for example, can be plugged in
// through WithLoader.
type ItemLoader interface {
	Load(data []byte, cfg index.Config) (Items, error)
}

type binaryLoader struct {
	enc encryption.Encryption
}

func (l binaryLoader) Load(data []byte, _ index.Config) (Items, error) {
	return chunk.Parse(data, l.enc)
}
