package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chunkstream/chunkstream/internal/logger"
	"github.com/chunkstream/chunkstream/pkg/index"
)

// Commit finalizes one or more workers' chunk sets into the dataset
// index of dir. Worker-local chunk files are renamed to the canonical
// chunk-<n>.bin sequence in worker order, continuing the numbering of
// existing when appending to a committed dataset.
//
// When appending, the new config is validated against the committed
// one before any file is touched, so an incompatible writer leaves the
// existing dataset intact.
func Commit(dir string, existing *index.Index, cfg index.Config, workerChunks [][]index.ChunkInfo) (*index.Index, error) {
	idx := existing
	if idx == nil {
		idx = index.New(index.Config{})
	}

	// Validate before renaming anything so an incompatible append
	// never disturbs the committed dataset.
	if len(idx.Chunks) > 0 || len(idx.Config.DataFormat) > 0 {
		if err := idx.Config.AssertCompatible(cfg); err != nil {
			return nil, err
		}
	}

	next := len(idx.Chunks)
	var renamed []index.ChunkInfo
	for _, chunks := range workerChunks {
		for _, info := range chunks {
			canonical := fmt.Sprintf("chunk-%d.bin", next)
			if info.Filename != canonical {
				src := filepath.Join(dir, info.Filename)
				dst := filepath.Join(dir, canonical)
				if err := os.Rename(src, dst); err != nil {
					return nil, fmt.Errorf("rename chunk %s: %w", info.Filename, err)
				}
			}
			info.Filename = canonical
			renamed = append(renamed, info)
			next++
		}
	}

	if err := idx.Append(cfg, renamed); err != nil {
		return nil, err
	}
	if err := idx.Save(dir); err != nil {
		return nil, err
	}

	logger.Info("dataset committed",
		logger.KeyDir, dir,
		logger.KeyIndexChunks, len(idx.Chunks),
		logger.KeyItems, idx.Len())
	return idx, nil
}
