package dataset

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/chunkstream/chunkstream/internal/logger"
	"github.com/chunkstream/chunkstream/pkg/index"
	"github.com/chunkstream/chunkstream/pkg/storage"
)

// mergeCopyParallelism bounds concurrent chunk copies.
const mergeCopyParallelism = 4

// copyJob is one validated chunk copy: source file in its input's
// store, canonical name at the destination.
type copyJob struct {
	input     string
	src       storage.Fetcher
	source    string
	canonical string
}

// ErrOutputNotEmpty is returned when the merge target already holds a
// committed dataset.
var ErrOutputNotEmpty = errors.New("the output directory already contains a dataset")

// StoreResolver turns a dataset location into a Store. The default is
// storage.Resolve.
type StoreResolver func(ctx context.Context, location string) (storage.Store, error)

// MergeOption customizes Merge.
type MergeOption func(*mergeOptions)

type mergeOptions struct {
	resolve StoreResolver
}

// WithStoreResolver overrides how dataset locations are turned into
// stores, for callers that carry their own client settings.
func WithStoreResolver(fn StoreResolver) MergeOption {
	return func(o *mergeOptions) { o.resolve = fn }
}

// Merge combines several committed datasets into one at output. All
// inputs must share the same data format, compression, and encryption
// descriptor; chunk files are copied in input order and renumbered to
// the canonical chunk-<n>.bin sequence. Inputs are left untouched.
//
// Inputs and output are dataset locations: local paths or s3:// URIs.
func Merge(ctx context.Context, inputs []string, output string, opts ...MergeOption) error {
	if len(inputs) == 0 {
		return errors.New("no input datasets to merge")
	}

	options := mergeOptions{resolve: storage.Resolve}
	for _, opt := range opts {
		opt(&options)
	}

	dst, err := options.resolve(ctx, output)
	if err != nil {
		return err
	}
	if ok, err := dst.Exists(ctx, index.Filename); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%s: %w", output, ErrOutputNotEmpty)
	}

	// Load and cross-validate every input index before copying a
	// single chunk, so a mismatched input leaves no orphan files at
	// the output.
	merged := index.New(index.Config{})
	next := 0
	var jobs []copyJob

	for _, in := range inputs {
		src, err := options.resolve(ctx, in)
		if err != nil {
			return err
		}
		raw, err := src.Fetch(ctx, index.Filename)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", in, index.ErrNoIndex)
		}
		if err != nil {
			return err
		}
		idx, err := index.Decode(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", in, err)
		}

		renumbered := make([]index.ChunkInfo, 0, len(idx.Chunks))
		for _, info := range idx.Chunks {
			canonical := fmt.Sprintf("chunk-%d.bin", next)
			next++
			jobs = append(jobs, copyJob{input: in, src: src, source: info.Filename, canonical: canonical})
			info.Filename = canonical
			renumbered = append(renumbered, info)
		}

		if err := merged.Append(idx.Config, renumbered); err != nil {
			return fmt.Errorf("%s: %w", in, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mergeCopyParallelism)
	for _, job := range jobs {
		g.Go(func() error {
			data, err := job.src.Fetch(gctx, job.source)
			if err != nil {
				return fmt.Errorf("%s: %w", job.input, err)
			}
			return dst.Publish(gctx, job.canonical, data)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	data, err := merged.Encode()
	if err != nil {
		return err
	}
	if err := dst.Publish(ctx, index.Filename, data); err != nil {
		return err
	}

	logger.Info("datasets merged",
		logger.KeyInputs, len(inputs),
		logger.KeyDir, output,
		logger.KeyItems, merged.Len(),
		logger.KeyIndexChunks, len(merged.Chunks))
	return nil
}
