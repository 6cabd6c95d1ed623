package processing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/chunkstream/chunkstream/internal/logger"
	"github.com/chunkstream/chunkstream/pkg/metrics"
	"github.com/chunkstream/chunkstream/pkg/storage"
)

// MapParams configures one Map run.
type MapParams struct {
	// Fn is applied to every input item. Map builds no dataset, so
	// emitting records is an error; Fn writes its own outputs under
	// OutputDir.
	Fn Fn `validate:"required"`

	Inputs []any `validate:"required,min=1"`

	// OutputDir is created before the run and handed to Fn through
	// the item when needed.
	OutputDir string `validate:"required"`

	NumWorkers int `validate:"gte=0"`

	// KeepDataOrdered gives workers contiguous static shards instead
	// of the shared fan-out channel.
	KeepDataOrdered bool

	NumDownloaders int `validate:"gte=0"`

	// Fetcher, when set, stages string inputs locally before Fn.
	Fetcher storage.Fetcher

	Metrics *metrics.Metrics
}

// Map runs Fn over every input in parallel without building a dataset.
// Sharding, worker lifecycle, and error aggregation behave exactly as
// in Optimize.
func Map(ctx context.Context, p MapParams) error {
	if err := validate.Struct(&p); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	if err := os.MkdirAll(p.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	numWork := p.NumWorkers
	if numWork <= 0 {
		numWork = runtime.NumCPU()
	}
	if numWork > len(p.Inputs) {
		numWork = len(p.Inputs)
	}
	parallel := p.NumDownloaders
	if parallel <= 0 {
		parallel = 2
	}

	res := newResolver(p.Fetcher, filepath.Join(p.OutputDir, ".inputs"))
	emit := func(any) error {
		return errors.New("map functions do not emit records")
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var items <-chan *pending
	if !p.KeepDataOrdered {
		in := make(chan any)
		go func() {
			defer close(in)
			for _, item := range p.Inputs {
				select {
				case in <- item:
				case <-runCtx.Done():
					return
				}
			}
		}()
		items = unorderedPrefetch(runCtx, in, res, parallel)
	}

	errs := make([]error, numWork)
	var wg sync.WaitGroup
	for rank := 0; rank < numWork; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			var err error
			if p.KeepDataOrdered {
				start, end := shardBounds(len(p.Inputs), numWork, rank)
				err = mapShard(runCtx, p.Fn, p.Inputs[start:end], res, parallel, emit)
			} else {
				err = mapShared(runCtx, p.Fn, items, emit)
			}
			if err != nil {
				errs[rank] = err
				cancel(errSibling)
			}
		}(rank)
	}
	wg.Wait()

	var failures []error
	for rank, err := range errs {
		if err == nil || errors.Is(err, errSibling) {
			continue
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			continue
		}
		p.Metrics.ObserveWorkerFailure()
		failures = append(failures, &WorkerError{Rank: rank, Err: err})
	}
	if len(failures) > 0 {
		return &WorkersError{Errs: failures}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	os.RemoveAll(filepath.Join(p.OutputDir, ".inputs"))
	logger.Info("map completed",
		logger.KeyDir, p.OutputDir,
		logger.KeyInputs, len(p.Inputs),
		"workers", numWork)
	return nil
}

func mapShard(ctx context.Context, fn Fn, shard []any, res *resolver, parallel int, emit func(any) error) error {
	for p := range orderedPrefetch(ctx, shard, res, parallel) {
		select {
		case <-p.ready:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		if p.err != nil {
			return p.err
		}
		if err := fn(ctx, p.resolved, emit); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	return nil
}

func mapShared(ctx context.Context, fn Fn, items <-chan *pending, emit func(any) error) error {
	for {
		select {
		case p, ok := <-items:
			if !ok {
				return nil
			}
			if p.err != nil {
				return p.err
			}
			if err := fn(ctx, p.resolved, emit); err != nil {
				return err
			}
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}
