package processing

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/chunkstream/chunkstream/internal/logger"
	"github.com/chunkstream/chunkstream/pkg/cache"
	"github.com/chunkstream/chunkstream/pkg/metrics"
	"github.com/chunkstream/chunkstream/pkg/storage"
)

// uploadJob is one flushed chunk file to publish.
type uploadJob struct {
	path string
	name string
}

// uploader publishes flushed chunk files in the background so workers
// never block on network I/O. Chunks go out under their worker-local
// names; the commit phase republishes them under canonical names.
type uploader struct {
	pub    storage.Publisher
	jobs   chan uploadJob
	wg     sync.WaitGroup
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	uploaded []string
	err      error
}

// startUploader spins up n publishing goroutines. Returns nil when
// there is nowhere to publish to.
func startUploader(ctx context.Context, pub storage.Publisher, n int, cancel context.CancelCauseFunc) *uploader {
	if pub == nil {
		return nil
	}
	if n < 1 {
		n = 1
	}
	u := &uploader{pub: pub, jobs: make(chan uploadJob, n*2), cancel: cancel}
	for i := 0; i < n; i++ {
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			for job := range u.jobs {
				u.publish(ctx, job)
			}
		}()
	}
	return u
}

func (u *uploader) publish(ctx context.Context, job uploadJob) {
	data, err := os.ReadFile(job.path)
	if err == nil {
		err = u.pub.Publish(ctx, job.name, data)
	}
	if err != nil {
		// Uploads interrupted by the run being cancelled are not
		// failures of their own.
		if ctx.Err() != nil {
			return
		}
		u.mu.Lock()
		if u.err == nil {
			u.err = fmt.Errorf("upload chunk %s: %w", job.name, err)
		}
		u.mu.Unlock()
		// An upload failure dooms the run; stop everyone early.
		u.cancel(err)
		return
	}
	u.mu.Lock()
	u.uploaded = append(u.uploaded, job.name)
	u.mu.Unlock()
}

// enqueue hands a chunk to the pool. Nil-safe so callers need no
// remote/local branching.
func (u *uploader) enqueue(job uploadJob) {
	if u != nil {
		u.jobs <- job
	}
}

// drain waits for in-flight uploads and reports the first failure and
// the names published so far.
func (u *uploader) drain() ([]string, error) {
	if u == nil {
		return nil, nil
	}
	close(u.jobs)
	u.wg.Wait()
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.uploaded, u.err
}

// worker owns one Cache and consumes its share of the inputs. The
// committed counter tracks how many inputs are fully contained in
// flushed chunks; it only advances between items, so a flush in the
// middle of an item never counts that item as durable.
type worker struct {
	rank      int
	cache     *cache.Cache
	ckpt      *checkpointer
	up        *uploader
	met       *metrics.Metrics
	completed int
}

// flushHook persists the checkpoint and enqueues the upload for every
// durable chunk.
func (w *worker) flushHook(start time.Time) func(cache.FlushInfo) {
	return func(fi cache.FlushInfo) {
		w.met.ObserveFlush(strconv.Itoa(w.rank), fi.Chunk.ChunkBytes, time.Since(start).Seconds())
		if w.ckpt != nil {
			cp := workerCheckpoint{
				Rank:      w.rank,
				Committed: w.completed,
				Chunks:    w.cache.Chunks(),
				Config:    w.cache.Config(),
			}
			if err := w.ckpt.saveWorker(cp); err != nil {
				logger.Warn("checkpoint write failed",
					logger.KeyWorker, w.rank, logger.KeyError, err)
			}
		}
		w.up.enqueue(uploadJob{path: fi.Path, name: fi.Chunk.Filename})
	}
}

// processItem runs the user function for one input and commits its
// emitted records as one atomic batch. The committed counter advances
// before the batch goes in: if the batch triggers a flush, the flushed
// chunk fully contains this item, so counting it as committed is
// exactly right. Records buffered but not yet flushed stay below the
// counter recorded by the last flush and are reprocessed on resume.
func (w *worker) processItem(ctx context.Context, fn Fn, item any) error {
	var batch []any
	emit := func(v any) error {
		batch = append(batch, v)
		return nil
	}
	if err := fn(ctx, item, emit); err != nil {
		return err
	}
	w.completed++
	if err := w.cache.PutBatch(batch...); err != nil {
		return err
	}
	w.met.ObserveItem(strconv.Itoa(w.rank))
	return nil
}

// runOrdered processes a static contiguous shard in order. When
// resuming, the caller has already trimmed the shard and seeded the
// cache with the prior run's chunks.
func (w *worker) runOrdered(ctx context.Context, fn Fn, shard []any, res *resolver, downloaders int) error {
	for p := range orderedPrefetch(ctx, shard, res, downloaders) {
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
		if err := w.processItem(ctx, fn, p.resolved); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	return w.cache.Done()
}

// runShared consumes resolved items from a shared fan-out channel
// until it closes. Exactly-once delivery falls out of channel
// semantics: an item is either received here or by a sibling, and a
// closed channel is observed as closed by everyone.
func (w *worker) runShared(ctx context.Context, fn Fn, items <-chan *pending) error {
	for {
		select {
		case p, ok := <-items:
			if !ok {
				return w.cache.Done()
			}
			if p.err != nil {
				return p.err
			}
			if err := w.processItem(ctx, fn, p.resolved); err != nil {
				return err
			}
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}
