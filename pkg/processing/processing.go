// Package processing orchestrates parallel dataset builds: inputs are
// sharded across worker goroutines, each worker transforms its items
// through a user function into its own chunk writer, and a final merge
// commits every worker's chunks into one dataset index.
//
// Failure semantics: any worker error cancels the run, every worker is
// waited to a terminal state, and the caller gets one aggregated error
// listing each failure. Nothing is merged on failure; a previously
// committed dataset is never disturbed.
package processing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/chunkstream/chunkstream/internal/bytesize"
	"github.com/chunkstream/chunkstream/internal/logger"
	"github.com/chunkstream/chunkstream/pkg/cache"
	"github.com/chunkstream/chunkstream/pkg/encryption"
	"github.com/chunkstream/chunkstream/pkg/index"
	"github.com/chunkstream/chunkstream/pkg/metrics"
	"github.com/chunkstream/chunkstream/pkg/storage"
)

// Fn transforms one input item, emitting zero or more records into the
// dataset being built.
type Fn func(ctx context.Context, item any, emit func(any) error) error

// Mode controls what happens when the output already holds a committed
// dataset.
type Mode string

const (
	// ModeNone refuses to touch an existing dataset.
	ModeNone Mode = ""
	// ModeAppend adds the new chunks after the committed ones.
	ModeAppend Mode = "append"
	// ModeOverwrite discards the committed dataset first.
	ModeOverwrite Mode = "overwrite"
)

// ParseMode maps a mode string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNone, ModeAppend, ModeOverwrite:
		return Mode(s), nil
	default:
		return ModeNone, fmt.Errorf("%w, got %q", ErrInvalidMode, s)
	}
}

// Params configures one Optimize run. Exactly one of Inputs and Queue
// must be set.
type Params struct {
	// Fn is the transformation applied to every input item.
	Fn Fn `validate:"required"`

	// Inputs is a finite, ordered input list.
	Inputs []any

	// Queue is an unbounded input stream, consumed until closed.
	Queue <-chan any

	// OutputDir is the dataset location: a local path or s3:// URI.
	OutputDir string `validate:"required"`

	// WorkDir is the local staging directory used when OutputDir is
	// remote. Defaults to a fresh temp dir; set it to a stable path
	// if checkpointed resume across process restarts is wanted.
	WorkDir string

	// NumWorkers defaults to the CPU count, capped at the input
	// count for finite inputs.
	NumWorkers int `validate:"gte=0"`

	// ChunkSize caps items per chunk, ChunkBytes caps bytes per
	// chunk ("64MB", "1GiB"). With neither set the byte cap defaults
	// to 64MB.
	ChunkSize  int `validate:"gte=0"`
	ChunkBytes string

	Mode Mode

	// UseCheckpoint persists per-worker progress after every flush
	// and resumes a matching interrupted run. Requires finite Inputs
	// and forces static sharding.
	UseCheckpoint bool

	// KeepDataOrdered makes the output order deterministic: workers
	// get contiguous input shards and are merged in rank order.
	// Without it workers share one fan-out channel and are merged in
	// completion order.
	KeepDataOrdered bool

	Compression string
	Encryption  encryption.Encryption

	// NumDownloaders and NumUploaders bound the background transfer
	// goroutines. Both default to 2.
	NumDownloaders int `validate:"gte=0"`
	NumUploaders   int `validate:"gte=0"`

	// Fetcher, when set, turns string inputs into locally staged
	// files before they reach Fn.
	Fetcher storage.Fetcher

	// Publisher overrides where chunks and the index are published.
	// Resolved from OutputDir when remote.
	Publisher storage.Publisher

	Metrics *metrics.Metrics
}

var validate = validator.New()

// errSibling is the cancellation cause used when a worker stops
// because another worker failed. Filtered out of the aggregate.
var errSibling = errors.New("stopping: another worker failed")

// Optimize runs the full build: INIT (validate, mode handling),
// SHARDING, RUNNING (workers + transfer helpers), MERGING and COMMIT,
// CLEANUP.
func Optimize(ctx context.Context, p Params) error {
	run, err := initRun(ctx, &p)
	if err != nil {
		return err
	}
	defer run.cleanupStaging()

	if err := run.execute(ctx); err != nil {
		return err
	}
	return run.commit(ctx)
}

// run carries the state threaded through the phases.
type run struct {
	id       string
	p        *Params
	workDir  string
	tempWork bool
	numWork  int
	static   bool
	resume   bool

	pub      storage.Publisher
	existing *index.Index
	ck       *checkpointer

	workers  []*worker
	shards   [][]any
	resolver *resolver

	// mergeOrder is the worker merge order: rank order for static
	// runs, completion order otherwise.
	mu         sync.Mutex
	mergeOrder []int

	uploaded []string
	started  time.Time
}

// initRun is the INIT phase: parameter validation, output resolution,
// mode handling, checkpoint reconciliation, worker construction.
func initRun(ctx context.Context, p *Params) (*run, error) {
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if (len(p.Inputs) == 0) == (p.Queue == nil) {
		return nil, errors.New("exactly one of Inputs and Queue must be provided")
	}
	if p.UseCheckpoint && p.Queue != nil {
		return nil, errors.New("UseCheckpoint requires finite Inputs")
	}
	if _, err := ParseMode(string(p.Mode)); err != nil {
		return nil, err
	}
	var chunkBytes uint64
	if p.ChunkBytes != "" {
		bs, err := bytesize.Parse(p.ChunkBytes)
		if err != nil {
			return nil, fmt.Errorf("invalid ChunkBytes: %w", err)
		}
		chunkBytes = bs.Uint64()
	}

	r := &run{id: uuid.NewString(), p: p, started: time.Now()}

	r.numWork = p.NumWorkers
	if r.numWork <= 0 {
		r.numWork = runtime.NumCPU()
	}
	if p.Queue == nil && r.numWork > len(p.Inputs) {
		r.numWork = len(p.Inputs)
	}
	r.static = p.Queue == nil && (p.KeepDataOrdered || p.UseCheckpoint)

	if err := r.resolveOutput(ctx); err != nil {
		return nil, err
	}
	if err := r.applyMode(ctx); err != nil {
		return nil, err
	}
	if err := r.reconcileCheckpoints(); err != nil {
		return nil, err
	}

	r.resolver = newResolver(p.Fetcher, filepath.Join(r.workDir, ".inputs"))

	if r.static {
		r.shards = make([][]any, r.numWork)
		for rank := 0; rank < r.numWork; rank++ {
			start, end := shardBounds(len(p.Inputs), r.numWork, rank)
			r.shards[rank] = p.Inputs[start:end]
		}
	}

	for rank := 0; rank < r.numWork; rank++ {
		w := &worker{rank: rank, ckpt: r.ck, met: p.Metrics}
		opts := []cache.Option{
			cache.WithChunkSize(p.ChunkSize),
			cache.WithChunkBytes(chunkBytes),
			cache.WithCompression(p.Compression),
			cache.WithEncryption(p.Encryption),
			cache.WithWorkerRank(rank),
			cache.OnFlush(w.flushHook(r.started)),
		}
		if r.resume {
			cp, err := r.ck.loadWorker(rank)
			if err != nil {
				return nil, err
			}
			if cp.Committed > len(r.shards[rank]) {
				return nil, fmt.Errorf("worker %d checkpoint claims %d committed inputs, shard has %d",
					rank, cp.Committed, len(r.shards[rank]))
			}
			opts = append(opts, cache.WithResume(cp.Chunks))
			if len(cp.Config.DataFormat) > 0 {
				opts = append(opts, cache.WithDataFormat(cp.Config.DataFormat, cp.Config.FieldNames))
			}
			w.completed = cp.Committed
			r.shards[rank] = r.shards[rank][cp.Committed:]
		}
		c, err := cache.New(r.workDir, opts...)
		if err != nil {
			return nil, err
		}
		w.cache = c
		r.workers = append(r.workers, w)
	}

	logger.Info("run started",
		logger.KeyRunID, r.id,
		logger.KeyDir, p.OutputDir,
		"workers", r.numWork,
		logger.KeyMode, string(p.Mode),
		logger.KeyInputs, len(p.Inputs),
		"ordered", r.static,
		"resume", r.resume)
	return r, nil
}

// resolveOutput decides where chunks are staged and published.
func (r *run) resolveOutput(ctx context.Context) error {
	p := r.p
	r.workDir = p.OutputDir
	r.pub = p.Publisher

	if storage.IsRemote(p.OutputDir) {
		store, err := storage.Resolve(ctx, p.OutputDir)
		if err != nil {
			return err
		}
		if r.pub == nil {
			r.pub = store
		}
		r.workDir = p.WorkDir
		if r.workDir == "" {
			dir, err := os.MkdirTemp("", "chunkstream-*")
			if err != nil {
				return fmt.Errorf("create staging dir: %w", err)
			}
			r.workDir = dir
			r.tempWork = true
		}
	}
	return os.MkdirAll(r.workDir, 0o755)
}

// applyMode is the existing-dataset handling of INIT.
func (r *run) applyMode(ctx context.Context) error {
	existing, err := r.loadCommitted(ctx)
	if err != nil {
		return err
	}

	switch r.p.Mode {
	case ModeNone:
		if existing != nil {
			return fmt.Errorf("%w in %s. HINT: if you want to append/overwrite to the existing dataset, set Mode to append or overwrite",
				ErrDatasetExists, r.p.OutputDir)
		}
	case ModeAppend:
		if existing == nil {
			logger.Warn("append mode on an empty output, creating a new dataset",
				logger.KeyDir, r.p.OutputDir)
		}
		r.existing = existing
	case ModeOverwrite:
		if existing != nil {
			if err := r.deleteCommitted(ctx, existing); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadCommitted fetches the committed index of the output, if any.
func (r *run) loadCommitted(ctx context.Context) (*index.Index, error) {
	if storage.IsRemote(r.p.OutputDir) {
		store, err := storage.Resolve(ctx, r.p.OutputDir)
		if err != nil {
			return nil, err
		}
		raw, err := store.Fetch(ctx, index.Filename)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return index.Decode(raw)
	}

	idx, err := index.Load(r.workDir)
	if errors.Is(err, index.ErrNoIndex) {
		return nil, nil
	}
	return idx, err
}

// deleteCommitted removes a committed dataset's chunks and index.
// Checkpoints are left alone so an interrupted overwrite can resume.
func (r *run) deleteCommitted(ctx context.Context, idx *index.Index) error {
	logger.Info("overwriting existing dataset",
		logger.KeyDir, r.p.OutputDir,
		logger.KeyIndexChunks, len(idx.Chunks))

	if storage.IsRemote(r.p.OutputDir) {
		for _, info := range idx.Chunks {
			if err := r.pub.Delete(ctx, info.Filename); err != nil {
				return err
			}
		}
		return r.pub.Delete(ctx, index.Filename)
	}

	for _, info := range idx.Chunks {
		if err := os.Remove(filepath.Join(r.workDir, info.Filename)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove chunk %s: %w", info.Filename, err)
		}
	}
	if err := os.Remove(filepath.Join(r.workDir, index.Filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove index: %w", err)
	}
	return nil
}

// reconcileCheckpoints decides between resuming and starting fresh.
func (r *run) reconcileCheckpoints() error {
	if !r.p.UseCheckpoint {
		return nil
	}
	r.ck = newCheckpointer(r.workDir)
	want := runConfig{
		NumWorkers:       r.numWork,
		Mode:             string(r.p.Mode),
		UseCheckpoint:    true,
		InputFingerprint: fingerprint(r.p.Inputs),
	}
	resume, err := r.ck.discardStale(want)
	if err != nil {
		return err
	}
	r.resume = resume
	if !resume {
		if err := removeWorkerChunks(r.workDir); err != nil {
			return err
		}
		return r.ck.init(want)
	}
	return nil
}

// removeWorkerChunks clears worker-local chunk files left by a run
// whose checkpoints were discarded.
func removeWorkerChunks(dir string) error {
	stale, err := filepath.Glob(filepath.Join(dir, "chunk-*-*.bin"))
	if err != nil {
		return err
	}
	for _, path := range stale {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale chunk %s: %w", path, err)
		}
	}
	return nil
}

// execute is the RUNNING phase.
func (r *run) execute(parent context.Context) error {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	up := startUploader(ctx, r.pub, r.p.NumUploaders, cancel)
	for _, w := range r.workers {
		w.up = up
	}

	var items <-chan *pending
	if !r.static {
		in := r.inputChannel(ctx)
		items = unorderedPrefetch(ctx, in, r.resolver, r.transferParallelism())
	}

	errs := make([]error, r.numWork)
	var wg sync.WaitGroup
	for _, w := range r.workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			var err error
			if r.static {
				err = w.runOrdered(ctx, r.p.Fn, r.shards[w.rank], r.resolver, r.transferParallelism())
			} else {
				err = w.runShared(ctx, r.p.Fn, items)
			}
			if err != nil {
				errs[w.rank] = err
				cancel(errSibling)
				return
			}
			r.mu.Lock()
			r.mergeOrder = append(r.mergeOrder, w.rank)
			r.mu.Unlock()
		}(w)
	}
	wg.Wait()

	uploaded, upErr := up.drain()
	r.uploaded = uploaded

	var failures []error
	for rank, err := range errs {
		if err == nil || errors.Is(err, errSibling) {
			continue
		}
		// The caller cancelling the run is not a worker failure.
		if parent.Err() != nil && errors.Is(err, parent.Err()) {
			continue
		}
		r.p.Metrics.ObserveWorkerFailure()
		failures = append(failures, &WorkerError{Rank: rank, Err: err})
	}
	if upErr != nil {
		failures = append(failures, upErr)
	}
	if len(failures) > 0 {
		logger.Error("run failed",
			logger.KeyRunID, r.id,
			logger.KeyDir, r.p.OutputDir,
			"failures", len(failures),
			logger.KeyDurationMS, time.Since(r.started).Milliseconds())
		return &WorkersError{Errs: failures}
	}
	if err := parent.Err(); err != nil {
		return err
	}

	// Static runs merge in rank order regardless of who finished
	// first.
	if r.static {
		r.mergeOrder = r.mergeOrder[:0]
		for rank := 0; rank < r.numWork; rank++ {
			r.mergeOrder = append(r.mergeOrder, rank)
		}
	}
	return nil
}

// inputChannel adapts the finite input list or the caller's queue to
// the fan-out channel.
func (r *run) inputChannel(ctx context.Context) <-chan any {
	if r.p.Queue != nil {
		return r.p.Queue
	}
	in := make(chan any)
	go func() {
		defer close(in)
		for _, item := range r.p.Inputs {
			select {
			case in <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return in
}

func (r *run) transferParallelism() int {
	n := r.p.NumDownloaders
	if n <= 0 {
		n = 2
	}
	return n
}

// commit is MERGING + COMMIT + CLEANUP: validate worker configs,
// canonicalize chunk names, write the index, publish, then drop the
// checkpoints.
func (r *run) commit(ctx context.Context) error {
	var refCfg index.Config
	groups := make([][]index.ChunkInfo, 0, len(r.mergeOrder))
	for _, rank := range r.mergeOrder {
		cfg := r.workers[rank].cache.Config()
		chunks := r.workers[rank].cache.Chunks()
		if len(chunks) == 0 {
			// Worker produced nothing; nothing to merge.
			continue
		}
		if len(refCfg.DataFormat) == 0 {
			refCfg = cfg
		} else if err := refCfg.AssertCompatible(cfg); err != nil {
			return fmt.Errorf("worker %d: %w", rank, err)
		}
		groups = append(groups, chunks)
	}

	priorChunks := 0
	if r.existing != nil {
		priorChunks = len(r.existing.Chunks)
	}

	idx, err := cache.Commit(r.workDir, r.existing, refCfg, groups)
	if err != nil {
		return err
	}

	if err := r.publish(ctx, idx, priorChunks); err != nil {
		return err
	}

	if r.ck != nil {
		if err := r.ck.clear(); err != nil {
			return err
		}
	}
	os.RemoveAll(filepath.Join(r.workDir, ".inputs"))

	logger.Info("run committed",
		logger.KeyRunID, r.id,
		logger.KeyDir, r.p.OutputDir,
		logger.KeyItems, idx.Len(),
		logger.KeyIndexChunks, len(idx.Chunks),
		logger.KeyDurationMS, time.Since(r.started).Milliseconds())
	return nil
}

// publish uploads the canonical chunk files and index to the remote
// output, then drops the eagerly uploaded worker-local names.
func (r *run) publish(ctx context.Context, idx *index.Index, priorChunks int) error {
	if r.pub == nil {
		return nil
	}

	for _, info := range idx.Chunks[priorChunks:] {
		data, err := os.ReadFile(filepath.Join(r.workDir, info.Filename))
		if err != nil {
			return fmt.Errorf("read chunk %s: %w", info.Filename, err)
		}
		if err := r.pub.Publish(ctx, info.Filename, data); err != nil {
			return err
		}
	}

	data, err := idx.Encode()
	if err != nil {
		return err
	}
	if err := r.pub.Publish(ctx, index.Filename, data); err != nil {
		return err
	}

	for _, name := range r.uploaded {
		if err := r.pub.Delete(ctx, name); err != nil {
			logger.Warn("leaving stale staged chunk",
				logger.KeyChunk, name, logger.KeyError, err)
		}
	}
	return nil
}

// cleanupStaging removes the temp staging dir of a successful remote
// run. Kept on failure so checkpointed chunks survive for inspection.
func (r *run) cleanupStaging() {
	if r.tempWork && r.ck == nil {
		os.RemoveAll(r.workDir)
	}
}
