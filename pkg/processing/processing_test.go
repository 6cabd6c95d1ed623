package processing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkstream/chunkstream/pkg/dataset"
	"github.com/chunkstream/chunkstream/pkg/index"
	"github.com/chunkstream/chunkstream/pkg/storage"
)

func intInputs(n int) []any {
	items := make([]any, n)
	for i := range items {
		items[i] = i
	}
	return items
}

// double is the simplest useful transform.
func double(_ context.Context, item any, emit func(any) error) error {
	return emit(item.(int) * 2)
}

func readAll(t *testing.T, dir string) []any {
	t.Helper()
	ctx := context.Background()
	ds, err := dataset.Open(ctx, dir)
	require.NoError(t, err)
	out := make([]any, 0, ds.Len())
	for v, err := range ds.All(ctx) {
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func TestShardBounds(t *testing.T) {
	tests := []struct {
		n, workers int
		want       [][2]int
	}{
		{n: 10, workers: 2, want: [][2]int{{0, 5}, {5, 10}}},
		{n: 10, workers: 3, want: [][2]int{{0, 4}, {4, 7}, {7, 10}}},
		{n: 2, workers: 2, want: [][2]int{{0, 1}, {1, 2}}},
		{n: 5, workers: 1, want: [][2]int{{0, 5}}},
		{n: 3, workers: 3, want: [][2]int{{0, 1}, {1, 2}, {2, 3}}},
	}
	for _, tt := range tests {
		for rank, want := range tt.want {
			start, end := shardBounds(tt.n, tt.workers, rank)
			assert.Equal(t, want[0], start, "n=%d w=%d rank=%d", tt.n, tt.workers, rank)
			assert.Equal(t, want[1], end, "n=%d w=%d rank=%d", tt.n, tt.workers, rank)
		}
	}
}

// The output channel must close once every item is delivered, even
// with downloaders still parked, or the consuming worker never
// finishes its shard.
func TestOrderedPrefetchCloses(t *testing.T) {
	ctx := context.Background()
	res := newResolver(nil, t.TempDir())
	out := orderedPrefetch(ctx, intInputs(3), res, 2)

	done := make(chan []any, 1)
	go func() {
		var got []any
		for p := range out {
			<-p.ready
			if p.err == nil {
				got = append(got, p.resolved)
			}
		}
		done <- got
	}()

	select {
	case got := <-done:
		assert.Equal(t, []any{0, 1, 2}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("prefetch output channel never closed")
	}
}

func TestOptimizeOrdered(t *testing.T) {
	dir := t.TempDir()
	err := Optimize(context.Background(), Params{
		Fn:              double,
		Inputs:          intInputs(25),
		OutputDir:       dir,
		NumWorkers:      4,
		ChunkSize:       3,
		KeepDataOrdered: true,
	})
	require.NoError(t, err)

	got := readAll(t, dir)
	require.Len(t, got, 25)
	for i, v := range got {
		assert.Equal(t, i*2, v)
	}
}

func TestOptimizeUnorderedExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	err := Optimize(context.Background(), Params{
		Fn:         double,
		Inputs:     intInputs(50),
		OutputDir:  dir,
		NumWorkers: 4,
		ChunkSize:  4,
	})
	require.NoError(t, err)

	got := readAll(t, dir)
	require.Len(t, got, 50)
	seen := make([]int, 0, 50)
	for _, v := range got {
		seen = append(seen, v.(int)/2)
	}
	sort.Ints(seen)
	for i, v := range seen {
		assert.Equal(t, i, v)
	}
}

func TestOptimizeEmitMultiple(t *testing.T) {
	dir := t.TempDir()
	err := Optimize(context.Background(), Params{
		Fn: func(_ context.Context, item any, emit func(any) error) error {
			if err := emit(item.(int)); err != nil {
				return err
			}
			return emit(item.(int) + 1000)
		},
		Inputs:          intInputs(6),
		OutputDir:       dir,
		NumWorkers:      2,
		ChunkSize:       3,
		KeepDataOrdered: true,
	})
	require.NoError(t, err)

	got := readAll(t, dir)
	require.Len(t, got, 12)
	for i := 0; i < 6; i++ {
		assert.Equal(t, i, got[2*i])
		assert.Equal(t, i+1000, got[2*i+1])
	}
}

func TestOptimizeValidation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	err := Optimize(ctx, Params{Inputs: intInputs(1), OutputDir: dir})
	assert.Error(t, err, "missing Fn")

	err = Optimize(ctx, Params{Fn: double, OutputDir: dir})
	assert.ErrorContains(t, err, "exactly one of Inputs and Queue")

	q := make(chan any)
	close(q)
	err = Optimize(ctx, Params{Fn: double, Inputs: intInputs(1), Queue: q, OutputDir: dir})
	assert.ErrorContains(t, err, "exactly one of Inputs and Queue")

	err = Optimize(ctx, Params{Fn: double, Queue: q, OutputDir: dir, UseCheckpoint: true})
	assert.ErrorContains(t, err, "UseCheckpoint requires finite Inputs")

	err = Optimize(ctx, Params{Fn: double, Inputs: intInputs(1), OutputDir: dir, ChunkBytes: "lots"})
	assert.ErrorContains(t, err, "invalid ChunkBytes")

	err = Optimize(ctx, Params{Fn: double, Inputs: intInputs(1), OutputDir: dir, Mode: Mode("replace")})
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"", "append", "overwrite"} {
		m, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, Mode(s), m)
	}
	_, err := ParseMode("replace")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidMode)
	assert.Contains(t, err.Error(), "the provided `mode` should be either `append` or `overwrite`")
}

func TestOptimizeExistingDatasetNeedsMode(t *testing.T) {
	dir := t.TempDir()
	p := Params{Fn: double, Inputs: intInputs(5), OutputDir: dir, KeepDataOrdered: true}
	require.NoError(t, Optimize(context.Background(), p))

	err := Optimize(context.Background(), p)
	require.ErrorIs(t, err, ErrDatasetExists)
	assert.Contains(t, err.Error(), "if you want to append/overwrite to the existing dataset")
}

func TestOptimizeAppend(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := Params{
		Fn: double, Inputs: intInputs(5), OutputDir: dir,
		ChunkSize: 2, KeepDataOrdered: true,
	}
	require.NoError(t, Optimize(ctx, first))

	second := first
	second.Inputs = []any{100, 101}
	second.Mode = ModeAppend
	require.NoError(t, Optimize(ctx, second))

	got := readAll(t, dir)
	require.Len(t, got, 7)
	assert.Equal(t, []any{0, 2, 4, 6, 8, 200, 202}, got)

	// Canonical numbering continues past the first run's chunks.
	idx, err := index.Load(dir)
	require.NoError(t, err)
	for n, info := range idx.Chunks {
		assert.Equal(t, fmt.Sprintf("chunk-%d.bin", n), info.Filename)
	}
}

func TestOptimizeAppendConfigMismatch(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	require.NoError(t, Optimize(ctx, Params{
		Fn: double, Inputs: intInputs(4), OutputDir: dir, KeepDataOrdered: true,
	}))

	err := Optimize(ctx, Params{
		Fn: func(_ context.Context, item any, emit func(any) error) error {
			return emit(fmt.Sprintf("item-%d", item))
		},
		Inputs: intInputs(4), OutputDir: dir, Mode: ModeAppend, KeepDataOrdered: true,
	})
	require.ErrorIs(t, err, index.ErrConfigMismatch)

	// The committed dataset is untouched.
	got := readAll(t, dir)
	assert.Equal(t, []any{0, 2, 4, 6}, got)
}

func TestOptimizeOverwrite(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	require.NoError(t, Optimize(ctx, Params{
		Fn: double, Inputs: intInputs(9), OutputDir: dir,
		ChunkSize: 2, KeepDataOrdered: true,
	}))

	require.NoError(t, Optimize(ctx, Params{
		Fn: double, Inputs: []any{50, 51}, OutputDir: dir,
		ChunkSize: 2, KeepDataOrdered: true, Mode: ModeOverwrite,
	}))

	got := readAll(t, dir)
	assert.Equal(t, []any{100, 102}, got)

	// No chunks of the first run survive.
	stale, err := filepath.Glob(filepath.Join(dir, "chunk-*.bin"))
	require.NoError(t, err)
	assert.Len(t, stale, 1)
}

func TestOptimizeQueue(t *testing.T) {
	dir := t.TempDir()
	q := make(chan any)
	go func() {
		defer close(q)
		for i := 0; i < 30; i++ {
			q <- i
		}
	}()

	err := Optimize(context.Background(), Params{
		Fn: double, Queue: q, OutputDir: dir, NumWorkers: 3, ChunkSize: 4,
	})
	require.NoError(t, err)

	got := readAll(t, dir)
	require.Len(t, got, 30)
	seen := make([]int, 0, 30)
	for _, v := range got {
		seen = append(seen, v.(int)/2)
	}
	sort.Ints(seen)
	for i, v := range seen {
		assert.Equal(t, i, v)
	}
}

func TestOptimizeWorkerFailure(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("cannot process item 13")

	err := Optimize(context.Background(), Params{
		Fn: func(_ context.Context, item any, emit func(any) error) error {
			if item.(int) == 13 {
				return boom
			}
			return emit(item)
		},
		Inputs: intInputs(20), OutputDir: dir,
		NumWorkers: 4, ChunkSize: 2, KeepDataOrdered: true,
	})
	require.Error(t, err)

	var werr *WorkersError
	require.ErrorAs(t, err, &werr)
	assert.Contains(t, err.Error(), "we found the following errors during processing")
	assert.ErrorIs(t, err, boom)

	// Nothing was committed.
	assert.False(t, index.Exists(dir))
}

func TestOptimizeCheckpointResume(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	base := Params{
		Inputs: intInputs(10), OutputDir: dir,
		NumWorkers: 2, ChunkSize: 1, UseCheckpoint: true, KeepDataOrdered: true,
	}

	// Worker 0 owns items 0-4, worker 1 owns 5-9. The failure on
	// item 7 waits until worker 0 finished its last item so both
	// workers' checkpoint contents are deterministic.
	done4 := make(chan struct{})
	failing := base
	failing.Fn = func(_ context.Context, item any, emit func(any) error) error {
		switch item.(int) {
		case 4:
			defer close(done4)
		case 7:
			<-done4
			return errors.New("transient failure")
		}
		return emit(item.(int) * 10)
	}
	err := Optimize(ctx, failing)
	require.Error(t, err)

	// Checkpoints survive the failed run.
	_, statErr := os.Stat(filepath.Join(dir, checkpointDirName))
	require.NoError(t, statErr)

	var calls atomic.Int64
	fixed := base
	fixed.Fn = func(_ context.Context, item any, emit func(any) error) error {
		calls.Add(1)
		return emit(item.(int) * 10)
	}
	require.NoError(t, Optimize(ctx, fixed))

	// Worker 0 committed its whole shard (0-4) and worker 1 committed
	// 5 and 6 before failing, so only 7, 8, 9 are reprocessed.
	assert.EqualValues(t, 3, calls.Load())

	got := readAll(t, dir)
	require.Len(t, got, 10)
	for i, v := range got {
		assert.Equal(t, i*10, v)
	}

	// A successful run clears the checkpoints.
	_, statErr = os.Stat(filepath.Join(dir, checkpointDirName))
	assert.True(t, os.IsNotExist(statErr))
}

func TestOptimizeStaleCheckpointsDiscarded(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	failing := Params{
		Fn: func(_ context.Context, item any, emit func(any) error) error {
			if item.(int) == 3 {
				return errors.New("boom")
			}
			return emit(item)
		},
		Inputs: intInputs(6), OutputDir: dir,
		NumWorkers: 2, ChunkSize: 1, UseCheckpoint: true, KeepDataOrdered: true,
	}
	require.Error(t, Optimize(ctx, failing))

	// Different inputs: the stored checkpoints must not be reused.
	var calls atomic.Int64
	fresh := Params{
		Fn: func(_ context.Context, item any, emit func(any) error) error {
			calls.Add(1)
			return emit(item)
		},
		Inputs: intInputs(8), OutputDir: dir,
		NumWorkers: 2, ChunkSize: 1, UseCheckpoint: true, KeepDataOrdered: true,
	}
	require.NoError(t, Optimize(ctx, fresh))
	assert.EqualValues(t, 8, calls.Load())

	got := readAll(t, dir)
	assert.Len(t, got, 8)
}

func TestOptimizePublishesToRemote(t *testing.T) {
	work := t.TempDir()
	remote := t.TempDir()
	ctx := context.Background()

	err := Optimize(ctx, Params{
		Fn: double, Inputs: intInputs(8), OutputDir: work,
		NumWorkers: 2, ChunkSize: 2, KeepDataOrdered: true,
		Publisher:    storage.NewLocal(remote),
		NumUploaders: 2,
	})
	require.NoError(t, err)

	// The remote holds the canonical chunk set and index, with no
	// worker-local staging names left behind.
	got := readAll(t, remote)
	require.Len(t, got, 8)
	stale, err := filepath.Glob(filepath.Join(remote, "chunk-*-*.bin"))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestOptimizeStagesRemoteInputs(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.txt"), []byte("beta"), 0o644))

	dir := t.TempDir()
	err := Optimize(context.Background(), Params{
		Fn: func(_ context.Context, item any, emit func(any) error) error {
			data, err := os.ReadFile(item.(string))
			if err != nil {
				return err
			}
			return emit(string(data))
		},
		Inputs:          []any{"a.txt", "b.txt"},
		OutputDir:       dir,
		NumWorkers:      1,
		KeepDataOrdered: true,
		Fetcher:         storage.NewLocal(src),
		NumDownloaders:  2,
	})
	require.NoError(t, err)

	got := readAll(t, dir)
	assert.Equal(t, []any{"alpha", "beta"}, got)
}

func TestFingerprint(t *testing.T) {
	a := fingerprint(intInputs(10))
	assert.Equal(t, a, fingerprint(intInputs(10)))
	assert.NotEqual(t, a, fingerprint(intInputs(11)))
	assert.NotEqual(t, fingerprint(nil), a)
}

func TestMap(t *testing.T) {
	out := t.TempDir()
	err := Map(context.Background(), MapParams{
		Fn: func(_ context.Context, item any, _ func(any) error) error {
			name := fmt.Sprintf("out-%d.txt", item.(int))
			return os.WriteFile(filepath.Join(out, name), []byte("done"), 0o644)
		},
		Inputs:     intInputs(10),
		OutputDir:  out,
		NumWorkers: 3,
	})
	require.NoError(t, err)

	files, err := filepath.Glob(filepath.Join(out, "out-*.txt"))
	require.NoError(t, err)
	assert.Len(t, files, 10)
}

func TestMapRejectsEmit(t *testing.T) {
	err := Map(context.Background(), MapParams{
		Fn: func(_ context.Context, _ any, emit func(any) error) error {
			return emit("record")
		},
		Inputs:    intInputs(2),
		OutputDir: t.TempDir(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "map functions do not emit records")
}

func TestMapAggregatesFailures(t *testing.T) {
	boom := errors.New("bad input")
	err := Map(context.Background(), MapParams{
		Fn: func(_ context.Context, item any, _ func(any) error) error {
			if item.(int)%2 == 0 {
				return boom
			}
			return nil
		},
		Inputs:          intInputs(4),
		OutputDir:       t.TempDir(),
		NumWorkers:      4,
		KeepDataOrdered: true,
	})
	var werr *WorkersError
	require.ErrorAs(t, err, &werr)
	assert.ErrorIs(t, err, boom)
}
