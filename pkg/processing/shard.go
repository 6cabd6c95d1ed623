package processing

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"

	"github.com/chunkstream/chunkstream/pkg/storage"
)

// shardBounds returns the [start, end) slice of a contiguous static
// shard: the first n%numWorkers ranks get one extra item so shard
// sizes differ by at most one.
func shardBounds(n, numWorkers, rank int) (start, end int) {
	base := n / numWorkers
	rem := n % numWorkers
	start = rank*base + min(rank, rem)
	end = start + base
	if rank < rem {
		end++
	}
	return start, end
}

// resolver materializes remote input references. When a Fetcher is
// configured, string items are treated as file names relative to it:
// the file is downloaded into a local staging directory and the local
// path is handed to the user function. Everything else passes through
// untouched.
type resolver struct {
	fetcher storage.Fetcher
	dir     string

	mu      sync.Mutex
	fetched map[string]string
}

func newResolver(fetcher storage.Fetcher, dir string) *resolver {
	return &resolver{fetcher: fetcher, dir: dir, fetched: make(map[string]string)}
}

func (r *resolver) resolve(ctx context.Context, item any) (any, error) {
	name, ok := item.(string)
	if !ok || r.fetcher == nil {
		return item, nil
	}

	r.mu.Lock()
	path, done := r.fetched[name]
	r.mu.Unlock()
	if done {
		return path, nil
	}

	data, err := r.fetcher.Fetch(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("download input %s: %w", name, err)
	}

	// Flatten the name so nested input paths land as flat files.
	h := fnv.New64a()
	h.Write([]byte(name))
	local := fmt.Sprintf("%016x-%s", h.Sum64(), filepath.Base(name))
	path = filepath.Join(r.dir, local)
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create input dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("stage input %s: %w", name, err)
	}

	r.mu.Lock()
	r.fetched[name] = path
	r.mu.Unlock()
	return path, nil
}

// pending is one input travelling through the downloader stage. The
// consumer blocks on ready, so results come out in submission order
// even though downloads run in parallel.
type pending struct {
	item     any
	ready    chan struct{}
	resolved any
	err      error
}

// orderedPrefetch runs up to parallel downloads ahead of the consumer
// while preserving input order. The returned channel yields each input
// exactly once, in order; the consumer must wait on ready.
func orderedPrefetch(ctx context.Context, items []any, res *resolver, parallel int) <-chan *pending {
	if parallel < 1 {
		parallel = 1
	}
	out := make(chan *pending, parallel)
	work := make(chan *pending, parallel)

	var wg sync.WaitGroup
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range work {
				p.resolved, p.err = res.resolve(ctx, p.item)
				close(p.ready)
			}
		}()
	}

	go func() {
		// LIFO: close work first so the downloaders drain and exit,
		// then wait for them, then release the consumer.
		defer close(out)
		defer wg.Wait()
		defer close(work)
		for _, item := range items {
			p := &pending{item: item, ready: make(chan struct{})}
			select {
			case work <- p:
			case <-ctx.Done():
				close(p.ready)
				return
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// unorderedPrefetch resolves inputs from in with parallel downloaders
// and fans the results out to all workers on the returned channel.
// Ordering is whatever completes first.
func unorderedPrefetch(ctx context.Context, in <-chan any, res *resolver, parallel int) <-chan *pending {
	if parallel < 1 {
		parallel = 1
	}
	out := make(chan *pending)

	var wg sync.WaitGroup
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case item, ok := <-in:
					if !ok {
						return
					}
					p := &pending{item: item, ready: make(chan struct{})}
					p.resolved, p.err = res.resolve(ctx, item)
					close(p.ready)
					select {
					case out <- p:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
