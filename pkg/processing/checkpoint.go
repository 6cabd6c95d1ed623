package processing

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/chunkstream/chunkstream/internal/logger"
	"github.com/chunkstream/chunkstream/pkg/index"
)

// checkpointDirName is created inside the working directory while a
// run is in flight and removed only after a fully successful commit.
const checkpointDirName = ".checkpoints"

// runConfig describes the run a set of checkpoints belongs to. A
// resume is only attempted when the stored config matches the new run;
// anything else means the checkpoints are stale and get discarded.
type runConfig struct {
	NumWorkers       int    `json:"num_workers"`
	Mode             string `json:"mode"`
	UseCheckpoint    bool   `json:"use_checkpoint"`
	InputFingerprint string `json:"input_fingerprint"`
}

// workerCheckpoint records a worker's durable progress: how many of
// its assigned inputs are fully contained in flushed chunks, and which
// chunk files those are.
type workerCheckpoint struct {
	Rank      int               `json:"rank"`
	Committed int               `json:"committed"`
	Chunks    []index.ChunkInfo `json:"chunks"`

	// Config snapshots the writer config, including the fixed data
	// format, so a resumed worker that gets no new inputs still
	// carries the format its chunks were written under.
	Config index.Config `json:"config"`
}

type checkpointer struct {
	dir string
}

func newCheckpointer(workDir string) *checkpointer {
	return &checkpointer{dir: filepath.Join(workDir, checkpointDirName)}
}

// init writes the run config, creating the checkpoint directory.
func (c *checkpointer) init(cfg runConfig) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint config: %w", err)
	}
	return writeFileAtomic(c.dir, "config.json", data)
}

// load returns the stored run config, or false when no checkpoint
// directory exists.
func (c *checkpointer) load() (runConfig, bool, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, "config.json"))
	if os.IsNotExist(err) {
		return runConfig{}, false, nil
	}
	if err != nil {
		return runConfig{}, false, fmt.Errorf("read checkpoint config: %w", err)
	}
	var cfg runConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return runConfig{}, false, fmt.Errorf("parse checkpoint config: %w", err)
	}
	return cfg, true, nil
}

// saveWorker persists one worker's progress. Called from the flush
// hook, so it must be cheap and crash-safe.
func (c *checkpointer) saveWorker(cp workerCheckpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode worker checkpoint: %w", err)
	}
	return writeFileAtomic(c.dir, fmt.Sprintf("worker-%d.json", cp.Rank), data)
}

// loadWorker returns a worker's stored progress, or a zero checkpoint
// when none exists.
func (c *checkpointer) loadWorker(rank int) (workerCheckpoint, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, fmt.Sprintf("worker-%d.json", rank)))
	if os.IsNotExist(err) {
		return workerCheckpoint{Rank: rank}, nil
	}
	if err != nil {
		return workerCheckpoint{}, fmt.Errorf("read worker checkpoint: %w", err)
	}
	var cp workerCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return workerCheckpoint{}, fmt.Errorf("parse worker checkpoint: %w", err)
	}
	return cp, nil
}

// clear removes the whole checkpoint directory. Called after a
// successful commit, or when stored checkpoints turn out stale.
func (c *checkpointer) clear() error {
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("remove checkpoint dir: %w", err)
	}
	return nil
}

// discardStale drops checkpoints whose run config no longer matches.
func (c *checkpointer) discardStale(want runConfig) (resume bool, err error) {
	stored, ok, err := c.load()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if stored == want {
		return true, nil
	}
	logger.Warn("discarding stale checkpoints",
		logger.KeyDir, c.dir,
		logger.KeyMode, stored.Mode)
	return false, c.clear()
}

// fingerprint computes a cheap identity for a finite input list:
// length plus the rendered first and last items. It does not detect
// every change, but it catches the common resume-with-different-inputs
// mistakes without hashing the full input set.
func fingerprint(inputs []any) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d", len(inputs))
	if len(inputs) > 0 {
		fmt.Fprintf(h, "|%v|%v", inputs[0], inputs[len(inputs)-1])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// writeFileAtomic writes data under dir/name via a temp file rename.
func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}
