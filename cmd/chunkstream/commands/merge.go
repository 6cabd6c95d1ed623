package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/chunkstream/chunkstream/cmd/chunkstream/cmdutil"
	"github.com/chunkstream/chunkstream/internal/cli/prompt"
	"github.com/chunkstream/chunkstream/pkg/dataset"
	"github.com/chunkstream/chunkstream/pkg/index"
	"github.com/spf13/cobra"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <output> <input>...",
	Short: "Merge datasets into one",
	Long: `Merge two or more committed datasets into a single dataset at output.

All inputs must share the same data format, compression, and encryption
settings. Inputs are left untouched. If the output already contains a
dataset, the command asks before replacing it; pass --yes to skip the
prompt.

Examples:
  # Merge two local shards
  chunkstream merge /data/full /data/shard-0 /data/shard-1

  # Merge into a bucket without prompting
  chunkstream merge s3://bucket/full /data/shard-0 /data/shard-1 --yes`,
	Args: cobra.MinimumNArgs(2),
	RunE: runMerge,
}

func runMerge(cmd *cobra.Command, args []string) error {
	out, inputs := args[0], args[1:]
	ctx := cmd.Context()

	resolve := dataset.WithStoreResolver(resolveStore)

	err := dataset.Merge(ctx, inputs, out, resolve)
	if errors.Is(err, dataset.ErrOutputNotEmpty) {
		ok, perr := prompt.ConfirmWithForce(
			fmt.Sprintf("Output %s already contains a dataset. Replace it?", out),
			cmdutil.AssumeYes())
		if perr != nil {
			return perr
		}
		if !ok {
			return errors.New("merge cancelled")
		}
		if err := removeDataset(ctx, out); err != nil {
			return fmt.Errorf("remove existing dataset at %s: %w", out, err)
		}
		err = dataset.Merge(ctx, inputs, out, resolve)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Merged %d datasets into %s.\n", len(inputs), out)
	return nil
}

// removeDataset deletes a committed dataset's chunk files and index.
// Anything else at the location is left alone.
func removeDataset(ctx context.Context, location string) error {
	store, err := resolveStore(ctx, location)
	if err != nil {
		return err
	}
	data, err := store.Fetch(ctx, index.Filename)
	if err != nil {
		return err
	}
	idx, err := index.Decode(data)
	if err != nil {
		return err
	}
	for _, c := range idx.Chunks {
		if err := store.Delete(ctx, c.Filename); err != nil {
			return err
		}
	}
	return store.Delete(ctx, index.Filename)
}
