package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/chunkstream/chunkstream/cmd/chunkstream/cmdutil"
	"github.com/chunkstream/chunkstream/internal/bytesize"
	"github.com/chunkstream/chunkstream/internal/cli/output"
	"github.com/chunkstream/chunkstream/pkg/index"
	"github.com/spf13/cobra"
)

var inspectChunks bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <location>",
	Short: "Show a dataset's index summary",
	Long: `Show the committed index of a chunked dataset.

The location can be a local directory or an s3:// URI.

Examples:
  # Summarize a local dataset
  chunkstream inspect /data/tokenized

  # Include the per-chunk listing
  chunkstream inspect /data/tokenized --chunks

  # Dump the full index as JSON
  chunkstream inspect s3://bucket/datasets/tokenized -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectChunks, "chunks", false, "List every chunk in the dataset")
}

// chunkList renders index chunk entries as a table.
type chunkList []index.ChunkInfo

// Headers implements TableRenderer.
func (cl chunkList) Headers() []string {
	return []string{"FILENAME", "ITEMS", "BYTES", "OFFSET START"}
}

// Rows implements TableRenderer.
func (cl chunkList) Rows() [][]string {
	rows := make([][]string, 0, len(cl))
	for _, c := range cl {
		rows = append(rows, []string{
			c.Filename,
			strconv.Itoa(c.ChunkSize),
			bytesize.ByteSize(c.ChunkBytes).String(),
			strconv.Itoa(c.OffsetStart),
		})
	}
	return rows
}

// loadIndex fetches and decodes a dataset index from a local directory
// or an s3:// URI.
func loadIndex(ctx context.Context, location string) (*index.Index, error) {
	store, err := resolveStore(ctx, location)
	if err != nil {
		return nil, err
	}
	data, err := store.Fetch(ctx, index.Filename)
	if err != nil {
		return nil, fmt.Errorf("load index from %s: %w", location, err)
	}
	return index.Decode(data)
}

func runInspect(cmd *cobra.Command, args []string) error {
	location := args[0]

	idx, err := loadIndex(cmd.Context(), location)
	if err != nil {
		return err
	}

	format, err := cmdutil.GetOutputFormatParsed()
	if err != nil {
		return err
	}
	if format != output.FormatTable {
		return cmdutil.PrintOutput(os.Stdout, idx, nil)
	}

	var totalBytes uint64
	for _, c := range idx.Chunks {
		totalBytes += c.ChunkBytes
	}

	cfg := idx.Config
	pairs := [][2]string{
		{"Location", location},
		{"Items", strconv.Itoa(idx.Len())},
		{"Chunks", strconv.Itoa(len(idx.Chunks))},
		{"Total bytes", bytesize.ByteSize(totalBytes).String()},
		{"Chunk size limit", orDash(itoaNonZero(cfg.ChunkSize))},
		{"Chunk bytes limit", orDash(bytesNonZero(cfg.ChunkBytes))},
		{"Data format", orDash(strings.Join(cfg.DataFormat, ", "))},
		{"Field names", orDash(strings.Join(cfg.FieldNames, ", "))},
		{"Compression", orDash(cfg.Compression)},
		{"Encryption", describeEncryption(idx)},
		{"Updated at", idx.UpdatedAt.Format("2006-01-02 15:04:05 MST")},
	}
	if err := output.SimpleTable(os.Stdout, pairs); err != nil {
		return err
	}

	if inspectChunks && len(idx.Chunks) > 0 {
		fmt.Println()
		return output.PrintTable(os.Stdout, chunkList(idx.Chunks))
	}
	return nil
}

func describeEncryption(idx *index.Index) string {
	if idx.Config.Encryption == nil {
		return "none"
	}
	return fmt.Sprintf("%s (%s level)", idx.Config.Encryption.Algorithm, idx.Config.Encryption.Level)
}

func itoaNonZero(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func bytesNonZero(n uint64) string {
	if n == 0 {
		return ""
	}
	return bytesize.ByteSize(n).String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
