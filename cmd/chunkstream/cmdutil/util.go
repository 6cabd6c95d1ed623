// Package cmdutil provides shared utilities for chunkstream commands.
package cmdutil

import (
	"io"

	"github.com/chunkstream/chunkstream/internal/cli/output"
)

// Flags stores global flag values accessible by subcommands.
var Flags = &GlobalFlags{}

// GlobalFlags holds the global flag values.
type GlobalFlags struct {
	Output  string
	Yes     bool
	Verbose bool
}

// GetOutputFormatParsed returns the parsed output format.
func GetOutputFormatParsed() (output.Format, error) {
	return output.ParseFormat(Flags.Output)
}

// AssumeYes returns whether prompts should be skipped.
func AssumeYes() bool {
	return Flags.Yes
}

// PrintOutput prints data in the selected format. For table format the
// tableRenderer is used; for JSON and YAML data is marshaled directly.
func PrintOutput(w io.Writer, data any, tableRenderer output.TableRenderer) error {
	format, err := GetOutputFormatParsed()
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(w, data)
	case output.FormatYAML:
		return output.PrintYAML(w, data)
	default:
		return output.PrintTable(w, tableRenderer)
	}
}
