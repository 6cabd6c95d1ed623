package cmdutil

import (
	"bytes"
	"testing"

	"github.com/chunkstream/chunkstream/internal/cli/output"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintOutputFormats(t *testing.T) {
	table := output.NewTableData("NAME")
	table.AddRow("chunk-0.bin")
	data := []map[string]string{{"name": "chunk-0.bin"}}

	defer func() { Flags.Output = "" }()

	Flags.Output = "json"
	var buf bytes.Buffer
	require.NoError(t, PrintOutput(&buf, data, table))
	assert.JSONEq(t, `[{"name": "chunk-0.bin"}]`, buf.String())

	Flags.Output = "yaml"
	buf.Reset()
	require.NoError(t, PrintOutput(&buf, data, table))
	assert.Contains(t, buf.String(), "name: chunk-0.bin")

	Flags.Output = "table"
	buf.Reset()
	require.NoError(t, PrintOutput(&buf, data, table))
	assert.Contains(t, buf.String(), "NAME")
	assert.Contains(t, buf.String(), "chunk-0.bin")

	Flags.Output = "bogus"
	require.Error(t, PrintOutput(&buf, data, table))
}
