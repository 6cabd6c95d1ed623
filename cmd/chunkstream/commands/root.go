// Package commands implements the CLI commands for the chunkstream tool.
package commands

import (
	"context"

	"github.com/chunkstream/chunkstream/cmd/chunkstream/cmdutil"
	"github.com/chunkstream/chunkstream/internal/logger"
	"github.com/chunkstream/chunkstream/pkg/config"
	"github.com/chunkstream/chunkstream/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// cfg is the loaded configuration, populated before any subcommand
// runs.
var cfg = config.GetDefaultConfig()

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "chunkstream",
	Short: "Inspect and manage chunked datasets",
	Long: `chunkstream is the command-line tool for working with chunked datasets.

Use it to inspect dataset indexes, validate chunk files against their
index, and merge multiple datasets into one. Dataset locations can be
local directories or s3:// URIs.

Use "chunkstream [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cmdutil.Flags.Output, _ = cmd.Flags().GetString("output")
		cmdutil.Flags.Yes, _ = cmd.Flags().GetBool("yes")
		cmdutil.Flags.Verbose, _ = cmd.Flags().GetBool("verbose")

		configPath, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		level := cfg.Logging.Level
		if cmdutil.Flags.Verbose {
			level = "DEBUG"
		}
		return logger.Init(logger.Config{
			Level:  level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		})
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with the given context.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// resolveStore turns a dataset location into a store, applying the
// configured S3 client settings to s3:// URIs.
func resolveStore(ctx context.Context, location string) (storage.Store, error) {
	if !storage.IsRemote(location) {
		return storage.NewLocal(location), nil
	}
	sc, err := cfg.StoreConfig(location)
	if err != nil {
		return nil, err
	}
	return storage.NewS3FromConfig(ctx, sc)
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/chunkstream/config.yaml)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format (table|json|yaml)")
	rootCmd.PersistentFlags().BoolP("yes", "y", false, "Skip confirmation prompts")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(mergeCmd)
}
