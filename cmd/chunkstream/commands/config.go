package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/chunkstream/chunkstream/cmd/chunkstream/cmdutil"
	"github.com/chunkstream/chunkstream/internal/cli/prompt"
	"github.com/chunkstream/chunkstream/pkg/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the chunkstream configuration file",
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the default configuration file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(config.GetDefaultConfigPath())
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file populated with defaults",
	Long: `Write a configuration file populated with defaults.

Without --path the file is written to the default location. An existing
file is only replaced after confirmation; pass --yes to skip the
prompt.`,
	RunE: runConfigInit,
}

var configInitPath string

func init() {
	configInitCmd.Flags().StringVar(&configInitPath, "path", "", "Where to write the config file (default: default location)")

	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configInitPath
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil {
		ok, err := prompt.ConfirmWithForce(
			fmt.Sprintf("Config file %s already exists. Replace it?", path),
			cmdutil.AssumeYes())
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("config init cancelled")
		}
	}

	if err := config.Save(config.GetDefaultConfig(), path); err != nil {
		return err
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	return nil
}
