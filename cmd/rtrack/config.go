package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jefgrailet/rtrack/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Manage rtrack's configuration file.

Commands:
  rtrack config --init     Create default config file
  rtrack config --show     Show an example configuration
  rtrack config --path     Show config file path`,
	RunE: runConfig,
}

var (
	configInit bool
	configShow bool
	configPath bool
)

func init() {
	configCmd.Flags().BoolVar(&configInit, "init", false, "Create default config file")
	configCmd.Flags().BoolVar(&configShow, "show", false, "Show an example configuration")
	configCmd.Flags().BoolVar(&configPath, "path", false, "Show config file path")
}

func runConfig(cmd *cobra.Command, args []string) error {
	if configPath {
		fmt.Println(config.GetConfigPath())
		return nil
	}

	if configInit {
		path := config.GetConfigPath()
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}

		def := config.DefaultConfig()
		if err := def.Save(); err != nil {
			return fmt.Errorf("failed to create config: %w", err)
		}
		fmt.Printf("Created config file: %s\n", path)
		return nil
	}

	if configShow {
		fmt.Println(config.GenerateExample())
		return nil
	}

	return cmd.Help()
}
