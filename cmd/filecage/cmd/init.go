package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hkuds/filecage/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  "Write a default configuration to ~/.filecage/config.json. Does nothing if the file already exists.",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	if config.Exists("") {
		fmt.Printf("Config already exists at %s\n", config.GetConfigPath())
		return nil
	}

	if err := config.InitConfig(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Wrote default config to %s\n", config.GetConfigPath())
	return nil
}
