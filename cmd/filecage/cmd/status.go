package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hkuds/filecage/internal/config"
	"github.com/hkuds/filecage/internal/sandbox"
	"github.com/hkuds/filecage/internal/tui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and runtime status",
	Long:  "Display the current filecage configuration, isolation limits, and container runtime reachability.",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFlag)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := cfg.Logger()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	pool := sandbox.NewPool(cfg.PoolConfig(), log)
	defer pool.Close()

	_ = pool.Ping(cmd.Context())

	return tui.ShowStatus(cfg, pool.Stats())
}
