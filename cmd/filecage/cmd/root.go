package cmd

import (
	"github.com/spf13/cobra"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "filecage",
	Short: "filecage - Isolated file-analysis execution engine",
	Long:  `filecage analyzes untrusted files inside locked-down containers: no network, read-only root filesystem, bounded memory, CPU and wall time. The host never parses artifact bytes itself.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Path to config file (default ~/.filecage/config.json)")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
