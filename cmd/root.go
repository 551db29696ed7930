package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/evetrack/killfeed/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "killfeed",
	Short: "Killmail ingestion and campaign matching engine",
	Long:  "Pulls killmails from the zKillboard feed, completes them against ESI, matches them to campaign definitions, and persists denormalized records.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
