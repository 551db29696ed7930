package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/evetrack/killfeed/internal/pipeline"
)

var (
	pullPastSeconds int64
	pullBackfill    bool
	pullForce       bool
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Run one ingestion pass over all active campaigns",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("pull"); err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if pullForce {
			cleared, err := env.Lock.ForceClear(ctx)
			if err != nil {
				return eris.Wrap(err, "clear run lock")
			}
			if cleared {
				zap.L().Warn("run lock cleared by --force")
			}
		}

		report, err := env.Pipeline.Pull(ctx, pipeline.PullOptions{
			PastSeconds: pullPastSeconds,
			Backfill:    pullBackfill,
		})
		if err != nil {
			return eris.Wrap(err, "pull")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	pullCmd.Flags().Int64Var(&pullPastSeconds, "past-seconds", 0, "pull a fixed recent window instead of since start of today")
	pullCmd.Flags().BoolVar(&pullBackfill, "backfill", false, "walk every entity back to its campaign start")
	pullCmd.Flags().BoolVar(&pullForce, "force", false, "clear a held run lock before starting")
	rootCmd.AddCommand(pullCmd)
}
