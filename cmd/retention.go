package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Delete global-scope killmails older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("retention"); err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		deleted, err := env.Pipeline.Retention(ctx)
		if err != nil {
			return eris.Wrap(err, "retention")
		}

		fmt.Printf("deleted %d killmails\n", deleted)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(retentionCmd)
}
