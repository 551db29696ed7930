package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("status"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := st.Stats(ctx)
		if err != nil {
			return eris.Wrap(err, "read stats")
		}

		p := message.NewPrinter(language.English)
		p.Printf("campaigns:        %d (%d active)\n", stats.Campaigns, stats.ActiveCampaigns)
		p.Printf("killmails:        %d (%d global scope)\n", stats.Killmails, stats.GlobalKillmails)
		p.Printf("total value:      %.2f ISK\n", stats.TotalValue)
		p.Printf("repair candidates: %d\n", stats.RepairNeeded)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
