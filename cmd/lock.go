package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect or clear the run lock",
}

var lockShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current run lock holder",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		_, kv, err := initLock()
		if err != nil {
			return err
		}
		defer kv.Close() //nolint:errcheck

		holder, err := kv.Get(ctx, cfg.Redis.LockKey)
		if err != nil {
			return eris.Wrap(err, "read lock")
		}
		if holder == "" {
			fmt.Println("lock is free")
			return nil
		}
		fmt.Printf("lock held by %s\n", holder)
		return nil
	},
}

var lockClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forcibly clear the run lock",
	Long:  "Removes the run lock regardless of holder. Only use this when a crashed run left the lock behind; clearing a live run's lock lets two pulls interleave.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		lock, kv, err := initLock()
		if err != nil {
			return err
		}
		defer kv.Close() //nolint:errcheck

		cleared, err := lock.ForceClear(ctx)
		if err != nil {
			return eris.Wrap(err, "clear lock")
		}
		if cleared {
			fmt.Println("lock cleared")
		} else {
			fmt.Println("lock was not held")
		}
		return nil
	},
}

func init() {
	lockCmd.AddCommand(lockShowCmd)
	lockCmd.AddCommand(lockClearCmd)
	rootCmd.AddCommand(lockCmd)
}
