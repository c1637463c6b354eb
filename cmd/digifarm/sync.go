package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Drain the pending queue once",
	Long: `Push all queued local changes to the server in one pass.

Operations replay in the order they were made. The pass stops early if the
network drops; conflicted records are skipped and surfaced for resolution
with 'digifarm conflicts'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		fetch, _ := cmd.Flags().GetBool("fetch")
		if fetch {
			fmt.Println("Fetching remote collections...")
			if err := a.engine.FullFetch(cmd.Context()); err != nil {
				return err
			}
		}

		res, err := a.engine.Sync(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Confirmed: %d\n", res.Confirmed)
		if res.Conflicts > 0 {
			fmt.Printf("Conflicts: %d (run 'digifarm conflicts' to resolve)\n", res.Conflicts)
		}
		if res.Dead > 0 {
			fmt.Printf("Failed permanently: %d (run 'digifarm queue list --dead' to inspect)\n", res.Dead)
		}
		if res.Transient {
			fmt.Printf("Network unavailable; %d operations still pending (retry in %s)\n",
				res.Remaining, res.RetryAfter.Round(time.Second))
		} else if res.Remaining > 0 {
			fmt.Printf("Still pending: %d\n", res.Remaining)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("fetch", false, "Pull all remote collections into the mirror first")
	rootCmd.AddCommand(syncCmd)
}
