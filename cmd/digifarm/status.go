package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync status",
	Long: `Display the state of the local mirror and the pending queue.

Shows:
  - Local database location
  - Number of pending operations
  - Surfaced conflicts and dead-lettered operations
  - Last successful sync time`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		pending, err := a.engine.PendingCount(ctx)
		if err != nil {
			return err
		}
		conflicts, err := a.engine.Conflicts(ctx)
		if err != nil {
			return err
		}
		dead, err := a.engine.DeadLetters(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Database:  %s\n", a.db.Path())
		fmt.Printf("Pending:   %d\n", pending)
		fmt.Printf("Conflicts: %d\n", len(conflicts))
		fmt.Printf("Dead:      %d\n", len(dead))

		if last := a.engine.LastSync(); last.IsZero() {
			fmt.Println("Last sync: never (this session)")
		} else {
			fmt.Printf("Last sync: %s\n", last.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
