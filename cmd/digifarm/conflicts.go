package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haidar038/digifarm-sub002/internal/engine"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "List and resolve sync conflicts",
	Long: `Work with records whose local edit collided with a newer server copy.

A conflict pauses syncing for that record only; everything else keeps
draining. Resolve each one by keeping your edit (accept-local) or taking
the server copy (accept-remote).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		conflicts, err := a.engine.Conflicts(cmd.Context())
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Println("No conflicts")
			return nil
		}

		for _, c := range conflicts {
			fmt.Printf("%s  %s %s (remote v%d, detected %s)\n",
				c.OpID, c.RecordType, c.RecordID, c.RemoteVersion,
				c.DetectedAt.Format("2006-01-02 15:04"))
			if len(c.Diff) > 0 && string(c.Diff) != "{}" {
				fmt.Printf("    changed remotely: %s\n", c.Diff)
			}
		}
		fmt.Printf("\nResolve with: digifarm conflicts resolve <op-id> --accept-local|--accept-remote\n")
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <op-id>",
	Short: "Resolve one conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		local, _ := cmd.Flags().GetBool("accept-local")
		remote, _ := cmd.Flags().GetBool("accept-remote")
		if local == remote {
			return fmt.Errorf("pass exactly one of --accept-local or --accept-remote")
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		r := engine.ResolutionAcceptLocal
		if remote {
			r = engine.ResolutionAcceptRemote
		}
		if err := a.engine.Resolve(cmd.Context(), args[0], r); err != nil {
			return err
		}
		fmt.Printf("Resolved %s (%s)\n", args[0], r)

		if local {
			fmt.Println("Local edit requeued; run 'digifarm sync' to push it")
		}
		return nil
	},
}

func init() {
	conflictsResolveCmd.Flags().Bool("accept-local", false, "Keep the local edit and resubmit it")
	conflictsResolveCmd.Flags().Bool("accept-remote", false, "Discard the local edit and take the server copy")

	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
