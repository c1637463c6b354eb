package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haidar038/digifarm-sub002/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "advanced",
	Short:   "Inspect and manage the pending operation queue",
	Long: `Inspect the queue of local changes waiting to reach the server.

Every local create, update, and delete appends here and drains in order on
the next sync. Operations that exhausted their retries are dead-lettered
and kept for inspection; 'queue retry' puts one back in line.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		var states []queue.State
		if deadOnly, _ := cmd.Flags().GetBool("dead"); deadOnly {
			states = append(states, queue.StateDead)
		}
		ops, err := queue.List(cmd.Context(), a.db.Conn(), states...)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("Queue is empty")
			return nil
		}

		for _, op := range ops {
			line := fmt.Sprintf("%4d  %-36s %-8s %-10s %-36s %s",
				op.Seq, op.OpID, op.Kind, op.RecordType, op.RecordID, op.State)
			if op.AttemptCount > 0 {
				line += fmt.Sprintf("  (attempts: %d)", op.AttemptCount)
			}
			fmt.Println(line)
			if op.LastError != "" {
				fmt.Printf("      last error: %s\n", op.LastError)
			}
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <op-id>",
	Short: "Requeue a dead-lettered operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		if err := queue.RetryDead(cmd.Context(), a.db.Conn(), args[0]); err != nil {
			return fmt.Errorf("failed to retry %s: %w", args[0], err)
		}
		fmt.Printf("Requeued %s\n", args[0])
		return nil
	},
}

var queueExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the queue as YAML",
	Long: `Write the full pending queue to stdout (or --output) as YAML, for
debugging sync problems or attaching to a bug report.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		ops, err := queue.List(cmd.Context(), a.db.Conn())
		if err != nil {
			return err
		}

		type exportOp struct {
			Seq         int64  `yaml:"seq"`
			OpID        string `yaml:"op_id"`
			RecordType  string `yaml:"record_type"`
			RecordID    string `yaml:"record_id"`
			Kind        string `yaml:"kind"`
			Payload     string `yaml:"payload,omitempty"`
			BaseVersion int64  `yaml:"base_version"`
			State       string `yaml:"state"`
			Attempts    int    `yaml:"attempts,omitempty"`
			LastError   string `yaml:"last_error,omitempty"`
			CreatedAt   string `yaml:"created_at"`
		}
		export := make([]exportOp, 0, len(ops))
		for _, op := range ops {
			export = append(export, exportOp{
				Seq:         op.Seq,
				OpID:        op.OpID,
				RecordType:  string(op.RecordType),
				RecordID:    op.RecordID,
				Kind:        string(op.Kind),
				Payload:     string(op.Payload),
				BaseVersion: op.BaseVersion,
				State:       string(op.State),
				Attempts:    op.AttemptCount,
				LastError:   op.LastError,
				CreatedAt:   op.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			})
		}

		out := os.Stdout
		if path, _ := cmd.Flags().GetString("output"); path != "" {
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}

		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(export)
	},
}

func init() {
	queueListCmd.Flags().Bool("dead", false, "Show only dead-lettered operations")
	queueExportCmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueExportCmd)
	rootCmd.AddCommand(queueCmd)
}
