package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haidar038/digifarm-sub002/internal/dashboard"
	"github.com/haidar038/digifarm-sub002/internal/realtime"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon",
	Long: `Run the long-lived sync daemon.

The daemon subscribes to the server's change feed, applies incoming changes
to the local mirror, and drains the pending queue whenever local writes
accumulate or connectivity returns. With --dashboard it also serves a local
WebSocket status endpoint.

Example usage:
  digifarm daemon                  # Sync until interrupted
  digifarm daemon --dashboard      # Also serve the status dashboard

Press Ctrl+C to stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		if a.cfg.Realtime.URL == "" {
			return fmt.Errorf("realtime.url is not configured; the daemon needs the change feed endpoint")
		}

		sub, err := realtime.NewSubscriber(realtime.Config{
			URL:           a.cfg.Realtime.URL,
			APIKey:        a.cfg.Remote.APIKey,
			ReconnectBase: a.cfg.Realtime.ReconnectBase,
			ReconnectMax:  a.cfg.Realtime.ReconnectMax,
			Logger:        a.sink.Logger("feed"),
		}, a.engine)
		if err != nil {
			return err
		}
		a.engine.SetConnectivity(sub)

		wantDash, _ := cmd.Flags().GetBool("dashboard")
		if wantDash || a.cfg.Dashboard.Enabled {
			srv := dashboard.NewServer(a.engine, &dashboard.Config{
				Port:   a.cfg.Dashboard.Port,
				Logger: a.sink.Logger("dashboard"),
			})
			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
			defer func() {
				if err := srv.Stop(); err != nil {
					fmt.Fprintf(os.Stderr, "Error during dashboard shutdown: %v\n", err)
				}
			}()
			fmt.Printf("Dashboard: http://%s/\n", srv.GetAddr())
		}

		sub.Start()
		defer sub.Stop()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("Sync daemon running (db: %s)\n", a.db.Path())
		err = a.engine.Run(ctx)
		if errors.Is(err, context.Canceled) {
			fmt.Println("\nShutting down...")
			return nil
		}
		return err
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the local status dashboard")
	rootCmd.AddCommand(daemonCmd)
}
