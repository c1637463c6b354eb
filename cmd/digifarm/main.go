// Command digifarm is the offline-first client for the digifarm data API.
//
// It keeps a local SQLite mirror of the user's lands, productions, and
// activities, queues every local change, and reconciles the queue against
// the remote whenever connectivity allows. One-shot commands (add, sync,
// status, queue, conflicts, plan) work against the mirror; the daemon
// command keeps everything reconciled continuously.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haidar038/digifarm-sub002/internal/config"
	"github.com/haidar038/digifarm-sub002/internal/engine"
	"github.com/haidar038/digifarm-sub002/internal/logging"
	"github.com/haidar038/digifarm-sub002/internal/queue"
	"github.com/haidar038/digifarm-sub002/internal/store"
	"github.com/haidar038/digifarm-sub002/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:   "digifarm",
	Short: "Offline-first client for the digifarm farm-management API",
	Long: `digifarm keeps a local mirror of your farm data and syncs it with the
remote API when a connection is available.

All commands read and write the local mirror first, so they work without a
network. Changes queue up and drain to the server on the next sync.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.digifarm/config.yaml)")
	rootCmd.PersistentFlags().String("db", "", "Local database path (overrides config)")
	rootCmd.PersistentFlags().Bool("quiet", false, "Suppress log output on stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Record Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the wired-up pieces one command invocation needs.
type app struct {
	cfg    *config.Config
	sink   *logging.Sink
	db     *store.DB
	engine *engine.Engine
}

// openApp loads config and opens the mirror and engine. Callers must call
// close when done.
func openApp(cmd *cobra.Command) (*app, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if dbPath, _ := cmd.Flags().GetString("db"); dbPath != "" {
		cfg.DB.Path = dbPath
	}

	quiet, _ := cmd.Flags().GetBool("quiet")
	sink, err := logging.NewSink(logging.Options{
		Path:       cfg.Log.Path,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Quiet:      quiet,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log sink: %w", err)
	}

	db, err := store.Open(cfg.DB.Path)
	if err != nil {
		sink.Close()
		return nil, err
	}
	if err := db.InitSchema(cmd.Context()); err != nil {
		db.Close()
		sink.Close()
		return nil, err
	}

	remote := transport.NewREST(transport.RESTConfig{
		BaseURL: cfg.Remote.URL,
		APIKey:  cfg.Remote.APIKey,
	})

	eng, err := engine.New(db, engine.Options{
		Transport: remote,
		Drain: queue.DrainConfig{
			CallTimeout: cfg.Remote.Timeout,
			MaxAttempts: cfg.Sync.MaxAttempts,
			BackoffBase: cfg.Sync.BackoffBase,
			BackoffMax:  cfg.Sync.BackoffMax,
			Logger:      sink.Logger("drain"),
		},
		DebounceInterval:   cfg.Sync.Debounce,
		FullFetchOnConnect: cfg.Sync.FullFetch,
		Logger:             sink.Logger("engine"),
	})
	if err != nil {
		db.Close()
		sink.Close()
		return nil, err
	}

	return &app{cfg: cfg, sink: sink, db: db, engine: eng}, nil
}

func (a *app) close() {
	_ = a.engine.Close()
	_ = a.sink.Close()
}
