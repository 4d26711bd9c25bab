package main

import (
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/hmsync/wardsync/internal/devserver"
)

// Environment variable for the devserver bearer token, so it stays out of
// shell history.
const envDevserverToken = "WARDSYNC_DEVSERVER_TOKEN"

func newDevserverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a reference sync server for development and testing",
		Long: `Serve the sync protocol from a local database: optimistic versions per
record, an ordered change feed for pulls, websocket change notifications and
Prometheus metrics on /metrics.

--dsn is a SQLite file path, or a postgres:// URL for PostgreSQL.`,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		Args:        cobra.NoArgs,
		RunE:        runDevserver,
	}

	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().String("dsn", "wardsync-server.db", "database: SQLite path or postgres:// URL")
	cmd.Flags().String("token", "", "bearer token clients must send (default $"+envDevserverToken+")")

	return cmd
}

func runDevserver(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	addr, _ := cmd.Flags().GetString("addr")
	dsn, _ := cmd.Flags().GetString("dsn")
	token, _ := cmd.Flags().GetString("token")

	if token == "" {
		token = os.Getenv(envDevserverToken)
	}

	// The server logs requests at Info; bootstrapLogger defaults to Warn.
	logger := cc.Logger
	if !cc.Flags.Quiet && !cc.Flags.Debug {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	ctx := shutdownContext(cmd.Context(), logger)

	store, err := devserver.OpenStore(ctx, dsn, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	if token == "" {
		logger.Warn("devserver running without authentication")
	}

	srv := devserver.New(store, devserver.Options{Token: token, Logger: logger, Registry: reg})

	return srv.ListenAndServe(ctx, addr)
}
