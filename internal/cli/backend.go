package cli

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/takedown/internal/backend"
)

// NewBackendCommand creates the backend command.
func NewBackendCommand(rootOpts *RootOptions) *cobra.Command {
	var listen, dsn string

	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Run the reference backend",
		Long: `Run the reference backend that scoring stations sync to.

The DSN selects the database: "sqlite://path" for SQLite, anything else is
passed to Postgres. Complete media recordings are collected on a schedule.

Examples:
  takedown backend
  takedown backend --dsn "postgres://takedown@localhost/takedown"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBackend(ctx, rootOpts, listen, dsn, cmd)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides backend.listen_addr)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "database DSN (overrides backend.dsn)")
	return cmd
}

func runBackend(ctx context.Context, opts *RootOptions, listen, dsn string, cmd *cobra.Command) error {
	logger := opts.formatter(cmd).Logger()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Backend.ListenAddr = listen
	}
	if dsn != "" {
		cfg.Backend.DSN = dsn
	}

	db, err := backend.OpenDB(cfg.Backend.DSN)
	if err != nil {
		return WrapExitError(ExitCommandError, "open backend database", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	finalizer := backend.NewFinalizer(db, nil, logger.With("component", "finalizer"))
	if err := finalizer.Start(ctx, cfg.Backend.FinalizeInterval); err != nil {
		return err
	}
	defer finalizer.Stop()

	ln, err := net.Listen("tcp", cfg.Backend.ListenAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, "listen", err)
	}
	logger.Info("backend listening", "addr", ln.Addr().String())

	srv := backend.NewServer(db, backend.WithLogger(logger.With("component", "backend")))
	return srv.Serve(ctx, ln)
}
