package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/roach88/takedown/internal/agent"
	"github.com/roach88/takedown/internal/rules"
	"github.com/roach88/takedown/internal/session"
	"github.com/roach88/takedown/internal/store"
	"github.com/roach88/takedown/internal/transport"
)

const shutdownTimeout = 10 * time.Second

// NewAgentCommand creates the agent command.
func NewAgentCommand(rootOpts *RootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the scoring station",
		Long: `Run the scoring station: the match engine, the local store, the sync
queue and the operator API with its live websocket feed.

A match that was live when the station stopped is restored with its clock
paused.

Examples:
  takedown agent
  takedown agent --config station.yaml --listen 0.0.0.0:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, rootOpts, listen, cmd)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides agent.listen_addr)")
	return cmd
}

func runAgent(ctx context.Context, opts *RootOptions, listen string, cmd *cobra.Command) error {
	logger := opts.formatter(cmd).Logger()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Agent.ListenAddr = listen
	}

	rs := rules.Folkstyle()
	if cfg.Agent.RulesFile != "" {
		if rs, err = rules.Load(cfg.Agent.RulesFile); err != nil {
			return WrapExitError(ExitCommandError, "load ruleset", err)
		}
	}

	st, err := store.Open(cfg.Agent.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "open station store", err)
	}
	sender, err := newSender(ctx, cfg, st)
	if err != nil {
		st.Close()
		return WrapExitError(ExitCommandError, "configure media storage", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sess, err := session.New(sessionConfig(cfg), session.Deps{
		Store:      st,
		Sender:     sender,
		Prober:     transport.NewHTTPProber(cfg.Agent.BackendURL, cfg.Agent.RequestTimeout),
		Rules:      rs,
		Logger:     logger,
		Registerer: reg,
	})
	if err != nil {
		st.Close()
		return err
	}
	if err := sess.Init(ctx); err != nil {
		sess.Shutdown(context.Background())
		return WrapExitError(ExitCommandError, "restore station", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	ran := make(chan error, 1)
	go func() { ran <- sess.Run(runCtx) }()

	srv := agent.New(sess,
		agent.WithLogger(logger.With("component", "agent")),
		agent.WithGatherer(reg),
	)
	serveErr := srv.ListenAndServe(ctx, cfg.Agent.ListenAddr)

	cancelRun()
	if err := <-ran; err != nil && !errors.Is(err, context.Canceled) && serveErr == nil {
		serveErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := sess.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	if serveErr == nil {
		logger.Info("agent stopped")
	}
	return serveErr
}
