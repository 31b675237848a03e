package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/takedown/internal/config"
	"github.com/roach88/takedown/internal/outbox"
	"github.com/roach88/takedown/internal/store"
	"github.com/roach88/takedown/internal/transport"
)

// QueueOptions holds flags shared by the queue subcommands.
type QueueOptions struct {
	*RootOptions
	DBPath string
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the sync queue",
		Long: `Inspect and repair a station's sync queue.

Run these against a stopped station, or against a copy of its database.`,
	}
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "station database (overrides agent.db_path)")

	cmd.AddCommand(newQueueStatusCommand(opts))
	cmd.AddCommand(newQueueFailedCommand(opts))
	cmd.AddCommand(newQueueRetryCommand(opts))
	cmd.AddCommand(newQueuePruneCommand(opts))
	cmd.AddCommand(newQueueDrainCommand(opts))
	return cmd
}

// withQueue opens the station store and runs fn against its queue.
func (o *QueueOptions) withQueue(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, st *store.Store, q *outbox.Queue) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	if o.DBPath != "" {
		cfg.Agent.DBPath = o.DBPath
	}

	st, err := store.Open(cfg.Agent.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "open station store", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sender, err := newSender(ctx, cfg, st)
	if err != nil {
		return WrapExitError(ExitCommandError, "configure media storage", err)
	}
	monitor := transport.NewMonitor(
		transport.NewHTTPProber(cfg.Agent.BackendURL, cfg.Agent.RequestTimeout), nil, o.formatter(cmd).Logger())
	q := outbox.New(st, sender,
		outbox.WithConfig(queueConfig(cfg)),
		outbox.WithLogger(o.formatter(cmd).Logger()),
		outbox.WithConnectivity(monitor),
	)
	if cmd.Name() == "status" || cmd.Name() == "drain" {
		monitor.Check(ctx)
	}
	return fn(ctx, cfg, st, q)
}

func newQueueStatusCommand(opts *QueueOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and backend reachability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withQueue(cmd, func(ctx context.Context, _ *config.Config, _ *store.Store, q *outbox.Queue) error {
				st, err := q.Status(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "read queue status", err)
				}
				return opts.formatter(cmd).Emit(st, func(w io.Writer) {
					fmt.Fprintf(w, "Pending:          %d\n", st.Pending)
					fmt.Fprintf(w, "Synced:           %d\n", st.Synced)
					fmt.Fprintf(w, "Failed:           %d\n", st.Failed)
					fmt.Fprintf(w, "Unsynced records: %d\n", st.UnsyncedRecords)
					fmt.Fprintf(w, "Backend online:   %t\n", st.Online)
				})
			})
		},
	}
}

func newQueueFailedCommand(opts *QueueOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List permanently failed operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withQueue(cmd, func(ctx context.Context, _ *config.Config, _ *store.Store, q *outbox.Queue) error {
				failures, err := q.Failures(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "list failures", err)
				}
				f := opts.formatter(cmd)
				return f.Emit(failures, func(w io.Writer) {
					if len(failures) == 0 {
						fmt.Fprintln(w, "No failed operations.")
						return
					}
					rows := make([][]string, 0, len(failures))
					for _, pf := range failures {
						rows = append(rows, []string{
							pf.OpID, pf.Kind, pf.MatchID, strconv.Itoa(pf.RetryCount), pf.LastError,
						})
					}
					f.Table(w, []string{"ID", "KIND", "MATCH", "RETRIES", "LAST ERROR"}, rows)
				})
			})
		},
	}
}

func newQueueRetryCommand(opts *QueueOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "retry [operation-id]",
		Short: "Return failed operations to the queue",
		Long: `Return a failed operation to the queue with a fresh retry budget.

Examples:
  takedown queue retry 0190f2a4-...
  takedown queue retry --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) != all {
				return NewExitError(ExitCommandError, "give an operation id or --all")
			}
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return opts.withQueue(cmd, func(ctx context.Context, _ *config.Config, _ *store.Store, q *outbox.Queue) error {
				n, err := q.Retry(ctx, id)
				f := opts.formatter(cmd)
				if errors.Is(err, store.ErrNotFound) {
					f.Error(CodeNotFound, fmt.Sprintf("no failed operation %s", id), nil)
					return WrapExitError(ExitFailure, "retry", err)
				}
				if err != nil {
					return WrapExitError(ExitCommandError, "retry", err)
				}
				return f.Emit(map[string]int{"requeued": n}, func(w io.Writer) {
					fmt.Fprintf(w, "Requeued %d operation(s).\n", n)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "requeue every failed operation")
	return cmd
}

func newQueuePruneCommand(opts *QueueOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy to synced rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withQueue(cmd, func(ctx context.Context, cfg *config.Config, _ *store.Store, q *outbox.Queue) error {
				if err := q.Prune(ctx); err != nil {
					return WrapExitError(ExitCommandError, "prune", err)
				}
				data := map[string]int{
					"keep_operations": cfg.Agent.KeepOperations,
					"keep_records":    cfg.Agent.KeepRecords,
				}
				return opts.formatter(cmd).Emit(data, func(w io.Writer) {
					fmt.Fprintf(w, "Pruned to the newest %d synced operations and %d synced records.\n",
						cfg.Agent.KeepOperations, cfg.Agent.KeepRecords)
				})
			})
		},
	}
}

func newQueueDrainCommand(opts *QueueOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Deliver pending operations once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withQueue(cmd, func(ctx context.Context, _ *config.Config, _ *store.Store, q *outbox.Queue) error {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				rep, err := q.Drain(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "drain", err)
				}
				return opts.formatter(cmd).Emit(rep, func(w io.Writer) {
					fmt.Fprintf(w, "Attempted %d, delivered %d, retrying %d, failed %d, deferred %d.\n",
						rep.Attempted, rep.Delivered, rep.Retried, rep.Failed, rep.Deferred)
				})
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "give up after this long")
	return cmd
}
