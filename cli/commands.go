package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/platforma-dev/batchmigrate/application"
	"github.com/platforma-dev/batchmigrate/config"
	"github.com/platforma-dev/batchmigrate/driver"
	"github.com/platforma-dev/batchmigrate/execution"
	"github.com/platforma-dev/batchmigrate/log"
	"github.com/platforma-dev/batchmigrate/migration"
)

var errInvalidFlag = errors.New("invalid flag")

// withRuntime opens the connections for the duration of fn.
func (a *app) withRuntime(fn func(cmd *cobra.Command, rt *runtime, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := open(a.cfg)
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close() }()

		return fn(cmd, rt, args)
	}
}

func (a *app) schemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create or update the execution tables",
		Args:  cobra.NoArgs,
		RunE: a.withRuntime(func(cmd *cobra.Command, rt *runtime, _ []string) error {
			app := application.New()
			app.RegisterDatabase("main", rt.db)
			app.RegisterRepository("main", "execution", rt.store)

			err := app.Migrate(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		}),
	}
}

func (a *app) listCommand() *cobra.Command {
	var tag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered migrations with their status",
		Args:  cobra.NoArgs,
		RunE: a.withRuntime(func(cmd *cobra.Command, rt *runtime, _ []string) error {
			registry := a.registry
			if tag != "" {
				registry = registry.Filter(migration.HasTag(tag))
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tSTATUS\tPROGRESS\tMANUAL")

			for _, entry := range registry.All() {
				st, err := driver.StatusOf(cmd.Context(), rt.store, entry.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
					entry.ID, migration.LabelOf(entry), st, progress(st.Execution), entry.Migration.Metadata().ManualTrigger)
			}

			return w.Flush()
		}),
	}

	cmd.Flags().StringVar(&tag, "tag", "", "Only list migrations carrying this tag")

	return cmd
}

func (a *app) runCommand() *cobra.Command {
	return a.triggerCommand("run", "Start a forward run of a migration", migration.Up)
}

func (a *app) rollbackCommand() *cobra.Command {
	return a.triggerCommand("rollback", "Start a backward run of a migration", migration.Down)
}

func (a *app) triggerCommand(use, short string, dir migration.Direction) *cobra.Command {
	var opts driver.RangeOptions

	cmd := &cobra.Command{
		Use:   use + " <migration-id>",
		Short: short,
		Long: short + `.

With the redis queue backend the batches are enqueued for the workers of a
serve process. With the chan backend they run in this process.`,
		Args: cobra.ExactArgs(1),
		RunE: a.withRuntime(func(cmd *cobra.Command, rt *runtime, args []string) error {
			ctx := cmd.Context()

			if a.cfg.Queue.Backend == config.QueueRedis {
				exec, err := start(ctx, driver.NewTrigger(a.registry, rt.store, rt.redisEnqueuer()), dir, args[0], opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "execution %d %s\n", exec.ID, exec.Status)
				return nil
			}

			minLevel, err := a.cfg.MinExecutionLogLevel()
			if err != nil {
				return err
			}

			q := &inlineQueue{}
			d := driver.New(a.registry, rt.store, q, driver.WithExecutionLog(execution.NewLogger(rt.store, minLevel)))

			exec, err := start(ctx, driver.NewTrigger(a.registry, rt.store, q), dir, args[0], opts)
			if err != nil {
				return err
			}

			jobs := q.drain(ctx, d)

			exec, err = rt.store.GetExecution(ctx, exec.ID)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "execution %d %s after %d jobs\n", exec.ID, exec.Status, jobs)
			return nil
		}),
	}

	cmd.Flags().IntVar(&opts.From, "from", 0, "First batch, 1 when unset")
	cmd.Flags().IntVar(&opts.To, "to", 0, "Last batch, the last one when unset")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "Items per batch, the migration default when unset")

	return cmd
}

func start(ctx context.Context, trigger *driver.Trigger, dir migration.Direction, id string, opts driver.RangeOptions) (*execution.Execution, error) {
	if dir == migration.Down {
		return trigger.Rollback(ctx, id, opts)
	}
	return trigger.Run(ctx, id, opts)
}

func (a *app) cancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Stop an open execution after its current batch",
		Args:  cobra.ExactArgs(1),
		RunE: a.withRuntime(func(cmd *cobra.Command, rt *runtime, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid execution id %q: %w", args[0], err)
			}

			exec, err := driver.NewTrigger(a.registry, rt.store, nil).Cancel(cmd.Context(), id)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "execution %d %s\n", exec.ID, exec.Status)
			return nil
		}),
	}
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <migration-id>",
		Short: "Show the status of a migration",
		Args:  cobra.ExactArgs(1),
		RunE: a.withRuntime(func(cmd *cobra.Command, rt *runtime, args []string) error {
			st, err := driver.StatusOf(cmd.Context(), rt.store, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s\n", st.MigrationID, st)
			if st.Execution != nil {
				printExecution(out, st.Execution)
			}
			return nil
		}),
	}
}

func (a *app) historyCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <migration-id>",
		Short: "Show the executions and the event log of a migration",
		Args:  cobra.ExactArgs(1),
		RunE: a.withRuntime(func(cmd *cobra.Command, rt *runtime, args []string) error {
			ctx := cmd.Context()

			execs, err := rt.store.ListExecutions(ctx, execution.ExecutionFilter{MigrationID: args[0], Limit: limit})
			if err != nil {
				return err
			}

			events, err := rt.store.ListEvents(ctx, args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintln(w, "EXECUTION\tOPERATION\tSTATUS\tPROGRESS\tPARENT\tCREATED")
			for _, e := range execs {
				parent := "-"
				if e.ParentExecutionID.Valid {
					parent = strconv.FormatInt(e.ParentExecutionID.Int64, 10)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					e.ID, e.Operation, e.Status, progress(&e), parent, e.CreatedAt.Format(time.RFC3339))
			}

			fmt.Fprintln(w)
			fmt.Fprintln(w, "EVENT\tDATA\tAT")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Type, e.Data, e.CreatedAt.Format(time.RFC3339))
			}

			return w.Flush()
		}),
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of executions, 0 for all")

	return cmd
}

func (a *app) logsCommand() *cobra.Command {
	var (
		level  string
		search string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "logs <execution-id>",
		Short: "Show the log of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: a.withRuntime(func(cmd *cobra.Command, rt *runtime, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid execution id %q: %w", args[0], err)
			}

			if offset < 0 {
				return fmt.Errorf("%w: --offset must not be negative, got %d", errInvalidFlag, offset)
			}

			filter := execution.LogFilter{ExecutionID: id, Search: search, Limit: limit, Offset: offset}
			if level != "" {
				minLevel, err := log.ParseLevel(level)
				if err != nil {
					return err
				}
				severity := int(minLevel)
				filter.MinSeverity = &severity
			}

			entries, err := rt.store.ListLogs(cmd.Context(), filter)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), strings.ToUpper(e.Level), e.Message, e.Data)
			}
			return w.Flush()
		}),
	}

	cmd.Flags().StringVar(&level, "level", "", "Minimum level: debug, info, warn or error")
	cmd.Flags().StringVar(&search, "search", "", "Only entries whose message contains this text")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of entries, 0 for all")
	cmd.Flags().IntVar(&offset, "offset", 0, "Entries to skip")

	return cmd
}

func printExecution(w io.Writer, e *execution.Execution) {
	fmt.Fprintf(w, "  execution  %d (%s)\n", e.ID, e.Operation)
	fmt.Fprintf(w, "  progress   %s\n", progress(e))
	if e.StartDate.Valid {
		fmt.Fprintf(w, "  started    %s\n", e.StartDate.Time.Format(time.RFC3339))
	}
	if e.EndDate.Valid {
		fmt.Fprintf(w, "  ended      %s\n", e.EndDate.Time.Format(time.RFC3339))
	}
}

// progress is advisory: the migration's own predicates decide completion.
func progress(e *execution.Execution) string {
	if e == nil {
		return "-"
	}
	if e.ItemsTotal == 0 {
		return strconv.Itoa(e.ItemsProcessed)
	}
	return fmt.Sprintf("%d/%d", e.ItemsProcessed, e.ItemsTotal)
}
