// Package cli is the operator command line of batchmigrate. A host binary
// builds its migration registry and hands it to New.
package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/platforma-dev/batchmigrate/config"
	"github.com/platforma-dev/batchmigrate/log"
	"github.com/platforma-dev/batchmigrate/migration"
)

// Option customizes the command tree.
type Option func(*app)

// WithConfig uses cfg instead of reading the environment.
func WithConfig(cfg *config.Config) Option {
	return func(a *app) { a.cfg = cfg }
}

type app struct {
	registry *migration.Registry
	cfg      *config.Config
}

// New builds the root command over the migrations in registry.
func New(registry *migration.Registry, opts ...Option) *cobra.Command {
	a := &app{registry: registry}
	for _, opt := range opts {
		opt(a)
	}

	root := &cobra.Command{
		Use:   "batchmigrate",
		Short: "Batched data migrations",
		Long: `Drive long-running data migrations in batches through a task queue.

Configuration is read from BATCHMIGRATE_* environment variables.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	root.AddCommand(
		a.serveCommand(),
		a.schemaCommand(),
		a.listCommand(),
		a.runCommand(),
		a.rollbackCommand(),
		a.cancelCommand(),
		a.statusCommand(),
		a.historyCommand(),
		a.logsCommand(),
	)

	return root
}

// Execute runs the command tree and exits with status 1 on error.
func Execute(ctx context.Context, registry *migration.Registry) {
	err := New(registry).ExecuteContext(ctx)
	if err != nil {
		os.Exit(1)
	}
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		a.cfg = cfg
	}

	level, err := a.cfg.LogLevel()
	if err != nil {
		return err
	}

	log.SetDefault(log.New(cmd.ErrOrStderr(), a.cfg.Log.Format, level, nil))

	return nil
}
