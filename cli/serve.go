package cli

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/platforma-dev/batchmigrate/application"
	"github.com/platforma-dev/batchmigrate/driver"
	"github.com/platforma-dev/batchmigrate/execution"
	"github.com/platforma-dev/batchmigrate/httpserver"
	"github.com/platforma-dev/batchmigrate/log"
	"github.com/platforma-dev/batchmigrate/metrics"
	"github.com/platforma-dev/batchmigrate/queue"
	"github.com/platforma-dev/batchmigrate/scheduler"
	"github.com/platforma-dev/batchmigrate/signal"
)

const httpShutdownTimeout = 5 * time.Second

func (a *app) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the queue workers, the scheduling pass and the health endpoint",
		Long: `Apply the execution schema, then run until interrupted:

  queue      - workers executing batch jobs
  scheduler  - refreshes the open executions gauge on BATCHMIGRATE_SCHEDULE
  http       - /health and /metrics on BATCHMIGRATE_HTTP_ADDR

Pending migrations are scheduled once, at startup, before the workers start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := open(a.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			app, err := a.build(rt)
			if err != nil {
				return err
			}

			return app.Run(cmd.Context())
		},
	}
}

// build wires every service of a serve process.
func (a *app) build(rt *runtime) (*application.Application, error) {
	cfg := rt.cfg

	minLevel, err := cfg.MinExecutionLogLevel()
	if err != nil {
		return nil, err
	}

	app := application.New()
	app.RegisterDatabase("main", rt.db)
	app.RegisterRepository("main", "execution", rt.store)
	app.OnStartFunc(app.Migrate, application.StartupTaskConfig{Name: "schema", AbortOnError: true})

	bus := signal.NewBus()
	collector := metrics.NewCollector()
	collector.Subscribe(bus)

	if cfg.SignalChannel != "" {
		bus.Subscribe(signal.NewRedisPublisher(rt.redis, cfg.SignalChannel))
	}

	var processor *queue.Processor[driver.Job]
	enqueue := enqueueFunc(func(ctx context.Context, job driver.Job) error {
		return processor.Enqueue(ctx, job)
	})

	d := driver.New(a.registry, rt.store, enqueue,
		driver.WithSignals(bus),
		driver.WithExecutionLog(execution.NewLogger(rt.store, minLevel)),
		driver.WithWideEvents(log.NewWideEventLogger(
			os.Stdout,
			log.NewDefaultSampler(cfg.WideEvent.SlowThreshold, cfg.WideEvent.KeepRate),
			cfg.Log.Format,
			nil,
		)),
	)

	jobs := rt.jobQueue()
	processor = queue.New[driver.Job](d, jobs, cfg.Queue.Workers, cfg.Queue.ShutdownTimeout)

	// the processor opens the queue again when it starts; Open is idempotent
	app.OnStartFunc(jobs.Open, application.StartupTaskConfig{Name: "open-queue", AbortOnError: true})

	entry := driver.NewEntryPoint(a.registry, rt.store, enqueue)
	app.OnStartFunc(entry.Run, application.StartupTaskConfig{Name: "schedule-migrations"})
	app.RegisterHealthcheck("migrations", entry)

	sched, err := scheduler.New(cfg.Schedule, application.RunnerFunc(func(ctx context.Context) error {
		return collector.Refresh(ctx, rt.store)
	}))
	if err != nil {
		return nil, err
	}

	api := httpserver.New(cfg.HTTPAddr, httpShutdownTimeout)
	api.Use(log.NewTraceIDMiddleware(""))
	api.Handle("/health", application.NewHealthCheckHandler(app))
	api.Handle("/metrics", collector.Handler())

	app.RegisterService("queue", processor)
	app.RegisterService("scheduler", sched)
	app.RegisterService("http", api)

	return app, nil
}
