// Package scheduler fires a runner on a cron schedule. The batchmigrate server
// uses it to refresh the open executions gauge.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cron "github.com/pardnchiu/go-scheduler"

	"github.com/platforma-dev/batchmigrate/application"
	"github.com/platforma-dev/batchmigrate/log"
)

// ErrEmptyExpression is returned for an empty cron expression.
var ErrEmptyExpression = errors.New("cron expression cannot be empty")

// Scheduler runs a runner according to a cron expression.
type Scheduler struct {
	cronExpr string
	runner   application.Runner

	mu      sync.Mutex
	ticks   int
	lastRun time.Time
	lastErr error
}

// New creates a Scheduler.
//
// Supported expressions:
//   - 5-field cron: "*/5 * * * *", "0 9 * * MON-FRI"
//   - descriptors: @yearly, @monthly, @weekly, @daily, @hourly
//   - intervals: @every 30s, @every 5m
func New(cronExpr string, runner application.Runner) (*Scheduler, error) {
	err := validate(cronExpr)
	if err != nil {
		return nil, err
	}

	return &Scheduler{cronExpr: cronExpr, runner: runner}, nil
}

func validate(cronExpr string) error {
	// the library panics on an empty expression
	if cronExpr == "" {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, ErrEmptyExpression)
	}

	parsed, err := cron.New(cron.Config{Location: time.UTC})
	if err != nil {
		return fmt.Errorf("failed to create cron validator: %w", err)
	}

	_, err = parsed.Add(cronExpr, func() {})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	return nil
}

// Run fires the runner on every tick until ctx is canceled. Each tick gets its own trace id.
func (s *Scheduler) Run(ctx context.Context) error {
	cronScheduler, err := cron.New(cron.Config{Location: time.UTC})
	if err != nil {
		return fmt.Errorf("failed to create cron scheduler: %w", err)
	}

	_, err = cronScheduler.Add(s.cronExpr, func() error {
		tickCtx, _ := log.WithTraceID(ctx, "")
		return s.tick(tickCtx)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron task: %w", err)
	}

	cronScheduler.Start()
	log.InfoContext(ctx, "scheduler started", "schedule", s.cronExpr)

	<-ctx.Done()

	stopCtx := cronScheduler.Stop()
	<-stopCtx.Done()

	return fmt.Errorf("scheduler context canceled: %w", ctx.Err())
}

func (s *Scheduler) tick(ctx context.Context) error {
	log.DebugContext(ctx, "scheduler tick")

	err := s.runner.Run(ctx)
	if err != nil {
		log.ErrorContext(ctx, "error in scheduled run", "error", err)
	}

	s.mu.Lock()
	s.ticks++
	s.lastRun = time.Now()
	s.lastErr = err
	s.mu.Unlock()

	return err
}

// Healthcheck reports the schedule and the outcome of the last tick.
func (s *Scheduler) Healthcheck(_ context.Context) any {
	s.mu.Lock()
	defer s.mu.Unlock()

	health := map[string]any{
		"schedule": s.cronExpr,
		"ticks":    s.ticks,
	}
	if !s.lastRun.IsZero() {
		health["lastRun"] = s.lastRun
	}
	if s.lastErr != nil {
		health["lastError"] = s.lastErr.Error()
	}

	return health
}
