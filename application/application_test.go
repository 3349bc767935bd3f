package application_test

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/platforma-dev/batchmigrate/application"
	"github.com/platforma-dev/batchmigrate/database"
	"github.com/platforma-dev/batchmigrate/execution"
)

func TestNew(t *testing.T) {
	t.Parallel()

	app := application.New()

	health := app.Health(context.Background())
	if health == nil {
		t.Fatal("expected non-nil health")
	}
	if len(health.Services) != 0 {
		t.Fatalf("expected 0 services, got: %d", len(health.Services))
	}
}

func TestRegisterService(t *testing.T) {
	t.Parallel()

	app := application.New()
	app.RegisterService("plain", application.RunnerFunc(func(context.Context) error { return nil }))
	app.RegisterService("monitored", &mockHealthcheckerService{healthData: map[string]string{"queue": "ok"}})

	health := app.Health(context.Background())
	if len(health.Services) != 2 {
		t.Fatalf("expected 2 services, got: %d", len(health.Services))
	}

	if health.Services["plain"].Status != application.ServiceStatusNotStarted {
		t.Fatalf("expected not started, got: %v", health.Services["plain"].Status)
	}
	if health.Services["plain"].Data != nil {
		t.Fatalf("expected no data for plain service")
	}
	if health.Services["monitored"].Data == nil {
		t.Fatalf("expected healthcheck data for monitored service")
	}
}

func TestRegisterServiceSameNameReplaces(t *testing.T) {
	t.Parallel()

	app := application.New()
	app.RegisterService("svc", &mockHealthcheckerService{healthData: "first"})
	app.RegisterService("svc", application.RunnerFunc(func(context.Context) error { return nil }))

	health := app.Health(context.Background())
	if len(health.Services) != 1 {
		t.Fatalf("expected 1 service, got: %d", len(health.Services))
	}
	if health.Services["svc"].Data != nil {
		t.Fatalf("expected healthchecker of the replaced service to be dropped")
	}
}

func TestHealthConcurrentAccess(t *testing.T) {
	t.Parallel()

	app := application.New()
	app.RegisterService("svc", &mockHealthcheckerService{healthData: "ok"})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if app.Health(context.Background()) == nil {
				t.Error("expected non-nil health")
			}
		}()
	}
	wg.Wait()
}

func TestRunStartupTasksInOrder(t *testing.T) {
	t.Parallel()

	app := application.New()
	var order []string

	for _, name := range []string{"schema", "register", "warmup"} {
		app.OnStartFunc(func(context.Context) error {
			order = append(order, name)
			return nil
		}, application.StartupTaskConfig{Name: name})
	}

	err := app.Run(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}

	if !slices.Equal(order, []string{"schema", "register", "warmup"}) {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestRunStartupTaskFailure(t *testing.T) {
	t.Parallel()

	taskErr := errors.New("task failed")

	t.Run("abort", func(t *testing.T) {
		t.Parallel()

		app := application.New()
		var serviceRan atomic.Bool

		app.OnStartFunc(func(context.Context) error { return taskErr }, application.StartupTaskConfig{Name: "schema", AbortOnError: true})
		app.RegisterService("svc", application.RunnerFunc(func(context.Context) error {
			serviceRan.Store(true)
			return nil
		}))

		err := app.Run(context.Background())

		var startupErr *application.ErrStartupTaskFailed
		if !errors.As(err, &startupErr) || !errors.Is(err, taskErr) {
			t.Fatalf("expected startup task error, got: %v", err)
		}
		if serviceRan.Load() {
			t.Fatalf("expected services not to start")
		}
	})

	t.Run("continue", func(t *testing.T) {
		t.Parallel()

		app := application.New()
		var serviceRan atomic.Bool

		app.OnStartFunc(func(context.Context) error { return taskErr }, application.StartupTaskConfig{Name: "warmup"})
		app.RegisterService("svc", application.RunnerFunc(func(context.Context) error {
			serviceRan.Store(true)
			return nil
		}))

		err := app.Run(context.Background())
		if err != nil {
			t.Fatalf("expected no error, got: %s", err.Error())
		}
		if !serviceRan.Load() {
			t.Fatalf("expected the service to run")
		}
	})
}

func TestRunServices(t *testing.T) {
	t.Parallel()

	app := application.New()
	ctx, cancel := context.WithCancel(context.Background())

	app.RegisterService("worker", application.RunnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	app.RegisterService("broken", application.RunnerFunc(func(context.Context) error {
		return errors.New("crashed")
	}))

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if app.Health(ctx).Services["broken"].Status == application.ServiceStatusError {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	health := app.Health(ctx)
	if health.Services["broken"].Status != application.ServiceStatusError || health.Services["broken"].Error != "crashed" {
		t.Fatalf("expected failed service, got: %+v", health.Services["broken"])
	}
	if health.Services["worker"].Status != application.ServiceStatusStarted {
		t.Fatalf("expected running worker, got: %v", health.Services["worker"].Status)
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected no error, got: %s", err.Error())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Run to return after cancellation")
	}

	if got := app.Health(context.Background()).Services["worker"].Status; got != application.ServiceStatusStarted {
		t.Fatalf("expected canceled worker not to be marked failed, got: %v", got)
	}
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	t.Run("no databases", func(t *testing.T) {
		t.Parallel()

		err := application.New().Migrate(context.Background())
		if err != nil {
			t.Fatalf("expected no error, got: %s", err.Error())
		}
	})

	t.Run("execution schema on sqlite", func(t *testing.T) {
		t.Parallel()

		db, err := database.New("sqlite3", filepath.Join(t.TempDir(), "app.db"))
		if err != nil {
			t.Fatalf("expected no error, got: %s", err.Error())
		}
		t.Cleanup(func() { _ = db.Close() })

		app := application.New()
		app.RegisterDatabase("main", db)
		app.RegisterRepository("main", "execution", execution.NewRepository(db.Connection()))

		err = app.Migrate(context.Background())
		if err != nil {
			t.Fatalf("expected no error, got: %s", err.Error())
		}

		var tables int
		err = db.Connection().Get(&tables, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name LIKE 'batchmigrate_%'`)
		if err != nil {
			t.Fatalf("expected no error, got: %s", err.Error())
		}
		if tables < 3 {
			t.Fatalf("expected execution tables, got: %d", tables)
		}
	})
}

func TestErrDatabaseMigrationFailed(t *testing.T) {
	t.Parallel()

	db, err := database.New("sqlite3", filepath.Join(t.TempDir(), "broken.db"))
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}
	_ = db.Close()

	app := application.New()
	app.RegisterDatabase("main", db)

	err = app.Migrate(context.Background())

	var migrationErr *application.ErrDatabaseMigrationFailed
	if !errors.As(err, &migrationErr) {
		t.Fatalf("expected database migration error, got: %v", err)
	}
}

type mockHealthcheckerService struct {
	healthData any
	runErr     error
}

func (m *mockHealthcheckerService) Run(_ context.Context) error {
	return m.runErr
}

func (m *mockHealthcheckerService) Healthcheck(_ context.Context) any {
	return m.healthData
}
