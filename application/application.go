// Package application runs startup tasks and long-running services of a process
// and tracks their health.
package application

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/platforma-dev/batchmigrate/database"
	"github.com/platforma-dev/batchmigrate/log"
)

// ErrDatabaseMigrationFailed is returned when the schema of a database could not be applied.
type ErrDatabaseMigrationFailed struct {
	err error
}

func (e *ErrDatabaseMigrationFailed) Error() string {
	return fmt.Sprintf("failed to migrate database: %v", e.err)
}

func (e *ErrDatabaseMigrationFailed) Unwrap() error {
	return e.err
}

// ErrStartupTaskFailed is returned when a startup task marked AbortOnError fails.
type ErrStartupTaskFailed struct {
	task string
	err  error
}

func (e *ErrStartupTaskFailed) Error() string {
	return fmt.Sprintf("startup task %s failed: %v", e.task, e.err)
}

func (e *ErrStartupTaskFailed) Unwrap() error {
	return e.err
}

// Application manages startup tasks and services for the process lifecycle.
type Application struct {
	startupTasks   []startupTask
	services       map[string]Runner
	healthcheckers map[string]Healthchecker
	checks         map[string]Healthchecker
	databases      map[string]*database.Database

	mu     sync.Mutex
	health *Health
}

// New creates an empty Application.
func New() *Application {
	return &Application{
		services:       make(map[string]Runner),
		healthcheckers: make(map[string]Healthchecker),
		checks:         make(map[string]Healthchecker),
		databases:      make(map[string]*database.Database),
		health:         NewHealth(),
	}
}

// Health returns a snapshot of the application health. Service data and
// checks are collected outside the lock.
func (a *Application) Health(ctx context.Context) *Health {
	data := make(map[string]any, len(a.healthcheckers))
	for name, hc := range a.healthcheckers {
		data[name] = hc.Healthcheck(ctx)
	}
	checks := make(map[string]any, len(a.checks))
	for name, hc := range a.checks {
		checks[name] = hc.Healthcheck(ctx)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for name, d := range data {
		a.health.SetServiceData(name, d)
	}
	a.health.Checks = checks

	return a.health.snapshot(time.Now())
}

// RegisterHealthcheck adds a named check for a component that is not a
// service. Its result is reported under checks.
func (a *Application) RegisterHealthcheck(name string, hc Healthchecker) {
	a.checks[name] = hc
}

// OnStart registers a task that runs before services start, in registration order.
func (a *Application) OnStart(task Runner, config StartupTaskConfig) {
	a.startupTasks = append(a.startupTasks, startupTask{task, config})
}

// OnStartFunc registers a function as a startup task.
func (a *Application) OnStartFunc(task RunnerFunc, config StartupTaskConfig) {
	a.OnStart(task, config)
}

// RegisterDatabase adds a database whose schema Migrate applies.
func (a *Application) RegisterDatabase(dbName string, db *database.Database) {
	a.databases[dbName] = db
}

// RegisterRepository registers a repository on a previously registered database.
func (a *Application) RegisterRepository(dbName string, repoName string, repository any) {
	db, ok := a.databases[dbName]
	if !ok {
		log.Warn("repository registered for unknown database", "database", dbName, "repository", repoName)
		return
	}
	db.RegisterRepository(repoName, repository)
}

// RegisterService adds a named service. Registering a name twice replaces the service.
func (a *Application) RegisterService(serviceName string, service Runner) {
	a.services[serviceName] = service

	a.mu.Lock()
	a.health.Services[serviceName] = &ServiceHealth{Status: ServiceStatusNotStarted}
	a.mu.Unlock()

	if hc, ok := service.(Healthchecker); ok {
		a.healthcheckers[serviceName] = hc
	} else {
		delete(a.healthcheckers, serviceName)
	}
}

// Migrate applies the schema of every registered database.
func (a *Application) Migrate(ctx context.Context) error {
	if len(a.databases) == 0 {
		log.WarnContext(ctx, "no databases registered")
		return nil
	}

	for _, dbName := range slices.Sorted(maps.Keys(a.databases)) {
		log.InfoContext(ctx, "migrating database", "database", dbName)

		err := a.databases[dbName].Migrate(ctx)
		if err != nil {
			log.ErrorContext(ctx, "error in database migration", "error", err, "database", dbName)
			return &ErrDatabaseMigrationFailed{err: err}
		}
	}

	return nil
}

// Run executes startup tasks, then runs every service until all of them
// return. An interrupt or SIGTERM cancels the services.
func (a *Application) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.InfoContext(ctx, "starting application", "startupTasks", len(a.startupTasks), "services", len(a.services))

	for i, task := range a.startupTasks {
		taskCtx := log.With(ctx, log.StartupTaskKey, task.config.Name)
		log.InfoContext(taskCtx, "running startup task", "index", i)

		err := task.runner.Run(taskCtx)
		if err != nil {
			log.ErrorContext(taskCtx, "error in startup task", "error", err)

			if task.config.AbortOnError {
				return &ErrStartupTaskFailed{task: task.config.Name, err: err}
			}
		}
	}

	var wg sync.WaitGroup

	for serviceName, service := range a.services {
		wg.Add(1)
		serviceCtx := log.With(ctx, log.ServiceNameKey, serviceName)

		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					a.failService(serviceName, fmt.Errorf("panic: %v", r))
					log.ErrorContext(serviceCtx, "service panicked", "panic", r)
				}
			}()

			log.InfoContext(serviceCtx, "starting service")
			a.mu.Lock()
			a.health.StartService(serviceName, time.Now())
			a.mu.Unlock()

			err := service.Run(serviceCtx)
			if err != nil && ctx.Err() == nil {
				a.failService(serviceName, err)
				log.ErrorContext(serviceCtx, "error in service", "error", err)
				return
			}

			log.InfoContext(serviceCtx, "service stopped")
		}()
	}

	a.mu.Lock()
	a.health.StartedAt = time.Now()
	a.mu.Unlock()

	wg.Wait()

	return nil
}

func (a *Application) failService(name string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.health.FailService(name, err, time.Now())
}
