package application

import "context"

// Runner is anything the application can run: a startup task or a long-running service.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc is a function adapter for Runner.
type RunnerFunc func(ctx context.Context) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Healthchecker is implemented by services and components that report health data.
type Healthchecker interface {
	Healthcheck(ctx context.Context) any
}

// StartupTaskConfig configures a task run before services start.
type StartupTaskConfig struct {
	Name         string
	AbortOnError bool
}

type startupTask struct {
	runner Runner
	config StartupTaskConfig
}
