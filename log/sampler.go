package log

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Sampler decides whether a wide event should be emitted.
type Sampler interface {
	ShouldSample(ctx context.Context, e *Event) bool
}

// SamplerFunc is a function adapter for Sampler.
type SamplerFunc func(ctx context.Context, e *Event) bool

// ShouldSample implements Sampler.
func (f SamplerFunc) ShouldSample(ctx context.Context, e *Event) bool {
	return f(ctx, e)
}

// DefaultSampler keeps failed, warning-level and slow events plus a random share of the rest.
type DefaultSampler struct {
	slowThreshold  time.Duration
	randomKeepRate float64
}

// NewDefaultSampler creates a rule-based sampler.
func NewDefaultSampler(slowThreshold time.Duration, randomKeepRate float64) *DefaultSampler {
	return &DefaultSampler{
		slowThreshold:  slowThreshold,
		randomKeepRate: randomKeepRate,
	}
}

// ShouldSample decides if event should be logged.
func (s *DefaultSampler) ShouldSample(_ context.Context, e *Event) bool {
	if e.HasErrors() || e.Level() >= slog.LevelWarn {
		return true
	}

	if s.slowThreshold > 0 && e.Duration() >= s.slowThreshold {
		return true
	}

	//nolint:gosec // Non-cryptographic sampling is sufficient for log event retention.
	return rand.Float64() < s.randomKeepRate
}

// KeepAll is a sampler that writes every event.
var KeepAll Sampler = SamplerFunc(func(context.Context, *Event) bool { return true }) //nolint:gochecknoglobals
