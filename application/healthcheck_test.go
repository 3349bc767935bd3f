package application_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/platforma-dev/batchmigrate/application"
)

func TestHealthCheckHandler(t *testing.T) {
	t.Parallel()

	app := application.New()
	app.RegisterService("scheduler", application.RunnerFunc(func(context.Context) error { return nil }))
	app.RegisterService("queue", &mockHealthcheckerService{healthData: map[string]any{"workers": 2}})

	handler := application.NewHealthCheckHandler(app)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got: %d", http.StatusOK, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON content type, got: %s", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("expected no-store, got: %s", cc)
	}

	var health application.Health
	err := json.Unmarshal(rec.Body.Bytes(), &health)
	if err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if len(health.Services) != 2 {
		t.Fatalf("expected 2 services, got: %d", len(health.Services))
	}

	data, ok := health.Services["queue"].Data.(map[string]any)
	if !ok || data["workers"] != float64(2) {
		t.Fatalf("expected queue healthcheck data, got: %v", health.Services["queue"].Data)
	}
	if health.Services["scheduler"].Status != application.ServiceStatusNotStarted {
		t.Fatalf("expected not started scheduler, got: %v", health.Services["scheduler"].Status)
	}
}

func TestHealthCheckHandlerFailedService(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	app := application.New()
	app.RegisterService("queue", application.RunnerFunc(func(context.Context) error {
		return errors.New("redis unreachable")
	}))

	err := app.Run(ctx)
	if err != nil {
		t.Fatalf("expected no error, got: %s", err.Error())
	}

	rec := httptest.NewRecorder()
	application.NewHealthCheckHandler(app).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got: %d", http.StatusServiceUnavailable, rec.Code)
	}

	var health application.Health
	err = json.Unmarshal(rec.Body.Bytes(), &health)
	if err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if health.Status != application.StatusDegraded || health.Services["queue"].Error != "redis unreachable" {
		t.Fatalf("expected degraded health naming the queue, got: %+v", health)
	}

	head := httptest.NewRecorder()
	application.NewHealthCheckHandler(app).ServeHTTP(head, httptest.NewRequest(http.MethodHead, "/health", nil))
	if head.Code != http.StatusServiceUnavailable || head.Body.Len() != 0 {
		t.Fatalf("expected bodiless 503 for HEAD, got: %d %q", head.Code, head.Body.String())
	}
}

func TestHealthCheckHandlerPassesRequestContext(t *testing.T) {
	t.Parallel()

	type key struct{}

	var got any
	app := application.New()
	app.RegisterService("svc", &contextHealthchecker{check: func(ctx context.Context) any {
		got = ctx.Value(key{})
		return nil
	}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req = req.WithContext(context.WithValue(req.Context(), key{}, "trace"))

	application.NewHealthCheckHandler(app).ServeHTTP(httptest.NewRecorder(), req)

	if got != "trace" {
		t.Fatalf("expected request context in healthcheck, got: %v", got)
	}
}

type contextHealthchecker struct {
	check func(context.Context) any
}

func (c *contextHealthchecker) Run(context.Context) error { return nil }

func (c *contextHealthchecker) Healthcheck(ctx context.Context) any { return c.check(ctx) }
