// Package httpserver runs an HTTP server as an application service.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/platforma-dev/batchmigrate/log"
)

// Middleware wraps a handler.
type Middleware interface {
	Wrap(http.Handler) http.Handler
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc func(http.Handler) http.Handler

// Wrap calls f(h).
func (f MiddlewareFunc) Wrap(h http.Handler) http.Handler {
	return f(h)
}

// Server serves registered handlers until its context is canceled.
type Server struct {
	addr            string
	shutdownTimeout time.Duration
	mux             *http.ServeMux
	middlewares     []Middleware

	mu       sync.Mutex
	listener net.Listener
}

// New creates a Server listening on addr.
func New(addr string, shutdownTimeout time.Duration) *Server {
	return &Server{addr: addr, shutdownTimeout: shutdownTimeout, mux: http.NewServeMux()}
}

// Handle registers a handler for pattern.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// HandleFunc registers a handler function for pattern.
func (s *Server) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.mux.HandleFunc(pattern, handler)
}

// Use adds middlewares. The first one added is the outermost.
func (s *Server) Use(middlewares ...Middleware) {
	s.middlewares = append(s.middlewares, middlewares...)
}

// UseFunc adds function middlewares.
func (s *Server) UseFunc(middlewares ...func(http.Handler) http.Handler) {
	for _, m := range middlewares {
		s.Use(MiddlewareFunc(m))
	}
}

// ServeHTTP dispatches to the registered handlers through the middlewares.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler().ServeHTTP(w, r)
}

func (s *Server) handler() http.Handler {
	var h http.Handler = s.mux
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		h = s.middlewares[i].Wrap(h)
	}
	return h
}

// Addr returns the listening address once Run has started, or the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Run listens and serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	server := &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	served := make(chan error, 1)
	go func() {
		served <- server.Serve(listener)
	}()

	log.InfoContext(ctx, "http server started", "addr", listener.Addr().String())

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()

	err = server.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}

	log.InfoContext(ctx, "http server stopped")
	return nil
}

// Healthcheck reports the listening address.
func (s *Server) Healthcheck(_ context.Context) any {
	return map[string]any{"addr": s.Addr()}
}
