// Package server exposes memo over HTTP: device reads go through the query and route memoizers, writes invalidate
// what they made stale, and the cache itself can be inspected and flushed by admins.

package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nobletooth/memo/pkg/auth"
	"github.com/nobletooth/memo/pkg/cache"
	"github.com/nobletooth/memo/pkg/memo"
	"github.com/nobletooth/memo/pkg/storage"
)

var (
	address = flag.String("address", "localhost:8080",
		"The address the HTTP API listens on.")
	shutdownTimeout = flag.Duration("shutdown_timeout", 10*time.Second,
		"How long in-flight requests may take to finish once shutdown starts.")
	readHeaderTimeout = flag.Duration("read_header_timeout", 10*time.Second,
		"The maximum time to read the request headers.")
	fibonacciTTL = flag.Duration("fibonacci_cache_ttl", 30*time.Second,
		"Lifetime of memoized /hiload/fibonacci responses.")
)

const maxRequestBytes = 1 << 20

// DeviceStore is the device side of the store; storage.Store implements it.
type DeviceStore interface {
	ListDevices() ([]storage.Device, error)
	GetDevice(id string) (storage.Device, error)
	PutDevice(device storage.Device) (storage.Device, error)
	DeleteDevice(id string) error
}

var _ DeviceStore = (*storage.Store)(nil)

// Server holds the HTTP handlers and what they read from.
type Server struct {
	devices    DeviceStore
	auth       *auth.Service
	cache      cache.Layer[any]
	queries    *memo.QueryMemoizer
	routes     *memo.RouteMemoizer
	hiloadMemo *memo.RouteMemoizer
}

// New wires a Server over the shared cache `layer`.
func New(devices DeviceStore, authService *auth.Service, layer cache.Layer[any]) *Server {
	return &Server{
		devices:    devices,
		auth:       authService,
		cache:      layer,
		queries:    memo.NewQueryMemoizer(layer),
		routes:     memo.NewRouteMemoizer(layer),
		hiloadMemo: memo.NewRouteMemoizer(layer, memo.WithTTL(*fibonacciTTL)),
	}
}

// Handler returns the routed, logged handler of every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.Handle("POST /auth/logout", s.requireAuth(http.HandlerFunc(s.handleLogout)))
	mux.Handle("GET /auth/me", s.requireAuth(http.HandlerFunc(s.handleMe)))

	mux.Handle("GET /devices", s.requireAuth(s.routes.WrapFunc(s.handleListDevices)))
	mux.Handle("GET /devices/{id}", s.requireAuth(s.routes.WrapFunc(s.handleGetDevice)))
	mux.Handle("PUT /devices/{id}", s.requireAdmin(http.HandlerFunc(s.handlePutDevice)))
	mux.Handle("DELETE /devices/{id}", s.requireAdmin(http.HandlerFunc(s.handleDeleteDevice)))

	mux.Handle("GET /hiload/fibonacci", s.hiloadMemo.WrapFunc(s.handleFibonacci))

	mux.Handle("POST /admin/cache/clear", s.requireAdmin(http.HandlerFunc(s.handleClearCache)))
	mux.Handle("POST /admin/cache/invalidate", s.requireAdmin(http.HandlerFunc(s.handleInvalidateCache)))
	return logRequests(mux)
}

// Run serves the API on --address until `ctx` is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", *address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", *address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Run over an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: *readHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server is listening.", "address", listener.Addr().String())
		serveErr <- httpServer.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down HTTP server.", "timeout", *shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Join(fmt.Errorf("graceful shutdown failed: %w", err), httpServer.Close())
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("HTTP server stopped.")
	return nil
}
