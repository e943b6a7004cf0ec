// Package metrics exposes the Prometheus metrics of a node.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// healthTimeout bounds every health check of a /healthz request.
const healthTimeout = 2 * time.Second

// Server serves the metrics of a node on /metrics and its health on /healthz.
type Server struct {
	addr       net.Addr
	httpServer *http.Server
	checks     map[string]HealthCheck

	mu sync.RWMutex
}

// Config holds the configuration for the metrics server.
type Config struct {
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read-timeout" yaml:"read-timeout"`
	WriteTimeout time.Duration `mapstructure:"write-timeout" yaml:"write-timeout"`
}

// HealthCheck returns an error when the dependency it watches is unusable.
type HealthCheck func(ctx context.Context) error

type options struct {
	checks map[string]HealthCheck
}

// Option is a function which tweaks the creation of the Server.
type Option func(*options)

// WithHealthCheck makes /healthz fail while check fails. name tells the failing checks apart.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(o *options) { o.checks[name] = check }
}

// New creates a server for the metrics of reg.
func New(cfg Config, reg prometheus.Gatherer, args ...Option) *Server {
	opts := options{checks: make(map[string]HealthCheck)}
	for _, arg := range args {
		arg(&opts)
	}

	s := &Server{checks: opts.checks}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.health)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// health answers 200 when every check passes, and 503 listing the failing ones otherwise.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	var failed []string
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", name, err))
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if len(failed) > 0 {
		sort.Strings(failed)
		slog.Warn("Health check failed", "failures", failed)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, strings.Join(failed, "\n"))
		return
	}
	fmt.Fprintln(w, "ok")
}

// ListenAndServe starts the HTTP server and listens for incoming requests.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	return s.httpServer.Serve(listener)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Close stops the server.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// Addr returns the address the server is listening on, or an empty string before it listens.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}
