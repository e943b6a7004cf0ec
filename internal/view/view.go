// Package view serves the world of a node to browsers and other headless clients.
//
// A client polls GET /world or streams snapshots over the GET /ws WebSocket, and steers the own
// player with POST /direction or with direction messages sent on the WebSocket.
package view

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/agarnet/agar-node/internal/game"
	"github.com/agarnet/agar-node/internal/metrics"
	"github.com/rs/cors"
)

// DefaultStreamInterval is the time between two snapshots sent on a WebSocket.
const DefaultStreamInterval = 50 * time.Millisecond

// GameState is the part of the game state a view reads and steers.
type GameState interface {
	PlayerID() string
	World() game.World
	IsLeader() bool
	Eaten() bool
	SetPlayerDirection(id string, dx, dy float64)
}

// Config holds the configuration for the view server.
type Config struct {
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	StreamInterval time.Duration `mapstructure:"stream-interval" yaml:"stream-interval"`
	ReadTimeout    time.Duration `mapstructure:"read-timeout" yaml:"read-timeout"`
	AllowedOrigins []string      `mapstructure:"allowed-origins" yaml:"allowed-origins"`
}

// Server is the HTTP server of the view.
type Server struct {
	httpServer *http.Server

	// ctx is the parent of every request, so that streams end with the server.
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	addr net.Addr
}

type options struct {
	middleware *metrics.Middleware
	onSteer    func()
}

// Option is a function which tweaks the creation of the Server.
type Option func(*options)

// WithMiddleware monitors every handler with m.
func WithMiddleware(m *metrics.Middleware) Option {
	return func(o *options) { o.middleware = m }
}

// WithOnSteer sets a function called every time a client steers the own player.
func WithOnSteer(f func()) Option {
	return func(o *options) { o.onSteer = f }
}

// New creates the view server of state.
func New(cfg Config, state GameState, args ...Option) *Server {
	opts := options{onSteer: func() {}}
	for _, arg := range args {
		arg(&opts)
	}

	interval := cfg.StreamInterval
	if interval <= 0 {
		interval = DefaultStreamInterval
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	h := &handler{state: state, interval: interval, onSteer: opts.onSteer}
	monitor := func(_ string, h http.Handler) http.Handler { return h }
	if opts.middleware != nil {
		monitor = func(name string, h http.Handler) http.Handler { return opts.middleware.Monitor(name, h) }
	}

	mux := http.NewServeMux()
	mux.Handle("GET /world", monitor("world", http.HandlerFunc(h.world)))
	mux.Handle("GET /ws", monitor("ws", http.HandlerFunc(h.stream)))
	mux.Handle("POST /direction", monitor("direction", http.HandlerFunc(h.direction)))
	mux.Handle("GET /version", monitor("version", http.HandlerFunc(versionHandler)))

	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		ctx:    ctx,
		cancel: cancel,
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           c.Handler(mux),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.ReadTimeout,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		},
	}
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

// Shutdown ends every stream and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	// Hijacked WebSocket connections are not tracked by the http server.
	s.cancel()
	return s.httpServer.Shutdown(ctx)
}

// Close stops the server.
func (s *Server) Close() error {
	s.cancel()
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
