// Package node runs an agar node: its game loop and the HTTP servers exposing it.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Service represents a running node.
type Service struct {
	loop    Runner
	servers map[string]Server
	cleanup []func() error

	// This context is used to interrupt any action.
	// It must be the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// This context waits until the end of the current tick or request to interrupt.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc

	maxDegradedDuration time.Duration

	running chan struct{} // Channel to signal when the service is running.
}

// Runner is the game loop of the service.
type Runner interface {
	Run(ctx context.Context) error
}

// Server is an HTTP server run alongside the game loop.
type Server interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
	Close() error
}

type options struct {
	maxDegradedDuration time.Duration
	cleanup             []func() error
}

// Option is a function which tweaks the creation of the Service.
type Option func(*options)

// WithCleanup adds a function called once the service stopped running, such as closing a connection.
func WithCleanup(f func() error) Option {
	return func(o *options) { o.cleanup = append(o.cleanup, f) }
}

var (
	// errServiceClosed is returned when the service is already closed.
	errServiceClosed = errors.New("service closed")

	// ErrTeardownTimeout is returned when the service takes too long to shut down.
	// A force Quit may be required to cleanup the service.
	ErrTeardownTimeout = errors.New("service teardown timed out")
)

// New creates a service running loop and servers, keyed by their name.
func New(ctx context.Context, loop Runner, servers map[string]Server, args ...Option) *Service {
	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	opts := options{
		maxDegradedDuration: 2 * time.Minute, // Default degraded state duration
	}
	for _, arg := range args {
		arg(&opts)
	}

	running := make(chan struct{})
	close(running) // Close immediately to avoid blocking on the channel.
	return &Service{
		loop:    loop,
		servers: servers,
		cleanup: opts.cleanup,

		ctx:            ctx,
		cancel:         cancel,
		gracefulCtx:    gCtx,
		gracefulCancel: gCancel,

		maxDegradedDuration: opts.maxDegradedDuration,

		running: running,
	}
}

// Run starts the node.
//
// Returns once the loop and every server have completed, or after an extended time being in a degraded state.
func (s *Service) Run() (err error) {
	slog.Info("Node started")

	select {
	case <-s.gracefulCtx.Done():
		return errServiceClosed
	default:
	}

	s.running = make(chan struct{})
	defer close(s.running)
	defer func() { err = errors.Join(err, s.close()) }()
	defer s.cancel() // Ensure we cancel the context when done, regardless of result.

	n := 1 + len(s.servers)
	done := make(chan error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	go func() { done <- s.runLoop(); wg.Done() }()
	for name, srv := range s.servers {
		go func() { done <- s.runServer(name, srv); wg.Done() }()
	}
	go func() { wg.Wait(); close(done) }() // Close done only after every goroutine has finished.

	// Ensure we don't get stuck in a degraded state if one of the services fails.
	err = <-done
	slog.Info("Waiting for node services to finish")

	timeout := time.After(s.maxDegradedDuration)
	for range n - 1 {
		select {
		case <-timeout:
			// We've waited for teardown for too long, give up even though errors may be lost.
			slog.Warn("Node teardown timed out")
			return errors.Join(err, ErrTeardownTimeout)
		case e := <-done:
			err = errors.Join(err, e)
		}
	}

	return err
}

func (s *Service) runLoop() error {
	slog.Info("Starting game loop")
	defer s.gracefulCancel() // Request stop if the loop fails.

	if err := s.loop.Run(s.gracefulCtx); err != nil && !errors.Is(err, s.gracefulCtx.Err()) {
		slog.Error("Game loop encountered an error", "err", err)
		return fmt.Errorf("game loop error: %v", err)
	}
	slog.Info("Game loop stopped")
	return nil
}

func (s *Service) runServer(name string, srv Server) error {
	slog.Info("Starting server", "server", name)
	defer s.gracefulCancel() // Request stop if the server fails.

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-s.ctx.Done():
		slog.Info("Closing server", "server", name, "reason", s.ctx.Err())
		srv.Close()
		return nil
	case <-s.gracefulCtx.Done():
		if s.ctx.Err() != nil {
			slog.Info("Closing server", "server", name, "reason", s.ctx.Err())
			srv.Close()
			return nil
		}
		slog.Info("Graceful shutdown initiated", "server", name)
		if err := srv.Shutdown(s.ctx); err != nil {
			slog.Error("Server graceful shutdown encountered error", "server", name, "err", err)
			return fmt.Errorf("%s server shutdown error: %v", name, err)
		}
	case err := <-errCh:
		// No need to shutdown or close, just propagate the error.
		if err != nil {
			slog.Error("Server encountered error", "server", name, "err", err)
			return fmt.Errorf("%s server error: %v", name, err)
		}
	}
	slog.Info("Server shut down gracefully", "server", name)
	return nil
}

// close runs the cleanup functions in reverse order.
func (s *Service) close() error {
	var errs error
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		errs = errors.Join(errs, s.cleanup[i]())
	}
	return errs
}

// Quit stops the node.
// Blocks until the service has finished running.
func (s *Service) Quit(force bool) {
	slog.Info("Stopping node")

	if force {
		s.cancel()
		for _, srv := range s.servers {
			srv.Close()
		}
	} else {
		s.gracefulCancel()
	}

	<-s.running // Wait for the service to finish running.
}
