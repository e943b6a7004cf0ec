package node_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/agarnet/agar-node/internal/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	t.Parallel()

	const maxDegradedDuration = 800 * time.Millisecond

	tests := map[string]struct {
		loop    *mockLoop
		view    *mockServer
		metrics *mockServer

		cancelContextPreRun bool // Cancel context before running the node
		cancelContext       bool // Cancel context after early error check

		triggerLoopErrEarly bool // Trigger an error in the loop before run
		triggerViewErrEarly bool // Trigger an error in the view server before run

		// Within 50ms of early node state check
		wantEarlyErr bool

		// Within maxDegradedDuration + 100ms after early node state check
		wantLateReturn bool // Return after late duration without error
		wantLateErr    bool // Errors after lateDuration

		wantSpecificErr error
	}{
		"Default run blocks": {},

		// Context cancellation
		"Context cancel before run errors fast": {
			cancelContextPreRun: true,
			wantEarlyErr:        true,
			wantSpecificErr:     node.ErrServiceClosed,
		},
		"Context cancel after run returns without error": {
			cancelContext:  true,
			wantLateReturn: true,
		},
		"Context cancel after run with blocked close returns with error": {
			metrics:         &mockServer{closeDelay: 2 * time.Second},
			cancelContext:   true,
			wantLateErr:     true,
			wantSpecificErr: node.ErrTeardownTimeout,
		},

		// Loop errors
		"Loop errors early": {
			loop:                &mockLoop{runErr: errors.New("requested loop error")},
			triggerLoopErrEarly: true,
			wantEarlyErr:        true,
		},
		"Loop errors late": {
			loop:        &mockLoop{runErr: errors.New("requested loop error")},
			wantLateErr: true,
		},

		// Server errors
		"View server errors early": {
			view:                &mockServer{listenAndServeErr: errors.New("requested listen error")},
			triggerViewErrEarly: true,
			wantEarlyErr:        true,
		},
		"View server errors late": {
			view:        &mockServer{listenAndServeErr: errors.New("requested listen error")},
			wantLateErr: true,
		},

		// Degraded state
		"Teardown times out when the loop fails and a shutdown hangs": {
			loop:            &mockLoop{runErr: errors.New("requested loop error")},
			metrics:         &mockServer{shutdownDelay: 2 * time.Second},
			wantLateErr:     true,
			wantSpecificErr: node.ErrTeardownTimeout,
		},
		"Teardown times out when a server fails and the loop hangs": {
			loop:            &mockLoop{hang: true},
			view:            &mockServer{listenAndServeErr: errors.New("requested listen error")},
			wantLateErr:     true,
			wantSpecificErr: node.ErrTeardownTimeout,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			require.False(t, tc.wantLateErr && tc.wantLateReturn, "Setup: only one of wantLateErr and wantLateReturn can be set")
			if tc.loop == nil {
				tc.loop = &mockLoop{}
			}
			if tc.view == nil {
				tc.view = &mockServer{}
			}
			if tc.metrics == nil {
				tc.metrics = &mockServer{}
			}
			tc.loop.initialize(t)
			tc.view.initialize(t)
			tc.metrics.initialize(t)

			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()
			service := node.New(ctx, tc.loop, map[string]node.Server{"view": tc.view, "metrics": tc.metrics},
				node.WithMaxDegradedDuration(maxDegradedDuration))

			if tc.cancelContextPreRun {
				cancel()
			}
			if tc.triggerLoopErrEarly {
				tc.loop.triggerError()
			}
			if tc.triggerViewErrEarly {
				tc.view.triggerError()
			}

			errCh := runServiceAsync(t, service)

			select {
			case err := <-errCh:
				require.True(t, tc.wantEarlyErr, "Node should not have exited early, got: %v", err)
				require.Error(t, err, "Expected early error")
				if tc.wantSpecificErr != nil {
					require.ErrorIs(t, err, tc.wantSpecificErr, "Unexpected early error")
				}
				return
			case <-time.After(maxDegradedDuration + 100*time.Millisecond):
			}
			require.False(t, tc.wantEarlyErr, "Node should have exited early with an error but did not")

			if tc.cancelContext {
				cancel()
			}
			tc.loop.triggerError()
			tc.view.triggerError()

			select {
			case err := <-errCh:
				if !tc.wantLateErr {
					require.NoError(t, err, "Node should not have exited late with error")
					require.True(t, tc.wantLateReturn, "Node should not have exited late without error")
					return
				}
				require.Error(t, err, "Expected late error")
				if tc.wantSpecificErr != nil {
					require.ErrorIs(t, err, tc.wantSpecificErr, "Unexpected late error")
				}
				return
			case <-time.After(maxDegradedDuration + 100*time.Millisecond):
			}
			require.False(t, tc.wantLateErr, "Node should have exited late with an error but did not")
			require.False(t, tc.wantLateReturn, "Node should have exited late without error but did not")
		})
	}
}

func TestQuit(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		view *mockServer

		force     bool
		earlyQuit bool

		wantHang bool
	}{
		"Quit completes":       {},
		"Force Quit completes": {force: true},

		"Force Quit does not hang on server shutdown": {view: &mockServer{shutdownDelay: 2 * time.Second}, force: true},
		"Force Quit hangs on server close":            {view: &mockServer{closeDelay: 2 * time.Second}, force: true, wantHang: true},
		"Quit hangs on server shutdown":               {view: &mockServer{shutdownDelay: 2 * time.Second}, wantHang: true},
		"Quit does not hang on server close":          {view: &mockServer{closeDelay: 2 * time.Second}},

		"Quit before Run makes Run fail":       {earlyQuit: true},
		"Force Quit before Run makes Run fail": {earlyQuit: true, force: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			loop := &mockLoop{}
			loop.initialize(t)
			if tc.view == nil {
				tc.view = &mockServer{}
			}
			tc.view.initialize(t)

			service := node.New(t.Context(), loop, map[string]node.Server{"view": tc.view},
				node.WithMaxDegradedDuration(time.Second))

			if tc.earlyQuit {
				timedQuit(t, service, tc.force, false)
			}

			errCh := runServiceAsync(t, service)

			select {
			case err := <-errCh:
				require.True(t, tc.earlyQuit, "Node should not have exited before Quit")
				require.ErrorIs(t, err, node.ErrServiceClosed, "Run after Quit should fail")
				return
			case <-time.After(100 * time.Millisecond):
				require.False(t, tc.earlyQuit, "Node should not run after an early Quit")
			}

			timedQuit(t, service, tc.force, tc.wantHang)
		})
	}
}

func TestRunCleansUp(t *testing.T) {
	t.Parallel()

	loop := &mockLoop{}
	loop.initialize(t)
	view := &mockServer{}
	view.initialize(t)

	var order []string
	var mu sync.Mutex
	cleanup := func(name string, err error) func() error {
		return func() error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return err
		}
	}

	service := node.New(t.Context(), loop, map[string]node.Server{"view": view},
		node.WithCleanup(cleanup("bus", nil)),
		node.WithCleanup(cleanup("leaderboard", errors.New("requested close error"))))

	errCh := runServiceAsync(t, service)
	timedQuit(t, service, false, false)

	err := <-errCh
	require.Error(t, err, "Run should return the cleanup errors")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"leaderboard", "bus"}, order, "Cleanup should run in reverse order")
}

// runServiceAsync runs the node in a goroutine and returns a channel to receive its error.
func runServiceAsync(t *testing.T, service *node.Service) <-chan error {
	t.Helper()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		errCh <- service.Run()
	}()

	// Allow some time for things to process
	time.Sleep(50 * time.Millisecond)
	return errCh
}

// timedQuit calls Quit and checks whether it hangs for more than 500 milliseconds.
func timedQuit(t *testing.T, service *node.Service, force bool, hang bool) {
	t.Helper()

	quitDone := make(chan struct{})
	go func() {
		defer close(quitDone)
		service.Quit(force)
	}()

	select {
	case <-quitDone:
		require.False(t, hang, "Expected Quit to hang but it did not")
	case <-time.After(500 * time.Millisecond):
		require.True(t, hang, "Expected Quit to return but it did not")
	}
}

type mockLoop struct {
	hang   bool
	runErr error

	internalCtx    context.Context
	internalCancel context.CancelFunc
}

func (l *mockLoop) initialize(t *testing.T) {
	t.Helper()

	l.internalCtx, l.internalCancel = context.WithCancel(t.Context())
}

func (l *mockLoop) Run(ctx context.Context) error {
	if l.hang {
		<-l.internalCtx.Done()
		return l.runErr
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.internalCtx.Done():
		return l.runErr
	}
}

// triggerError makes Run return runErr, if any.
func (l *mockLoop) triggerError() {
	if l.runErr != nil {
		l.internalCancel()
	}
}

type mockServer struct {
	shutdownSignal chan struct{}
	shutdownDelay  time.Duration
	shutdownOnce   sync.Once

	closeSignal chan struct{}
	closeDelay  time.Duration
	closeOnce   sync.Once

	internalCtx       context.Context
	internalCancel    context.CancelFunc
	listenAndServeErr error
}

func (m *mockServer) initialize(t *testing.T) {
	t.Helper()

	m.shutdownSignal = make(chan struct{})
	m.closeSignal = make(chan struct{})
	m.internalCtx, m.internalCancel = context.WithCancel(t.Context())
}

func (m *mockServer) ListenAndServe() error {
	select {
	case <-m.internalCtx.Done():
	case <-m.shutdownSignal:
		return http.ErrServerClosed
	case <-m.closeSignal:
		return http.ErrServerClosed
	}
	return m.listenAndServeErr
}

func (m *mockServer) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() { close(m.shutdownSignal) })

	select {
	case <-time.After(m.shutdownDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (m *mockServer) Close() error {
	m.closeOnce.Do(func() { close(m.closeSignal) })

	time.Sleep(m.closeDelay)
	return nil
}

// triggerError makes ListenAndServe return listenAndServeErr, if any.
func (m *mockServer) triggerError() {
	if m.listenAndServeErr != nil {
		m.internalCancel()
	}
}
