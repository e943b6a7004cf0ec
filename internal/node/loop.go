package node

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agarnet/agar-node/internal/ai"
	"github.com/agarnet/agar-node/internal/constants"
	"github.com/agarnet/agar-node/internal/game"
	"github.com/agarnet/agar-node/internal/rules"
	"github.com/google/uuid"
)

const (
	// DefaultRecordInterval is the time between two rounds of standings recorded by the coordinator.
	DefaultRecordInterval = 30 * time.Second

	// defaultElectionDelay leaves time to the consumers to subscribe before the first election,
	// so that the answers of higher nodes are not missed.
	defaultElectionDelay = 500 * time.Millisecond

	recordTimeout = 5 * time.Second
)

// GameState is the game state driven by the loop.
type GameState interface {
	ai.Mover
	PlayerID() string
	IsLeader() bool
	LastWorld() time.Time
	Standings() []game.Player
	Tick(ctx context.Context) error
}

// Elector runs the coordinator elections.
type Elector interface {
	StartElection(ctx context.Context)
	Coordinator() string
}

// Consumers feeds the game state and the elector with the messages of the peers.
type Consumers interface {
	Run(ctx context.Context) error
}

// RulesSource provides the current game rules and reports their changes.
type RulesSource interface {
	Rules() rules.Rules
	Watch(ctx context.Context) (<-chan struct{}, <-chan error, error)
}

// Recorder stores the standings of a round.
type Recorder interface {
	Record(ctx context.Context, round uuid.UUID, standings []game.Player) error
}

// TickObserver is notified of every game tick.
type TickObserver interface {
	Tick()
}

// Loop is the game loop of a node.
type Loop struct {
	state     GameState
	elector   Elector
	consumers Consumers
	rules     RulesSource

	recorder       Recorder
	observer       TickObserver
	tickInterval   time.Duration
	recordInterval time.Duration
	electionDelay  time.Duration

	manual atomic.Bool

	// Only accessed by the running loop.
	coordinator      string
	coordinatorSince time.Time
	failing          bool
}

type loopOptions struct {
	recorder       Recorder
	observer       TickObserver
	tickInterval   time.Duration
	recordInterval time.Duration
	electionDelay  time.Duration
}

// LoopOption is a function which tweaks the creation of the Loop.
type LoopOption func(*loopOptions)

// WithTickInterval sets the duration between two game ticks.
func WithTickInterval(d time.Duration) LoopOption {
	return func(o *loopOptions) { o.tickInterval = d }
}

// WithRecorder makes the loop record the standings every interval while this node is the coordinator.
func WithRecorder(r Recorder, interval time.Duration) LoopOption {
	return func(o *loopOptions) {
		o.recorder = r
		o.recordInterval = interval
	}
}

// WithTickObserver sets an observer notified after every tick.
func WithTickObserver(obs TickObserver) LoopOption {
	return func(o *loopOptions) { o.observer = obs }
}

// NewLoop creates the game loop of state.
func NewLoop(state GameState, elector Elector, consumers Consumers, rs RulesSource, args ...LoopOption) *Loop {
	opts := loopOptions{
		tickInterval:   constants.DefaultTickInterval,
		recordInterval: DefaultRecordInterval,
		electionDelay:  defaultElectionDelay,
	}
	for _, arg := range args {
		arg(&opts)
	}
	if opts.tickInterval <= 0 {
		opts.tickInterval = constants.DefaultTickInterval
	}
	if opts.recordInterval <= 0 {
		opts.recordInterval = DefaultRecordInterval
	}

	return &Loop{
		state:          state,
		elector:        elector,
		consumers:      consumers,
		rules:          rs,
		recorder:       opts.recorder,
		observer:       opts.observer,
		tickInterval:   opts.tickInterval,
		recordInterval: opts.recordInterval,
		electionDelay:  opts.electionDelay,
	}
}

// DisableAI hands the own player over to manual steering for the rest of the game.
func (l *Loop) DisableAI() {
	if !l.manual.Swap(true) {
		slog.Info("Manual steering, AI disabled", "player", l.state.PlayerID())
	}
}

// AIEnabled reports whether the AI moves the own player when the rules allow it.
func (l *Loop) AIEnabled() bool {
	return !l.manual.Load()
}

// Run ticks the game until ctx is canceled.
//
// Always returns a non-nil error, the context one.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("Game loop started", "player", l.state.PlayerID(), "tick", l.tickInterval)

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := l.consumers.Run(ctx); err != nil && !errors.Is(err, ctx.Err()) {
			slog.Error("Consumers stopped", "err", err)
		}
	}()

	changes, watchErrs, err := l.rules.Watch(ctx)
	if err != nil {
		slog.Warn("Rules will not be reloaded", "err", err)
	}

	if l.recorder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.recordStandings(ctx)
		}()
	}

	start := time.Now()
	elected := false
	l.coordinatorSince = start

	ticker := time.NewTicker(l.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Game loop stopped", "player", l.state.PlayerID())
			return ctx.Err()

		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			slog.Info("Game rules updated", "rules", l.rules.Rules())

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			slog.Error("Rules watcher stopped", "err", err)

		case now := <-ticker.C:
			if !elected && now.Sub(start) >= l.electionDelay {
				elected = true
				l.elector.StartElection(ctx)
			}
			l.tick(ctx, now)
		}
	}
}

// tick moves the own player, advances the game and checks the coordinator is alive.
func (l *Loop) tick(ctx context.Context, now time.Time) {
	r := l.rules.Rules()

	if r.AI && l.AIEnabled() {
		ai.Move(l.state.PlayerID(), l.state)
	}

	err := l.state.Tick(ctx)
	switch {
	case err != nil && !l.failing:
		l.failing = true
		slog.Warn("Game updates are not published", "err", err)
	case err != nil:
		slog.Debug("Game updates are still not published", "err", err)
	case l.failing:
		l.failing = false
		slog.Info("Game updates are published again")
	}
	if l.observer != nil {
		l.observer.Tick()
	}

	l.watchCoordinator(ctx, now, r.LeaderTimeout)
}

// watchCoordinator starts an election when no world came from the coordinator for timeout.
func (l *Loop) watchCoordinator(ctx context.Context, now time.Time, timeout time.Duration) {
	if c := l.elector.Coordinator(); c != l.coordinator {
		l.coordinator = c
		l.coordinatorSince = now
	}
	if l.state.IsLeader() {
		return
	}

	last := l.state.LastWorld()
	if l.coordinatorSince.After(last) {
		last = l.coordinatorSince
	}
	if now.Sub(last) < timeout {
		return
	}

	slog.Warn("Coordinator is silent, starting an election", "coordinator", l.coordinator, "silent_for", now.Sub(last))
	l.coordinatorSince = now
	l.elector.StartElection(ctx)
}

// recordStandings records a new round of standings every interval while this node is the coordinator.
func (l *Loop) recordStandings(ctx context.Context) {
	ticker := time.NewTicker(l.recordInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !l.state.IsLeader() {
			continue
		}
		standings := l.state.Standings()
		if len(standings) == 0 {
			continue
		}

		round := uuid.New()
		rctx, cancel := context.WithTimeout(ctx, recordTimeout)
		err := l.recorder.Record(rctx, round, standings)
		cancel()
		if err != nil {
			slog.Warn("Failed to record standings", "round", round, "err", err)
			continue
		}
		slog.Debug("Standings recorded", "round", round, "players", len(standings))
	}
}
