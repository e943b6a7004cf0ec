package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agarnet/agar-node/internal/broker"
	"github.com/agarnet/agar-node/internal/consumers"
	"github.com/agarnet/agar-node/internal/constants"
	"github.com/agarnet/agar-node/internal/election"
	"github.com/agarnet/agar-node/internal/gamestate"
	"github.com/agarnet/agar-node/internal/leaderboard"
	"github.com/agarnet/agar-node/internal/metrics"
	"github.com/agarnet/agar-node/internal/node"
	"github.com/agarnet/agar-node/internal/rules"
	"github.com/agarnet/agar-node/internal/view"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/ubuntu/decorate"
)

// run wires a node together and runs it until Quit is called or one of its parts fails.
func (a *App) run() (err error) {
	defer decorate.OnError(&err, "node of player %q", a.config.Player)

	if err := a.requirePlayer(); err != nil {
		return err
	}

	// Closed in reverse order when the node could not be started, by the node itself otherwise.
	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			if e := closers[i](); e != nil {
				slog.Warn("Failed to release resource", "err", e)
			}
		}
	}()

	rm := rules.New(a.config.RulesPath)
	if err := rm.Load(); err != nil {
		return fmt.Errorf("loading rules from %s: %v", a.config.RulesPath, err)
	}

	bus, err := a.newBus(a.config.BrokerURL)
	if err != nil {
		return fmt.Errorf("connecting to the broker: %v", err)
	}
	closers = append(closers, bus.Close)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ibus, err := metrics.InstrumentBus(bus, reg)
	if err != nil {
		return err
	}

	state, err := gamestate.New(ibus, a.config.Player,
		gamestate.WithWorldSize(a.config.WorldSize, a.config.WorldSize),
		gamestate.WithRules(rm))
	if err != nil {
		return err
	}

	elector := election.New(ibus, state.PlayerID())
	elector.OnCoordinatorChange(func(id string) {
		state.SetLeader(id == state.PlayerID())
	})

	pool, err := consumers.New(ibus, map[broker.Exchange]consumers.Handler{
		broker.PlayerPosition: func(_ context.Context, body []byte) error { return state.HandlePlayer(body) },
		broker.ActualWorld:    func(_ context.Context, body []byte) error { return state.HandleWorld(body) },
		broker.Election:       elector.Handle,
	}, reg)
	if err != nil {
		return err
	}

	gm, err := metrics.RegisterGame(reg, state)
	if err != nil {
		return err
	}

	var health []metrics.Option
	if p, ok := bus.(broker.Pinger); ok {
		health = append(health, metrics.WithHealthCheck("broker", p.Ping))
	}

	loopOpts := []node.LoopOption{
		node.WithTickInterval(a.config.Tick),
		node.WithTickObserver(gm),
	}
	if a.config.DBconfig.Enabled() {
		lb, err := leaderboard.New(a.ctx, a.config.DBconfig)
		if err != nil {
			return err
		}
		closers = append(closers, lb.Close)
		loopOpts = append(loopOpts, node.WithRecorder(lb, a.config.RecordInterval))
		health = append(health, metrics.WithHealthCheck("leaderboard", lb.Ping))
	} else {
		slog.Info("No leaderboard database configured, standings are not recorded")
	}
	loop := node.NewLoop(state, elector, pool, rm, loopOpts...)

	viewServer := view.New(a.config.View, state,
		view.WithMiddleware(metrics.NewMiddleware(reg)),
		view.WithOnSteer(loop.DisableAI))
	metricsServer := metrics.New(a.config.Metrics, reg, health...)

	if a.ctx.Err() != nil {
		return errors.New("node stopped before starting")
	}

	opts := make([]node.Option, 0, len(closers))
	for _, c := range closers {
		opts = append(opts, node.WithCleanup(c))
	}
	a.daemon = node.New(context.Background(), loop, map[string]node.Server{
		"view":    viewServer,
		"metrics": metricsServer,
	}, opts...)
	// The node owns the resources from now on.
	closers = nil

	slog.Info("Node ready", "player", state.PlayerID(), "standalone", a.config.BrokerURL == constants.MemoryBrokerURL)
	a.markReady()
	return a.daemon.Run()
}
