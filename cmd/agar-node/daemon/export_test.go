package daemon

import (
	"context"
	"io"

	"github.com/agarnet/agar-node/internal/broker"
	"github.com/agarnet/agar-node/internal/leaderboard"
)

type (
	AppConfig       = appConfig
	StandingsReader = standingsReader
)

// Config returns the configuration of the app.
func (a *App) Config() AppConfig {
	return a.config
}

// SetArgs set some arguments on root command for tests.
func (a *App) SetArgs(args ...string) {
	a.cmd.SetArgs(args)
}

// SetSilenceUsage set the SilenceUsage flag on root command for tests.
func (a *App) SetSilenceUsage(silence bool) {
	a.cmd.SilenceUsage = silence
}

// SetOutput redirects the output of the commands for tests.
func (a *App) SetOutput(w io.Writer) {
	a.cmd.SetOut(w)
}

// SetBus makes the app use bus whatever the broker URL. The app never closes bus.
func (a *App) SetBus(bus broker.Bus) {
	a.newBus = func(string) (broker.Bus, error) { return sharedBus{bus}, nil }
}

type sharedBus struct {
	broker.Bus
}

func (sharedBus) Close() error { return nil }

// SetLeaderboard makes the app read the leaderboard from r instead of the configured database.
func (a *App) SetLeaderboard(r StandingsReader) {
	a.newLeaderboard = func(context.Context, leaderboard.Config) (standingsReader, error) { return r, nil }
}
