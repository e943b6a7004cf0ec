package metrics

import (
	"fmt"

	"github.com/agarnet/agar-node/internal/game"
	"github.com/prometheus/client_golang/prometheus"
)

// GameState is the part of the game state reported as metrics.
type GameState interface {
	PlayerID() string
	World() game.World
	IsLeader() bool
}

// Game holds the game metrics which are updated by the game loop.
type Game struct {
	ticks prometheus.Counter
}

// RegisterGame registers the metrics describing g on reg.
func RegisterGame(reg prometheus.Registerer, g GameState) (*Game, error) {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agar_players",
			Help: "Number of players in the world of this node.",
		}, func() float64 { return float64(len(g.World().Players)) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agar_foods",
			Help: "Number of foods in the world of this node.",
		}, func() float64 { return float64(len(g.World().Foods)) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agar_is_leader",
			Help: "1 when this node is the coordinator, 0 otherwise.",
		}, func() float64 {
			if g.IsLeader() {
				return 1
			}
			return 0
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agar_own_mass",
			Help: "Mass of the player of this node, 0 once eaten.",
		}, func() float64 {
			p, _ := g.World().PlayerByID(g.PlayerID())
			return p.Mass
		}),
	}

	ticks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agar_ticks_total",
		Help: "Number of game ticks run by this node.",
	})
	collectors = append(collectors, ticks)

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register game metrics: %v", err)
		}
	}

	return &Game{ticks: ticks}, nil
}

// Tick records one game tick.
func (g *Game) Tick() {
	g.ticks.Inc()
}
