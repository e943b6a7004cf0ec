// Package gamestate keeps the world of one node in sync with its peers.
//
// Every node simulates the movement of its own player and publishes it each tick. The
// coordinator merges the positions it receives, resolves eating, grows the food and publishes
// the authoritative world. Followers adopt that world while keeping the locally simulated
// position of their own player.
package gamestate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/agarnet/agar-node/internal/broker"
	"github.com/agarnet/agar-node/internal/codec"
	"github.com/agarnet/agar-node/internal/constants"
	"github.com/agarnet/agar-node/internal/game"
	"github.com/agarnet/agar-node/internal/rules"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ubuntu/decorate"
)

// tombstoneTTL is how long the coordinator ignores the updates of a player it saw eaten.
const tombstoneTTL = 10 * time.Second

// maxTrackedPlayers bounds how many peers the coordinator remembers having heard from.
const maxTrackedPlayers = 4096

// RulesProvider gives the rules to apply on the next tick.
type RulesProvider interface {
	Rules() rules.Rules
}

type defaultRules struct{}

func (defaultRules) Rules() rules.Rules { return rules.Defaults() }

// Manager is the game state of one node.
type Manager struct {
	bus      broker.Bus
	playerID string
	rules    RulesProvider
	rng      *rand.Rand

	mu         sync.RWMutex
	world      game.World
	directions map[string]game.Position
	leader     bool
	eaten      bool
	joined     bool
	ticks      uint64
	lastWorld  time.Time

	ttl        time.Duration
	liveness   *lru.Cache[string, time.Time] // last update heard from each peer
	tombstones *expirable.LRU[string, struct{}]
}

type options struct {
	width, height int
	rules         RulesProvider
	rng           *rand.Rand
}

// Option is a function which tweaks the creation of the Manager.
type Option func(*options)

// WithWorldSize sets the size of the world the node starts with.
func WithWorldSize(width, height int) Option {
	return func(o *options) {
		o.width = width
		o.height = height
	}
}

// WithRules sets where the game rules are read from on every tick.
func WithRules(r RulesProvider) Option {
	return func(o *options) { o.rules = r }
}

// WithRand sets the random source used to place the food.
func WithRand(rng *rand.Rand) Option {
	return func(o *options) { o.rng = rng }
}

// New returns a world containing only the player of this node, at its centre.
func New(bus broker.Bus, playerID string, args ...Option) (*Manager, error) {
	id, err := game.NormalizeID(playerID)
	if err != nil {
		return nil, err
	}

	opts := options{
		width:  constants.DefaultWorldWidth,
		height: constants.DefaultWorldHeight,
		rules:  defaultRules{},
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, arg := range args {
		arg(&opts)
	}
	if opts.width <= 0 || opts.height <= 0 {
		return nil, fmt.Errorf("invalid world size %dx%d", opts.width, opts.height)
	}

	me := game.Player{
		ID:   id,
		X:    float64(opts.width) / 2,
		Y:    float64(opts.height) / 2,
		Mass: constants.DefaultPlayerMass,
	}
	liveness, err := lru.New[string, time.Time](maxTrackedPlayers)
	if err != nil {
		return nil, fmt.Errorf("could not create the liveness cache: %v", err)
	}

	return &Manager{
		bus:        bus,
		playerID:   id,
		rules:      opts.rules,
		rng:        opts.rng,
		world:      game.NewWorld(opts.width, opts.height, []game.Player{me}, nil),
		directions: make(map[string]game.Position),
		ttl:        opts.rules.Rules().PlayerTTL,
		liveness:   liveness,
		tombstones: expirable.NewLRU[string, struct{}](0, nil, tombstoneTTL),
	}, nil
}

// PlayerID returns the normalized id of the own player.
func (m *Manager) PlayerID() string {
	return m.playerID
}

// World returns the current world.
func (m *Manager) World() game.World {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.world
}

// Standings returns the players from the heaviest to the lightest.
func (m *Manager) Standings() []game.Player {
	return m.World().Standings()
}

// Eaten reports whether the own player was eaten.
func (m *Manager) Eaten() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eaten
}

// IsLeader reports whether this node currently acts as the coordinator.
func (m *Manager) IsLeader() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leader
}

// LastWorld returns when the last world of the coordinator was adopted.
func (m *Manager) LastWorld() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastWorld
}

// SetPlayerDirection sets the direction a player moves along on every tick.
// Unknown players are ignored.
func (m *Manager) SetPlayerDirection(id string, dx, dy float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.world.PlayerByID(id); !ok {
		return
	}
	m.directions[id] = game.Position{X: dx, Y: dy}
}

// SetLeader switches the node between coordinator and follower.
func (m *Manager) SetLeader(leader bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if leader == m.leader {
		return
	}
	m.leader = leader
	m.ticks = 0
	if leader {
		// Give every known player a full TTL to show up to its new coordinator.
		for _, p := range m.world.Players {
			m.liveness.Add(p.ID, time.Now())
		}
		slog.Info("Acting as coordinator", "player", m.playerID)
		return
	}
	m.lastWorld = time.Now()
	slog.Info("Following the coordinator", "player", m.playerID)
}

// Tick advances the game by one step and publishes the updates of this node.
func (m *Manager) Tick(ctx context.Context) (err error) {
	defer decorate.OnError(&err, "could not tick")

	r := m.rules.Rules()

	m.mu.Lock()
	m.refreshTTL(r.PlayerTTL)
	m.world = game.Step(m.world, m.directions, r.PlayerSpeed)

	var worldBody []byte
	if m.leader {
		m.coordinate(r)
		m.ticks++
		if m.ticks%uint64(max(r.WorldBroadcastEvery, 1)) == 0 {
			if worldBody, err = codec.EncodeWorld(m.world); err != nil {
				m.mu.Unlock()
				return err
			}
		}
	}

	var playerBody []byte
	if me, ok := m.world.PlayerByID(m.playerID); ok {
		if playerBody, err = codec.EncodePlayer(me); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	m.mu.Unlock()

	if worldBody != nil {
		if err := m.bus.Publish(ctx, broker.ActualWorld, worldBody); err != nil {
			return err
		}
	}
	return m.bus.Publish(ctx, broker.PlayerPosition, playerBody)
}

// coordinate resolves eating, evicts silent players and grows the food.
// m.mu must be held.
func (m *Manager) coordinate(r rules.Rules) {
	w, eaten := game.ResolveEating(m.world, r.EatMassMargin)
	for _, id := range eaten.Players {
		m.tombstones.Add(id, struct{}{})
		m.liveness.Remove(id)
		delete(m.directions, id)
		if id == m.playerID {
			m.eaten = true
		}
		slog.Info("Player eaten", "player", id)
	}

	var silent []string
	now := time.Now()
	for _, p := range w.Players {
		if p.ID == m.playerID {
			continue
		}
		if heard, ok := m.liveness.Peek(p.ID); !ok || now.Sub(heard) >= m.ttl {
			silent = append(silent, p.ID)
		}
	}
	if len(silent) > 0 {
		slog.Info("Removing silent players", "players", silent)
		w = w.RemovePlayers(silent...)
		for _, id := range silent {
			delete(m.directions, id)
		}
	}

	m.world = game.SpawnFoods(w, r.FoodTarget, m.rng)
}

// refreshTTL gives every known player a fresh lease when the player TTL rule changed.
// m.mu must be held.
func (m *Manager) refreshTTL(ttl time.Duration) {
	if ttl == m.ttl {
		return
	}
	slog.Debug("Player TTL changed", "from", m.ttl, "to", ttl)
	m.ttl = ttl
	now := time.Now()
	for _, p := range m.world.Players {
		m.liveness.Add(p.ID, now)
	}
}

// HandlePlayer merges a position update published by a peer.
func (m *Manager) HandlePlayer(body []byte) error {
	p, err := codec.DecodePlayer(body)
	if errors.Is(err, codec.ErrEmpty) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid player update: %w", err)
	}
	if p.ID == m.playerID {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dead := m.tombstones.Peek(p.ID); dead {
		return nil
	}
	m.liveness.Add(p.ID, time.Now())

	known, ok := m.world.PlayerByID(p.ID)
	if m.leader && ok {
		// Masses only change through the coordinator.
		p.Mass = known.Mass
	}
	p = p.MoveTo(m.world.Clamp(p.X, p.Y))
	m.world = m.world.UpsertPlayer(p)
	return nil
}

// HandleWorld adopts the authoritative world published by the coordinator.
func (m *Manager) HandleWorld(body []byte) error {
	w, err := codec.DecodeWorld(body)
	if errors.Is(err, codec.ErrEmpty) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid world: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.leader {
		return nil
	}
	m.lastWorld = time.Now()

	local, hadLocal := m.world.PlayerByID(m.playerID)
	remote, inWorld := w.PlayerByID(m.playerID)
	switch {
	case inWorld && hadLocal:
		w = w.UpsertPlayer(remote.MoveTo(w.Clamp(local.X, local.Y)))
		m.joined = true
	case inWorld:
		// Eaten already, the coordinator did not notice yet.
		w = w.RemovePlayers(m.playerID)
	case m.joined && !m.eaten:
		m.eaten = true
		delete(m.directions, m.playerID)
		slog.Info("Own player was eaten", "player", m.playerID)
	case hadLocal && !m.eaten:
		// The coordinator has not heard from us yet.
		w = w.UpsertPlayer(local)
	}

	for _, p := range w.Players {
		m.liveness.Add(p.ID, time.Now())
	}
	m.world = w
	return nil
}
