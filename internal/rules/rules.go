// Package rules provides a manager that loads and watches the TOML file holding the game rules.
package rules

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// Rules are the game parameters which can change while a node is running.
type Rules struct {
	// PlayerSpeed is the distance a player moves per tick along its unit direction.
	PlayerSpeed float64 `toml:"player_speed" json:"playerSpeed" yaml:"player_speed"`
	// EatMassMargin is how many times heavier a player must be to eat another one.
	EatMassMargin float64 `toml:"eat_mass_margin" json:"eatMassMargin" yaml:"eat_mass_margin"`
	// FoodTarget is the number of foods the coordinator keeps in the world.
	FoodTarget int `toml:"food_target" json:"foodTarget" yaml:"food_target"`
	// WorldBroadcastEvery is the number of ticks between two world publications of the coordinator.
	WorldBroadcastEvery int `toml:"world_broadcast_every" json:"worldBroadcastEvery" yaml:"world_broadcast_every"`
	// PlayerTTL is how long the coordinator keeps a player it does not hear from.
	PlayerTTL time.Duration `toml:"player_ttl" json:"playerTTL" yaml:"player_ttl"`
	// LeaderTimeout is how long a follower waits for a world before electing a new coordinator.
	LeaderTimeout time.Duration `toml:"leader_timeout" json:"leaderTimeout" yaml:"leader_timeout"`
	// AI moves the own player toward the nearest food.
	AI bool `toml:"ai" json:"ai" yaml:"ai"`
}

// Defaults returns the rules used when no file overrides them.
func Defaults() Rules {
	return Rules{
		PlayerSpeed:         1,
		EatMassMargin:       1.1,
		FoodTarget:          100,
		WorldBroadcastEvery: 5,
		PlayerTTL:           3 * time.Second,
		LeaderTimeout:       2 * time.Second,
		AI:                  true,
	}
}

// Validate returns an error describing every invalid value.
func (r Rules) Validate() error {
	var errs []error
	if r.PlayerSpeed <= 0 {
		errs = append(errs, fmt.Errorf("player_speed must be positive, got %v", r.PlayerSpeed))
	}
	if r.EatMassMargin < 1 {
		errs = append(errs, fmt.Errorf("eat_mass_margin must be at least 1, got %v", r.EatMassMargin))
	}
	if r.FoodTarget < 0 {
		errs = append(errs, fmt.Errorf("food_target must not be negative, got %d", r.FoodTarget))
	}
	if r.WorldBroadcastEvery < 1 {
		errs = append(errs, fmt.Errorf("world_broadcast_every must be at least 1, got %d", r.WorldBroadcastEvery))
	}
	if r.PlayerTTL <= 0 {
		errs = append(errs, fmt.Errorf("player_ttl must be positive, got %v", r.PlayerTTL))
	}
	if r.LeaderTimeout <= 0 {
		errs = append(errs, fmt.Errorf("leader_timeout must be positive, got %v", r.LeaderTimeout))
	}
	return errors.Join(errs...)
}

// Manager holds the current rules and reloads them when their file changes.
type Manager struct {
	rules Rules
	lock  sync.RWMutex
	path  string

	log *slog.Logger
}

type options struct {
	Logger *slog.Logger
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// New creates a rules manager for the file at path, starting from the default rules.
func New(path string, args ...Options) *Manager {
	opts := options{
		Logger: slog.Default(),
	}

	for _, opt := range args {
		opt(&opts)
	}

	return &Manager{
		rules: Defaults(),
		path:  path,
		log:   opts.Logger,
	}
}

// Load reads the rules file and replaces the current rules.
//
// Keys absent from the file take their default value and a missing file means default rules.
// On error, the current rules are left untouched.
func (m *Manager) Load() error {
	r := Defaults()
	md, err := toml.DecodeFile(m.path, &r)
	if errors.Is(err, fs.ErrNotExist) {
		m.log.Debug("No rules file, using defaults", "path", m.path)
		r = Defaults()
	} else if err != nil {
		return fmt.Errorf("decoding rules file: %v", err)
	} else if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown keys in rules file: %s", strings.Join(keys, ", "))
	}

	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid rules: %v", err)
	}

	m.lock.Lock()
	m.rules = r
	m.lock.Unlock()

	m.log.Info("Rules loaded", "rules", r)
	return nil
}

// Watch starts watching the rules file for changes.
//
// It returns two channels: one for rule changes which result in a successful load and another for unrecoverable watcher errors.
func (m *Manager) Watch(ctx context.Context) (changes <-chan struct{}, errors <-chan error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create watcher: %v", err)
	}

	dir, _ := filepath.Split(m.path)
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("failed to add directory %s to watcher: %v", dir, err)
	}

	m.log.Info("Watching rules directory", "dir", dir)
	changesCh := make(chan struct{}, 1)
	errorsCh := make(chan error, 1)

	if err := m.Load(); err != nil {
		m.log.Warn("Error loading initial rules", "err", err)
	}

	go func() {
		defer close(changesCh)
		defer close(errorsCh)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				m.log.Info("Rules watcher stopped")
				return
			case event, ok := <-watcher.Events:
				if !ok {
					errorsCh <- fmt.Errorf("watcher events channel closed unexpectedly")
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if filepath.Clean(event.Name) != filepath.Clean(m.path) {
					continue
				}

				m.log.Debug("Rules file changed. Reloading...")
				if err := m.Load(); err != nil {
					m.log.Warn("Error reloading rules, keeping the previous ones", "err", err)
					continue
				}

				select {
				case changesCh <- struct{}{}:
				default:
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					errorsCh <- fmt.Errorf("watcher errors channel closed unexpectedly")
					return
				}
				m.log.Warn("Watcher error", "err", err)
			}
		}
	}()

	return changesCh, errorsCh, nil
}

// Rules returns the current rules.
func (m *Manager) Rules() Rules {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.rules
}

// Path returns the watched rules file.
func (m *Manager) Path() string {
	return m.path
}
