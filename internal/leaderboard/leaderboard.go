// Package leaderboard stores the standings of the game in PostgreSQL.
// The coordinator records a round of standings periodically and the best masses can be queried back.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/agarnet/agar-node/internal/game"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds the configuration for connecting to the PostgreSQL database.
type Config struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"-"`
	DBName   string `mapstructure:"name" yaml:"name"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// Enabled reports whether a database is configured at all.
func (c Config) Enabled() bool {
	return c.Host != ""
}

// URI is a helper method that returns a connection URI for PostgreSQL.
// It does not check the validity of the configuration values.
//
// Security warning: the returned string may include credentials.
func (c Config) URI(scheme string) string {
	host := c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}

	user := url.User(c.User)
	if c.Password != "" {
		user = url.UserPassword(c.User, c.Password)
	}

	u := &url.URL{
		Scheme: scheme,
		User:   user,
		Host:   host,
		Path:   c.DBName,
	}

	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Entry is the best result of one player over every recorded round.
type Entry struct {
	PlayerID string  `db:"player_id" json:"playerId" yaml:"player"`
	BestMass float64 `db:"best_mass" json:"bestMass" yaml:"best_mass"`
	Rounds   int64   `db:"rounds" json:"rounds" yaml:"rounds"`
}

type dbPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// Manager manages the PostgreSQL database connection pool.
type Manager struct {
	dbpool dbPool
}

type options struct {
	newPool func(ctx context.Context, dsn string) (dbPool, error)
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// New creates a leaderboard with a PostgreSQL connection pool using the provided configuration.
// Note: The connection is validated with a ping, but it is not maintained.
func New(ctx context.Context, cfg Config, args ...Options) (*Manager, error) {
	opts := options{
		newPool: func(ctx context.Context, dsn string) (dbPool, error) {
			return pgxpool.New(ctx, dsn)
		},
	}

	for _, opt := range args {
		opt(&opts)
	}

	dbpool, err := opts.newPool(ctx, cfg.URI("postgres"))
	if err != nil {
		return nil, fmt.Errorf("unable to create database connection pool: %w", err)
	}

	slog.Debug("Testing database connection", "host", cfg.Host, "port", cfg.Port)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %v", err)
	}

	slog.Info("Successfully pinged PostgreSQL database", "host", cfg.Host, "port", cfg.Port)
	return &Manager{dbpool: dbpool}, nil
}

// Record stores the standings of one round, heaviest player first.
func (db *Manager) Record(ctx context.Context, round uuid.UUID, standings []game.Player) error {
	if db.dbpool == nil {
		return fmt.Errorf("database not initialized")
	}
	if len(standings) == 0 {
		return nil
	}

	ids := make([]string, 0, len(standings))
	masses := make([]float64, 0, len(standings))
	for _, p := range standings {
		ids = append(ids, p.ID)
		masses = append(masses, p.Mass)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := db.dbpool.Exec(ctx,
		`INSERT INTO standings (round_id, recorded_at, player_id, mass, rank)
		SELECT $1::uuid, $2, s.player_id, s.mass, s.rank
		FROM unnest($3::text[], $4::double precision[]) WITH ORDINALITY AS s(player_id, mass, rank)`,
		round.String(), // round_id
		time.Now(),     // recorded_at
		ids,            // player_id
		masses,         // mass
	)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("recording canceled: %v", err)
		}
		return fmt.Errorf("failed to record standings: %v", err)
	}
	return nil
}

// Top returns the n players with the best mass ever recorded.
func (db *Manager) Top(ctx context.Context, n int) ([]Entry, error) {
	if db.dbpool == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if n <= 0 {
		return nil, fmt.Errorf("invalid number of entries: %d", n)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := db.dbpool.Query(ctx,
		`SELECT player_id, MAX(mass) AS best_mass, COUNT(DISTINCT round_id) AS rounds
		FROM standings
		GROUP BY player_id
		ORDER BY best_mass DESC, player_id
		LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %v", err)
	}

	entries, err := pgx.CollectRows(rows, pgx.RowToStructByName[Entry])
	if err != nil {
		return nil, fmt.Errorf("failed to read leaderboard: %v", err)
	}
	return entries, nil
}

// Ping checks the database still answers.
func (db *Manager) Ping(ctx context.Context) error {
	if db.dbpool == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := db.dbpool.Ping(ctx); err != nil {
		return fmt.Errorf("unable to ping database: %v", err)
	}
	return nil
}

// Close closes the database connection.
//
// If the connection is already closed, it does nothing.
// If the connection does not close within 10 seconds, it returns an error.
func (db *Manager) Close() error {
	if db.dbpool == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		db.dbpool.Close()
	}()

	select {
	case <-done:
		db.dbpool = nil
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout while closing database, connection may still be open")
	}
}
