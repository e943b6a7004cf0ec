package leaderboard

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx" // PGX driver for golang-migrate
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate brings the database schema up to date with the migrations shipped in the binary.
func Migrate(cfg Config) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read embedded migrations: %v", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, cfg.URI("pgx"))
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %v", err)
	}
	defer func() {
		if sErr, dbErr := m.Close(); sErr != nil || dbErr != nil {
			if sErr != nil {
				slog.Error("failed to close migration instance", "error", sErr)
			}
			if dbErr != nil {
				slog.Error("failed to close database connection", "error", dbErr)
			}
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("No new migrations to apply")
			return nil
		}

		return fmt.Errorf("failed to apply migrations: %v", err)
	}
	slog.Info("Migrations applied successfully")
	return nil
}
