package daemon

import (
	"errors"
	"log/slog"

	"github.com/agarnet/agar-node/internal/leaderboard"
	"github.com/spf13/cobra"
)

func (a *App) installMigrate() {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the leaderboard database schema",
		Long: `Apply the leaderboard migrations embedded in the binary to the database
configured with the db flags, configuration file or environment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.config.DBconfig.Enabled() {
				a.cmd.SilenceUsage = false
				return errors.New("no leaderboard database configured, set it with --db-host")
			}

			slog.Info("Running migrate command", "host", a.config.DBconfig.Host, "name", a.config.DBconfig.DBName)
			return leaderboard.Migrate(a.config.DBconfig)
		},
	}
	a.cmd.AddCommand(cmd)
}
