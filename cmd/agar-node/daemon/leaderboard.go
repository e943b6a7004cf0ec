package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agarnet/agar-node/internal/leaderboard"
	"github.com/spf13/cobra"
)

// standingsReader reads the best results recorded in the leaderboard.
type standingsReader interface {
	Top(ctx context.Context, n int) ([]leaderboard.Entry, error)
	Close() error
}

func openLeaderboard(ctx context.Context, cfg leaderboard.Config) (standingsReader, error) {
	lb, err := leaderboard.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return lb, nil
}

func (a *App) installLeaderboard() {
	var top int
	var format string

	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Print the best players recorded in the leaderboard",
		Long: `Query the leaderboard database configured with the db flags, configuration file
or environment and print the players with the best mass ever recorded, heaviest first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.config.DBconfig.Enabled() {
				a.cmd.SilenceUsage = false
				return errors.New("no leaderboard database configured, set it with --db-host")
			}
			if top <= 0 {
				a.cmd.SilenceUsage = false
				return fmt.Errorf("--top must be positive, got %d", top)
			}
			enc, err := newEncoder(format, cmd.OutOrStdout())
			if err != nil {
				a.cmd.SilenceUsage = false
				return err
			}
			return a.printLeaderboard(enc, top)
		},
	}
	cmd.Flags().IntVarP(&top, "top", "t", 10, "number of players to print")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format, json or yaml")
	a.cmd.AddCommand(cmd)
}

// printLeaderboard prints the top n entries of the leaderboard as a single list.
func (a *App) printLeaderboard(enc encoder, n int) error {
	lb, err := a.newLeaderboard(a.ctx, a.config.DBconfig)
	if err != nil {
		return fmt.Errorf("opening the leaderboard: %v", err)
	}
	defer func() {
		if e := lb.Close(); e != nil {
			slog.Warn("Failed to close the leaderboard", "err", e)
		}
	}()

	entries, err := lb.Top(a.ctx, n)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []leaderboard.Entry{}
	}
	slog.Debug("Leaderboard read", "entries", len(entries))

	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("printing leaderboard: %v", err)
	}
	return nil
}
