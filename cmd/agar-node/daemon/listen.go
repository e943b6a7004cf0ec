package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/agarnet/agar-node/internal/broker"
	"github.com/agarnet/agar-node/internal/codec"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type encoder interface {
	Encode(v any) error
}

// playerUpdate is a player update as printed by listen.
type playerUpdate struct {
	ID     string  `json:"id" yaml:"id"`
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Mass   float64 `json:"mass" yaml:"mass"`
	Radius float64 `json:"radius" yaml:"radius"`
}

func (a *App) installListen() {
	var format string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print every player update published on the broker",
		Long: `Consume the player position exchange without joining the game and print each
update received, until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc, err := newEncoder(format, cmd.OutOrStdout())
			if err != nil {
				a.cmd.SilenceUsage = false
				return err
			}
			return a.listen(enc)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format, json or yaml")
	a.cmd.AddCommand(cmd)
}

func newEncoder(format string, w io.Writer) (encoder, error) {
	switch format {
	case "json":
		return json.NewEncoder(w), nil
	case "yaml":
		return yaml.NewEncoder(w), nil
	default:
		return nil, fmt.Errorf("unknown output format %q, expected json or yaml", format)
	}
}

// listen prints the player updates until Quit is called.
func (a *App) listen(enc encoder) error {
	bus, err := a.newBus(a.config.BrokerURL)
	if err != nil {
		return fmt.Errorf("connecting to the broker: %v", err)
	}
	defer bus.Close()

	deliveries, err := bus.Consume(a.ctx, broker.PlayerPosition)
	if err != nil {
		return fmt.Errorf("consuming %s: %v", broker.PlayerPosition, err)
	}
	slog.Info("Listening to player updates", "exchange", broker.PlayerPosition)
	a.markReady()

	for {
		select {
		case <-a.ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if a.ctx.Err() != nil {
					return nil
				}
				return errors.New("connection to the broker lost")
			}
			if err := printPlayer(enc, d.Body); err != nil {
				return err
			}
			if d.Ack != nil {
				if err := d.Ack(); err != nil {
					slog.Warn("Failed to acknowledge update", "err", err)
				}
			}
		}
	}
}

func printPlayer(enc encoder, body []byte) error {
	p, err := codec.DecodePlayer(body)
	if errors.Is(err, codec.ErrEmpty) {
		return nil
	}
	if err != nil {
		slog.Warn("Skipping invalid player update", "err", err)
		return nil
	}
	u := playerUpdate{ID: p.ID, X: p.X, Y: p.Y, Mass: p.Mass, Radius: p.Radius()}
	if err := enc.Encode(u); err != nil {
		return fmt.Errorf("printing player update: %v", err)
	}
	return nil
}
