package view

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/agarnet/agar-node/internal/constants"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10

	maxDirectionBytes = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// errNotPlaying is returned when steering a player which is not in the world anymore.
var errNotPlaying = errors.New("player is not in the world")

type handler struct {
	state    GameState
	interval time.Duration
	onSteer  func()
}

// Direction is the body of a steering request.
type Direction struct {
	DX *float64 `json:"dx"`
	DY *float64 `json:"dy"`
}

func (h *handler) world(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(NewSnapshot(h.state)); err != nil {
		slog.Warn("Failed to write world snapshot", "err", err)
	}
}

func (h *handler) direction(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxDirectionBytes)

	var d Direction
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := h.steer(d); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errNotPlaying) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// steer points the own player along d. Directions longer than 1 are normalized.
func (h *handler) steer(d Direction) error {
	if d.DX == nil || d.DY == nil {
		return errors.New("dx and dy are required")
	}
	dx, dy := *d.DX, *d.DY
	if n := math.Hypot(dx, dy); n > 1 {
		dx, dy = dx/n, dy/n
	}

	id := h.state.PlayerID()
	if _, ok := h.state.World().PlayerByID(id); !ok {
		return errNotPlaying
	}
	h.onSteer()
	h.state.SetPlayerDirection(id, dx, dy)
	slog.Debug("Player steered", "player", id, "dx", dx, "dy", dy)
	return nil
}

// stream sends a snapshot every interval until the client leaves or the server stops.
// Direction messages received from the client steer the own player.
func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("WebSocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(maxDirectionBytes)
	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		slog.Warn("WebSocket set read deadline failed", "err", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go func() {
		defer cancel()
		for {
			var d Direction
			if err := conn.ReadJSON(&d); err != nil {
				var syntaxErr *json.SyntaxError
				var typeErr *json.UnmarshalTypeError
				if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
					slog.Debug("Ignoring invalid direction message", "err", err)
					continue
				}
				return
			}
			if err := h.steer(d); err != nil {
				slog.Debug("Ignoring direction message", "err", err)
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()

	send := func() error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return err
		}
		return conn.WriteJSON(NewSnapshot(h.state))
	}

	if err := send(); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case <-ticker.C:
			if err := send(); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"version":%q}`, constants.Version)
}
