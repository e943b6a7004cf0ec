// Package ai steers a player without human input.
package ai

import (
	"math"

	"github.com/agarnet/agar-node/internal/game"
)

// Mover is the part of the game state the AI drives.
type Mover interface {
	World() game.World
	SetPlayerDirection(id string, dx, dy float64)
}

// Direction returns the unit vector from the player toward the nearest food.
// It returns false when the player is not in the world or there is no food to go to.
func Direction(playerID string, w game.World) (game.Position, bool) {
	me, ok := w.PlayerByID(playerID)
	if !ok || len(w.Foods) == 0 {
		return game.Zero, false
	}

	nearest := w.Foods[0]
	best := me.DistanceTo(nearest.X, nearest.Y)
	for _, f := range w.Foods[1:] {
		if d := me.DistanceTo(f.X, f.Y); d < best {
			nearest, best = f, d
		}
	}
	if best == 0 {
		return game.Zero, true
	}

	dx, dy := nearest.X-me.X, nearest.Y-me.Y
	n := math.Hypot(dx, dy)
	return game.Position{X: dx / n, Y: dy / n}, true
}

// Move points the player toward the nearest food. Without food, its direction is left unchanged.
func Move(playerID string, state Mover) {
	dir, ok := Direction(playerID, state.World())
	if !ok {
		return
	}
	state.SetPlayerDirection(playerID, dir.X, dir.Y)
}
