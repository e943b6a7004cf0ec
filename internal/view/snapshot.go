package view

import (
	"hash/fnv"

	"github.com/agarnet/agar-node/internal/game"
)

// palette holds the colours players are drawn with.
var palette = [...]string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#42d4f4", "#f032e6",
}

// Color returns the colour a player is drawn with. Every node picks the same colour for an id.
func Color(id string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return palette[h.Sum32()%uint32(len(palette))]
}

// PlayerView is a player as drawn by a view.
type PlayerView struct {
	game.Player
	Radius float64 `json:"radius"`
	Color  string  `json:"color"`
}

// Snapshot is the world as seen from one node.
type Snapshot struct {
	PlayerID string       `json:"player_id"`
	Leader   bool         `json:"leader"`
	Eaten    bool         `json:"eaten"`
	Width    int          `json:"width"`
	Height   int          `json:"height"`
	Players  []PlayerView `json:"players"`
	Foods    []game.Food  `json:"foods"`
}

// NewSnapshot captures the current state. Players are ordered from the heaviest to the lightest.
func NewSnapshot(state GameState) Snapshot {
	w := state.World()

	players := make([]PlayerView, 0, len(w.Players))
	for _, p := range w.Standings() {
		players = append(players, PlayerView{Player: p, Radius: p.Radius(), Color: Color(p.ID)})
	}
	foods := w.Foods
	if foods == nil {
		foods = []game.Food{}
	}

	return Snapshot{
		PlayerID: state.PlayerID(),
		Leader:   state.IsLeader(),
		Eaten:    state.Eaten(),
		Width:    w.Width,
		Height:   w.Height,
		Players:  players,
		Foods:    foods,
	}
}
