package game

import (
	"math/rand/v2"
	"slices"
	"sort"

	"github.com/google/uuid"
)

// World is a snapshot of the game: its bounds, the players and the foods.
type World struct {
	Width   int      `json:"width" mapstructure:"width"`
	Height  int      `json:"height" mapstructure:"height"`
	Players []Player `json:"players" mapstructure:"players"`
	Foods   []Food   `json:"foods" mapstructure:"foods"`
}

// NewWorld returns a world owning copies of players and foods.
func NewWorld(width, height int, players []Player, foods []Food) World {
	return World{
		Width:   width,
		Height:  height,
		Players: slices.Clone(nonNil(players)),
		Foods:   slices.Clone(nonNil(foods)),
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// PlayerByID returns the player with this id.
func (w World) PlayerByID(id string) (Player, bool) {
	i := slices.IndexFunc(w.Players, func(p Player) bool { return p.ID == id })
	if i < 0 {
		return Player{}, false
	}
	return w.Players[i], true
}

// PlayersExcluding returns every player but the one with this id.
func (w World) PlayersExcluding(id string) []Player {
	var r []Player
	for _, p := range w.Players {
		if p.ID != id {
			r = append(r, p)
		}
	}
	return r
}

// RemovePlayers returns the world without the players with those ids.
func (w World) RemovePlayers(ids ...string) World {
	players := slices.DeleteFunc(slices.Clone(w.Players), func(p Player) bool { return slices.Contains(ids, p.ID) })
	return NewWorld(w.Width, w.Height, players, w.Foods)
}

// RemoveFoods returns the world without the foods with those ids.
func (w World) RemoveFoods(ids ...string) World {
	foods := slices.DeleteFunc(slices.Clone(w.Foods), func(f Food) bool { return slices.Contains(ids, f.ID) })
	return NewWorld(w.Width, w.Height, w.Players, foods)
}

// UpsertPlayer returns the world with p replacing the player of the same id, or added if absent.
func (w World) UpsertPlayer(p Player) World {
	players := slices.Clone(w.Players)
	if i := slices.IndexFunc(players, func(o Player) bool { return o.ID == p.ID }); i >= 0 {
		players[i] = p
	} else {
		players = append(players, p)
	}
	return NewWorld(w.Width, w.Height, players, w.Foods)
}

// WithFoods returns the world with its foods replaced.
func (w World) WithFoods(foods []Food) World {
	return NewWorld(w.Width, w.Height, w.Players, foods)
}

// WithPlayers returns the world with its players replaced.
func (w World) WithPlayers(players []Player) World {
	return NewWorld(w.Width, w.Height, players, w.Foods)
}

// Clamp returns the closest point to (x, y) inside the world.
func (w World) Clamp(x, y float64) (float64, float64) {
	return min(max(x, 0), float64(w.Width)), min(max(y, 0), float64(w.Height))
}

// Standings returns the players sorted by descending mass, then id.
func (w World) Standings() []Player {
	players := slices.Clone(w.Players)
	sortByMass(players)
	return players
}

func sortByMass(players []Player) {
	sort.SliceStable(players, func(i, j int) bool {
		if players[i].Mass != players[j].Mass {
			return players[i].Mass > players[j].Mass
		}
		return players[i].ID < players[j].ID
	})
}

// Step moves every player having a direction by direction * speed, staying inside the world.
func Step(w World, directions map[string]Position, speed float64) World {
	players := slices.Clone(w.Players)
	for i, p := range players {
		dir, ok := directions[p.ID]
		if !ok || dir == Zero {
			continue
		}
		players[i] = p.MoveTo(w.Clamp(p.X+dir.X*speed, p.Y+dir.Y*speed))
	}
	return w.WithPlayers(players)
}

// Eaten lists what disappeared during ResolveEating.
type Eaten struct {
	Players []string
	Foods   []string
}

// ResolveEating lets every player swallow the foods it touches and the players it can eat.
//
// Heavier players act first. A player eaten during the pass does not eat anymore.
func ResolveEating(w World, margin float64) (World, Eaten) {
	var eaten Eaten

	players := w.Standings()
	gone := make(map[string]bool)
	foodGone := make(map[string]bool)

	for i := range players {
		if gone[players[i].ID] {
			continue
		}
		for _, f := range w.Foods {
			if foodGone[f.ID] || !players[i].CanEatFood(f) {
				continue
			}
			players[i] = players[i].Grow(f.Mass)
			foodGone[f.ID] = true
			eaten.Foods = append(eaten.Foods, f.ID)
		}
		for j := range players {
			if i == j || gone[players[j].ID] || !players[i].CanEatPlayer(players[j], margin) {
				continue
			}
			players[i] = players[i].Grow(players[j].Mass)
			gone[players[j].ID] = true
			eaten.Players = append(eaten.Players, players[j].ID)
		}
	}

	if len(eaten.Players) == 0 && len(eaten.Foods) == 0 {
		return w, eaten
	}

	players = slices.DeleteFunc(players, func(p Player) bool { return gone[p.ID] })
	// Keep the original order for the survivors.
	order := make(map[string]int, len(w.Players))
	for i, p := range w.Players {
		order[p.ID] = i
	}
	sort.SliceStable(players, func(i, j int) bool { return order[players[i].ID] < order[players[j].ID] })

	foods := slices.DeleteFunc(slices.Clone(w.Foods), func(f Food) bool { return foodGone[f.ID] })
	return NewWorld(w.Width, w.Height, players, foods), eaten
}

// SpawnFoods tops the world foods up to target, placed at random.
func SpawnFoods(w World, target int, rng *rand.Rand) World {
	missing := target - len(w.Foods)
	if missing <= 0 {
		return w
	}

	foods := slices.Clone(w.Foods)
	for range missing {
		foods = append(foods, Food{
			ID:   uuid.NewString(),
			X:    rng.Float64() * float64(w.Width),
			Y:    rng.Float64() * float64(w.Height),
			Mass: DefaultFoodMass,
		})
	}
	return w.WithFoods(foods)
}
