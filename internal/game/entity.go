// Package game holds the agar world model: players, foods and the rules moving them.
//
// Every value in this package is immutable from the caller point of view: operations
// return a new value instead of modifying the receiver.
package game

import (
	"errors"
	"math"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultFoodMass is the mass of a freshly spawned food.
	DefaultFoodMass = 100.0

	// DefaultEatMassMargin is how much heavier than another player a player must be to eat it.
	DefaultEatMassMargin = 1.1
)

// ErrEmptyID is returned when a player name is empty once normalized.
var ErrEmptyID = errors.New("player id is empty")

// Position is a point, or a direction, in the world plane.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Zero is the null direction.
var Zero = Position{}

// Player is a cell controlled by one node.
type Player struct {
	ID   string  `json:"id" mapstructure:"id"`
	X    float64 `json:"x" mapstructure:"x"`
	Y    float64 `json:"y" mapstructure:"y"`
	Mass float64 `json:"mass" mapstructure:"mass"`
}

// Food is a static pellet players grow by eating.
type Food struct {
	ID   string  `json:"id" mapstructure:"id"`
	X    float64 `json:"x" mapstructure:"x"`
	Y    float64 `json:"y" mapstructure:"y"`
	Mass float64 `json:"mass" mapstructure:"mass"`
}

// Radius returns the radius of a disc of the given mass.
func Radius(mass float64) float64 {
	return math.Sqrt(mass / math.Pi)
}

// Radius returns the player radius.
func (p Player) Radius() float64 { return Radius(p.Mass) }

// Radius returns the food radius.
func (f Food) Radius() float64 { return Radius(f.Mass) }

// Grow returns the player with mass added.
func (p Player) Grow(mass float64) Player {
	p.Mass += mass
	return p
}

// MoveTo returns the player at the new coordinates.
func (p Player) MoveTo(x, y float64) Player {
	p.X, p.Y = x, y
	return p
}

// DistanceTo returns the distance between the player centre and a point.
func (p Player) DistanceTo(x, y float64) float64 {
	return math.Hypot(p.X-x, p.Y-y)
}

// Collides reports whether a disc of radius r centred on (x, y) overlaps the player.
func (p Player) Collides(x, y, r float64) bool {
	return p.DistanceTo(x, y) < p.Radius()+r
}

// CanEatFood reports whether the player touches the food.
func (p Player) CanEatFood(f Food) bool {
	return p.Collides(f.X, f.Y, f.Radius())
}

// CanEatPlayer reports whether the player touches o and is more than margin times heavier.
func (p Player) CanEatPlayer(o Player, margin float64) bool {
	if p.ID == o.ID {
		return false
	}
	return p.Collides(o.X, o.Y, o.Radius()) && p.Mass > o.Mass*margin
}

// NormalizeID turns a user provided player name into a stable id.
//
// Names are compared byte-wise during coordinator election, so equivalent unicode
// spellings must map to the same id on every node.
func NormalizeID(name string) (string, error) {
	id := norm.NFC.String(strings.TrimSpace(name))
	if id == "" {
		return "", ErrEmptyID
	}
	return id, nil
}
