// Package codec serializes the messages peers exchange on the broker.
//
// Everything travels as JSON. Inbound payloads are decoded strictly: unknown fields or
// fields of the wrong type make the message invalid instead of being silently dropped.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/agarnet/agar-node/internal/game"
	"github.com/go-viper/mapstructure/v2"
)

var (
	// ErrEmpty is returned when decoding an empty body.
	// A node without a player publishes empty position updates.
	ErrEmpty = errors.New("empty message")

	// ErrMalformed is returned when a body cannot be decoded into the expected message.
	ErrMalformed = errors.New("malformed message")
)

// ElectionKind is the type of a bully election message.
type ElectionKind string

const (
	// KindElection asks every higher node to answer.
	KindElection ElectionKind = "ELECTION"
	// KindOK tells an election starter that a higher node is alive.
	KindOK ElectionKind = "OK"
	// KindCoordinator announces the new coordinator.
	KindCoordinator ElectionKind = "COORDINATOR"
)

// ElectionMessage is exchanged on the election exchange.
type ElectionMessage struct {
	Type      ElectionKind `json:"type" mapstructure:"type"`
	SenderID  string       `json:"senderId" mapstructure:"senderId"`
	Timestamp int64        `json:"timestamp" mapstructure:"timestamp"`
}

// EncodePlayer serializes a player position update.
func EncodePlayer(p game.Player) ([]byte, error) {
	return json.Marshal(p)
}

// EncodeWorld serializes an authoritative world.
func EncodeWorld(w game.World) ([]byte, error) {
	return json.Marshal(w)
}

// EncodeElection serializes an election message.
func EncodeElection(m ElectionMessage) ([]byte, error) {
	return json.Marshal(m)
}

// DecodePlayer parses a player position update.
func DecodePlayer(data []byte) (game.Player, error) {
	p, err := decode[game.Player](data)
	if err != nil {
		return game.Player{}, err
	}
	if p.ID == "" {
		return game.Player{}, fmt.Errorf("%w: player without id", ErrMalformed)
	}
	if p.Mass < 0 {
		return game.Player{}, fmt.Errorf("%w: player %q has a negative mass", ErrMalformed, p.ID)
	}
	return *p, nil
}

// DecodeWorld parses an authoritative world.
func DecodeWorld(data []byte) (game.World, error) {
	w, err := decode[game.World](data)
	if err != nil {
		return game.World{}, err
	}
	if w.Width <= 0 || w.Height <= 0 {
		return game.World{}, fmt.Errorf("%w: world size %dx%d", ErrMalformed, w.Width, w.Height)
	}

	seen := make(map[string]bool, len(w.Players))
	for _, p := range w.Players {
		if p.ID == "" || seen[p.ID] {
			return game.World{}, fmt.Errorf("%w: invalid or duplicated player id %q", ErrMalformed, p.ID)
		}
		if p.Mass < 0 {
			return game.World{}, fmt.Errorf("%w: player %q has a negative mass", ErrMalformed, p.ID)
		}
		seen[p.ID] = true
	}

	seen = make(map[string]bool, len(w.Foods))
	for _, f := range w.Foods {
		if f.ID == "" || seen[f.ID] {
			return game.World{}, fmt.Errorf("%w: invalid or duplicated food id %q", ErrMalformed, f.ID)
		}
		if f.Mass < 0 {
			return game.World{}, fmt.Errorf("%w: food %q has a negative mass", ErrMalformed, f.ID)
		}
		seen[f.ID] = true
	}
	return game.NewWorld(w.Width, w.Height, w.Players, w.Foods), nil
}

// DecodeElection parses an election message.
//
// Besides JSON, the plain text form TYPE|SENDER|TIMESTAMP is accepted.
// The timestamp is optional in that form.
func DecodeElection(data []byte) (ElectionMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '{' {
		return decodePlainElection(string(trimmed))
	}

	m, err := decode[ElectionMessage](data)
	if err != nil {
		return ElectionMessage{}, err
	}
	if m.Type == "" || m.SenderID == "" {
		return ElectionMessage{}, fmt.Errorf("%w: election message needs a type and a sender", ErrMalformed)
	}
	return *m, nil
}

func decodePlainElection(s string) (ElectionMessage, error) {
	parts := strings.Split(s, "|")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return ElectionMessage{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}

	m := ElectionMessage{Type: ElectionKind(parts[0]), SenderID: parts[1]}
	// A trailing separator leaves an empty timestamp, which means none.
	if len(parts) > 2 && parts[2] != "" {
		ts, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return ElectionMessage{}, fmt.Errorf("%w: invalid timestamp in %q", ErrMalformed, s)
		}
		m.Timestamp = ts
	}
	return m, nil
}

// decode reads a JSON document and strictly maps it onto T.
func decode[T any](data []byte) (*T, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmpty
	}

	var raw map[string]any
	d := json.NewDecoder(bytes.NewReader(data))
	d.UseNumber()
	if err := d.Decode(&raw); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}

	v := new(T)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      v,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %v", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	return v, nil
}
