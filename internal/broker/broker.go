// Package broker defines the fanout exchanges peers talk on and the bus abstraction over them.
package broker

import (
	"context"
	"errors"
)

// Exchange is the name of a fanout exchange every node publishes to and consumes from.
type Exchange string

const (
	// PlayerPosition carries each node's own player after every tick.
	PlayerPosition Exchange = "PlayerPosition"

	// ActualWorld carries the coordinator's authoritative world.
	ActualWorld Exchange = "ActualWorld"

	// Election carries bully election messages.
	Election Exchange = "bully_exchange"
)

// Exchanges lists every exchange a node uses.
var Exchanges = []Exchange{PlayerPosition, ActualWorld, Election}

// ErrClosed is returned when using a closed bus.
var ErrClosed = errors.New("bus closed")

// Delivery is one message received from an exchange.
type Delivery struct {
	Body []byte

	// Ack acknowledges the message to the broker.
	Ack func() error
}

// Bus publishes to and consumes from fanout exchanges.
//
// Every consumer gets its own copy of every message published after it started consuming,
// including the messages it published itself.
type Bus interface {
	Publish(ctx context.Context, ex Exchange, body []byte) error
	// Consume returns a channel of deliveries closed when ctx is done or the bus connection is lost.
	Consume(ctx context.Context, ex Exchange) (<-chan Delivery, error)
	Close() error
}

// Pinger is implemented by the buses which can tell whether their broker is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}
