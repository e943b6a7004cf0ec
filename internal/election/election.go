// Package election elects the coordinator among the nodes with the bully algorithm.
//
// Node ids are compared as strings: the highest live id wins. Every node publishes its
// election messages on the fanout election exchange and receives everyone's, its own included.
package election

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agarnet/agar-node/internal/broker"
	"github.com/agarnet/agar-node/internal/codec"
	"github.com/ubuntu/decorate"
)

const (
	// DefaultOKWait is how long a candidate waits for a higher node to answer.
	DefaultOKWait = 600 * time.Millisecond
	// DefaultPollInterval is how often a candidate checks whether it got an answer.
	DefaultPollInterval = 200 * time.Millisecond
)

// Node takes part in the elections for one player.
type Node struct {
	id  string
	bus broker.Bus

	okWait       time.Duration
	pollInterval time.Duration

	mu          sync.RWMutex
	coordinator string
	lastOK      time.Time
	listener    func(string)

	electMu sync.Mutex
	pending atomic.Bool
}

type options struct {
	okWait       time.Duration
	pollInterval time.Duration
}

// Option is a function which tweaks the creation of the Node.
type Option func(*options)

// WithOKWait sets how long a candidate waits for an OK before proclaiming itself coordinator.
func WithOKWait(d time.Duration) Option {
	return func(o *options) { o.okWait = d }
}

// WithPollInterval sets how often a candidate checks for an OK while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// New returns a node with no known coordinator.
func New(bus broker.Bus, id string, args ...Option) *Node {
	opts := options{
		okWait:       DefaultOKWait,
		pollInterval: DefaultPollInterval,
	}
	for _, arg := range args {
		arg(&opts)
	}

	return &Node{
		id:           id,
		bus:          bus,
		okWait:       opts.okWait,
		pollInterval: opts.pollInterval,
		listener:     func(string) {},
	}
}

// ID returns the id the node runs for.
func (n *Node) ID() string {
	return n.id
}

// OnCoordinatorChange sets f to be called with the coordinator id every time one is announced,
// and with an empty id when an election clears the known coordinator.
func (n *Node) OnCoordinatorChange(f func(string)) {
	if f == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listener = f
}

// Coordinator returns the known coordinator, or an empty string while there is none.
func (n *Node) Coordinator() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.coordinator
}

// IsLeader reports whether this node is the coordinator.
func (n *Node) IsLeader() bool {
	return n.Coordinator() == n.id
}

// Handle processes one message received on the election exchange.
func (n *Node) Handle(ctx context.Context, body []byte) (err error) {
	defer decorate.OnError(&err, "could not handle election message")

	m, err := codec.DecodeElection(body)
	if err != nil {
		return err
	}
	if m.SenderID == n.id {
		return nil
	}
	slog.Debug("Election message", "node", n.id, "type", m.Type, "from", m.SenderID)

	switch m.Type {
	case codec.KindElection:
		n.clearCoordinator()

		if n.id <= m.SenderID {
			return nil
		}
		if err := n.send(ctx, codec.KindOK); err != nil {
			return err
		}
		n.StartElection(ctx)

	case codec.KindOK:
		n.mu.Lock()
		n.lastOK = time.Now()
		n.mu.Unlock()

	case codec.KindCoordinator:
		n.setCoordinator(m.SenderID)

	default:
		return fmt.Errorf("unknown message type %q from %s", m.Type, m.SenderID)
	}

	return nil
}

// StartElection runs Elect in the background unless this node already has an election pending.
func (n *Node) StartElection(ctx context.Context) {
	if !n.pending.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer n.pending.Store(false)
		if _, err := n.Elect(ctx); err != nil {
			slog.Warn("Election failed", "node", n.id, "err", err)
		}
	}()
}

// Elect announces an election and waits for a higher node to answer.
//
// Without an answer, the node proclaims itself coordinator and true is returned.
// Otherwise, false is returned and the higher node is expected to announce itself.
func (n *Node) Elect(ctx context.Context) (won bool, err error) {
	defer decorate.OnError(&err, "election of %s failed", n.id)

	n.electMu.Lock()
	defer n.electMu.Unlock()

	start := time.Now()
	n.mu.Lock()
	n.lastOK = start
	n.mu.Unlock()

	slog.Debug("Starting election", "node", n.id)
	if err := n.send(ctx, codec.KindElection); err != nil {
		return false, err
	}

	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()
	deadline := start.Add(n.okWait)
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}

		n.mu.RLock()
		answered := n.lastOK.After(start)
		n.mu.RUnlock()
		if answered {
			slog.Debug("A higher node answered, waiting for its announcement", "node", n.id)
			return false, nil
		}
		if !time.Now().Before(deadline) {
			break
		}
	}

	if err := n.send(ctx, codec.KindCoordinator); err != nil {
		return false, err
	}
	n.setCoordinator(n.id)
	return true, nil
}

func (n *Node) setCoordinator(id string) {
	n.mu.Lock()
	changed := n.coordinator != id
	n.coordinator = id
	listener := n.listener
	n.mu.Unlock()

	if changed {
		slog.Info("New coordinator", "node", n.id, "coordinator", id)
	}
	listener(id)
}

// clearCoordinator forgets the coordinator while an election runs.
func (n *Node) clearCoordinator() {
	n.mu.Lock()
	had := n.coordinator
	n.coordinator = ""
	listener := n.listener
	n.mu.Unlock()

	if had == "" {
		return
	}
	slog.Info("Coordinator cleared by an election", "node", n.id, "previous", had)
	listener("")
}

func (n *Node) send(ctx context.Context, kind codec.ElectionKind) error {
	body, err := codec.EncodeElection(codec.ElectionMessage{
		Type:      kind,
		SenderID:  n.id,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return n.bus.Publish(ctx, broker.Election, body)
}
