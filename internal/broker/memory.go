package broker

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

const defaultQueueSize = 256

// Memory is an in-process Bus. Nodes sharing one Memory bus see each other as if they were
// connected to the same broker.
type Memory struct {
	mu        sync.Mutex
	queues    map[Exchange][]*memoryQueue
	closed    bool
	queueSize int
}

type memoryQueue struct {
	ch   chan Delivery
	done chan struct{}
	once sync.Once
}

func (q *memoryQueue) close() {
	q.once.Do(func() { close(q.done) })
}

// MemoryOption tweaks a Memory bus.
type MemoryOption func(*Memory)

// WithQueueSize sets how many messages a consumer may lag behind before publishers block.
func WithQueueSize(n int) MemoryOption {
	return func(m *Memory) { m.queueSize = n }
}

// NewMemory returns an empty in-process bus.
func NewMemory(args ...MemoryOption) *Memory {
	m := &Memory{
		queues:    make(map[Exchange][]*memoryQueue),
		queueSize: defaultQueueSize,
	}
	for _, arg := range args {
		arg(m)
	}
	return m
}

// Publish copies body to every consumer of ex. It blocks while a consumer queue is full.
func (m *Memory) Publish(ctx context.Context, ex Exchange, body []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	queues := slices.Clone(m.queues[ex])
	m.mu.Unlock()

	for _, q := range queues {
		d := Delivery{Body: slices.Clone(body), Ack: func() error { return nil }}
		select {
		case q.ch <- d:
		case <-q.done:
			// consumer left, drop
		case <-ctx.Done():
			return fmt.Errorf("publishing to %s: %w", ex, ctx.Err())
		}
	}
	return nil
}

// Consume subscribes to ex until ctx is done or the bus is closed.
func (m *Memory) Consume(ctx context.Context, ex Exchange) (<-chan Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	q := &memoryQueue{ch: make(chan Delivery, m.queueSize), done: make(chan struct{})}
	m.queues[ex] = append(m.queues[ex], q)

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer m.unsubscribe(ex, q)
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.done:
				return
			case d := <-q.ch:
				select {
				case out <- d:
				case <-ctx.Done():
					return
				case <-q.done:
					return
				}
			}
		}
	}()

	return out, nil
}

func (m *Memory) unsubscribe(ex Exchange, q *memoryQueue) {
	q.close()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[ex] = slices.DeleteFunc(m.queues[ex], func(o *memoryQueue) bool { return o == q })
}

// Ping fails once the bus is closed.
func (m *Memory) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every consumer. Further publications fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, queues := range m.queues {
		for _, q := range queues {
			q.close()
		}
	}
	return nil
}
