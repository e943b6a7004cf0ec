// Package consumers runs one subscription worker per exchange of the broker.
package consumers

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/agarnet/agar-node/internal/broker"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	baseBackoff = 500 * time.Millisecond
	maxBackoff  = 10 * time.Second
)

// Handler processes the body of one delivery.
//
// An error drops the message: it is logged and the delivery is acknowledged anyway.
type Handler func(ctx context.Context, body []byte) error

// Pool is a struct that holds the subscription workers.
type Pool struct {
	bus      dBus
	handlers map[broker.Exchange]Handler

	mu       sync.Mutex
	workers  map[broker.Exchange]context.CancelFunc
	workerWG sync.WaitGroup

	metricsMu     sync.Mutex
	activeWorkers prometheus.Gauge
	consumed      *prometheus.CounterVec
}

type dBus interface {
	Consume(ctx context.Context, ex broker.Exchange) (<-chan broker.Delivery, error)
}

// New creates a new pool consuming every exchange of handlers from bus.
func New(bus dBus, handlers map[broker.Exchange]Handler, reg prometheus.Registerer) (*Pool, error) {
	activeWorkers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agar_active_consumers",
		Help: "Number of exchanges currently consumed.",
	})
	if err := reg.Register(activeWorkers); err != nil {
		return nil, fmt.Errorf("failed to register active consumers gauge: %v", err)
	}
	consumed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agar_messages_consumed_total",
		Help: "Number of messages consumed, by exchange.",
	}, []string{"exchange"})
	if err := reg.Register(consumed); err != nil {
		return nil, fmt.Errorf("failed to register consumed messages counter: %v", err)
	}

	return &Pool{
		bus:           bus,
		handlers:      handlers,
		workers:       make(map[broker.Exchange]context.CancelFunc),
		activeWorkers: activeWorkers,
		consumed:      consumed,
	}, nil
}

// Run starts one worker per exchange and blocks until ctx is canceled and all workers are done.
//
// Always returns a non-nil error, the context one.
func (p *Pool) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	p.startWorkers(ctx)
	slog.Info("Consumers started")

	<-ctx.Done()
	slog.Info("Context canceled, stopping consumers")
	p.workerWG.Wait()
	return ctx.Err()
}

func (p *Pool) startWorkers(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	exchanges := make([]broker.Exchange, 0, len(p.handlers))
	for ex := range p.handlers {
		exchanges = append(exchanges, ex)
	}
	slices.Sort(exchanges)

	for _, ex := range exchanges {
		if _, ok := p.workers[ex]; ok {
			continue
		}
		exCtx, cancel := context.WithCancel(ctx)
		p.workers[ex] = cancel
		slog.Debug("Starting consumer", "exchange", ex)
		p.workerWG.Add(1)
		go p.worker(exCtx, ex)
	}
}

// worker consumes ex until ctx is canceled, subscribing again whenever the subscription is lost.
func (p *Pool) worker(ctx context.Context, ex broker.Exchange) {
	defer p.workerWG.Done()
	defer func() {
		p.mu.Lock()
		delete(p.workers, ex)
		p.mu.Unlock()
	}()

	p.metricsMu.Lock()
	p.activeWorkers.Inc()
	p.metricsMu.Unlock()

	defer func() {
		p.metricsMu.Lock()
		p.activeWorkers.Dec()
		p.metricsMu.Unlock()
	}()

	handle := p.handlers[ex]
	consumed := p.consumed.WithLabelValues(string(ex))
	backoff := baseBackoff

	for {
		deliveries, err := p.bus.Consume(ctx, ex)
		if err == nil {
			backoff = baseBackoff
			for d := range deliveries {
				if err := handle(ctx, d.Body); err != nil {
					slog.Warn("Dropping message", "exchange", ex, "err", err)
				}
				if err := d.Ack(); err != nil {
					slog.Warn("Could not acknowledge message", "exchange", ex, "err", err)
				}
				consumed.Inc()
			}
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Subscription lost, subscribing again", "exchange", ex)
		} else {
			slog.Warn("Could not subscribe", "exchange", ex, "err", err)
		}

		// #nosec:G404 We don't need cryptographic randomness.
		sleep := rand.N(backoff)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			slog.Debug("Consumer context canceled", "exchange", ex)
			return
		}

		backoff = min(backoff*2, maxBackoff)
	}
}
