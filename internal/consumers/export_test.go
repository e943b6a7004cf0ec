package consumers

import (
	"github.com/agarnet/agar-node/internal/broker"
	"github.com/prometheus/client_golang/prometheus"
)

type DBus = dBus

// WorkerNames returns the exchanges of active workers.
func (p *Pool) WorkerNames() []broker.Exchange {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]broker.Exchange, 0, len(p.workers))
	for name := range p.workers {
		names = append(names, name)
	}
	return names
}

// ActiveWorkersGauge returns the gauge of active workers.
func (p *Pool) ActiveWorkersGauge() prometheus.Gauge {
	return p.activeWorkers
}

// ConsumedCounter returns the counter of messages consumed from ex.
func (p *Pool) ConsumedCounter(ex broker.Exchange) prometheus.Counter {
	return p.consumed.WithLabelValues(string(ex))
}
