package metrics

import (
	"context"
	"fmt"

	"github.com/agarnet/agar-node/internal/broker"
	"github.com/prometheus/client_golang/prometheus"
)

// Bus is a broker.Bus counting the messages it publishes.
type Bus struct {
	broker.Bus

	published *prometheus.CounterVec
	failed    *prometheus.CounterVec
}

// InstrumentBus wraps bus so its publications are counted on reg.
func InstrumentBus(bus broker.Bus, reg prometheus.Registerer) (*Bus, error) {
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agar_messages_published_total",
		Help: "Number of messages published, by exchange.",
	}, []string{"exchange"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agar_messages_publish_errors_total",
		Help: "Number of messages which could not be published, by exchange.",
	}, []string{"exchange"})

	for _, c := range []prometheus.Collector{published, failed} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register bus metrics: %v", err)
		}
	}

	return &Bus{Bus: bus, published: published, failed: failed}, nil
}

// Publish publishes body on ex and counts it.
func (b *Bus) Publish(ctx context.Context, ex broker.Exchange, body []byte) error {
	if err := b.Bus.Publish(ctx, ex, body); err != nil {
		b.failed.WithLabelValues(string(ex)).Inc()
		return err
	}
	b.published.WithLabelValues(string(ex)).Inc()
	return nil
}
