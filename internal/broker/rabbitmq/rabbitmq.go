// Package rabbitmq implements the broker bus on top of an AMQP 0-9-1 server.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agarnet/agar-node/internal/broker"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/ubuntu/decorate"
)

const (
	// heartbeat is how often the connection is checked by both ends.
	heartbeat = 5 * time.Second

	// prefetch is the number of unacknowledged messages a consumer may hold.
	prefetch = 1
)

// Connector is a broker.Bus over one AMQP connection.
//
// Each exchange gets its own channel for publishing. Each consumer gets its own channel and
// a server-named, exclusive queue bound to the exchange, so every node sees every message.
type Connector struct {
	url string

	mu         sync.Mutex
	conn       amqpConnection
	publishers map[broker.Exchange]amqpChannel
	closed     bool

	dial func(url string, cfg amqp.Config) (amqpConnection, error)
}

type amqpConnection interface {
	Channel() (amqpChannel, error)
	IsClosed() bool
	Close() error
}

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

type options struct {
	dial func(url string, cfg amqp.Config) (amqpConnection, error)
}

// Option is a function which tweaks the creation of the Connector.
type Option func(*options)

// New returns a connector to the AMQP server at url and checks it can connect.
func New(url string, args ...Option) (c *Connector, err error) {
	defer decorate.OnError(&err, "could not connect to the broker")

	opts := options{
		dial: func(url string, cfg amqp.Config) (amqpConnection, error) {
			conn, err := amqp.DialConfig(url, cfg)
			if err != nil {
				return nil, err
			}
			return connection{conn}, nil
		},
	}
	for _, arg := range args {
		arg(&opts)
	}

	c = &Connector{
		url:        url,
		publishers: make(map[broker.Exchange]amqpChannel),
		dial:       opts.dial,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.connection(); err != nil {
		return nil, err
	}
	return c, nil
}

// connection returns the current connection, dialing a new one if it was lost.
// c.mu must be held.
func (c *Connector) connection() (amqpConnection, error) {
	if c.closed {
		return nil, broker.ErrClosed
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	slog.Debug("Connecting to the broker")
	conn, err := c.dial(c.url, amqp.Config{Heartbeat: heartbeat, Locale: "en_US"})
	if err != nil {
		return nil, fmt.Errorf("dial: %v", err)
	}
	c.conn = conn
	// Channels of a lost connection are dead too.
	c.publishers = make(map[broker.Exchange]amqpChannel)
	slog.Info("Connected to the broker")
	return conn, nil
}

// declare opens a channel with the exchange declared on it.
func declare(conn amqpConnection, ex broker.Exchange) (amqpChannel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %v", err)
	}
	// Election announcements outlive restarts of the broker, the game streams are transient.
	durable := ex == broker.Election
	if err := ch.ExchangeDeclare(string(ex), amqp.ExchangeFanout, durable, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %v", ex, err)
	}
	return ch, nil
}

// Publish sends body to every queue bound to ex as a persistent JSON message.
func (c *Connector) Publish(ctx context.Context, ex broker.Exchange, body []byte) (err error) {
	defer decorate.OnError(&err, "could not publish to %s", ex)

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connection()
	if err != nil {
		return err
	}

	ch, ok := c.publishers[ex]
	if !ok || ch.IsClosed() {
		if ch, err = declare(conn, ex); err != nil {
			return err
		}
		c.publishers[ex] = ch
	}

	return ch.PublishWithContext(ctx, string(ex), "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Consume binds a fresh exclusive queue to ex and streams its deliveries.
//
// The returned channel closes when ctx is done or the connection to the broker is lost.
func (c *Connector) Consume(ctx context.Context, ex broker.Exchange) (deliveries <-chan broker.Delivery, err error) {
	defer decorate.OnError(&err, "could not consume from %s", ex)

	c.mu.Lock()
	conn, err := c.connection()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch, err := declare(conn, ex)
	if err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue: %v", err)
	}
	if err := ch.QueueBind(q.Name, "", string(ex), false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("bind queue %s: %v", q.Name, err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %v", err)
	}
	in, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("start consumer: %v", err)
	}
	slog.Debug("Consuming", "exchange", ex, "queue", q.Name)

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-in:
				if !ok {
					slog.Warn("Broker delivery channel closed", "exchange", ex)
					return
				}
				select {
				case out <- broker.Delivery{Body: d.Body, Ack: func() error { return d.Ack(false) }}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Ping checks the connection to the broker is alive, dialing it again if it was lost.
func (c *Connector) Ping(ctx context.Context) (err error) {
	defer decorate.OnError(&err, "broker unreachable")

	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.connection()
	return err
}

// Close closes the connection and every channel opened on it.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs error
	for ex, ch := range c.publishers {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = errors.Join(errs, fmt.Errorf("closing %s channel: %v", ex, err))
		}
	}
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = errors.Join(errs, fmt.Errorf("closing connection: %v", err))
		}
	}
	return errs
}

// connection adapts *amqp.Connection to amqpConnection.
type connection struct {
	*amqp.Connection
}

func (c connection) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}
