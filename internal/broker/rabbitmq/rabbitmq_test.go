package rabbitmq_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agarnet/agar-node/internal/broker"
	"github.com/agarnet/agar-node/internal/broker/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		dialErr error

		wantErr bool
	}{
		"Connects": {},

		"Dial error fails": {dialErr: errors.New("requested dial error"), wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			srv := &fakeServer{dialErr: tc.dialErr}
			c, err := rabbitmq.New("amqp://test", rabbitmq.WithDial(srv.dial))
			if tc.wantErr {
				require.Error(t, err, "New should fail")
				return
			}
			require.NoError(t, err, "New should not fail")
			require.NoError(t, c.Close(), "Close should not fail")
			assert.Equal(t, 1, srv.dials(), "New should dial exactly once")
			assert.Equal(t, 5*time.Second, srv.lastConfig.Heartbeat, "Connection should use a 5s heartbeat")
		})
	}
}

func TestPublish(t *testing.T) {
	t.Parallel()

	srv := &fakeServer{}
	c, err := rabbitmq.New("amqp://test", rabbitmq.WithDial(srv.dial))
	require.NoError(t, err, "Setup: New should not fail")
	defer c.Close()

	require.NoError(t, c.Publish(t.Context(), broker.PlayerPosition, []byte(`{"id":"p1"}`)), "Publish should not fail")
	require.NoError(t, c.Publish(t.Context(), broker.PlayerPosition, []byte(`{"id":"p1"}`)), "Publish should not fail")
	require.NoError(t, c.Publish(t.Context(), broker.Election, []byte(`{}`)), "Publish should not fail")

	chans := srv.conn().channels()
	require.Len(t, chans, 2, "One publishing channel per exchange is expected")

	pos := chans[0]
	assert.Equal(t, []exchangeDecl{{name: "PlayerPosition", kind: "fanout"}}, pos.exchanges, "PlayerPosition should be a transient fanout")
	require.Len(t, pos.published, 2, "Both messages should be published on the same channel")
	assert.Equal(t, amqp.Persistent, pos.published[0].DeliveryMode, "Messages should be persistent")
	assert.Equal(t, "application/json", pos.published[0].ContentType, "Messages should be JSON")

	assert.Equal(t, []exchangeDecl{{name: "bully_exchange", kind: "fanout", durable: true}}, chans[1].exchanges,
		"Election exchange should be a durable fanout")
}

func TestPublishRedialsLostConnection(t *testing.T) {
	t.Parallel()

	srv := &fakeServer{}
	c, err := rabbitmq.New("amqp://test", rabbitmq.WithDial(srv.dial))
	require.NoError(t, err, "Setup: New should not fail")
	defer c.Close()

	require.NoError(t, c.Publish(t.Context(), broker.ActualWorld, nil), "Publish should not fail")
	srv.conn().lose()

	require.NoError(t, c.Publish(t.Context(), broker.ActualWorld, nil), "Publish should redial and not fail")
	assert.Equal(t, 2, srv.dials(), "A lost connection should be dialed again")
	assert.Len(t, srv.conn().channels(), 1, "The new connection should get a new channel")
}

func TestPublishAfterCloseFails(t *testing.T) {
	t.Parallel()

	srv := &fakeServer{}
	c, err := rabbitmq.New("amqp://test", rabbitmq.WithDial(srv.dial))
	require.NoError(t, err, "Setup: New should not fail")

	require.NoError(t, c.Close(), "Close should not fail")
	require.NoError(t, c.Close(), "Close should be idempotent")
	require.ErrorIs(t, c.Publish(t.Context(), broker.ActualWorld, nil), broker.ErrClosed, "Publish should fail once closed")
}

func TestPing(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		loseConn bool
		dialErr  error
		close    bool

		wantDials int
		wantErr   error
	}{
		"Alive connection":            {wantDials: 1},
		"Lost connection is redialed": {loseConn: true, wantDials: 2},

		"Error when the broker cannot be dialed again": {loseConn: true, dialErr: errors.New("requested dial error"), wantDials: 1, wantErr: errAny},
		"Error once closed":                            {close: true, wantDials: 1, wantErr: broker.ErrClosed},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			srv := &fakeServer{}
			c, err := rabbitmq.New("amqp://test", rabbitmq.WithDial(srv.dial))
			require.NoError(t, err, "Setup: New should not fail")
			defer c.Close()

			if tc.loseConn {
				srv.conn().lose()
			}
			srv.mu.Lock()
			srv.dialErr = tc.dialErr
			srv.mu.Unlock()
			if tc.close {
				require.NoError(t, c.Close(), "Setup: Close should not fail")
			}

			err = c.Ping(t.Context())
			assert.Equal(t, tc.wantDials, srv.dials(), "Unexpected number of dials")
			switch tc.wantErr {
			case nil:
				require.NoError(t, err, "Ping should not fail")
			case errAny:
				require.Error(t, err, "Ping should fail")
			default:
				require.ErrorIs(t, err, tc.wantErr, "Ping should fail with the expected error")
			}
		})
	}
}

// errAny expects an error without caring which.
var errAny = errors.New("any error")

func TestConsume(t *testing.T) {
	t.Parallel()

	srv := &fakeServer{}
	c, err := rabbitmq.New("amqp://test", rabbitmq.WithDial(srv.dial))
	require.NoError(t, err, "Setup: New should not fail")
	defer c.Close()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	deliveries, err := c.Consume(ctx, broker.PlayerPosition)
	require.NoError(t, err, "Consume should not fail")

	ch := srv.conn().channels()[0]
	assert.Equal(t, queueDecl{autoDelete: true, exclusive: true}, ch.queue, "Queue should be server named, exclusive and auto deleted")
	assert.Equal(t, "PlayerPosition", ch.boundTo, "Queue should be bound to the exchange")
	assert.Equal(t, 1, ch.prefetch, "Consumer should prefetch one message")
	assert.False(t, ch.autoAck, "Consumer should acknowledge manually")

	ack := &fakeAcknowledger{}
	ch.in <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 42, Body: []byte("hello")}

	select {
	case d := <-deliveries:
		assert.Equal(t, "hello", string(d.Body), "Unexpected delivery body")
		require.NoError(t, d.Ack(), "Ack should not fail")
		assert.Equal(t, []uint64{42}, ack.acked, "Ack should acknowledge the delivery tag")
	case <-time.After(time.Second):
		require.Fail(t, "Timed out waiting for a delivery")
	}

	close(ch.in)
	select {
	case _, ok := <-deliveries:
		assert.False(t, ok, "Deliveries should close when the broker closes the consumer")
	case <-time.After(time.Second):
		require.Fail(t, "Timed out waiting for deliveries to close")
	}
	assert.True(t, ch.IsClosed(), "Consumer channel should be closed")
}

func TestConsumeErrors(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		errs    channelErrs
		chanErr error
	}{
		"Channel opening error":      {chanErr: errors.New("requested error")},
		"Exchange declaration error": {errs: channelErrs{exchange: errors.New("requested error")}},
		"Queue declaration error":    {errs: channelErrs{queue: errors.New("requested error")}},
		"Queue bind error":           {errs: channelErrs{bind: errors.New("requested error")}},
		"Qos error":                  {errs: channelErrs{qos: errors.New("requested error")}},
		"Consume error":              {errs: channelErrs{consume: errors.New("requested error")}},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			srv := &fakeServer{errs: tc.errs, chanErr: tc.chanErr}
			c, err := rabbitmq.New("amqp://test", rabbitmq.WithDial(srv.dial))
			require.NoError(t, err, "Setup: New should not fail")
			defer c.Close()

			_, err = c.Consume(t.Context(), broker.Election)
			require.Error(t, err, "Consume should fail")

			for _, ch := range srv.conn().channels() {
				assert.True(t, ch.IsClosed(), "Channels of a failed consumer should be closed")
			}
		})
	}
}

type fakeServer struct {
	dialErr error
	chanErr error
	errs    channelErrs

	mu         sync.Mutex
	conns      []*fakeConn
	lastConfig amqp.Config
}

func (s *fakeServer) dial(_ string, cfg amqp.Config) (rabbitmq.AMQPConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	s.lastConfig = cfg
	c := &fakeConn{srv: s}
	s.conns = append(s.conns, c)
	return c, nil
}

func (s *fakeServer) dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *fakeServer) conn() *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[len(s.conns)-1]
}

type fakeConn struct {
	srv *fakeServer

	mu     sync.Mutex
	chans  []*fakeChannel
	closed bool
}

func (c *fakeConn) Channel() (rabbitmq.AMQPChannel, error) {
	if c.srv.chanErr != nil {
		return nil, c.srv.chanErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := &fakeChannel{
		errs: c.srv.errs,
		in:   make(chan amqp.Delivery, 1),
	}
	c.chans = append(c.chans, ch)
	return ch, nil
}

func (c *fakeConn) channels() []*fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chans
}

func (c *fakeConn) lose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type exchangeDecl struct {
	name    string
	kind    string
	durable bool
}

type queueDecl struct {
	durable    bool
	autoDelete bool
	exclusive  bool
}

type channelErrs struct {
	exchange, queue, bind, qos, consume error
}

type fakeChannel struct {
	errs channelErrs

	mu        sync.Mutex
	exchanges []exchangeDecl
	queue     queueDecl
	boundTo   string
	prefetch  int
	autoAck   bool
	published []amqp.Publishing
	in        chan amqp.Delivery
	closed    bool
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	if c.errs.exchange != nil {
		return c.errs.exchange
	}
	c.exchanges = append(c.exchanges, exchangeDecl{name: name, kind: kind, durable: durable})
	return nil
}

func (c *fakeChannel) QueueDeclare(_ string, durable, autoDelete, exclusive, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if c.errs.queue != nil {
		return amqp.Queue{}, c.errs.queue
	}
	c.queue = queueDecl{durable: durable, autoDelete: autoDelete, exclusive: exclusive}
	return amqp.Queue{Name: "amq.gen-test"}, nil
}

func (c *fakeChannel) QueueBind(_, _, exchange string, _ bool, _ amqp.Table) error {
	if c.errs.bind != nil {
		return c.errs.bind
	}
	c.boundTo = exchange
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	if c.errs.qos != nil {
		return c.errs.qos
	}
	c.prefetch = prefetchCount
	return nil
}

func (c *fakeChannel) Consume(_, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if c.errs.consume != nil {
		return nil, c.errs.consume
	}
	c.autoAck = autoAck
	return c.in, nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, _ string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("publishing to %s: %w", exchange, amqp.ErrClosed)
	}
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeAcknowledger struct {
	acked []uint64
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(uint64, bool, bool) error { return nil }

func (a *fakeAcknowledger) Reject(uint64, bool) error { return nil }
