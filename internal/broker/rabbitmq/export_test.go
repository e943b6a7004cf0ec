package rabbitmq

import amqp "github.com/rabbitmq/amqp091-go"

type (
	AMQPConnection = amqpConnection
	AMQPChannel    = amqpChannel
)

// WithDial overrides how connections to the broker are opened.
func WithDial(dial func(url string, cfg amqp.Config) (AMQPConnection, error)) Option {
	return func(o *options) {
		o.dial = dial
	}
}
