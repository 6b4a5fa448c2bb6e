package mrabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tokenforge/ledgerops/pkg/mlog"
)

// Connection is a hub which deals with rabbitmq connections for the
// lifecycle-event publisher.
type Connection struct {
	ConnectionStringSource string
	Exchange               string
	Logger                 mlog.Logger

	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
}

// Connect opens the connection, a channel, and declares the topic exchange
// lifecycle events are published to.
func (rc *Connection) Connect() error {
	rc.Logger.Info("connecting to rabbitmq...")

	conn, err := amqp.Dial(rc.ConnectionStringSource)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(rc.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return fmt.Errorf("declare exchange: %w", err)
	}

	rc.conn = conn
	rc.channel = ch
	rc.connected = true

	rc.Logger.Info("connected to rabbitmq")

	return nil
}

// GetChannel returns the channel, connecting lazily if needed.
func (rc *Connection) GetChannel() (*amqp.Channel, error) {
	if !rc.connected {
		if err := rc.Connect(); err != nil {
			return nil, err
		}
	}

	return rc.channel, nil
}

// Close tears down the channel and connection on shutdown.
func (rc *Connection) Close() error {
	if rc.channel != nil {
		_ = rc.channel.Close()
	}

	if rc.conn != nil {
		return rc.conn.Close()
	}

	return nil
}
