package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/thecompound/ledger-engine/internal/metrics"
)

// amqpChannel is the subset of *amqp.Channel the publisher uses.
type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes events to a topic exchange with the event type
// as routing key, so consumers can bind to e.g. "bet_*".
type AMQPPublisher struct {
	exchange string
	conn     *amqp.Connection
	ch       amqpChannel
	mu       sync.Mutex
}

// DialAMQP connects to url and declares a durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 30 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	slog.Info("AMQP publisher ready", "exchange", exchange)
	return &AMQPPublisher{exchange: exchange, conn: conn, ch: ch}, nil
}

// newAMQPPublisher wraps an existing channel.
func newAMQPPublisher(ch amqpChannel, exchange string) *AMQPPublisher {
	return &AMQPPublisher{exchange: exchange, ch: ch}
}

func (p *AMQPPublisher) Publish(_ context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.New().String(),
		Timestamp:    e.At,
		Type:         string(e.Type),
		Body:         body,
	}

	p.mu.Lock()
	err = p.ch.Publish(p.exchange, string(e.Type), false, false, msg)
	p.mu.Unlock()
	if err != nil {
		metrics.EventPublishErrors.WithLabelValues("amqp").Inc()
		return fmt.Errorf("amqp publish %s: %w", e.Type, err)
	}
	metrics.EventsPublished.WithLabelValues("amqp", string(e.Type)).Inc()
	return nil
}

// Close closes the channel and, if owned, the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
