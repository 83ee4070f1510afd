package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultExchange = "chat.turns"
	routingPrefix   = "turn."
)

// amqpChannel is the subset of *amqp.Channel used by RabbitMQPublisher.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher publishes turn events as persistent JSON messages on a
// topic exchange, routed by outcome ("turn.succeeded", "turn.failed", ...).
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
}

// NewRabbitMQPublisher dials url and declares a durable topic exchange.
func NewRabbitMQPublisher(url, exchange string) (*RabbitMQPublisher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("events: amqp url must not be empty")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	p, err := newRabbitMQPublisher(ch, exchange)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newRabbitMQPublisher(ch amqpChannel, exchange string) (*RabbitMQPublisher, error) {
	if ch == nil {
		return nil, errors.New("events: channel must not be nil")
	}
	if strings.TrimSpace(exchange) == "" {
		exchange = defaultExchange
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("events: declare exchange: %w", err)
	}
	return &RabbitMQPublisher{ch: ch, exchange: exchange}, nil
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, ev TurnEvent) error {
	if p == nil || p.ch == nil {
		return errors.New("events: publisher not initialised")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, routingPrefix+string(ev.Outcome), false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: ev.TraceID,
		Timestamp:     ev.At,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}
	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
