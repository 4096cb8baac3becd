package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"marketplace_chat/pkg/logger"
)

// Publisher emits domain events for consumers outside the chat service,
// such as email and push notification workers.
type Publisher interface {
	Publish(ctx context.Context, msg Envelope) error
	Close() error
}

type amqpPublisher struct {
	conn     *amqp.Connection
	exchange string
	log      logger.Logger
}

// NewAMQPPublisher declares a durable topic exchange on conn. Routing keys
// are the envelope event types.
func NewAMQPPublisher(conn *amqp.Connection, exchange string, log logger.Logger) (Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, err
	}

	return &amqpPublisher{conn: conn, exchange: exchange, log: log}, nil
}

func (p *amqpPublisher) Publish(ctx context.Context, msg Envelope) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	msgID := msg.Meta.ID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	cid := msgID
	if msg.Meta.CorrelationID != nil {
		cid = *msg.Meta.CorrelationID
	}

	err = ch.PublishWithContext(ctx, p.exchange, msg.Meta.Type, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msgID,
		CorrelationId: cid,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		return err
	}
	p.log.Debug("Event published", "type", msg.Meta.Type, "exchange", p.exchange)
	return nil
}

func (p *amqpPublisher) Close() error {
	return p.conn.Close()
}

type fallbackPublisher struct {
	log logger.Logger
}

// NewFallback returns a publisher that drops every event. Used when no broker
// is configured so the chat path never depends on one.
func NewFallback(log logger.Logger) Publisher {
	return &fallbackPublisher{log: log}
}

func (p *fallbackPublisher) Publish(_ context.Context, msg Envelope) error {
	p.log.Debug("Event publish skipped, no broker configured", "type", msg.Meta.Type)
	return nil
}

func (p *fallbackPublisher) Close() error {
	return nil
}
