package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeRunPending MessageType = "run.pending"
	MessageTypeRunResume  MessageType = "run.resume"
	MessageTypeRunCancel  MessageType = "run.cancel"
)

// Message — конверт сообщения.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// RunPayload — payload всех событий run.
type RunPayload struct {
	RunID     uuid.UUID `json:"run_id"`
	AccountID uuid.UUID `json:"account_id,omitempty"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Publish публикует сообщение в exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,              // mandatory
			false,              // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Type:         string(msg.Type),
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

func (p *Publisher) publishRun(ctx context.Context, key RoutingKey, typ MessageType, payload RunPayload) error {
	return p.Publish(ctx, ExchangeRuns, key, &Message{
		ID:        uuid.New().String(),
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

// PublishRunPending сообщает о новом оплаченном run.
func (p *Publisher) PublishRunPending(ctx context.Context, runID, accountID uuid.UUID) error {
	return p.publishRun(ctx, RoutingKeyPending, MessageTypeRunPending, RunPayload{RunID: runID, AccountID: accountID})
}

// PublishRunResume запрашивает возобновление partial run.
func (p *Publisher) PublishRunResume(ctx context.Context, runID, accountID uuid.UUID) error {
	return p.publishRun(ctx, RoutingKeyResume, MessageTypeRunResume, RunPayload{RunID: runID, AccountID: accountID})
}

// PublishRunCancel сообщает об отмене run.
func (p *Publisher) PublishRunCancel(ctx context.Context, runID, accountID uuid.UUID) error {
	return p.publishRun(ctx, RoutingKeyCancel, MessageTypeRunCancel, RunPayload{RunID: runID, AccountID: accountID})
}
