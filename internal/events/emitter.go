// Package events publishes per-target publish outcomes to an AMQP exchange
// so downstream consumers (notifications, analytics) can react without
// polling the database. Emission is best-effort: a broker outage never
// affects the orchestrator's own bookkeeping.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"
)

// Outcome describes one finished publish attempt.
type Outcome struct {
	TenantID     string    `json:"tenant_id"`
	PostID       string    `json:"post_id"`
	PostTargetID string    `json:"post_target_id"`
	TargetID     string    `json:"target_id"`
	Status       string    `json:"status"`
	ExternalID   string    `json:"external_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Emitter publishes outcomes to a fanout exchange.
type Emitter struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewEmitter dials the broker and declares the exchange.
func NewEmitter(url, exchange string) (*Emitter, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Emitter{conn: conn, ch: ch, exchange: exchange}, nil
}

// Emit publishes one outcome. Callers treat errors as log-only.
func (e *Emitter) Emit(o Outcome) error {
	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	return e.ch.Publish(e.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    o.OccurredAt,
		Body:         body,
	})
}

func (e *Emitter) Close() {
	if e.ch != nil {
		e.ch.Close()
	}
	if e.conn != nil {
		e.conn.Close()
	}
}
