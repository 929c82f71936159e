// Package messaging defines the broker-agnostic message bus boundary.
// Concrete adapters live in the rabbitmq and redis subpackages; the relay
// and the saga coordinator only ever see this interface.
package messaging

import (
	"context"
	"time"
)

// ExchangeType enumerates the exchange kinds an adapter must support.
type ExchangeType string

const (
	ExchangeDirect  ExchangeType = "direct"
	ExchangeTopic   ExchangeType = "topic"
	ExchangeFanout  ExchangeType = "fanout"
	ExchangeHeaders ExchangeType = "headers"
)

// QueueOptions mirrors the queue arguments the platform relies on.
type QueueOptions struct {
	Durable              bool
	Exclusive            bool
	AutoDelete           bool
	DeadLetterExchange   string
	DeadLetterRoutingKey string
	MessageTTL           time.Duration
	MaxLength            int
}

// Message is the wire-level envelope. MessageID carries the originating
// outbox event_id so consumers can deduplicate redeliveries.
type Message struct {
	MessageID     string    `json:"message_id"`
	RoutingKey    string    `json:"routing_key"`
	Body          []byte    `json:"body"`
	Timestamp     time.Time `json:"timestamp"`
	DeliveryCount int       `json:"delivery_count"`
}

// AckFunc acknowledges a delivery.
type AckFunc func() error

// NackFunc rejects a delivery, routing it to the bound dead-letter
// exchange rather than requeueing it.
type NackFunc func() error

// Handler is invoked once per delivery. The handler owns the ack decision;
// returning an error without having acked causes the adapter to nack.
type Handler func(ctx context.Context, msg Message, ack AckFunc, nack NackFunc) error

// MessageBus is the broker abstraction. Publish must not return nil until
// the broker has durably accepted the message; a bounded-timeout wait that
// expires is a failure, never a success.
type MessageBus interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error
	Subscribe(ctx context.Context, queue string, handler Handler) error
	DeclareExchange(ctx context.Context, name string, typ ExchangeType) error
	DeclareQueue(ctx context.Context, name string, opts QueueOptions) error
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error
}
