package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/swifttrack/platform/pkg/errors"
	"github.com/swifttrack/platform/pkg/logger"
	"github.com/swifttrack/platform/pkg/messaging"
)

// startSubscription opens a dedicated channel for the queue and launches
// the consumer goroutine. Runs on the manager goroutine; called both on
// Subscribe and when consumers are re-established after a reconnect.
func (m *manager) startSubscription(sub *subscription) error {
	ch, err := m.conn.Channel()
	if err != nil {
		return errors.TransientBroker("open consumer channel", err)
	}

	if err := ch.Qos(m.bus.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return errors.TransientBroker("set consumer qos", err)
	}

	deliveries, err := ch.ConsumeWithContext(m.consumeCtx, sub.queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return errors.TransientBroker("consume "+sub.queue, err)
	}

	ctx := m.consumeCtx
	log := m.bus.logger.WithFields(map[string]interface{}{"queue": sub.queue})

	go func() {
		defer ch.Close()
		for delivery := range deliveries {
			handleDelivery(ctx, sub.handler, delivery, log)
		}
		log.Debug("consumer stream closed")
	}()

	return nil
}

// handleDelivery invokes the handler with once-only ack/nack callbacks. A
// handler error without an explicit settle results in a nack without
// requeue, routing the message to the queue's dead-letter exchange.
func handleDelivery(ctx context.Context, handler messaging.Handler, delivery amqp.Delivery, log *logger.Logger) {
	msg := messaging.Message{
		MessageID:     delivery.MessageId,
		RoutingKey:    delivery.RoutingKey,
		Body:          delivery.Body,
		Timestamp:     delivery.Timestamp,
		DeliveryCount: deliveryCount(delivery),
	}

	settle := &settler{}
	ack := func() error {
		return settle.once(func() error { return delivery.Ack(false) })
	}
	nack := func() error {
		return settle.once(func() error { return delivery.Nack(false, false) })
	}

	if err := handler(ctx, msg, ack, nack); err != nil {
		log.Error(err, "message handler failed", "message_id", msg.MessageID)
		_ = nack()
	}
}

// settler guarantees a delivery is settled at most once even when the
// handler calls ack and the error path then tries to nack.
type settler struct {
	mu   sync.Mutex
	done bool
	err  error
}

func (s *settler) once(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return s.err
	}
	s.done = true
	s.err = fn()
	return s.err
}

// deliveryCount extracts the broker's delivery counter when available
// (quorum queues set x-delivery-count); classic queues only expose the
// redelivered flag.
func deliveryCount(delivery amqp.Delivery) int {
	if v, ok := delivery.Headers["x-delivery-count"]; ok {
		switch n := v.(type) {
		case int:
			return n + 1
		case int32:
			return int(n) + 1
		case int64:
			return int(n) + 1
		}
	}
	if delivery.Redelivered {
		return 2
	}
	return 1
}
