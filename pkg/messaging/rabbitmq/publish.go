package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/swifttrack/platform/pkg/errors"
	"github.com/swifttrack/platform/pkg/messaging"
)

// publish runs on the manager goroutine, which serializes publishes and
// ties each confirm on the notify channel to the publish that produced it.
func (m *manager) publish(ctx context.Context, exchange, routingKey string, msg messaging.Message) error {
	if m.state != StateConnected || m.ch == nil {
		return errors.TransientBroker("broker not connected", nil)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID,
		Timestamp:    msg.Timestamp,
		Body:         msg.Body,
	}
	if publishing.Timestamp.IsZero() {
		publishing.Timestamp = time.Now().UTC()
	}

	if err := m.ch.PublishWithContext(ctx, exchange, routingKey, false, false, publishing); err != nil {
		return errors.TransientBroker("publish to rabbitmq", err)
	}

	m.publishes++
	return m.waitConfirm(ctx, m.publishes)
}

// waitConfirm blocks until the broker confirms durable acceptance of the
// publish carrying tag, the confirm timeout elapses or the context is
// cancelled. Confirms are matched by delivery tag, never by arrival
// order: when an earlier wait timed out its ack may still surface here,
// and crediting it to this publish would report success for a message
// the broker nacked. Lower tags are drained and dropped; anything but a
// positive confirm for tag is a failure.
func (m *manager) waitConfirm(ctx context.Context, tag uint64) error {
	timer := time.NewTimer(m.bus.cfg.ConfirmTimeout)
	defer timer.Stop()

	for {
		select {
		case confirm, ok := <-m.confirms:
			if !ok {
				return errors.TransientBroker("channel closed awaiting confirm", nil)
			}
			if confirm.DeliveryTag < tag {
				// Stale confirm for a publish that already gave up.
				continue
			}
			if confirm.DeliveryTag > tag || !confirm.Ack {
				return errors.TransientBroker("message nacked by broker", nil)
			}
			return nil
		case <-timer.C:
			return errors.TransientBroker("publisher confirm timed out", nil)
		case <-ctx.Done():
			return errors.TransientBroker("publish cancelled", ctx.Err())
		}
	}
}

// applyOp declares one recorded topology element on the current channel.
// All declarations are idempotent on the broker side.
func (m *manager) applyOp(op topologyOp) error {
	switch op.kind {
	case opExchange:
		if err := m.ch.ExchangeDeclare(op.name, string(op.exchangeType), true, false, false, false, nil); err != nil {
			return errors.TransientBroker("declare exchange "+op.name, err)
		}
	case opQueue:
		args := queueArgs(op.queueOpts)
		if _, err := m.ch.QueueDeclare(op.name, op.queueOpts.Durable, op.queueOpts.AutoDelete, op.queueOpts.Exclusive, false, args); err != nil {
			return errors.TransientBroker("declare queue "+op.name, err)
		}
	case opBinding:
		if err := m.ch.QueueBind(op.name, op.routingKey, op.exchange, false, nil); err != nil {
			return errors.TransientBroker("bind queue "+op.name, err)
		}
	}
	return nil
}

func queueArgs(opts messaging.QueueOptions) amqp.Table {
	args := amqp.Table{}
	if opts.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = opts.DeadLetterExchange
	}
	if opts.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = opts.DeadLetterRoutingKey
	}
	if opts.MessageTTL > 0 {
		args["x-message-ttl"] = opts.MessageTTL.Milliseconds()
	}
	if opts.MaxLength > 0 {
		args["x-max-length"] = int64(opts.MaxLength)
	}
	if len(args) == 0 {
		return nil
	}
	return args
}
