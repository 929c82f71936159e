package messaging

import (
	"context"
	"fmt"

	"github.com/swifttrack/platform/pkg/errors"
)

// Platform exchanges.
const (
	OrdersExchange      = "orders.exchange"      // topic
	TrackingExchange    = "tracking.exchange"    // fanout
	IntegrationExchange = "integration.exchange" // topic
	DLXExchange         = "dlx.exchange"         // direct
)

// Consumer queues. Each is paired with a <queue>.dlq bound on dlx.exchange.
const (
	OrdersCreatedQueue   = "orders.created"
	OrdersUpdatedQueue   = "orders.updated"
	TrackingUpdatesQueue = "tracking.updates"
	IntegrationCMSQueue  = "integration.cms"
	IntegrationROSQueue  = "integration.ros"
	IntegrationWMSQueue  = "integration.wms"
)

// DLQName returns the dead-letter queue name paired with a consumer queue.
func DLQName(queue string) string {
	return queue + ".dlq"
}

// RoutingKey builds the wire routing key for an outbox event:
// <aggregate_type>.<event_type>, e.g. order.created.
func RoutingKey(aggregateType, eventType string) string {
	return aggregateType + "." + eventType
}

// ExchangeFor maps an aggregate type onto the exchange its events are
// published to. An unknown aggregate type is a permanent publish error:
// no amount of retrying will make the message routable.
func ExchangeFor(aggregateType string) (string, error) {
	switch aggregateType {
	case "order":
		return OrdersExchange, nil
	case "tracking":
		return TrackingExchange, nil
	case "cms", "ros", "wms":
		return IntegrationExchange, nil
	default:
		return "", errors.PermanentPublish(
			fmt.Sprintf("no exchange for aggregate type %q", aggregateType), nil)
	}
}

type exchangeDecl struct {
	name string
	typ  ExchangeType
}

type queueDecl struct {
	name       string
	exchange   string
	routingKey string
}

var exchanges = []exchangeDecl{
	{OrdersExchange, ExchangeTopic},
	{TrackingExchange, ExchangeFanout},
	{IntegrationExchange, ExchangeTopic},
	{DLXExchange, ExchangeDirect},
}

var queues = []queueDecl{
	{OrdersCreatedQueue, OrdersExchange, "order.created"},
	{OrdersUpdatedQueue, OrdersExchange, "order.*"},
	{TrackingUpdatesQueue, TrackingExchange, ""},
	{IntegrationCMSQueue, IntegrationExchange, "cms.*"},
	{IntegrationROSQueue, IntegrationExchange, "ros.*"},
	{IntegrationWMSQueue, IntegrationExchange, "wms.*"},
}

// DeclareTopology declares the full platform topology idempotently:
// exchanges, durable consumer queues with dead-letter routing, their DLQs,
// and all bindings. Adapters call this on every successful (re)connect so
// the topology survives broker restarts.
func DeclareTopology(ctx context.Context, bus MessageBus) error {
	for _, ex := range exchanges {
		if err := bus.DeclareExchange(ctx, ex.name, ex.typ); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	for _, q := range queues {
		dlq := DLQName(q.name)

		if err := bus.DeclareQueue(ctx, q.name, QueueOptions{
			Durable:              true,
			DeadLetterExchange:   DLXExchange,
			DeadLetterRoutingKey: dlq,
		}); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}

		if err := bus.DeclareQueue(ctx, dlq, QueueOptions{Durable: true}); err != nil {
			return fmt.Errorf("declare queue %s: %w", dlq, err)
		}

		if err := bus.BindQueue(ctx, q.name, q.exchange, q.routingKey); err != nil {
			return fmt.Errorf("bind queue %s: %w", q.name, err)
		}

		if err := bus.BindQueue(ctx, dlq, DLXExchange, dlq); err != nil {
			return fmt.Errorf("bind queue %s: %w", dlq, err)
		}
	}

	return nil
}
