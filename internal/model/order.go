package model

import "time"

// OrderStatus is the order lifecycle status driven by the saga.
type OrderStatus string

const (
	OrderStatusPlaced      OrderStatus = "placed"
	OrderStatusAtWarehouse OrderStatus = "at_warehouse"
	OrderStatusPicked      OrderStatus = "picked"
	OrderStatusInTransit   OrderStatus = "in_transit"
	OrderStatusDelivered   OrderStatus = "delivered"
	OrderStatusConfirmed   OrderStatus = "confirmed"
	OrderStatusFailed      OrderStatus = "failed"
)

// IsTerminal reports whether the status has no outgoing transitions.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusConfirmed || s == OrderStatusFailed
}

// Aggregate types used as the first routing-key segment.
const (
	AggregateOrder    = "order"
	AggregateTracking = "tracking"
	AggregateCMS      = "cms"
	AggregateROS      = "ros"
	AggregateWMS      = "wms"
)

// Event types (second routing-key segment).
const (
	EventOrderCreated        = "created"
	EventOrderStatusChanged  = "status_changed"
	EventOrderUpdated        = "order_updated"
	EventOrderFailed         = "order_failed"
	EventInventoryRelease    = "inventory_release"
	EventCompensationApplied = "compensation_applied"
)

// Actor identifies who triggered a status change.
type Actor struct {
	ID   string `json:"id"`
	Type string `json:"type"` // user, driver or system
}

// OrderCreatedEvent is emitted when a client places an order.
type OrderCreatedEvent struct {
	OrderID   string    `json:"order_id"`
	UserID    string    `json:"user_id"`
	Amount    float64   `json:"amount"`
	Address   string    `json:"address"`
	Priority  bool      `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderStatusChangedEvent drives the saga forward.
type OrderStatusChangedEvent struct {
	OrderID        string      `json:"order_id"`
	PreviousStatus OrderStatus `json:"previous_status"`
	NewStatus      OrderStatus `json:"new_status"`
	UpdatedBy      Actor       `json:"updated_by"`
	Reason         string      `json:"reason,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// OrderNotificationEvent is the downstream notification the saga emits to
// the customer-management integration after each accepted transition.
type OrderNotificationEvent struct {
	OrderID   string      `json:"order_id"`
	Status    OrderStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
}

// InventoryReleaseEvent is the compensating action asking the warehouse
// integration to put reserved inventory back. Consumers must treat it as
// idempotent: it may be delivered more than once.
type InventoryReleaseEvent struct {
	OrderID   string    `json:"order_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// CompensationAppliedEvent acknowledges that a compensating action took
// effect, letting the saga settle a compensating order as failed.
type CompensationAppliedEvent struct {
	OrderID   string    `json:"order_id"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}
