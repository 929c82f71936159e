package saga

import (
	"fmt"

	"github.com/swifttrack/platform/internal/model"
	apperrors "github.com/swifttrack/platform/pkg/errors"
)

// transitions is the only source of truth for legal order lifecycle edges.
// Every non-terminal status may fail; nothing leaves confirmed or failed.
var transitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderStatusPlaced:      {model.OrderStatusAtWarehouse, model.OrderStatusFailed},
	model.OrderStatusAtWarehouse: {model.OrderStatusPicked, model.OrderStatusFailed},
	model.OrderStatusPicked:      {model.OrderStatusInTransit, model.OrderStatusFailed},
	model.OrderStatusInTransit:   {model.OrderStatusDelivered, model.OrderStatusFailed},
	model.OrderStatusDelivered:   {model.OrderStatusConfirmed, model.OrderStatusFailed},
	model.OrderStatusConfirmed:   {},
	model.OrderStatusFailed:      {},
}

// ValidateTransition checks the edge from -> to against the table.
func ValidateTransition(from, to model.OrderStatus) error {
	allowed, ok := transitions[from]
	if !ok {
		return apperrors.IllegalTransition(
			fmt.Sprintf("unknown order status %q", from), nil)
	}
	for _, next := range allowed {
		if next == to {
			return nil
		}
	}
	return apperrors.IllegalTransition(
		fmt.Sprintf("illegal transition %s -> %s", from, to), nil)
}

// compensationStatuses are the statuses from which a failure means physical
// work already happened and must be undone. Failing from placed or
// at_warehouse releases nothing.
func needsCompensation(from model.OrderStatus) bool {
	return from == model.OrderStatusPicked || from == model.OrderStatusInTransit
}
