package saga

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/swifttrack/platform/internal/model"
	apperrors "github.com/swifttrack/platform/pkg/errors"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name string
		from model.OrderStatus
		to   model.OrderStatus
		ok   bool
	}{
		{"placed to at_warehouse", model.OrderStatusPlaced, model.OrderStatusAtWarehouse, true},
		{"at_warehouse to picked", model.OrderStatusAtWarehouse, model.OrderStatusPicked, true},
		{"picked to in_transit", model.OrderStatusPicked, model.OrderStatusInTransit, true},
		{"in_transit to delivered", model.OrderStatusInTransit, model.OrderStatusDelivered, true},
		{"delivered to confirmed", model.OrderStatusDelivered, model.OrderStatusConfirmed, true},
		{"placed can fail", model.OrderStatusPlaced, model.OrderStatusFailed, true},
		{"in_transit can fail", model.OrderStatusInTransit, model.OrderStatusFailed, true},
		{"no skipping ahead", model.OrderStatusPlaced, model.OrderStatusPicked, false},
		{"no going back", model.OrderStatusDelivered, model.OrderStatusInTransit, false},
		{"confirmed is terminal", model.OrderStatusConfirmed, model.OrderStatusFailed, false},
		{"failed is terminal", model.OrderStatusFailed, model.OrderStatusPlaced, false},
		{"unknown status", model.OrderStatus("lost"), model.OrderStatusPlaced, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, apperrors.KindIllegalTransition, apperrors.KindOf(err))
			}
		})
	}
}

func TestNeedsCompensation(t *testing.T) {
	assert.False(t, needsCompensation(model.OrderStatusPlaced))
	assert.False(t, needsCompensation(model.OrderStatusAtWarehouse))
	assert.True(t, needsCompensation(model.OrderStatusPicked))
	assert.True(t, needsCompensation(model.OrderStatusInTransit))
	assert.False(t, needsCompensation(model.OrderStatusDelivered))
}
