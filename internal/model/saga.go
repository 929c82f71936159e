package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SagaLifecycle is the coarse state of one in-flight order saga.
type SagaLifecycle string

const (
	SagaRunning      SagaLifecycle = "RUNNING"
	SagaCompensating SagaLifecycle = "COMPENSATING"
	SagaCompleted    SagaLifecycle = "COMPLETED"
	SagaFailed       SagaLifecycle = "FAILED"
)

// Active reports whether the saga still accepts transitions.
func (l SagaLifecycle) Active() bool {
	return l == SagaRunning || l == SagaCompensating
}

// StepTransition records one accepted transition in the step history.
type StepTransition struct {
	From   OrderStatus `json:"from"`
	To     OrderStatus `json:"to"`
	Reason string      `json:"reason,omitempty"`
	At     time.Time   `json:"at"`
}

// StepHistory is stored as jsonb.
type StepHistory []StepTransition

func (h StepHistory) Value() (driver.Value, error) {
	if h == nil {
		h = StepHistory{}
	}
	return json.Marshal(h)
}

func (h *StepHistory) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*h = nil
		return nil
	case []byte:
		return json.Unmarshal(v, h)
	case string:
		return json.Unmarshal([]byte(v), h)
	default:
		return fmt.Errorf("unsupported step history type %T", src)
	}
}

// SagaState is one row per in-flight order lifecycle, keyed by aggregate.
// CurrentStatus always matches the last accepted transition in
// StepHistory; only the coordinator mutates either.
type SagaState struct {
	SagaID        uuid.UUID     `db:"saga_id" json:"saga_id"`
	AggregateID   string        `db:"aggregate_id" json:"aggregate_id"`
	CurrentStatus OrderStatus   `db:"current_status" json:"current_status"`
	Lifecycle     SagaLifecycle `db:"lifecycle_status" json:"lifecycle_status"`
	StepHistory   StepHistory   `db:"step_history" json:"step_history"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// NewSagaState starts a saga at the given status.
func NewSagaState(aggregateID string, status OrderStatus) *SagaState {
	now := time.Now().UTC()
	return &SagaState{
		SagaID:        uuid.New(),
		AggregateID:   aggregateID,
		CurrentStatus: status,
		Lifecycle:     SagaRunning,
		StepHistory: StepHistory{{
			To: status,
			At: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Advance appends a transition and moves the current status. Callers
// validate the edge against the transition table first.
func (s *SagaState) Advance(to OrderStatus, reason string) {
	now := time.Now().UTC()
	s.StepHistory = append(s.StepHistory, StepTransition{
		From:   s.CurrentStatus,
		To:     to,
		Reason: reason,
		At:     now,
	})
	s.CurrentStatus = to
	s.UpdatedAt = now
}
