package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutboxEvent is one row of the transactional outbox. Rows are created in
// the same transaction as the aggregate mutation they record and are only
// ever mutated by the relay (claim, mark-processed, mark-failed). They are
// never deleted; the retention job moves old processed rows to the archive
// table.
type OutboxEvent struct {
	ID             int64           `db:"id" json:"id"`
	EventID        uuid.UUID       `db:"event_id" json:"event_id"`
	EventType      string          `db:"event_type" json:"event_type"`
	AggregateID    string          `db:"aggregate_id" json:"aggregate_id"`
	AggregateType  string          `db:"aggregate_type" json:"aggregate_type"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	Processed      bool            `db:"processed" json:"processed"`
	ProcessedAt    *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	RetryCount     int             `db:"retry_count" json:"retry_count"`
	NextRetryAt    *time.Time      `db:"next_retry_at" json:"next_retry_at,omitempty"`
	DeadLettered   bool            `db:"dead_lettered" json:"dead_lettered"`
	LastError      *string         `db:"last_error" json:"last_error,omitempty"`
	LeaseToken     *uuid.UUID      `db:"lease_token" json:"-"`
	LeaseExpiresAt *time.Time      `db:"lease_expires_at" json:"-"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// NewOutboxEvent builds a pending outbox event with a fresh idempotency
// key. The payload is serialized immediately so a marshalling problem
// fails the caller's transaction instead of poisoning the relay later.
func NewOutboxEvent(aggregateType, aggregateID, eventType string, payload interface{}) (*OutboxEvent, error) {
	if aggregateType == "" {
		return nil, fmt.Errorf("aggregate type is required")
	}
	if aggregateID == "" {
		return nil, fmt.Errorf("aggregate id is required")
	}
	if eventType == "" {
		return nil, fmt.Errorf("event type is required")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}

	return &OutboxEvent{
		EventID:       uuid.New(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Payload:       body,
		CreatedAt:     time.Now().UTC(),
	}, nil
}
