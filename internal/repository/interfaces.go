package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/swifttrack/platform/internal/model"
)

// ErrSagaNotFound is returned when no saga state exists for an aggregate.
var ErrSagaNotFound = errors.New("saga state not found")

// Claim is a leased batch of outbox events. The lease lets a crashed
// worker's rows be reclaimed once ExpiresAt passes.
type Claim struct {
	Events     []*model.OutboxEvent
	LeaseToken uuid.UUID
	ExpiresAt  time.Time
}

// OutboxRepository owns the outbox_events table.
type OutboxRepository interface {
	// AppendTx inserts the event inside the caller's transaction so the
	// aggregate mutation and the event record commit or roll back together.
	AppendTx(ctx context.Context, tx *sqlx.Tx, event *model.OutboxEvent) error

	// ClaimBatch locks up to limit eligible rows (unprocessed, retry due,
	// lease absent or expired, and with no older unsettled event for the
	// same aggregate) with skip-locked semantics and stamps a fresh lease
	// on them. An aggregate whose oldest pending event is held back by
	// backoff or an active lease contributes nothing to the batch, so
	// later events never overtake it. Rows come back in created_at order.
	// When partitions > 1 only rows whose aggregate_id hashes to partition
	// are claimed, keeping per-aggregate ordering with multiple relays.
	ClaimBatch(ctx context.Context, limit, partition, partitions int) (*Claim, error)

	// MarkProcessed is idempotent.
	MarkProcessed(ctx context.Context, eventID uuid.UUID) error

	// MarkFailed bumps retry_count and schedules the next attempt with
	// capped exponential backoff, or routes the event to the dead-letter
	// table once maxRetries is reached. Reports whether the event was
	// dead-lettered by this call.
	MarkFailed(ctx context.Context, eventID uuid.UUID, cause error, maxRetries int) (bool, error)

	// DeadLetter flags the event terminal-failed immediately, bypassing
	// the retry schedule. Used for permanent publish errors.
	DeadLetter(ctx context.Context, eventID uuid.UUID, cause error) error

	// ReleaseLease clears the lease on all rows still held under token so
	// a graceful shutdown does not leave rows blocked until expiry.
	ReleaseLease(ctx context.Context, token uuid.UUID) error

	// ArchiveProcessedBefore moves processed rows older than cutoff into
	// the archive table and reports how many were moved.
	ArchiveProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// PendingCount counts rows still eligible for claiming.
	PendingCount(ctx context.Context) (int64, error)

	// WithTx runs fn inside a transaction.
	WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error
}

// SagaRepository owns the saga_states table. Mutations happen only inside
// the coordinator's transaction, alongside the outbox append.
type SagaRepository interface {
	GetByAggregateID(ctx context.Context, aggregateID string) (*model.SagaState, error)
	SaveTx(ctx context.Context, tx *sqlx.Tx, state *model.SagaState) error
	WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error
}
