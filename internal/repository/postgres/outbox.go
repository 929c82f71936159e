package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/swifttrack/platform/internal/model"
	"github.com/swifttrack/platform/internal/repository"
	"github.com/swifttrack/platform/pkg/backoff"
)

type outboxRepository struct {
	*BaseRepository
	leaseTTL time.Duration
	retry    backoff.Policy
}

func NewOutboxRepository(base *BaseRepository, leaseTTL time.Duration, retry backoff.Policy) repository.OutboxRepository {
	return &outboxRepository{
		BaseRepository: base,
		leaseTTL:       leaseTTL,
		retry:          retry,
	}
}

func (r *outboxRepository) AppendTx(ctx context.Context, tx *sqlx.Tx, event *model.OutboxEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.Payload == nil {
		return fmt.Errorf("event payload cannot be nil")
	}

	query := `
		INSERT INTO outbox_events (
			event_id, event_type, aggregate_id, aggregate_type, payload, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
		RETURNING id
	`
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	err := tx.QueryRowxContext(ctx, query,
		event.EventID,
		event.EventType,
		event.AggregateID,
		event.AggregateType,
		event.Payload,
		event.CreatedAt,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to append outbox event: %w", err)
	}
	return nil
}

// ClaimBatch stamps a fresh lease on eligible rows under row locks so
// concurrent relays never claim the same event. An event is only
// eligible while no older unsettled event exists for the same
// aggregate: a sibling held back by retry backoff or an active lease
// blocks everything behind it, otherwise a later poll would publish
// the aggregate's events out of order. UPDATE ... FROM does not
// guarantee RETURNING order, so rows are re-sorted before handing back.
// The eligibility and ordering rules are mirrored by the helpers in
// claimselect.go; keep the two in sync.
func (r *outboxRepository) ClaimBatch(ctx context.Context, limit, partition, partitions int) (*repository.Claim, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("claim limit must be positive, got %d", limit)
	}

	token := uuid.New()
	expiresAt := time.Now().UTC().Add(r.leaseTTL)

	query := `
		WITH eligible AS (
			SELECT e.id FROM outbox_events e
			WHERE e.processed = false
			  AND e.dead_lettered = false
			  AND (e.next_retry_at IS NULL OR e.next_retry_at <= now())
			  AND (e.lease_expires_at IS NULL OR e.lease_expires_at < now())
			  AND ($4 <= 1 OR mod(abs(hashtext(e.aggregate_id)), $4) = $5)
			  AND NOT EXISTS (
				SELECT 1 FROM outbox_events prior
				WHERE prior.aggregate_id = e.aggregate_id
				  AND prior.processed = false
				  AND prior.dead_lettered = false
				  AND (prior.created_at, prior.id) < (e.created_at, e.id)
			  )
			ORDER BY e.created_at, e.id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events o
		SET lease_token = $2, lease_expires_at = $3
		FROM eligible
		WHERE o.id = eligible.id
		RETURNING o.id, o.event_id, o.event_type, o.aggregate_id, o.aggregate_type,
			o.payload, o.processed, o.processed_at, o.retry_count, o.next_retry_at,
			o.dead_lettered, o.last_error, o.lease_token, o.lease_expires_at, o.created_at
	`

	var events []*model.OutboxEvent
	err := r.db.SelectContext(ctx, &events, query, limit, token, expiresAt, partitions, partition)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox batch: %w", err)
	}

	sort.Slice(events, func(i, j int) bool {
		return eventBefore(events[i], events[j])
	})

	return &repository.Claim{
		Events:     events,
		LeaseToken: token,
		ExpiresAt:  expiresAt,
	}, nil
}

func (r *outboxRepository) MarkProcessed(ctx context.Context, eventID uuid.UUID) error {
	query := `
		UPDATE outbox_events
		SET processed = true,
			processed_at = now(),
			lease_token = NULL,
			lease_expires_at = NULL
		WHERE event_id = $1 AND processed = false
	`
	if _, err := r.db.ExecContext(ctx, query, eventID); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

func (r *outboxRepository) MarkFailed(ctx context.Context, eventID uuid.UUID, cause error, maxRetries int) (bool, error) {
	var deadLettered bool
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		bump := `
			UPDATE outbox_events
			SET retry_count = retry_count + 1,
				last_error = $2,
				lease_token = NULL,
				lease_expires_at = NULL
			WHERE event_id = $1 AND processed = false AND dead_lettered = false
			RETURNING retry_count
		`
		var retryCount int
		err := tx.QueryRowxContext(ctx, bump, eventID, errorText(cause)).Scan(&retryCount)
		if errors.Is(err, sql.ErrNoRows) {
			// Already processed or dead-lettered by another worker.
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to record event failure: %w", err)
		}

		if retryCount >= maxRetries {
			deadLettered = true
			return deadLetterTx(ctx, tx, eventID)
		}

		nextRetryAt := time.Now().UTC().Add(r.retry.Next(retryCount))
		schedule := `UPDATE outbox_events SET next_retry_at = $2 WHERE event_id = $1`
		if _, err := tx.ExecContext(ctx, schedule, eventID, nextRetryAt); err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}
		return nil
	})
	return deadLettered, err
}

func (r *outboxRepository) DeadLetter(ctx context.Context, eventID uuid.UUID, cause error) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		record := `
			UPDATE outbox_events
			SET last_error = $2,
				lease_token = NULL,
				lease_expires_at = NULL
			WHERE event_id = $1 AND processed = false AND dead_lettered = false
		`
		result, err := tx.ExecContext(ctx, record, eventID, errorText(cause))
		if err != nil {
			return fmt.Errorf("failed to record terminal failure: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return nil
		}
		return deadLetterTx(ctx, tx, eventID)
	})
}

func deadLetterTx(ctx context.Context, tx *sqlx.Tx, eventID uuid.UUID) error {
	flag := `
		UPDATE outbox_events
		SET dead_lettered = true, next_retry_at = NULL
		WHERE event_id = $1
	`
	if _, err := tx.ExecContext(ctx, flag, eventID); err != nil {
		return fmt.Errorf("failed to flag event dead-lettered: %w", err)
	}

	copyRow := `
		INSERT INTO outbox_dead_letters (
			event_id, event_type, aggregate_id, aggregate_type,
			payload, retry_count, last_error, failed_at
		)
		SELECT event_id, event_type, aggregate_id, aggregate_type,
			payload, retry_count, last_error, now()
		FROM outbox_events
		WHERE event_id = $1
		ON CONFLICT (event_id) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, copyRow, eventID); err != nil {
		return fmt.Errorf("failed to copy event to dead letters: %w", err)
	}
	return nil
}

func (r *outboxRepository) ReleaseLease(ctx context.Context, token uuid.UUID) error {
	query := `
		UPDATE outbox_events
		SET lease_token = NULL, lease_expires_at = NULL
		WHERE lease_token = $1
	`
	if _, err := r.db.ExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (r *outboxRepository) ArchiveProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		WITH moved AS (
			DELETE FROM outbox_events
			WHERE processed = true AND processed_at < $1
			RETURNING event_id, event_type, aggregate_id, aggregate_type,
				payload, processed_at, created_at
		)
		INSERT INTO outbox_archive (
			event_id, event_type, aggregate_id, aggregate_type,
			payload, processed_at, created_at
		)
		SELECT event_id, event_type, aggregate_id, aggregate_type,
			payload, processed_at, created_at
		FROM moved
	`
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to archive processed events: %w", err)
	}
	return result.RowsAffected()
}

func (r *outboxRepository) PendingCount(ctx context.Context) (int64, error) {
	query := `
		SELECT count(*) FROM outbox_events
		WHERE processed = false
		  AND dead_lettered = false
		  AND (next_retry_at IS NULL OR next_retry_at <= now())
	`
	var count int64
	if err := r.db.GetContext(ctx, &count, query); err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return count, nil
}

func errorText(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
