package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/swifttrack/platform/internal/model"
	"github.com/swifttrack/platform/internal/repository"
)

type sagaRepository struct {
	*BaseRepository
}

func NewSagaRepository(base *BaseRepository) repository.SagaRepository {
	return &sagaRepository{base}
}

func (r *sagaRepository) GetByAggregateID(ctx context.Context, aggregateID string) (*model.SagaState, error) {
	query := `
		SELECT saga_id, aggregate_id, current_status, lifecycle_status, step_history,
			created_at, updated_at
		FROM saga_states
		WHERE aggregate_id = $1
	`
	var state model.SagaState
	err := r.db.GetContext(ctx, &state, query, aggregateID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load saga state: %w", err)
	}
	return &state, nil
}

// SaveTx upserts on aggregate_id so load-or-create races between two
// coordinator instances collapse into one row.
func (r *sagaRepository) SaveTx(ctx context.Context, tx *sqlx.Tx, state *model.SagaState) error {
	if state == nil {
		return fmt.Errorf("saga state cannot be nil")
	}

	query := `
		INSERT INTO saga_states (
			saga_id, aggregate_id, current_status, lifecycle_status, step_history,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (aggregate_id) DO UPDATE SET
			current_status = EXCLUDED.current_status,
			lifecycle_status = EXCLUDED.lifecycle_status,
			step_history = EXCLUDED.step_history,
			updated_at = now()
	`
	_, err := tx.ExecContext(ctx, query,
		state.SagaID,
		state.AggregateID,
		state.CurrentStatus,
		state.Lifecycle,
		state.StepHistory,
		state.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save saga state: %w", err)
	}
	return nil
}
