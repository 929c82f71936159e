package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/swifttrack/platform/pkg/logger"
)

// BaseRepository carries the shared DB handle and transaction helper.
type BaseRepository struct {
	db     *sqlx.DB
	logger *logger.Logger
}

func NewBaseRepository(db *sqlx.DB, log *logger.Logger) *BaseRepository {
	return &BaseRepository{db: db, logger: log}
}

// WithTx runs fn in a transaction, rolling back on error or panic.
func (r *BaseRepository) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Error(rbErr, "transaction rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
