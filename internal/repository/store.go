package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"atomic-ledger/internal/domain"
	"atomic-ledger/internal/errors"
)

// Store is the Postgres domain.Store. Repositories it hands out run on the
// pool, or on the open sql.Tx inside WithTransaction.
type Store struct {
	executor SQLExecutor
	logger   *slog.Logger
}

func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{
		executor: db,
		logger:   logger,
	}
}

func (s *Store) Accounts() domain.AccountRepository {
	return NewAccountRepository(s.executor, s.logger)
}

func (s *Store) Transfers() domain.TransferRepository {
	return NewTransferRepository(s.executor, s.logger)
}

// WithTransaction commits everything fn writes in one READ COMMITTED
// transaction, or rolls it all back when fn fails or panics.
func (s *Store) WithTransaction(ctx context.Context, fn func(domain.Store) error) (err error) {
	// Only sql.DB can begin transactions
	db, ok := s.executor.(DB)
	if !ok {
		return errors.ErrCannotBeginTransaction
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return storageError(err, "failed to begin transaction")
	}

	txStore := &Store{
		executor: tx,
		logger:   s.logger,
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to roll back transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if code, constraint, ok := pqCode(err); ok && code == pqUniqueViolation && constraint == idempotencyKeyIndex {
			return errors.ErrDuplicateTransfer
		}
		return storageError(err, "failed to commit transaction")
	}
	return nil
}

var _ domain.Store = (*Store)(nil)
