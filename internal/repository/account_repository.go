package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"atomic-ledger/internal/domain"
	"atomic-ledger/internal/errors"
)

type accountRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewAccountRepository(db SQLExecutor, logger *slog.Logger) domain.AccountRepository {
	return &accountRepository{
		db:     db,
		logger: logger,
	}
}

const accountColumns = `id, holder_name, balance, version, created_at, updated_at`

func (r *accountRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, holder_name, balance, version, created_at, updated_at)
		VALUES ($1, $2, $3, 1, $4, $4)
	`

	now := time.Now().UTC()
	_, err := r.db.ExecContext(
		ctx,
		query,
		account.ID,
		account.HolderName,
		account.Balance.String(),
		now,
	)

	if err != nil {
		if code, _, ok := pqCode(err); ok && code == pqUniqueViolation {
			r.logger.Warn("Duplicate account creation attempt", "account_id", account.ID)
			return errors.ErrDuplicateAccount
		}
		r.logger.Error("Failed to create account", "account_id", account.ID, "error", err)
		return storageError(err, "failed to create account")
	}

	account.Version = 1
	account.CreatedAt = now
	account.UpdatedAt = now
	r.logger.Info("Account created successfully", "account_id", account.ID)
	return nil
}

func (r *accountRepository) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	account, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrAccountNotFound
		}
		r.logger.Error("Failed to get account", "account_id", id, "error", err)
		return nil, storageError(err, "failed to get account")
	}
	return account, nil
}

func (r *accountRepository) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		r.logger.Error("Failed to list accounts", "error", err)
		return nil, storageError(err, "failed to list accounts")
	}
	defer rows.Close()

	accounts := make([]*domain.Account, 0)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, storageError(err, "failed to scan account")
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "failed to list accounts")
	}
	return accounts, nil
}

// CompareAndSwap writes next only if the row still carries expectedVersion.
func (r *accountRepository) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, next *domain.Account) error {
	query := `
		UPDATE accounts
		SET balance = $1, holder_name = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5
		RETURNING ` + accountColumns

	updated, err := scanAccount(r.db.QueryRowContext(
		ctx,
		query,
		next.Balance.String(),
		next.HolderName,
		time.Now().UTC(),
		id,
		expectedVersion,
	))
	if err == nil {
		*next = *updated
		return nil
	}

	if !stderrors.Is(err, sql.ErrNoRows) {
		if code, _, ok := pqCode(err); ok && code == pqCheckViolation {
			r.logger.Error("Balance check constraint rejected update", "account_id", id, "balance", next.Balance)
			return errors.NewAppError(errors.InternalError, "balance would become negative")
		}
		r.logger.Error("Failed to update account", "account_id", id, "error", err)
		return storageError(err, "failed to update account")
	}

	// No row matched: either the account is gone or its version moved.
	if _, err := r.GetAccount(ctx, id); err != nil {
		return err
	}
	r.logger.Warn("Account version conflict", "account_id", id, "expected_version", expectedVersion)
	return errors.ErrVersionConflict
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var account domain.Account
	var balanceStr string

	err := row.Scan(
		&account.ID,
		&account.HolderName,
		&balanceStr,
		&account.Version,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, err
	}
	account.Balance = balance
	return &account, nil
}
