package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"atomic-ledger/internal/domain"
	"atomic-ledger/internal/errors"
)

// idempotencyKeyIndex is the partial unique index over successful transfers.
const idempotencyKeyIndex = "idx_transfers_idempotency_key"

const transferColumns = `id, from_account_id, to_account_id, amount, idempotency_key, status, failure_reason, created_at`

type transferRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewTransferRepository(db SQLExecutor, logger *slog.Logger) domain.TransferRepository {
	return &transferRepository{
		db:     db,
		logger: logger,
	}
}

func (r *transferRepository) AppendTransfer(ctx context.Context, record *domain.TransferRecord) error {
	query := `
		INSERT INTO transfers
		(from_account_id, to_account_id, amount, idempotency_key, status, failure_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	// Handle optional idempotency key and failure reason
	var idempotencyKey interface{}
	if record.IdempotencyKey != nil {
		idempotencyKey = record.IdempotencyKey.String()
	}
	var failureReason interface{}
	if record.FailureReason != "" {
		failureReason = record.FailureReason
	}

	err := r.db.QueryRowContext(
		ctx,
		query,
		record.FromAccountID,
		record.ToAccountID,
		record.Amount.String(),
		idempotencyKey,
		string(record.Status),
		failureReason,
		record.Timestamp.UTC(),
	).Scan(&record.ID)

	if err != nil {
		if code, constraint, ok := pqCode(err); ok && code == pqUniqueViolation && constraint == idempotencyKeyIndex {
			r.logger.Warn("Duplicate idempotency key", "idempotency_key", record.IdempotencyKey)
			return errors.ErrDuplicateTransfer
		}
		r.logger.Error("Failed to append transfer",
			"from_account_id", record.FromAccountID,
			"to_account_id", record.ToAccountID,
			"amount", record.Amount,
			"status", record.Status,
			"error", err)
		return storageError(err, "failed to append transfer")
	}

	r.logger.Info("Transfer appended", "transfer_id", record.ID, "status", record.Status)
	return nil
}

func (r *transferRepository) GetTransfer(ctx context.Context, id int64) (*domain.TransferRecord, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`

	record, err := scanTransfer(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrTransferNotFound
		}
		r.logger.Error("Failed to get transfer", "transfer_id", id, "error", err)
		return nil, storageError(err, "failed to get transfer")
	}
	return record, nil
}

func (r *transferRepository) GetTransferByIdempotencyKey(ctx context.Context, key uuid.UUID) (*domain.TransferRecord, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE idempotency_key = $1 AND status = 'SUCCESS'
	`

	record, err := scanTransfer(r.db.QueryRowContext(ctx, query, key.String()))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to get transfer by idempotency key", "idempotency_key", key, "error", err)
		return nil, storageError(err, "failed to get transfer")
	}
	return record, nil
}

func (r *transferRepository) ListTransfers(ctx context.Context, filter domain.TransferFilter) ([]*domain.TransferRecord, error) {
	var (
		conditions = []string{"id > $1"}
		args       = []interface{}{filter.SinceID}
	)
	if filter.AccountID != "" {
		args = append(args, filter.AccountID)
		conditions = append(conditions, "(from_account_id = $2 OR to_account_id = $2)")
	}

	query := `SELECT ` + transferColumns + ` FROM transfers WHERE ` + strings.Join(conditions, " AND ") + ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list transfers", "account_id", filter.AccountID, "error", err)
		return nil, storageError(err, "failed to list transfers")
	}
	defer rows.Close()

	records := make([]*domain.TransferRecord, 0)
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, storageError(err, "failed to scan transfer")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "failed to list transfers")
	}
	return records, nil
}

func scanTransfer(row rowScanner) (*domain.TransferRecord, error) {
	var record domain.TransferRecord
	var amountStr, status string
	var idempotencyKey, failureReason sql.NullString

	err := row.Scan(
		&record.ID,
		&record.FromAccountID,
		&record.ToAccountID,
		&amountStr,
		&idempotencyKey,
		&status,
		&failureReason,
		&record.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	// Parse amount
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, err
	}
	record.Amount = amount
	record.Status = domain.TransferStatus(status)
	record.FailureReason = failureReason.String

	// Parse optional idempotency key
	if idempotencyKey.Valid {
		key, err := uuid.Parse(idempotencyKey.String)
		if err != nil {
			return nil, err
		}
		record.IdempotencyKey = &key
	}

	return &record, nil
}
