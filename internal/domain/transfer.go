package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransferStatus string

const (
	TransferStatusSuccess TransferStatus = "SUCCESS"
	TransferStatusFailed  TransferStatus = "FAILED"
)

type TransferRecord struct {
	ID             int64           `json:"transfer_id"`
	FromAccountID  string          `json:"from_account_id"`
	ToAccountID    string          `json:"to_account_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey *uuid.UUID      `json:"idempotency_key,omitempty"`
	Status         TransferStatus  `json:"status"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

func (r *TransferRecord) Succeeded() bool {
	return r.Status == TransferStatusSuccess
}

// TouchesAccount reports whether id is the source or destination.
func (r *TransferRecord) TouchesAccount(id string) bool {
	return r.FromAccountID == id || r.ToAccountID == id
}

// TransferFilter selects records with an ID greater than SinceID, oldest
// first. An empty AccountID matches every account; a zero Limit means no limit.
type TransferFilter struct {
	AccountID string
	SinceID   int64
	Limit     int
}

// TransferRepository is the append-only transfer log.
type TransferRepository interface {
	// AppendTransfer stores record and assigns its ID.
	AppendTransfer(ctx context.Context, record *TransferRecord) error
	GetTransfer(ctx context.Context, id int64) (*TransferRecord, error)
	ListTransfers(ctx context.Context, filter TransferFilter) ([]*TransferRecord, error)
	// GetTransferByIdempotencyKey returns the successful record committed
	// with key, or nil when there is none.
	GetTransferByIdempotencyKey(ctx context.Context, key uuid.UUID) (*TransferRecord, error)
}
