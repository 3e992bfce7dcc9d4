package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

const TopicTransferCompleted = "transfer_completed"

type TransferCompleted struct {
	TransferID    int64           `json:"transfer_id"`
	FromAccountID string          `json:"from_account_id"`
	ToAccountID   string          `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

func NewTransferCompleted(record *TransferRecord) TransferCompleted {
	return TransferCompleted{
		TransferID:    record.ID,
		FromAccountID: record.FromAccountID,
		ToAccountID:   record.ToAccountID,
		Amount:        record.Amount,
		OccurredAt:    record.Timestamp,
	}
}

type EventPublisher interface {
	Publish(ctx context.Context, topic string, event any) error
}

// EventKey keeps events for one source account on one partition.
func (e TransferCompleted) EventKey() string {
	return e.FromAccountID
}
