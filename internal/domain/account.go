package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Account struct {
	ID         string          `json:"account_id"`
	HolderName string          `json:"holder_name"`
	Balance    decimal.Decimal `json:"balance"`
	Version    int64           `json:"version"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// AccountRepository is the account store. CompareAndSwap is the only way a
// balance changes once the account exists.
type AccountRepository interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	// CompareAndSwap replaces the stored account with next if its version is
	// still expectedVersion. On success next.Version is expectedVersion+1.
	CompareAndSwap(ctx context.Context, id string, expectedVersion int64, next *Account) error
}

// MoneyScale is the number of decimal places stored for balances and amounts.
const MoneyScale = 4

// MaxMoney is the exclusive upper bound of a balance or amount, the largest
// value a NUMERIC(20, 4) column holds plus one unit.
var MaxMoney = decimal.New(1, 20-MoneyScale)

// FitsMoney reports whether d is representable without rounding: no more
// than MoneyScale decimal places and below MaxMoney.
func FitsMoney(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(MoneyScale)) && d.Abs().LessThan(MaxMoney)
}
