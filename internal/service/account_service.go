package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"atomic-ledger/internal/domain"
	"atomic-ledger/internal/errors"
)

const maxAccountIDLength = 64

type AccountService struct {
	store  domain.Store
	logger *slog.Logger
}

func NewAccountService(store domain.Store, logger *slog.Logger) *AccountService {
	return &AccountService{
		store:  store,
		logger: logger,
	}
}

func (s *AccountService) CreateAccount(ctx context.Context, accountID, holderName string, initialBalance decimal.Decimal) (*domain.Account, error) {
	s.logger.Info("Creating account", "account_id", accountID, "initial_balance", initialBalance)

	accountID = strings.TrimSpace(accountID)
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}

	if initialBalance.IsNegative() {
		return nil, errors.NewAppError(errors.InvalidRequest, "initial balance cannot be negative")
	}

	if !domain.FitsMoney(initialBalance) {
		return nil, errors.ErrAmountOutOfRange.WithDetails(initialBalance.String())
	}

	// Validate reasonable limits
	maxInitialBalance := decimal.NewFromInt(10_000_000_000) // 10 billion
	if initialBalance.GreaterThan(maxInitialBalance) {
		return nil, errors.NewAppError(errors.InvalidRequest, "initial balance exceeds maximum limit")
	}

	account := &domain.Account{
		ID:         accountID,
		HolderName: strings.TrimSpace(holderName),
		Balance:    initialBalance,
	}

	if err := s.store.Accounts().CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	return account, nil
}

func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	accountID = strings.TrimSpace(accountID)
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}

	return s.store.Accounts().GetAccount(ctx, accountID)
}

func (s *AccountService) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	return s.store.Accounts().ListAccounts(ctx)
}

func validateAccountID(id string) error {
	if id == "" || len(id) > maxAccountIDLength {
		return errors.ErrInvalidAccountID
	}
	return nil
}
