package service

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"atomic-ledger/internal/domain"
	"atomic-ledger/internal/errors"
	"atomic-ledger/internal/lock"
)

const (
	maxListLimit          = 100
	defaultPublishTimeout = 5 * time.Second
)

type TransferService struct {
	store       domain.Store
	locks       *lock.Coordinator
	publisher   domain.EventPublisher
	now         func() time.Time
	lockTimeout time.Duration
	// publishTimeout bounds the post-commit event publish.
	publishTimeout time.Duration
	logger         *slog.Logger
}

type Option func(*TransferService)

// WithPublisher sends a TransferCompleted event after every committed transfer.
func WithPublisher(publisher domain.EventPublisher) Option {
	return func(s *TransferService) { s.publisher = publisher }
}

// WithClock overrides the clock used to stamp transfer records.
func WithClock(now func() time.Time) Option {
	return func(s *TransferService) { s.now = now }
}

// WithLockTimeout bounds how long a transfer waits for its account permits.
// Zero means wait until the caller's context ends.
func WithLockTimeout(timeout time.Duration) Option {
	return func(s *TransferService) { s.lockTimeout = timeout }
}

// WithPublishTimeout bounds how long a committed transfer waits on its event.
func WithPublishTimeout(timeout time.Duration) Option {
	return func(s *TransferService) { s.publishTimeout = timeout }
}

func NewTransferService(store domain.Store, locks *lock.Coordinator, logger *slog.Logger, opts ...Option) *TransferService {
	s := &TransferService{
		store:          store,
		locks:          locks,
		now:            func() time.Time { return time.Now().UTC() },
		publishTimeout: defaultPublishTimeout,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type TransferRequest struct {
	FromAccountID  string
	ToAccountID    string
	Amount         decimal.Decimal
	IdempotencyKey *uuid.UUID
}

// Transfer moves Amount from FromAccountID to ToAccountID as one atomic step.
//
// On success the committed SUCCESS record is returned. When the transfer is
// rejected after locking (unknown account, insufficient funds, commit
// conflict) the FAILED record written to the log is returned together with
// the error. Invalid requests, cancellations and storage failures return a
// nil record. A storage failure means the outcome is unknown; retry with the
// same idempotency key.
func (s *TransferService) Transfer(ctx context.Context, in *TransferRequest) (*domain.TransferRecord, error) {
	s.logger.Info("Processing transfer",
		"from_account_id", in.FromAccountID,
		"to_account_id", in.ToAccountID,
		"amount", in.Amount,
		"idempotency_key", in.IdempotencyKey)

	req, err := validateTransfer(in)
	if err != nil {
		return nil, err
	}

	// Fast path for resubmissions; checked again under the lock.
	if req.IdempotencyKey != nil {
		existing, err := s.findCommitted(ctx, req)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	permit, err := s.acquire(ctx, req.FromAccountID, req.ToAccountID)
	if err != nil {
		return nil, err
	}

	// Once locked the transfer runs to a terminal state.
	opCtx := context.WithoutCancel(ctx)

	if req.IdempotencyKey != nil {
		existing, err := s.findCommitted(opCtx, req)
		if err != nil || existing != nil {
			permit.Release()
			return existing, err
		}
	}

	record, err := s.execute(opCtx, req)
	permit.Release()

	if err == nil {
		s.publishCompleted(opCtx, record)
		return record, nil
	}

	switch errors.CodeOf(err) {
	case errors.AccountNotFound, errors.InsufficientFunds:
		s.logger.Warn("Transfer rejected", "reason", errors.CodeOf(err), "from_account_id", req.FromAccountID, "to_account_id", req.ToAccountID)
		return s.recordFailure(opCtx, req, err)
	case errors.VersionConflict:
		s.logger.Error("Account modified outside the transfer lock",
			"from_account_id", req.FromAccountID,
			"to_account_id", req.ToAccountID,
			"error", err)
		return s.recordFailure(opCtx, req, errors.ErrCommitConflict.WithDetails(err.Error()))
	case errors.InvalidRequest, errors.IdempotencyKeyReuse:
		return nil, err
	case errors.DuplicateTransfer:
		existing, lookupErr := s.findCommitted(opCtx, req)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing != nil {
			return existing, nil
		}
		return nil, errors.ErrStorageUnavailable.WithDetails("idempotency key conflict without a committed transfer")
	default:
		s.logger.Error("Transfer outcome unknown", "from_account_id", req.FromAccountID, "to_account_id", req.ToAccountID, "error", err)
		return nil, asUnavailable(err)
	}
}

// execute runs the locked part of a transfer and returns the committed
// record. Business rejections come back as errors and leave no writes.
func (s *TransferService) execute(ctx context.Context, req *TransferRequest) (*domain.TransferRecord, error) {
	record := &domain.TransferRecord{
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		Status:         domain.TransferStatusSuccess,
	}

	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		from, err := tx.Accounts().GetAccount(ctx, req.FromAccountID)
		if err != nil {
			return err
		}
		to, err := tx.Accounts().GetAccount(ctx, req.ToAccountID)
		if err != nil {
			return err
		}

		if from.Balance.LessThan(req.Amount) {
			return errors.ErrInsufficientFunds.WithDetails(
				"balance " + from.Balance.String() + " is below " + req.Amount.String())
		}

		debit := *from
		debit.Balance = from.Balance.Sub(req.Amount)
		credit := *to
		credit.Balance = to.Balance.Add(req.Amount)
		if !domain.FitsMoney(credit.Balance) {
			return errors.ErrBalanceOverflow.WithDetails("account " + to.ID)
		}

		if err := tx.Accounts().CompareAndSwap(ctx, from.ID, from.Version, &debit); err != nil {
			return err
		}
		if err := tx.Accounts().CompareAndSwap(ctx, to.ID, to.Version, &credit); err != nil {
			return err
		}

		record.Timestamp = s.now()
		return tx.Transfers().AppendTransfer(ctx, record)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Transfer committed", "transfer_id", record.ID, "amount", record.Amount)
	return record, nil
}

// recordFailure appends the FAILED record for a rejected transfer.
func (s *TransferService) recordFailure(ctx context.Context, req *TransferRequest, cause error) (*domain.TransferRecord, error) {
	record := &domain.TransferRecord{
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		Status:         domain.TransferStatusFailed,
		FailureReason:  string(errors.CodeOf(cause)),
		Timestamp:      s.now(),
	}

	if err := s.store.Transfers().AppendTransfer(ctx, record); err != nil {
		s.logger.Error("Failed to record failed transfer", "reason", record.FailureReason, "error", err)
		return nil, cause
	}
	return record, cause
}

func (s *TransferService) acquire(ctx context.Context, ids ...string) (*lock.Permit, error) {
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}

	permit, err := s.locks.Acquire(ctx, ids...)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.ErrCancelled.WithDetails("timed out waiting for account locks")
		}
		return nil, errors.ErrCancelled.WithDetails(err.Error())
	}
	return permit, nil
}

// findCommitted returns the SUCCESS record for the request's idempotency
// key. A key already used for a different transfer is rejected.
func (s *TransferService) findCommitted(ctx context.Context, req *TransferRequest) (*domain.TransferRecord, error) {
	existing, err := s.store.Transfers().GetTransferByIdempotencyKey(ctx, *req.IdempotencyKey)
	if err != nil {
		return nil, asUnavailable(err)
	}
	if existing == nil {
		return nil, nil
	}

	if existing.FromAccountID != req.FromAccountID ||
		existing.ToAccountID != req.ToAccountID ||
		!existing.Amount.Equal(req.Amount) {
		s.logger.Warn("Idempotency key reused for a different transfer",
			"idempotency_key", req.IdempotencyKey, "transfer_id", existing.ID)
		return nil, errors.ErrIdempotencyKeyReuse
	}

	s.logger.Info("Returning existing transfer for idempotency key",
		"idempotency_key", req.IdempotencyKey,
		"transfer_id", existing.ID)
	return existing, nil
}

func (s *TransferService) publishCompleted(ctx context.Context, record *domain.TransferRecord) {
	if s.publisher == nil {
		return
	}
	if s.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.publishTimeout)
		defer cancel()
	}
	if err := s.publisher.Publish(ctx, domain.TopicTransferCompleted, domain.NewTransferCompleted(record)); err != nil {
		s.logger.Error("Failed to publish transfer event", "transfer_id", record.ID, "error", err)
	}
}

// validateTransfer returns a trimmed copy of in. The caller's request is not
// modified.
func validateTransfer(in *TransferRequest) (*TransferRequest, error) {
	req := *in
	req.FromAccountID = strings.TrimSpace(req.FromAccountID)
	req.ToAccountID = strings.TrimSpace(req.ToAccountID)

	if req.FromAccountID == "" || req.ToAccountID == "" {
		return nil, errors.ErrInvalidAccountID
	}

	if req.FromAccountID == req.ToAccountID {
		return nil, errors.ErrSameAccountTransfer
	}

	if !req.Amount.IsPositive() {
		return nil, errors.ErrInvalidAmount
	}

	if !domain.FitsMoney(req.Amount) {
		return nil, errors.ErrAmountOutOfRange.WithDetails(req.Amount.String())
	}

	return &req, nil
}

// GetTransfer returns one record from the transfer log.
func (s *TransferService) GetTransfer(ctx context.Context, id int64) (*domain.TransferRecord, error) {
	if id <= 0 {
		return nil, errors.ErrInvalidTransferID
	}
	return s.store.Transfers().GetTransfer(ctx, id)
}

// ListTransfers returns records after since, oldest first, optionally only
// those touching accountID.
func (s *TransferService) ListTransfers(ctx context.Context, accountID string, since int64, limit int) ([]*domain.TransferRecord, error) {
	if since < 0 {
		return nil, errors.ErrInvalidTransferID
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	return s.store.Transfers().ListTransfers(ctx, domain.TransferFilter{
		AccountID: strings.TrimSpace(accountID),
		SinceID:   since,
		Limit:     limit,
	})
}

// asUnavailable keeps storage_unavailable errors and wraps anything else
// from the store as one, since the caller cannot tell what was applied.
func asUnavailable(err error) error {
	if appErr, ok := errors.FromError(err); ok && appErr.Code == errors.StorageUnavailable {
		return appErr
	}
	return errors.ErrStorageUnavailable.WithDetails(err.Error())
}
