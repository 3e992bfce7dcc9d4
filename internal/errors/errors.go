package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	InvalidRequest      ErrorCode = "invalid_request"
	AccountNotFound     ErrorCode = "account_not_found"
	InsufficientFunds   ErrorCode = "insufficient_funds"
	CommitConflict      ErrorCode = "commit_conflict"
	Cancelled           ErrorCode = "cancelled"
	StorageUnavailable  ErrorCode = "storage_unavailable"
	VersionConflict     ErrorCode = "version_conflict"
	DuplicateAccount    ErrorCode = "duplicate_account"
	DuplicateTransfer   ErrorCode = "duplicate_transfer"
	TransferNotFound    ErrorCode = "transfer_not_found"
	IdempotencyKeyReuse ErrorCode = "idempotency_key_reuse"
	InternalError       ErrorCode = "internal_error"
)

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

func (e AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of e carrying details. The receiver is left
// untouched so the predefined errors below can be shared between goroutines.
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// Is reports whether target is an *AppError with the same code and message.
// Details are ignored, so errors.Is(err, ErrInsufficientFunds) holds for any
// copy produced by WithDetails.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// HTTPStatus maps the error code onto a response status.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case InvalidRequest:
		return http.StatusBadRequest
	case AccountNotFound, TransferNotFound:
		return http.StatusNotFound
	case DuplicateAccount, DuplicateTransfer, IdempotencyKeyReuse, CommitConflict, VersionConflict:
		return http.StatusConflict
	case InsufficientFunds:
		return http.StatusUnprocessableEntity
	case Cancelled:
		return http.StatusRequestTimeout
	case StorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromError extracts the *AppError from err's chain.
func FromError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first *AppError in err's chain, or
// InternalError when there is none.
func CodeOf(err error) ErrorCode {
	if appErr, ok := FromError(err); ok {
		return appErr.Code
	}
	return InternalError
}

// Predefined errors for common cases
var (
	ErrInvalidAmount          = NewAppError(InvalidRequest, "amount must be positive")
	ErrSameAccountTransfer    = NewAppError(InvalidRequest, "source and destination accounts must differ")
	ErrAmountOutOfRange       = NewAppError(InvalidRequest, "amount has more than 4 decimal places or is too large")
	ErrBalanceOverflow        = NewAppError(InvalidRequest, "destination balance would exceed the maximum")
	ErrInvalidAccountID       = NewAppError(InvalidRequest, "invalid account id")
	ErrInvalidTransferID      = NewAppError(InvalidRequest, "invalid transfer id")
	ErrAccountNotFound        = NewAppError(AccountNotFound, "account not found")
	ErrInsufficientFunds      = NewAppError(InsufficientFunds, "insufficient funds")
	ErrCommitConflict         = NewAppError(CommitConflict, "account changed outside the transfer lock")
	ErrCancelled              = NewAppError(Cancelled, "transfer cancelled before locks were granted")
	ErrStorageUnavailable     = NewAppError(StorageUnavailable, "storage unavailable, transfer outcome unknown")
	ErrVersionConflict        = NewAppError(VersionConflict, "account version mismatch")
	ErrDuplicateAccount       = NewAppError(DuplicateAccount, "account already exists")
	ErrDuplicateTransfer      = NewAppError(DuplicateTransfer, "transfer already committed for idempotency key")
	ErrTransferNotFound       = NewAppError(TransferNotFound, "transfer not found")
	ErrIdempotencyKeyReuse    = NewAppError(IdempotencyKeyReuse, "idempotency key already used for a different transfer")
	ErrCannotBeginTransaction = NewAppError(InternalError, "cannot begin transaction on a transactional store")
)
