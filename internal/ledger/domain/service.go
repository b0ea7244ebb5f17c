package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/soulbridge/atelier/pkg/db/pagination"
)

type DeductRequest struct {
	UserID  snowflake.ID
	Tier    string
	Feature string
	Amount  int64
	Reason  string
}

type RefundRequest struct {
	UserID  snowflake.ID
	Tier    string
	Feature string
	Amount  int64
	Reason  string
}

type GrantRequest struct {
	UserID snowflake.ID
	Tier   string
	Amount int64
	Reason string
}

type ListTransactionsRequest struct {
	UserID    snowflake.ID
	PageToken string
	PageSize  int32
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []CreditTransaction `json:"transactions"`
}

// Service owns every mutation of the credit tables. No other component
// writes them, which is what keeps the atomicity guarantees meaningful.
type Service interface {
	// GetBalance returns the current balance, creating the row with the
	// tier's monthly allowance on first access.
	GetBalance(ctx context.Context, userID snowflake.ID, tier string) (int64, error)

	// Deduct atomically checks and decrements the balance. A balance
	// short of the amount returns *InsufficientFundsError and changes
	// nothing.
	Deduct(ctx context.Context, req DeductRequest) (int64, error)

	// Refund increments the balance. Refunds are never rejected as a
	// business outcome; a storage failure is queued for retry before the
	// error is surfaced.
	Refund(ctx context.Context, req RefundRequest) (int64, error)

	// Grant adds credits for allowance resets and admin top-ups.
	Grant(ctx context.Context, req GrantRequest) (int64, error)

	// ResetMonthly sets the balance to the tier allowance and stamps
	// LastResetAt. Used by the scheduler's monthly pass.
	ResetMonthly(ctx context.Context, userID snowflake.ID, tier string, allowance int64) (int64, error)

	// ListTransactions pages through a user's audit trail, newest first.
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)

	// RetryFailedRefunds drains the refund retry queue. Returns the
	// number of refunds applied.
	RetryFailedRefunds(ctx context.Context, batchSize int) (int, error)
}

var (
	ErrInvalidUser   = errors.New("invalid_user")
	ErrInvalidAmount = errors.New("invalid_amount")

	// ErrInsufficientFunds is the errors.Is target for
	// *InsufficientFundsError.
	ErrInsufficientFunds = errors.New("insufficient_funds")

	// ErrStorageUnavailable is the errors.Is target for *StorageError.
	// Callers fail closed on it: the metered action is denied, never
	// granted on a guess.
	ErrStorageUnavailable = errors.New("storage_unavailable")
)

// InsufficientFundsError is an expected business outcome, not a system
// error. It carries what the caller needs for an upgrade prompt.
type InsufficientFundsError struct {
	Balance   int64
	Cost      int64
	Shortfall int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %d, cost %d, short %d", e.Balance, e.Cost, e.Shortfall)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// StorageError wraps a transient infrastructure failure so callers can
// tell it apart from business outcomes.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return "ledger storage unavailable: " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// WrapStorage classifies err as a storage failure unless it already is a
// domain outcome.
func WrapStorage(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidUser) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return &StorageError{Err: err}
}
