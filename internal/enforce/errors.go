package enforce

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthenticationRequired means no caller identity was resolved
	// before the gate ran. The ledger is never touched in that case.
	ErrAuthenticationRequired = errors.New("authentication_required")

	// ErrDailyLimitExceeded is the errors.Is target for
	// *DailyLimitExceededError.
	ErrDailyLimitExceeded = errors.New("daily_limit_exceeded")
)

// DailyLimitExceededError is an expected business outcome carrying what
// a "come back later" response needs.
type DailyLimitExceededError struct {
	Feature  string
	Limit    int
	Used     int64
	ResetsAt time.Time
}

func (e *DailyLimitExceededError) Error() string {
	return fmt.Sprintf("daily limit exceeded for %s: used %d of %d, resets %s",
		e.Feature, e.Used, e.Limit, e.ResetsAt.Format(time.RFC3339))
}

func (e *DailyLimitExceededError) Is(target error) bool {
	return target == ErrDailyLimitExceeded
}
