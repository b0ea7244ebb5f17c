package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/soulbridge/atelier/internal/catalog"
)

// Quota is the answer to "may this user invoke this feature right now",
// with everything a rejection payload needs.
type Quota struct {
	Allowed bool
	Limit   catalog.Limit
	Used    int64
	// ResetsAt is the next day boundary in the reporting timezone.
	ResetsAt time.Time
}

type Service interface {
	// GetUsageToday returns today's count in the reporting timezone,
	// zero when no row exists.
	GetUsageToday(ctx context.Context, userID snowflake.ID, feature string) (int64, error)

	// RecordUsage increments today's counter, creating the row on first
	// use of the day.
	RecordUsage(ctx context.Context, userID snowflake.ID, feature string) error

	// CheckQuota evaluates the tier's daily cap against today's count.
	CheckQuota(ctx context.Context, userID snowflake.ID, feature, tier string) (Quota, error)

	// ResetUsage deletes today's counter rows. Administrative/test use.
	// An empty feature resets every feature for the user.
	ResetUsage(ctx context.Context, userID snowflake.ID, feature string) error

	// PurgeBefore removes counters older than the cutoff. Settled rows
	// are historical only, so this is safe storage hygiene.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

var (
	ErrInvalidUser    = errors.New("invalid_user")
	ErrInvalidFeature = errors.New("invalid_feature")

	// ErrStorageUnavailable is the errors.Is target for *StorageError.
	ErrStorageUnavailable = errors.New("usage_storage_unavailable")
)

// StorageError wraps a transient infrastructure failure touching the
// usage store.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return "usage storage unavailable: " + e.Err.Error()
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
	if errors.Is(err, ErrInvalidUser) ||
		errors.Is(err, ErrInvalidFeature) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, catalog.ErrFeatureNotConfigured) ||
		errors.Is(err, catalog.ErrTierNotConfigured) {
		return err
	}
	return &StorageError{Err: err}
}
