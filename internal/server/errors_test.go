package server

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/soulbridge/atelier/internal/catalog"
	"github.com/soulbridge/atelier/internal/enforce"
	ledgerdomain "github.com/soulbridge/atelier/internal/ledger/domain"
	usagedomain "github.com/soulbridge/atelier/internal/usage/domain"
	"github.com/stretchr/testify/assert"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		errType string
	}{
		{"unauthorized", ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{"auth required", enforce.ErrAuthenticationRequired, http.StatusUnauthorized, "unauthorized"},
		{"rate limited", ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{"conflict", ErrConflict, http.StatusConflict, "conflict"},
		{"unknown feature", catalog.ErrFeatureNotConfigured, http.StatusNotFound, "unknown_feature"},
		{"unknown tier", catalog.ErrTierNotConfigured, http.StatusBadRequest, "unknown_tier"},
		{"invalid amount", ledgerdomain.ErrInvalidAmount, http.StatusBadRequest, "invalid_request"},
		{"ledger storage", &ledgerdomain.StorageError{Err: errors.New("down")}, http.StatusServiceUnavailable, "service_unavailable"},
		{"usage storage", &usagedomain.StorageError{Err: errors.New("down")}, http.StatusServiceUnavailable, "service_unavailable"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, payload := mapError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.errType, payload.Type)
		})
	}
}

func TestMapErrorInsufficientFundsDetails(t *testing.T) {
	status, payload := mapError(&ledgerdomain.InsufficientFundsError{
		Balance:   2,
		Cost:      5,
		Shortfall: 3,
	})
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, "insufficient_credits", payload.Type)
	assert.Equal(t, int64(2), payload.Details["balance"])
	assert.Equal(t, int64(3), payload.Details["shortfall"])
}

func TestMapErrorDailyLimitDetails(t *testing.T) {
	resetsAt := time.Date(2026, 1, 16, 5, 0, 0, 0, time.UTC)
	status, payload := mapError(&enforce.DailyLimitExceededError{
		Feature:  "decoder",
		Limit:    3,
		Used:     3,
		ResetsAt: resetsAt,
	})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "daily_limit_exceeded", payload.Type)
	assert.Equal(t, "decoder", payload.Details["feature"])
	assert.Equal(t, resetsAt.Format(time.RFC3339), payload.Details["resets_at"])
}
