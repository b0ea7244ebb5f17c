// Package enforce implements the credit gate wrapped around metered
// feature handlers: daily cap check, pre-emptive deduction, refund on
// handler failure, and response annotation with the remaining balance.
package enforce

import (
	"context"
	"errors"
	"fmt"

	"github.com/soulbridge/atelier/internal/catalog"
	ledgerdomain "github.com/soulbridge/atelier/internal/ledger/domain"
	obsmetrics "github.com/soulbridge/atelier/internal/observability/metrics"
	usagedomain "github.com/soulbridge/atelier/internal/usage/domain"
	"github.com/soulbridge/atelier/internal/usercontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Handler is the wrapped business logic. It returns the response payload
// on success; any error triggers a refund of the pre-deducted cost.
type Handler func(ctx context.Context) (map[string]any, error)

// Charge describes a settled deduction.
type Charge struct {
	Feature   string
	Cost      int64
	Remaining int64
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Catalog    *catalog.Catalog
	Ledger     ledgerdomain.Service
	Usage      usagedomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Gate owns the enforcement order. Deduction always happens before the
// handler runs; charging after the fact would reopen the double-spend
// window during long AI calls.
type Gate struct {
	log        *zap.Logger
	catalog    *catalog.Catalog
	ledger     ledgerdomain.Service
	usage      usagedomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewGate(p Params) *Gate {
	return &Gate{
		log:        p.Log.Named("enforce.gate"),
		catalog:    p.Catalog,
		ledger:     p.Ledger,
		usage:      p.Usage,
		obsMetrics: p.ObsMetrics,
	}
}

// Execute runs handler under the credit gate.
//
// Order: identity → cost lookup (0 = free, no ledger or usage touch) →
// daily cap → deduct → handler → record usage + annotate, or refund.
// A cancelled context after the handler counts as failure: work that was
// never delivered is not charged.
func (g *Gate) Execute(ctx context.Context, feature string, handler Handler) (map[string]any, error) {
	identity, ok := usercontext.IdentityFromContext(ctx)
	if !ok {
		return nil, ErrAuthenticationRequired
	}

	cost, err := g.catalog.Cost(feature)
	if err != nil {
		return nil, err
	}
	if cost == 0 {
		return handler(ctx)
	}

	charge, err := g.Begin(ctx, identity, feature, int64(cost))
	if err != nil {
		return nil, err
	}

	payload, handlerErr := handler(ctx)
	if handlerErr == nil && ctx.Err() != nil {
		handlerErr = ctx.Err()
	}
	if handlerErr != nil {
		g.Cancel(ctx, identity, charge, handlerErr)
		return nil, handlerErr
	}

	g.Commit(ctx, identity, charge)
	return annotate(payload, charge), nil
}

// Begin performs the pre-handler half of the gate: cap check, then
// atomic deduct. Exposed for adapters that cannot wrap the handler as a
// closure.
func (g *Gate) Begin(ctx context.Context, identity usercontext.Identity, feature string, cost int64) (Charge, error) {
	quota, err := g.usage.CheckQuota(ctx, identity.UserID, feature, identity.Tier)
	if err != nil {
		return Charge{}, err
	}
	if !quota.Allowed {
		if g.obsMetrics != nil {
			g.obsMetrics.RecordLimitDenial(ctx, feature, identity.Tier)
		}
		return Charge{}, &DailyLimitExceededError{
			Feature:  feature,
			Limit:    quota.Limit.Count(),
			Used:     quota.Used,
			ResetsAt: quota.ResetsAt,
		}
	}

	remaining, err := g.ledger.Deduct(ctx, ledgerdomain.DeductRequest{
		UserID:  identity.UserID,
		Tier:    identity.Tier,
		Feature: feature,
		Amount:  cost,
		Reason:  "feature_charge:" + feature,
	})
	if err != nil {
		if g.obsMetrics != nil && errors.Is(err, ledgerdomain.ErrInsufficientFunds) {
			g.obsMetrics.RecordInsufficientFunds(ctx, feature, identity.Tier)
		}
		return Charge{}, err
	}

	return Charge{Feature: feature, Cost: cost, Remaining: remaining}, nil
}

// Commit records successful consumption. Usage reflects delivered work
// only; a counting failure is logged, never turned into a request error
// after the user already got their result.
func (g *Gate) Commit(ctx context.Context, identity usercontext.Identity, charge Charge) {
	if err := g.usage.RecordUsage(ctx, identity.UserID, charge.Feature); err != nil {
		g.log.Warn("failed to record usage for delivered work",
			zap.String("user_id", identity.UserID.String()),
			zap.String("feature", charge.Feature),
			zap.Error(err),
		)
	}
	if g.obsMetrics != nil {
		g.obsMetrics.RecordUsage(ctx, charge.Feature)
	}
}

// Cancel refunds a charge whose handler failed. The refund runs on a
// cancellation-proof context so a client disconnect cannot strand the
// charge, and the original failure stays the caller's error.
func (g *Gate) Cancel(ctx context.Context, identity usercontext.Identity, charge Charge, cause error) {
	refundCtx := context.WithoutCancel(ctx)
	_, err := g.ledger.Refund(refundCtx, ledgerdomain.RefundRequest{
		UserID:  identity.UserID,
		Tier:    identity.Tier,
		Feature: charge.Feature,
		Amount:  charge.Cost,
		Reason:  fmt.Sprintf("handler_failure:%s: %v", charge.Feature, cause),
	})
	if err != nil {
		// The ledger has already queued the retry; this log line is the
		// request-scoped trace of the incident.
		g.log.Error("refund for failed handler did not apply synchronously",
			zap.String("user_id", identity.UserID.String()),
			zap.String("feature", charge.Feature),
			zap.Int64("amount", charge.Cost),
			zap.NamedError("handler_error", cause),
			zap.Error(err),
		)
	}
}

// annotate merges charge metadata into the payload without disturbing
// what the handler produced.
func annotate(payload map[string]any, charge Charge) map[string]any {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["charged"] = charge.Cost
	payload["remaining"] = charge.Remaining
	return payload
}

// Module wires the enforcement gate.
var Module = fx.Module("enforce",
	fx.Provide(NewGate),
)
