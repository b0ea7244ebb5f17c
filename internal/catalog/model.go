// Package catalog holds the static feature cost table and tier plans that
// gate the creative features. The catalog is loaded once at startup and
// validated there; a feature missing from it is a deploy-time bug, never a
// silently free feature.
package catalog

import "errors"

// Limit is a daily invocation cap. Unlimited is a distinct state rather
// than a large number so raising paid caps later cannot re-enable
// enforcement by accident.
type Limit struct {
	count     int
	unlimited bool
}

// Unlimited disables daily cap enforcement for a feature/tier pair.
var Unlimited = Limit{unlimited: true}

// LimitOf returns a cap of n calls per reporting day.
func LimitOf(n int) Limit {
	if n < 0 {
		n = 0
	}
	return Limit{count: n}
}

// IsUnlimited reports whether the cap is disabled.
func (l Limit) IsUnlimited() bool { return l.unlimited }

// Count returns the numeric cap. Meaningless when IsUnlimited.
func (l Limit) Count() int { return l.count }

// Allows reports whether one more call is permitted given today's count.
func (l Limit) Allows(usedToday int) bool {
	if l.unlimited {
		return true
	}
	return usedToday < l.count
}

// FeatureCost is one entry of the cost table.
type FeatureCost struct {
	Code string
	Name string
	// Cost is the credit price of one successful invocation. Zero means
	// free: the gate skips the ledger and usage tracker entirely.
	Cost int
}

// TierPlan describes what a subscription tier is entitled to.
type TierPlan struct {
	Code             string
	MonthlyAllowance int
	DefaultDaily     Limit
	DailyLimits      map[string]Limit
}

// DailyLimit returns the cap for a feature under this plan.
func (p TierPlan) DailyLimit(feature string) Limit {
	if limit, ok := p.DailyLimits[feature]; ok {
		return limit
	}
	return p.DefaultDaily
}

var (
	ErrFeatureNotConfigured = errors.New("feature_not_configured")
	ErrTierNotConfigured    = errors.New("tier_not_configured")
	ErrEmptyCatalog         = errors.New("empty_catalog")
)
