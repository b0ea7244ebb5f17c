package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewRejectsNegativeCost(t *testing.T) {
	_, err := New(
		[]FeatureCost{{Code: "decoder", Cost: -1}},
		[]TierPlan{{Code: "bronze", MonthlyAllowance: 100}},
	)
	if err == nil {
		t.Fatalf("expected error for negative cost")
	}
}

func TestNewRejectsLimitForUnknownFeature(t *testing.T) {
	_, err := New(
		[]FeatureCost{{Code: "decoder", Cost: 5}},
		[]TierPlan{{
			Code:             "bronze",
			MonthlyAllowance: 100,
			DailyLimits:      map[string]Limit{"tarot": LimitOf(3)},
		}},
	)
	if !errors.Is(err, ErrFeatureNotConfigured) {
		t.Fatalf("expected feature-not-configured, got %v", err)
	}
}

func TestNewRejectsEmptyCatalog(t *testing.T) {
	_, err := New(nil, nil)
	if !errors.Is(err, ErrEmptyCatalog) {
		t.Fatalf("expected empty catalog error, got %v", err)
	}
}

func TestCostIsCaseInsensitive(t *testing.T) {
	c := mustCatalog(t)

	cost, err := c.Cost("  DECODER ")
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	if cost != 5 {
		t.Fatalf("expected decoder cost 5, got %d", cost)
	}
}

func TestUnknownFeatureIsNotFree(t *testing.T) {
	c := mustCatalog(t)

	if _, err := c.Cost("time_travel"); !errors.Is(err, ErrFeatureNotConfigured) {
		t.Fatalf("expected feature-not-configured, got %v", err)
	}
}

func TestDailyLimitFallsBackToTierDefault(t *testing.T) {
	c := mustCatalog(t)

	// Silver overrides decoder but not horoscope.
	limit, err := c.DailyLimit("decoder", "silver")
	if err != nil {
		t.Fatalf("daily limit: %v", err)
	}
	if limit.Count() != 15 {
		t.Fatalf("expected decoder override 15, got %d", limit.Count())
	}

	limit, err = c.DailyLimit("horoscope", "silver")
	if err != nil {
		t.Fatalf("daily limit: %v", err)
	}
	if limit.Count() != 10 {
		t.Fatalf("expected silver default 10, got %d", limit.Count())
	}
}

func TestGoldIsUnlimited(t *testing.T) {
	c := mustCatalog(t)

	limit, err := c.DailyLimit("story", "gold")
	if err != nil {
		t.Fatalf("daily limit: %v", err)
	}
	if !limit.IsUnlimited() {
		t.Fatalf("expected gold unlimited")
	}
	if !limit.Allows(1 << 20) {
		t.Fatalf("unlimited must allow any count")
	}
}

func TestLimitAllows(t *testing.T) {
	limit := LimitOf(3)
	if !limit.Allows(2) {
		t.Fatalf("2 of 3 must be allowed")
	}
	if limit.Allows(3) {
		t.Fatalf("3 of 3 must be denied")
	}
}

func TestLoadFileParsesLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := []byte(`features:
  decoder:
    name: Dream Decoder
    cost: 5
  tarot:
    name: Tarot Reading
    cost: 4
tiers:
  bronze:
    monthly_allowance: 100
    default_daily_limit: 3
  gold:
    monthly_allowance: 1200
    default_daily_limit: unlimited
    daily_limits:
      tarot: 20
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}

	limit, err := c.DailyLimit("decoder", "gold")
	if err != nil {
		t.Fatalf("daily limit: %v", err)
	}
	if !limit.IsUnlimited() {
		t.Fatalf("expected gold default unlimited")
	}

	limit, err = c.DailyLimit("tarot", "gold")
	if err != nil {
		t.Fatalf("daily limit: %v", err)
	}
	if limit.IsUnlimited() || limit.Count() != 20 {
		t.Fatalf("expected tarot capped at 20, got %+v", limit)
	}

	allowance, err := c.MonthlyAllowance("bronze")
	if err != nil {
		t.Fatalf("allowance: %v", err)
	}
	if allowance != 100 {
		t.Fatalf("expected bronze allowance 100, got %d", allowance)
	}
}

func TestLoadFileRejectsBadLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := []byte(`features:
  decoder:
    cost: 5
tiers:
  bronze:
    monthly_allowance: 100
    default_daily_limit: sometimes
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected error for unparseable limit")
	}
}

func mustCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Default()
	if err != nil {
		t.Fatalf("default catalog: %v", err)
	}
	return c
}
