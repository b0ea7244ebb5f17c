package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// Catalog is the immutable lookup table the gate consults on every
// metered request. Built once, never mutated afterwards.
type Catalog struct {
	features map[string]FeatureCost
	tiers    map[string]TierPlan
}

// New builds a catalog from explicit entries and validates it.
func New(features []FeatureCost, tiers []TierPlan) (*Catalog, error) {
	c := &Catalog{
		features: make(map[string]FeatureCost, len(features)),
		tiers:    make(map[string]TierPlan, len(tiers)),
	}
	for _, f := range features {
		code := strings.ToLower(strings.TrimSpace(f.Code))
		if code == "" {
			return nil, fmt.Errorf("%w: feature with empty code", ErrFeatureNotConfigured)
		}
		f.Code = code
		c.features[code] = f
	}
	for _, t := range tiers {
		code := strings.ToLower(strings.TrimSpace(t.Code))
		if code == "" {
			return nil, fmt.Errorf("%w: tier with empty code", ErrTierNotConfigured)
		}
		t.Code = code
		c.tiers[code] = t
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects catalogs that would fail at request time: no features,
// no tiers, negative costs or allowances, or a per-feature daily limit
// referencing a feature the cost table does not know.
func (c *Catalog) Validate() error {
	if len(c.features) == 0 || len(c.tiers) == 0 {
		return ErrEmptyCatalog
	}
	for code, f := range c.features {
		if f.Cost < 0 {
			return fmt.Errorf("feature %q: negative cost %d", code, f.Cost)
		}
	}
	for code, t := range c.tiers {
		if t.MonthlyAllowance < 0 {
			return fmt.Errorf("tier %q: negative monthly allowance %d", code, t.MonthlyAllowance)
		}
		for feature := range t.DailyLimits {
			if _, ok := c.features[feature]; !ok {
				return fmt.Errorf("tier %q: daily limit for unknown feature %q: %w", code, feature, ErrFeatureNotConfigured)
			}
		}
	}
	return nil
}

// Cost returns the credit price of a feature. An unknown feature is a
// configuration error, not a free feature.
func (c *Catalog) Cost(feature string) (int, error) {
	f, ok := c.features[normalize(feature)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrFeatureNotConfigured, feature)
	}
	return f.Cost, nil
}

// Feature returns the full cost entry for a feature.
func (c *Catalog) Feature(feature string) (FeatureCost, error) {
	f, ok := c.features[normalize(feature)]
	if !ok {
		return FeatureCost{}, fmt.Errorf("%w: %s", ErrFeatureNotConfigured, feature)
	}
	return f, nil
}

// Tier returns the plan for a tier code.
func (c *Catalog) Tier(tier string) (TierPlan, error) {
	t, ok := c.tiers[normalize(tier)]
	if !ok {
		return TierPlan{}, fmt.Errorf("%w: %s", ErrTierNotConfigured, tier)
	}
	return t, nil
}

// DailyLimit returns the cap for a feature under a tier.
func (c *Catalog) DailyLimit(feature, tier string) (Limit, error) {
	if _, err := c.Feature(feature); err != nil {
		return Limit{}, err
	}
	t, err := c.Tier(tier)
	if err != nil {
		return Limit{}, err
	}
	return t.DailyLimit(normalize(feature)), nil
}

// MonthlyAllowance returns the credits granted to a tier each month.
func (c *Catalog) MonthlyAllowance(tier string) (int, error) {
	t, err := c.Tier(tier)
	if err != nil {
		return 0, err
	}
	return t.MonthlyAllowance, nil
}

// Features lists configured feature codes in stable order.
func (c *Catalog) Features() []string {
	codes := make([]string, 0, len(c.features))
	for code := range c.features {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Tiers lists configured tier codes in stable order.
func (c *Catalog) Tiers() []string {
	codes := make([]string, 0, len(c.tiers))
	for code := range c.tiers {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func normalize(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

type fileFeature struct {
	Name string `mapstructure:"name"`
	Cost int    `mapstructure:"cost"`
}

type fileTier struct {
	MonthlyAllowance  int            `mapstructure:"monthly_allowance"`
	DefaultDailyLimit string         `mapstructure:"default_daily_limit"`
	DailyLimits       map[string]any `mapstructure:"daily_limits"`
}

type fileCatalog struct {
	Features map[string]fileFeature `mapstructure:"features"`
	Tiers    map[string]fileTier    `mapstructure:"tiers"`
}

// LoadFile reads a YAML catalog file.
func LoadFile(path string) (*Catalog, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var raw fileCatalog
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}

	features := make([]FeatureCost, 0, len(raw.Features))
	for code, f := range raw.Features {
		features = append(features, FeatureCost{Code: code, Name: f.Name, Cost: f.Cost})
	}

	tiers := make([]TierPlan, 0, len(raw.Tiers))
	for code, t := range raw.Tiers {
		defaultLimit, err := parseLimit(t.DefaultDailyLimit)
		if err != nil {
			return nil, fmt.Errorf("tier %q default_daily_limit: %w", code, err)
		}
		limits := make(map[string]Limit, len(t.DailyLimits))
		for feature, value := range t.DailyLimits {
			limit, err := parseLimit(value)
			if err != nil {
				return nil, fmt.Errorf("tier %q daily_limits.%s: %w", code, feature, err)
			}
			limits[normalize(feature)] = limit
		}
		tiers = append(tiers, TierPlan{
			Code:             code,
			MonthlyAllowance: t.MonthlyAllowance,
			DefaultDaily:     defaultLimit,
			DailyLimits:      limits,
		})
	}

	return New(features, tiers)
}

// FileExists reports whether a catalog file is present at path.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func parseLimit(value any) (Limit, error) {
	switch typed := value.(type) {
	case nil:
		return LimitOf(0), nil
	case string:
		s := strings.ToLower(strings.TrimSpace(typed))
		if s == "" {
			return LimitOf(0), nil
		}
		if s == "unlimited" {
			return Unlimited, nil
		}
		var n int
		if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
			return Limit{}, fmt.Errorf("invalid limit %q", typed)
		}
		return LimitOf(n), nil
	case int:
		return LimitOf(typed), nil
	case int64:
		return LimitOf(int(typed)), nil
	case float64:
		return LimitOf(int(typed)), nil
	default:
		return Limit{}, fmt.Errorf("invalid limit value %v", value)
	}
}
