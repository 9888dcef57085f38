package plan

import (
	"fmt"

	"github.com/smallbiznis/genquota/internal/plan/domain"
)

// Catalog maps tiers to entitlement plans. A Catalog is never mutated after
// construction; reloads build a new one.
type Catalog struct {
	plans map[domain.Tier]domain.Plan
}

// NewCatalog validates cfg and builds a catalog from it.
func NewCatalog(cfg Config) (*Catalog, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	plans := make(map[domain.Tier]domain.Plan, len(cfg.Plans))
	for _, pc := range cfg.Plans {
		tier := domain.NormalizeTier(pc.Tier)
		features := make([]domain.FeatureType, 0, len(pc.Features))
		for _, raw := range pc.Features {
			f, err := domain.ParseFeature(raw)
			if err != nil {
				return nil, fmt.Errorf("plans.%s.features: %q: %w", tier, raw, err)
			}
			features = append(features, f)
		}
		plans[tier] = domain.NewPlan(tier, pc.MaxPerPeriod, domain.RateCaps{
			Hourly: pc.HourlyCap,
			Daily:  pc.DailyCap,
		}, features...)
	}

	return &Catalog{plans: plans}, nil
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return c
}

// Plan returns the plan for tier. Unknown, empty or malformed tiers resolve to
// the free plan.
func (c *Catalog) Plan(tier domain.Tier) domain.Plan {
	if p, ok := c.plans[domain.NormalizeTier(string(tier))]; ok {
		return p
	}
	return c.plans[domain.TierFree]
}

// Known reports whether tier has an explicit plan.
func (c *Catalog) Known(tier domain.Tier) bool {
	_, ok := c.plans[domain.NormalizeTier(string(tier))]
	return ok
}

func (c *Catalog) Entitled(tier domain.Tier, feature domain.FeatureType) bool {
	return c.Plan(tier).Entitled(feature)
}

// LimitFor returns the per-period generation limit, or domain.Unlimited.
func (c *Catalog) LimitFor(tier domain.Tier) int64 {
	return c.Plan(tier).MaxPerPeriod
}

func (c *Catalog) RateCaps(tier domain.Tier) domain.RateCaps {
	return c.Plan(tier).Caps
}
