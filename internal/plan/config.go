package plan

import (
	"errors"
	"fmt"

	"github.com/smallbiznis/genquota/internal/plan/domain"
)

// Config is the on-disk shape of plans.yml.
type Config struct {
	Plans []PlanConfig `mapstructure:"plans"`
}

type PlanConfig struct {
	Tier         string   `mapstructure:"tier"`
	Features     []string `mapstructure:"features"`
	MaxPerPeriod int64    `mapstructure:"max_per_period"`
	HourlyCap    int64    `mapstructure:"hourly_cap"`
	DailyCap     int64    `mapstructure:"daily_cap"`
}

func DefaultConfig() Config {
	basic := []string{
		string(domain.FeatureCaptionBuilder),
		string(domain.FeatureThreadBuilder),
	}
	starter := append(append([]string{}, basic...),
		string(domain.FeatureScriptBuilder),
		string(domain.FeatureContentCalendar),
	)
	all := make([]string, 0)
	for _, f := range domain.AllFeatures() {
		all = append(all, string(f))
	}

	return Config{
		Plans: []PlanConfig{
			{Tier: string(domain.TierFree), Features: basic, MaxPerPeriod: 5, HourlyCap: 3, DailyCap: 5},
			{Tier: string(domain.TierStarter), Features: starter, MaxPerPeriod: 20, HourlyCap: 10, DailyCap: 20},
			{Tier: string(domain.TierPro), Features: all, MaxPerPeriod: 50, HourlyCap: 20, DailyCap: 50},
			{Tier: string(domain.TierBusiness), Features: all, MaxPerPeriod: domain.Unlimited, HourlyCap: 100, DailyCap: 500},
		},
	}
}

func validateConfig(cfg Config) error {
	if len(cfg.Plans) == 0 {
		return errors.New("plans cannot be empty")
	}

	seen := make(map[domain.Tier]struct{}, len(cfg.Plans))
	for _, pc := range cfg.Plans {
		tier := domain.NormalizeTier(pc.Tier)
		if tier == "" {
			return fmt.Errorf("plans: tier is required: %w", domain.ErrInvalidPlan)
		}
		if _, dup := seen[tier]; dup {
			return fmt.Errorf("plans.%s: duplicate tier: %w", tier, domain.ErrInvalidPlan)
		}
		seen[tier] = struct{}{}

		if pc.MaxPerPeriod < domain.Unlimited {
			return fmt.Errorf("plans.%s.max_per_period must be >= -1: %w", tier, domain.ErrInvalidPlan)
		}
		if pc.HourlyCap < domain.Unlimited || pc.DailyCap < domain.Unlimited {
			return fmt.Errorf("plans.%s caps must be >= -1: %w", tier, domain.ErrInvalidPlan)
		}
	}

	if _, ok := seen[domain.TierFree]; !ok {
		return fmt.Errorf("plans: %q tier is required as the fallback: %w", domain.TierFree, domain.ErrInvalidPlan)
	}
	return nil
}
