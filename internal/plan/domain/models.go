// Package domain contains plan tiers, feature types and entitlement values.
package domain

import (
	"errors"
	"sort"
	"strings"

	"github.com/gosimple/slug"
)

// Tier identifies a subscription plan.
type Tier string

const (
	TierFree     Tier = "free"
	TierStarter  Tier = "starter"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// FeatureType identifies a metered generation feature.
type FeatureType string

const (
	FeatureViralHooks      FeatureType = "viral-hooks"
	FeatureCaptionBuilder  FeatureType = "caption-builder"
	FeatureThreadBuilder   FeatureType = "thread-builder"
	FeatureScriptBuilder   FeatureType = "script-builder"
	FeatureContentCalendar FeatureType = "content-calendar"
)

// Unlimited marks a limit or cap that is never enforced.
const Unlimited int64 = -1

var knownFeatures = map[FeatureType]struct{}{
	FeatureViralHooks:      {},
	FeatureCaptionBuilder:  {},
	FeatureThreadBuilder:   {},
	FeatureScriptBuilder:   {},
	FeatureContentCalendar: {},
}

var (
	ErrUnknownFeature = errors.New("invalid_feature_type")
	ErrInvalidPlan    = errors.New("invalid_plan")
)

// AllFeatures returns every known feature type in stable order.
func AllFeatures() []FeatureType {
	out := make([]FeatureType, 0, len(knownFeatures))
	for f := range knownFeatures {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseFeature normalizes user input ("Viral Hooks", "viral_hooks") into a known feature type.
func ParseFeature(raw string) (FeatureType, error) {
	normalized := slug.Make(strings.ReplaceAll(strings.TrimSpace(raw), "_", "-"))
	if normalized == "" {
		return "", ErrUnknownFeature
	}
	feature := FeatureType(normalized)
	if _, ok := knownFeatures[feature]; !ok {
		return "", ErrUnknownFeature
	}
	return feature, nil
}

// NormalizeTier trims and lower-cases a tier value. It does not validate it.
func NormalizeTier(raw string) Tier {
	return Tier(strings.ToLower(strings.TrimSpace(raw)))
}

// RateCaps bounds generations in trailing windows. Unlimited disables a window.
type RateCaps struct {
	Hourly int64 `json:"hourly"`
	Daily  int64 `json:"daily"`
}

// Plan is an immutable entitlement snapshot for a tier.
type Plan struct {
	Tier         Tier
	MaxPerPeriod int64
	Caps         RateCaps

	features map[FeatureType]struct{}
}

func NewPlan(tier Tier, maxPerPeriod int64, caps RateCaps, features ...FeatureType) Plan {
	set := make(map[FeatureType]struct{}, len(features))
	for _, f := range features {
		set[f] = struct{}{}
	}
	return Plan{
		Tier:         tier,
		MaxPerPeriod: maxPerPeriod,
		Caps:         caps,
		features:     set,
	}
}

// Entitled reports whether feature is usable on the plan. A plan with a zero
// per-period limit grants nothing.
func (p Plan) Entitled(feature FeatureType) bool {
	if p.MaxPerPeriod == 0 {
		return false
	}
	_, ok := p.features[feature]
	return ok
}

func (p Plan) Unlimited() bool {
	return p.MaxPerPeriod == Unlimited
}

// Features returns a sorted copy of the entitled features.
func (p Plan) Features() []FeatureType {
	if p.MaxPerPeriod == 0 {
		return []FeatureType{}
	}
	out := make([]FeatureType, 0, len(p.features))
	for f := range p.features {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
