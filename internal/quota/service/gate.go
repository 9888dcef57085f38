package service

import (
	"context"
	"strings"

	periodomain "github.com/smallbiznis/genquota/internal/billingperiod/domain"
	"github.com/smallbiznis/genquota/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/genquota/internal/observability/metrics"
	"github.com/smallbiznis/genquota/internal/plan"
	plandomain "github.com/smallbiznis/genquota/internal/plan/domain"
	quotadomain "github.com/smallbiznis/genquota/internal/quota/domain"
	usagedomain "github.com/smallbiznis/genquota/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// PeriodResolver maps a user to the period and tier in effect now.
type PeriodResolver interface {
	Resolve(ctx context.Context, userID string) periodomain.Resolution
}

// CatalogSource yields the current immutable plan snapshot.
type CatalogSource interface {
	Catalog() *plan.Catalog
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Plans   CatalogSource
	Periods PeriodResolver
	Ledger  usagedomain.Ledger
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Gate struct {
	log     *zap.Logger
	plans   CatalogSource
	periods PeriodResolver
	ledger  usagedomain.Ledger
	metrics *obsmetrics.Metrics
}

func NewGate(p Params) *Gate {
	return &Gate{
		log:     p.Log.Named("quota.gate"),
		plans:   p.Plans,
		periods: p.Periods,
		ledger:  p.Ledger,
		metrics: p.Metrics,
	}
}

// scope is everything a decision needs before touching usage.
type scope struct {
	userID     string
	feature    plandomain.FeatureType
	resolution periodomain.Resolution
	plan       plandomain.Plan
}

func (g *Gate) Check(ctx context.Context, userID string, feature plandomain.FeatureType) (quotadomain.Decision, error) {
	sc, decision, err := g.entitle(ctx, userID, feature)
	if err != nil || !decision.HasFeatureAccess {
		return g.finish(ctx, decision, err)
	}

	if sc.plan.Unlimited() {
		return g.finish(ctx, g.unlimited(ctx, sc, decision), nil)
	}

	used, err := g.used(ctx, sc)
	if err != nil {
		return g.finish(ctx, failed(decision), err)
	}

	limit := sc.plan.MaxPerPeriod
	decision.Usage = usageFor(sc.resolution.Period, used, limit)
	decision.HasUsageAvailable = used < limit
	decision.Allowed = decision.HasUsageAvailable
	if !decision.Allowed {
		decision.Reason = quotadomain.ReasonUsageLimitExceeded
	}
	return g.finish(ctx, decision, nil)
}

func (g *Gate) Reserve(ctx context.Context, userID string, feature plandomain.FeatureType) (quotadomain.Decision, *quotadomain.Reservation, error) {
	sc, decision, err := g.entitle(ctx, userID, feature)
	if err != nil || !decision.HasFeatureAccess {
		decision, err = g.finish(ctx, decision, err)
		return decision, nil, err
	}

	reservation := &quotadomain.Reservation{
		UserID:  sc.userID,
		Feature: sc.feature,
		Tier:    sc.plan.Tier,
		Period:  sc.resolution.Period,
		Limit:   sc.plan.MaxPerPeriod,
	}

	if sc.plan.Unlimited() {
		decision, _ = g.finish(ctx, g.unlimited(ctx, sc, decision), nil)
		return decision, reservation, nil
	}

	consumed, ok, err := g.ledger.Reserve(ctx, usagedomain.ReserveRequest{
		UserID: sc.userID,
		Period: sc.resolution.Period,
		Limit:  sc.plan.MaxPerPeriod,
	})
	if err != nil {
		decision, err = g.finish(ctx, failed(decision), err)
		return decision, nil, err
	}

	decision.Usage = usageFor(sc.resolution.Period, consumed, sc.plan.MaxPerPeriod)
	if !ok {
		decision.Reason = quotadomain.ReasonUsageLimitExceeded
		decision, _ = g.finish(ctx, decision, nil)
		return decision, nil, nil
	}

	decision.Allowed = true
	decision.HasUsageAvailable = true
	reservation.Reserved = true
	decision, _ = g.finish(ctx, decision, nil)
	return decision, reservation, nil
}

func (g *Gate) Release(ctx context.Context, reservation *quotadomain.Reservation) error {
	if reservation == nil || !reservation.Reserved {
		return nil
	}
	return g.ledger.Release(ctx, reservation.UserID, reservation.Period.Key)
}

// entitle resolves the period and plan and applies the entitlement check.
// No usage is read here.
func (g *Gate) entitle(ctx context.Context, userID string, feature plandomain.FeatureType) (scope, quotadomain.Decision, error) {
	decision := quotadomain.Decision{
		Reason:  quotadomain.ReasonNone,
		Feature: feature,
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return scope{}, failed(decision), quotadomain.ErrInvalidUser
	}
	parsed, err := plandomain.ParseFeature(string(feature))
	if err != nil {
		return scope{}, failed(decision), err
	}
	decision.Feature = parsed

	resolution := g.periods.Resolve(ctx, userID)
	p := g.plans.Catalog().Plan(resolution.Tier)
	decision.Tier = p.Tier

	sc := scope{userID: userID, feature: parsed, resolution: resolution, plan: p}
	if !p.Entitled(parsed) {
		decision.Reason = quotadomain.ReasonFeatureNotAvailable
		return sc, decision, nil
	}
	decision.HasFeatureAccess = true
	return sc, decision, nil
}

func (g *Gate) used(ctx context.Context, sc scope) (int64, error) {
	sum, err := g.ledger.SumForPeriod(ctx, sc.userID, sc.resolution.Key)
	if err != nil {
		return 0, err
	}
	allowance, err := g.ledger.Allowance(ctx, sc.userID, sc.resolution.Key)
	if err != nil {
		return 0, err
	}
	return max(sum, allowance), nil
}

// unlimited allows without a quota check. The ledger sum is informational,
// so a read failure does not deny.
func (g *Gate) unlimited(ctx context.Context, sc scope, decision quotadomain.Decision) quotadomain.Decision {
	used, err := g.ledger.SumForPeriod(ctx, sc.userID, sc.resolution.Key)
	if err != nil {
		logger.WithContext(ctx, g.log).Warn("usage read failed for unlimited plan", zap.Error(err))
		used = 0
	}
	decision.Allowed = true
	decision.HasUsageAvailable = true
	decision.Usage = usageFor(sc.resolution.Period, used, plandomain.Unlimited)
	return decision
}

func (g *Gate) finish(ctx context.Context, decision quotadomain.Decision, err error) (quotadomain.Decision, error) {
	if err != nil {
		decision = failed(decision)
		logger.WithContext(ctx, g.log).Warn("quota check failed, denying",
			zap.String("feature", string(decision.Feature)),
			zap.Error(err),
		)
	}
	g.metrics.RecordQuotaDecision(ctx, string(decision.Reason), string(decision.Tier))
	return decision, err
}

func failed(decision quotadomain.Decision) quotadomain.Decision {
	decision.Allowed = false
	decision.HasUsageAvailable = false
	decision.Reason = quotadomain.ReasonCheckFailed
	return decision
}

func usageFor(period periodomain.Period, used, limit int64) *quotadomain.Usage {
	u := &quotadomain.Usage{
		Used:         used,
		Limit:        limit,
		PeriodKey:    period.Key,
		PeriodStart:  period.Start,
		PeriodEnd:    period.End,
		IsPaidPeriod: period.IsPaid,
	}
	if limit == plandomain.Unlimited {
		u.Unlimited = true
		u.Remaining = plandomain.Unlimited
		return u
	}
	u.Remaining = max(limit-used, 0)
	return u
}

var _ quotadomain.Gate = (*Gate)(nil)
