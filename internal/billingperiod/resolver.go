package billingperiod

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/genquota/internal/billingperiod/domain"
	"github.com/smallbiznis/genquota/internal/clock"
	"github.com/smallbiznis/genquota/internal/observability/logger"
	plandomain "github.com/smallbiznis/genquota/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/genquota/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	Subscriptions subscriptiondomain.Service
}

// Resolver maps a user to the billing period and tier in effect now.
type Resolver struct {
	log   *zap.Logger
	clock clock.Clock
	subs  subscriptiondomain.Service
}

func NewResolver(p Params) *Resolver {
	return &Resolver{
		log:   p.Log.Named("billingperiod.resolver"),
		clock: p.Clock,
		subs:  p.Subscriptions,
	}
}

// Resolve never fails. Lookup errors and malformed subscription data fall
// back to the calendar month on the free tier.
func (r *Resolver) Resolve(ctx context.Context, userID string) domain.Resolution {
	now := r.clock.Now().UTC()

	sub, err := r.subs.GetActiveByUserID(ctx, userID)
	if err != nil {
		logger.WithContext(ctx, r.log).Warn("subscription lookup failed, using calendar period",
			zap.String("user_id", strings.TrimSpace(userID)),
			zap.Error(err),
		)
		return domain.Resolution{
			Period: CalendarPeriod(now),
			Tier:   plandomain.TierFree,
			Source: domain.SourceFallback,
		}
	}
	if sub == nil || !sub.IsActive() {
		return domain.Resolution{
			Period: CalendarPeriod(now),
			Tier:   plandomain.TierFree,
			Source: domain.SourceCalendar,
		}
	}

	res := domain.Resolution{
		Tier:               plandomain.NormalizeTier(sub.Tier),
		SubscriptionActive: true,
	}

	if p, ok := processorPeriod(sub, now); ok {
		res.Period = p
		res.Source = domain.SourceProcessor
		return res
	}

	anchor := sub.AnchorAt
	if sub.CurrentPeriodStart != nil && !sub.CurrentPeriodStart.IsZero() {
		anchor = *sub.CurrentPeriodStart
	}
	if p, ok := AnchoredPeriod(anchor, now); ok {
		res.Period = p
		res.Source = domain.SourceAnchor
		return res
	}

	logger.WithContext(ctx, r.log).Warn("subscription anchor unusable, using calendar period",
		zap.String("user_id", sub.UserID),
		zap.Time("anchor_at", sub.AnchorAt),
	)
	res.Period = CalendarPeriod(now)
	res.Source = domain.SourceFallback
	return res
}

func processorPeriod(sub *subscriptiondomain.Subscription, now time.Time) (domain.Period, bool) {
	if sub.CurrentPeriodStart == nil || sub.CurrentPeriodEnd == nil {
		return domain.Period{}, false
	}
	start := sub.CurrentPeriodStart.UTC()
	end := sub.CurrentPeriodEnd.UTC()
	if !end.After(start) {
		return domain.Period{}, false
	}
	p := domain.Period{
		Key:    PeriodKey(start, end),
		Start:  start,
		End:    end,
		IsPaid: true,
	}
	if !p.Contains(now) {
		return domain.Period{}, false
	}
	return p, true
}
