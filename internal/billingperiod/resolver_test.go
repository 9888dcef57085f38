package billingperiod

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/genquota/internal/billingperiod/domain"
	"github.com/smallbiznis/genquota/internal/clock"
	plandomain "github.com/smallbiznis/genquota/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/genquota/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type subscriptionStub struct {
	sub *subscriptiondomain.Subscription
	err error
}

func (s *subscriptionStub) GetActiveByUserID(context.Context, string) (*subscriptiondomain.Subscription, error) {
	return s.sub, s.err
}

func (s *subscriptionStub) Invalidate(string) {}

func newResolver(now time.Time, stub *subscriptionStub) *Resolver {
	return NewResolver(Params{
		Log:           zap.NewNop(),
		Clock:         clock.NewFakeClock(now),
		Subscriptions: stub,
	})
}

func ptr(t time.Time) *time.Time { return &t }

func TestResolveWithoutSubscriptionUsesCalendar(t *testing.T) {
	r := newResolver(date(2025, 3, 10), &subscriptionStub{})
	res := r.Resolve(context.Background(), "u1")

	assert.Equal(t, "calendar_2025-03", res.Key)
	assert.Equal(t, plandomain.TierFree, res.Tier)
	assert.False(t, res.SubscriptionActive)
	assert.Equal(t, domain.SourceCalendar, res.Source)
}

func TestResolveLookupErrorFallsBackToFree(t *testing.T) {
	r := newResolver(date(2025, 3, 10), &subscriptionStub{err: errors.New("db down")})
	res := r.Resolve(context.Background(), "u1")

	assert.Equal(t, "calendar_2025-03", res.Key)
	assert.Equal(t, plandomain.TierFree, res.Tier)
	assert.Equal(t, domain.SourceFallback, res.Source)
}

func TestResolveUsesSyncedProcessorPeriod(t *testing.T) {
	sub := &subscriptiondomain.Subscription{
		UserID:             "u1",
		Status:             subscriptiondomain.SubscriptionStatusActive,
		Tier:               " Pro ",
		AnchorAt:           date(2024, 12, 3),
		CurrentPeriodStart: ptr(date(2025, 3, 3)),
		CurrentPeriodEnd:   ptr(date(2025, 4, 3)),
	}
	res := newResolver(date(2025, 3, 10), &subscriptionStub{sub: sub}).Resolve(context.Background(), "u1")

	assert.Equal(t, "2025-03-03_to_2025-04-03", res.Key)
	assert.Equal(t, plandomain.TierPro, res.Tier)
	assert.True(t, res.IsPaid)
	assert.True(t, res.SubscriptionActive)
	assert.Equal(t, domain.SourceProcessor, res.Source)
}

func TestResolveStaleSyncAdvancesFromPeriodStart(t *testing.T) {
	sub := &subscriptiondomain.Subscription{
		UserID:             "u1",
		Status:             subscriptiondomain.SubscriptionStatusActive,
		Tier:               "starter",
		AnchorAt:           date(2024, 1, 1),
		CurrentPeriodStart: ptr(date(2025, 1, 15)),
		CurrentPeriodEnd:   ptr(date(2025, 2, 15)),
	}
	res := newResolver(date(2025, 3, 18), &subscriptionStub{sub: sub}).Resolve(context.Background(), "u1")

	assert.Equal(t, "2025-03-15_to_2025-04-15", res.Key)
	assert.Equal(t, domain.SourceAnchor, res.Source)
}

func TestResolveAnchorOnly(t *testing.T) {
	sub := &subscriptiondomain.Subscription{
		UserID:   "u1",
		Status:   subscriptiondomain.SubscriptionStatusTrialing,
		Tier:     "business",
		AnchorAt: date(2025, 1, 15),
	}
	res := newResolver(date(2025, 2, 12), &subscriptionStub{sub: sub}).Resolve(context.Background(), "u1")

	assert.Equal(t, "2025-01-15_to_2025-02-15", res.Key)
	assert.Equal(t, plandomain.TierBusiness, res.Tier)
}

func TestResolveFutureAnchorUsesCalendarButKeepsTier(t *testing.T) {
	sub := &subscriptiondomain.Subscription{
		UserID:   "u1",
		Status:   subscriptiondomain.SubscriptionStatusActive,
		Tier:     "pro",
		AnchorAt: date(2025, 6, 1),
	}
	res := newResolver(date(2025, 3, 10), &subscriptionStub{sub: sub}).Resolve(context.Background(), "u1")

	assert.Equal(t, "calendar_2025-03", res.Key)
	assert.Equal(t, plandomain.TierPro, res.Tier)
	assert.Equal(t, domain.SourceFallback, res.Source)
}

func TestResolveInvertedSyncedRangeIsIgnored(t *testing.T) {
	sub := &subscriptiondomain.Subscription{
		UserID:             "u1",
		Status:             subscriptiondomain.SubscriptionStatusActive,
		Tier:               "pro",
		CurrentPeriodStart: ptr(date(2025, 3, 5)),
		CurrentPeriodEnd:   ptr(date(2025, 3, 1)),
	}
	res := newResolver(date(2025, 3, 10), &subscriptionStub{sub: sub}).Resolve(context.Background(), "u1")

	assert.Equal(t, "2025-03-05_to_2025-04-05", res.Key)
	assert.Equal(t, domain.SourceAnchor, res.Source)
}
