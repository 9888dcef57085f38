package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/genquota/internal/clock"
	"github.com/smallbiznis/genquota/internal/config"
	"github.com/smallbiznis/genquota/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/genquota/internal/observability/metrics"
	plandomain "github.com/smallbiznis/genquota/internal/plan/domain"
	usagedomain "github.com/smallbiznis/genquota/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ReasonHourlyLimitExceeded = "HOURLY_LIMIT_EXCEEDED"
	ReasonDailyLimitExceeded  = "DAILY_LIMIT_EXCEEDED"
	ReasonConcurrentRequest   = "CONCURRENT_REQUEST"
	ReasonLimiterUnavailable  = "RATE_LIMIT_UNAVAILABLE"
)

var ErrLimiterUnavailable = errors.New("rate_limit_unavailable")

// Result carries the decision plus the values exposed as X-RateLimit headers.
// Limits and remaining counts are Unlimited (-1) for disabled windows.
type Result struct {
	Allowed         bool
	HourlyLimit     int64
	HourlyRemaining int64
	DailyLimit      int64
	DailyRemaining  int64
	RetryAfter      time.Duration
	Reason          string

	userID string
	member string
}

type Params struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Clock   clock.Clock
	Ledger  usagedomain.Ledger
	Redis   *redis.Client       `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type ShortWindowLimiter struct {
	log     *zap.Logger
	clock   clock.Clock
	backend Backend
	locker  *Locker
	metrics *obsmetrics.Metrics
}

func NewShortWindowLimiter(p Params) (*ShortWindowLimiter, error) {
	var backend Backend
	switch p.Cfg.RateLimit.Backend {
	case config.BackendRedis:
		if p.Redis == nil {
			return nil, errors.New("rate limit redis addr is required")
		}
		backend = NewRedisWindow(p.Redis)
	case config.BackendLedger, "":
		backend = NewLedgerWindow(p.Ledger)
	default:
		return nil, errors.New("unknown rate limit backend: " + p.Cfg.RateLimit.Backend)
	}

	var locker *Locker
	if p.Cfg.RateLimit.ConcurrencyLockEnabled && p.Redis != nil {
		ttl := time.Duration(p.Cfg.RateLimit.ConcurrencyTTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = 2 * time.Minute
		}
		locker = NewLocker(p.Redis, ttl)
	}

	return New(p.Log, p.Clock, backend, locker, p.Metrics), nil
}

func New(log *zap.Logger, clk clock.Clock, backend Backend, locker *Locker, metrics *obsmetrics.Metrics) *ShortWindowLimiter {
	return &ShortWindowLimiter{
		log:     log.Named("ratelimit"),
		clock:   clk,
		backend: backend,
		locker:  locker,
		metrics: metrics,
	}
}

// Allow admits one request for userID against the tier's trailing-hour and
// trailing-day caps. Any backend error denies.
func (l *ShortWindowLimiter) Allow(ctx context.Context, userID string, tier plandomain.Tier, caps plandomain.RateCaps) (Result, error) {
	res := Result{
		HourlyLimit:     caps.Hourly,
		HourlyRemaining: caps.Hourly,
		DailyLimit:      caps.Daily,
		DailyRemaining:  caps.Daily,
	}
	if caps.Hourly == plandomain.Unlimited && caps.Daily == plandomain.Unlimited {
		res.Allowed = true
		l.metrics.RecordRateLimitAllowed(ctx, string(tier), l.backend.Name())
		return res, nil
	}

	userID = strings.TrimSpace(userID)
	counts, err := l.backend.Hit(ctx, userID, caps.Hourly, caps.Daily, l.clock.Now())
	if err != nil {
		res.Reason = ReasonLimiterUnavailable
		l.metrics.RecordRateLimitDenied(ctx, string(tier), l.backend.Name(), res.Reason)
		logger.WithContext(ctx, l.log).Warn("rate limit check failed, denying",
			zap.String("backend", l.backend.Name()),
			zap.Error(err),
		)
		return res, errors.Join(ErrLimiterUnavailable, err)
	}

	res.HourlyRemaining = remaining(caps.Hourly, counts.Hourly)
	res.DailyRemaining = remaining(caps.Daily, counts.Daily)
	if counts.Admitted {
		res.Allowed = true
		res.userID = userID
		res.member = counts.Member
		l.metrics.RecordRateLimitAllowed(ctx, string(tier), l.backend.Name())
		return res, nil
	}

	res.RetryAfter = counts.RetryAfter
	res.Reason = ReasonHourlyLimitExceeded
	if caps.Daily >= 0 && counts.Daily >= caps.Daily {
		res.Reason = ReasonDailyLimitExceeded
	}
	l.metrics.RecordRateLimitDenied(ctx, string(tier), l.backend.Name(), res.Reason)
	return res, nil
}

// Refund returns the window capacity taken by an admitted request whose
// generation was denied, failed or cancelled. Errors are logged only.
func (l *ShortWindowLimiter) Refund(ctx context.Context, res Result) {
	if !res.Allowed || res.member == "" {
		return
	}
	refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := l.backend.Refund(refundCtx, res.userID, res.member); err != nil {
		logger.WithContext(ctx, l.log).Warn("rate limit refund failed",
			zap.String("backend", l.backend.Name()),
			zap.Error(err),
		)
	}
}

// AcquireInflight takes the per-(user, feature) duplicate-submission lock.
// The returned release func is never nil. Without a Redis locker every
// request is admitted.
func (l *ShortWindowLimiter) AcquireInflight(ctx context.Context, userID string, feature plandomain.FeatureType) (func(), bool, error) {
	noop := func() {}
	if l.locker == nil {
		return noop, true, nil
	}

	token, ok, err := l.locker.TryLock(ctx, userID, string(feature))
	if err != nil {
		return noop, false, errors.Join(ErrLimiterUnavailable, err)
	}
	if !ok {
		return noop, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := l.locker.Release(releaseCtx, userID, string(feature), token); err != nil {
			logger.WithContext(ctx, l.log).Warn("inflight lock release failed", zap.Error(err))
		}
	}
	return release, true, nil
}

func remaining(limit, used int64) int64 {
	if limit == plandomain.Unlimited {
		return plandomain.Unlimited
	}
	return max(limit-used, 0)
}
