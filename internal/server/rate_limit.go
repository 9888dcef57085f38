package server

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/genquota/internal/observability/logger"
	plandomain "github.com/smallbiznis/genquota/internal/plan/domain"
	quotadomain "github.com/smallbiznis/genquota/internal/quota/domain"
	"github.com/smallbiznis/genquota/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	headerLimitHourly     = "X-RateLimit-Limit-Hourly"
	headerRemainingHourly = "X-RateLimit-Remaining-Hourly"
	headerLimitDaily      = "X-RateLimit-Limit-Daily"
	headerRemainingDaily  = "X-RateLimit-Remaining-Daily"
)

// ShortWindowRateLimit bounds bursts per user with the tier's hourly and
// daily caps, and rejects a second concurrent submission of one feature.
// Window capacity is handed back unless the request ends in a generation.
func (s *Server) ShortWindowRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		userID := userIDFrom(c)
		feature := featureFrom(c)

		tier := s.periods.Resolve(ctx, userID).Tier
		catalog := s.plans.Catalog()
		entitled := catalog.Entitled(tier, feature)

		res, err := s.limiter.Allow(ctx, userID, tier, catalog.RateCaps(tier))
		if err != nil {
			logger.FromContext(ctx).Warn("rate limit check failed", zap.Error(err))
			denyRateLimit(c, http.StatusServiceUnavailable, ratelimit.Result{Reason: ratelimit.ReasonLimiterUnavailable}, entitled)
			return
		}
		writeRateLimitHeaders(c, res)
		if !res.Allowed {
			denyRateLimit(c, http.StatusTooManyRequests, res, entitled)
			return
		}

		release, ok, err := s.limiter.AcquireInflight(ctx, userID, feature)
		if err != nil {
			s.limiter.Refund(ctx, res)
			logger.FromContext(ctx).Warn("inflight lock failed", zap.Error(err))
			denyRateLimit(c, http.StatusServiceUnavailable, ratelimit.Result{Reason: ratelimit.ReasonLimiterUnavailable}, entitled)
			return
		}
		if !ok {
			s.limiter.Refund(ctx, res)
			concurrent := res
			concurrent.Allowed = false
			concurrent.Reason = ratelimit.ReasonConcurrentRequest
			concurrent.RetryAfter = time.Second
			denyRateLimit(c, http.StatusTooManyRequests, concurrent, entitled)
			return
		}
		defer release()

		c.Next()

		if !generationSucceeded(c) {
			s.limiter.Refund(ctx, res)
		}
	}
}

func writeRateLimitHeaders(c *gin.Context, res ratelimit.Result) {
	if res.HourlyLimit != plandomain.Unlimited {
		c.Header(headerLimitHourly, strconv.FormatInt(res.HourlyLimit, 10))
		c.Header(headerRemainingHourly, strconv.FormatInt(res.HourlyRemaining, 10))
	}
	if res.DailyLimit != plandomain.Unlimited {
		c.Header(headerLimitDaily, strconv.FormatInt(res.DailyLimit, 10))
		c.Header(headerRemainingDaily, strconv.FormatInt(res.DailyRemaining, 10))
	}
}

type rateLimitUsage struct {
	HourlyLimit       int64 `json:"hourlyLimit"`
	HourlyRemaining   int64 `json:"hourlyRemaining"`
	DailyLimit        int64 `json:"dailyLimit"`
	DailyRemaining    int64 `json:"dailyRemaining"`
	RetryAfterSeconds int64 `json:"retryAfterSeconds"`
}

func denyRateLimit(c *gin.Context, status int, res ratelimit.Result, entitled bool) {
	logger.FromContext(c.Request.Context()).Info("rate limit denied",
		zap.String("reason", res.Reason),
		zap.Duration("retry_after", res.RetryAfter),
	)
	c.Set(contextDenyReasonKey, res.Reason)

	var window *rateLimitUsage
	if status == http.StatusTooManyRequests {
		retry := retryAfterSeconds(res)
		c.Header("Retry-After", strconv.FormatInt(retry, 10))
		c.Header("X-Rate-Limited-Reason", res.Reason)
		window = &rateLimitUsage{
			HourlyLimit:       res.HourlyLimit,
			HourlyRemaining:   res.HourlyRemaining,
			DailyLimit:        res.DailyLimit,
			DailyRemaining:    res.DailyRemaining,
			RetryAfterSeconds: retry,
		}
	}

	c.AbortWithStatusJSON(status, denyResponse{
		Success: false,
		Error:   rateLimitMessage(res.Reason),
		Details: denyDetails{
			Reason:            quotadomain.Reason(res.Reason),
			HasFeatureAccess:  entitled,
			HasUsageAvailable: false,
			RateLimit:         window,
		},
	})
}

func rateLimitMessage(reason string) string {
	switch reason {
	case ratelimit.ReasonHourlyLimitExceeded:
		return "Too many generations this hour, please slow down"
	case ratelimit.ReasonDailyLimitExceeded:
		return "Daily generation limit reached, please try again later"
	case ratelimit.ReasonConcurrentRequest:
		return "A generation for this feature is already in progress"
	default:
		return "Unable to verify your rate limit right now, please try again"
	}
}

func retryAfterSeconds(res ratelimit.Result) int64 {
	seconds := int64(math.Ceil(res.RetryAfter.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
