package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/genquota/internal/observability/logger"
	quotadomain "github.com/smallbiznis/genquota/internal/quota/domain"
	"github.com/smallbiznis/genquota/internal/usage/recorder"
	"go.uber.org/zap"
)

const (
	contextDecisionKey   = "quota_decision"
	contextCompletionKey = "quota_completion"
)

type denyDetails struct {
	Reason            quotadomain.Reason `json:"reason"`
	HasFeatureAccess  bool               `json:"hasFeatureAccess"`
	HasUsageAvailable bool               `json:"hasUsageAvailable"`
	UsageData         *quotadomain.Usage `json:"usageData"`
	RateLimit         *rateLimitUsage    `json:"rateLimit,omitempty"`
}

type denyResponse struct {
	Success bool        `json:"success"`
	Error   string      `json:"error"`
	Details denyDetails `json:"details"`
}

// QuotaPreCheck reserves one slot of the period budget before the handler
// runs. The handler must settle the completion; anything left unsettled when
// the chain returns releases the slot.
func (s *Server) QuotaPreCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		decision, reservation, err := s.gate.Reserve(ctx, userIDFrom(c), featureFrom(c))
		if err != nil {
			logger.FromContext(ctx).Warn("quota reserve failed", zap.Error(err))
		}
		if !decision.Allowed {
			denyQuota(c, decision)
			return
		}

		completion := s.recorder.Begin(reservation)
		c.Set(contextDecisionKey, decision)
		c.Set(contextCompletionKey, completion)
		defer completion.Fail(ctx, nil)

		c.Next()
	}
}

func denyQuota(c *gin.Context, decision quotadomain.Decision) {
	c.Set(contextDenyReasonKey, string(decision.Reason))
	c.AbortWithStatusJSON(quotaStatus(decision.Reason), denyResponse{
		Success: false,
		Error:   quotaMessage(decision.Reason),
		Details: denyDetails{
			Reason:            decision.Reason,
			HasFeatureAccess:  decision.HasFeatureAccess,
			HasUsageAvailable: decision.HasUsageAvailable,
			UsageData:         decision.Usage,
		},
	})
}

func quotaStatus(reason quotadomain.Reason) int {
	switch reason {
	case quotadomain.ReasonFeatureNotAvailable:
		return http.StatusForbidden
	case quotadomain.ReasonUsageLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

func quotaMessage(reason quotadomain.Reason) string {
	switch reason {
	case quotadomain.ReasonFeatureNotAvailable:
		return "This feature is not available on your current plan"
	case quotadomain.ReasonUsageLimitExceeded:
		return "You have reached your generation limit for the current billing period"
	default:
		return "Unable to verify your usage right now, please try again"
	}
}

func completionFrom(c *gin.Context) *recorder.Completion {
	v, ok := c.Get(contextCompletionKey)
	if !ok {
		return nil
	}
	completion, _ := v.(*recorder.Completion)
	return completion
}

func decisionFrom(c *gin.Context) quotadomain.Decision {
	v, _ := c.Get(contextDecisionKey)
	decision, _ := v.(quotadomain.Decision)
	return decision
}
