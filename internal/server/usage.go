package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/genquota/internal/observability/logger"
	plandomain "github.com/smallbiznis/genquota/internal/plan/domain"
	usagedomain "github.com/smallbiznis/genquota/internal/usage/domain"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 12
	maxHistoryLimit     = 36
)

type usageStats struct {
	Tier         plandomain.Tier                  `json:"tier"`
	PeriodKey    string                           `json:"periodKey"`
	PeriodStart  time.Time                        `json:"periodStart"`
	PeriodEnd    time.Time                        `json:"periodEnd"`
	IsPaidPeriod bool                             `json:"isPaidPeriod"`
	Total        int64                            `json:"total"`
	ByFeature    map[plandomain.FeatureType]int64 `json:"byFeature"`
	Limit        int64                            `json:"limit"`
	Unlimited    bool                             `json:"unlimited"`
	Remaining    int64                            `json:"remaining"`
	Features     []plandomain.FeatureType         `json:"features"`
	RateCaps     plandomain.RateCaps              `json:"rateCaps"`
}

// CheckUsage reports the advisory decision for a feature. It never takes a
// slot and always answers 200.
func (s *Server) CheckUsage(c *gin.Context) {
	ctx := c.Request.Context()
	decision, err := s.gate.Check(ctx, userIDFrom(c), featureFrom(c))
	if err != nil {
		logger.FromContext(ctx).Warn("usage check failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": decision})
}

func (s *Server) UsageStats(c *gin.Context) {
	ctx := c.Request.Context()
	userID := userIDFrom(c)

	resolution := s.periods.Resolve(ctx, userID)
	p := s.plans.Catalog().Plan(resolution.Tier)

	byFeature, err := s.ledger.SumByFeature(ctx, userID, resolution.Key)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var total int64
	for _, n := range byFeature {
		total += n
	}
	used := total
	if !p.Unlimited() {
		// In-flight reservations count against the budget.
		allowance, err := s.ledger.Allowance(ctx, userID, resolution.Key)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		used = max(used, allowance)
	}

	stats := usageStats{
		Tier:         p.Tier,
		PeriodKey:    resolution.Key,
		PeriodStart:  resolution.Start,
		PeriodEnd:    resolution.End,
		IsPaidPeriod: resolution.IsPaid,
		Total:        total,
		ByFeature:    byFeature,
		Limit:        p.MaxPerPeriod,
		Unlimited:    p.Unlimited(),
		Remaining:    plandomain.Unlimited,
		Features:     p.Features(),
		RateCaps:     p.Caps,
	}
	if !p.Unlimited() {
		stats.Remaining = max(p.MaxPerPeriod-used, 0)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": stats})
}

func (s *Server) UsageHistory(c *gin.Context) {
	limit, err := parseHistoryLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	periods, err := s.ledger.ListPeriods(c.Request.Context(), userIDFrom(c), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if periods == nil {
		periods = []usagedomain.PeriodSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": periods})
}

// ResetUsage deletes a user's usage, optionally scoped to one period.
func (s *Server) ResetUsage(c *gin.Context) {
	target := strings.TrimSpace(c.Param("userId"))
	if target == "" {
		AbortWithError(c, newValidationError("userId", "required", "userId is required"))
		return
	}

	ctx := c.Request.Context()
	result, err := s.ledger.Reset(ctx, target, c.Query("period_key"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	logger.FromContext(ctx).Info("usage reset by admin",
		zap.String("target_user_id", target),
		zap.String("period_key", strings.TrimSpace(c.Query("period_key"))),
	)
	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

func parseHistoryLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, newValidationError("limit", "invalid_limit", "limit must be a positive integer")
	}
	return min(limit, maxHistoryLimit), nil
}
