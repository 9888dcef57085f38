// Package domain describes quota decisions returned by the gate.
package domain

import (
	"context"
	"errors"
	"time"

	periodomain "github.com/smallbiznis/genquota/internal/billingperiod/domain"
	plandomain "github.com/smallbiznis/genquota/internal/plan/domain"
)

// Reason is the machine-readable outcome of a decision.
type Reason string

const (
	ReasonNone                Reason = "NONE"
	ReasonFeatureNotAvailable Reason = "FEATURE_NOT_AVAILABLE"
	ReasonUsageLimitExceeded  Reason = "USAGE_LIMIT_EXCEEDED"
	// ReasonCheckFailed is reported when the decision could not be made.
	ReasonCheckFailed Reason = "QUOTA_CHECK_FAILED"
)

// Usage is the user's standing in the current billing period. Limit and
// Remaining are -1 for unlimited plans.
type Usage struct {
	Used         int64     `json:"used"`
	Limit        int64     `json:"limit"`
	Remaining    int64     `json:"remaining"`
	Unlimited    bool      `json:"unlimited"`
	PeriodKey    string    `json:"periodKey"`
	PeriodStart  time.Time `json:"periodStart"`
	PeriodEnd    time.Time `json:"periodEnd"`
	IsPaidPeriod bool      `json:"isPaidPeriod"`
}

type Decision struct {
	Allowed           bool                   `json:"allowed"`
	Reason            Reason                 `json:"reason"`
	HasFeatureAccess  bool                   `json:"hasFeatureAccess"`
	HasUsageAvailable bool                   `json:"hasUsageAvailable"`
	Usage             *Usage                 `json:"usageData,omitempty"`
	Tier              plandomain.Tier        `json:"tier"`
	Feature           plandomain.FeatureType `json:"feature"`
}

// Reservation is a slot taken by Reserve. Reserved is false for unlimited
// plans, which never hold a slot.
type Reservation struct {
	UserID   string
	Feature  plandomain.FeatureType
	Tier     plandomain.Tier
	Period   periodomain.Period
	Limit    int64
	Reserved bool
}

// Gate decides whether a user may consume a feature now.
type Gate interface {
	// Check is advisory and takes no slot.
	Check(ctx context.Context, userID string, feature plandomain.FeatureType) (Decision, error)
	// Reserve atomically takes a slot when the decision allows it. A denied
	// decision carries a nil reservation.
	Reserve(ctx context.Context, userID string, feature plandomain.FeatureType) (Decision, *Reservation, error)
	Release(ctx context.Context, reservation *Reservation) error
}

var ErrInvalidUser = errors.New("invalid_user")
