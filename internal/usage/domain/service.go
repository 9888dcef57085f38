package domain

import (
	"context"
	"errors"
	"time"

	periodomain "github.com/smallbiznis/genquota/internal/billingperiod/domain"
	plandomain "github.com/smallbiznis/genquota/internal/plan/domain"
)

type IncrementRequest struct {
	UserID  string
	Feature plandomain.FeatureType
	Period  periodomain.Period
}

type ReserveRequest struct {
	UserID string
	Period periodomain.Period
	// Limit is the plan's per-period maximum. It must be positive; unlimited
	// plans never reserve.
	Limit int64
}

type RecordRequest struct {
	CompletionID string
	UserID       string
	Feature      plandomain.FeatureType
	Period       periodomain.Period
	// Reserved marks a completion whose slot was already taken by Reserve.
	Reserved bool
	Metadata map[string]any
}

// Ledger is the persisted usage store behind quota decisions.
type Ledger interface {
	SumForPeriod(ctx context.Context, userID, periodKey string) (int64, error)
	SumByFeature(ctx context.Context, userID, periodKey string) (map[plandomain.FeatureType]int64, error)
	Increment(ctx context.Context, req IncrementRequest) (*UsageRecord, error)

	// Reserve takes one pooled slot if fewer than Limit are taken. It returns
	// the consumed count after the attempt.
	Reserve(ctx context.Context, req ReserveRequest) (consumed int64, ok bool, err error)
	Release(ctx context.Context, userID, periodKey string) error
	Allowance(ctx context.Context, userID, periodKey string) (int64, error)

	// Record counts a completion exactly once. recorded is false when the
	// completion id was seen before.
	Record(ctx context.Context, req RecordRequest) (recorded bool, record *UsageRecord, err error)

	CountEventsSince(ctx context.Context, userID string, since time.Time) (int64, error)
	ListPeriods(ctx context.Context, userID string, limit int) ([]PeriodSummary, error)
	Reset(ctx context.Context, userID, periodKey string) (ResetResult, error)
	PruneEventsBefore(ctx context.Context, before time.Time) (int64, error)
}

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidPeriod       = errors.New("invalid_period")
	ErrInvalidLimit        = errors.New("invalid_limit")
	ErrInvalidCompletionID = errors.New("invalid_completion_id")
)
