package domain

import (
	"context"
	"time"

	plandomain "github.com/smallbiznis/genquota/internal/plan/domain"
	"gorm.io/gorm"
)

// FeatureCount is a per-feature aggregate row.
type FeatureCount struct {
	FeatureType plandomain.FeatureType
	Total       int64
}

type Repository interface {
	SumForPeriod(ctx context.Context, db *gorm.DB, userID, periodKey string) (int64, error)
	SumByFeature(ctx context.Context, db *gorm.DB, userID, periodKey string) ([]FeatureCount, error)
	UpsertIncrement(ctx context.Context, db *gorm.DB, record *UsageRecord) error
	FindRecord(ctx context.Context, db *gorm.DB, userID, periodKey string, feature plandomain.FeatureType) (*UsageRecord, error)
	ListRecords(ctx context.Context, db *gorm.DB, userID string) ([]UsageRecord, error)

	InsertAllowanceIfAbsent(ctx context.Context, db *gorm.DB, allowance *UsageAllowance) error
	TryConsumeAllowance(ctx context.Context, db *gorm.DB, userID, periodKey string, limit int64, now time.Time) (bool, error)
	BumpAllowance(ctx context.Context, db *gorm.DB, userID, periodKey string, now time.Time) error
	ReleaseAllowance(ctx context.Context, db *gorm.DB, userID, periodKey string, now time.Time) (bool, error)
	GetAllowance(ctx context.Context, db *gorm.DB, userID, periodKey string) (int64, bool, error)

	InsertEvent(ctx context.Context, db *gorm.DB, event *GenerationEvent) (bool, error)
	CountEventsSince(ctx context.Context, db *gorm.DB, userID string, since time.Time) (int64, error)
	DeleteEventsBefore(ctx context.Context, db *gorm.DB, before time.Time) (int64, error)

	DeleteForUser(ctx context.Context, db *gorm.DB, userID, periodKey string) (ResetResult, error)
}
