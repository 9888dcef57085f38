// Package domain contains the persisted usage ledger: per-period counters,
// the pooled allowance used for reservations, and recorded generation events.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/genquota/internal/plan/domain"
	"gorm.io/datatypes"
)

// UsageRecord counts generations of one feature in one billing period.
type UsageRecord struct {
	ID              snowflake.ID           `gorm:"primaryKey;autoIncrement:false" json:"id"`
	UserID          string                 `gorm:"type:varchar(191);not null;uniqueIndex:ux_usage_records_user_period_feature,priority:1;index:idx_usage_records_user_bounds,priority:1" json:"userId"`
	PeriodKey       string                 `gorm:"type:varchar(64);not null;uniqueIndex:ux_usage_records_user_period_feature,priority:2;index:idx_usage_records_period_key" json:"periodKey"`
	FeatureType     plandomain.FeatureType `gorm:"type:varchar(64);not null;uniqueIndex:ux_usage_records_user_period_feature,priority:3" json:"featureType"`
	PeriodStart     time.Time              `gorm:"not null;index:idx_usage_records_user_bounds,priority:2" json:"periodStart"`
	PeriodEnd       time.Time              `gorm:"not null;index:idx_usage_records_user_bounds,priority:3" json:"periodEnd"`
	Count           int64                  `gorm:"not null;default:0" json:"count"`
	LastGeneratedAt time.Time              `gorm:"not null" json:"lastGeneratedAt"`
	CreatedAt       time.Time              `gorm:"not null" json:"createdAt"`
	UpdatedAt       time.Time              `gorm:"not null" json:"updatedAt"`
}

func (UsageRecord) TableName() string { return "usage_records" }

// UsageAllowance is the pooled number of slots taken in a period, including
// reservations whose generation has not finished yet.
type UsageAllowance struct {
	ID          snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	UserID      string       `gorm:"type:varchar(191);not null;uniqueIndex:ux_usage_allowances_user_period,priority:1"`
	PeriodKey   string       `gorm:"type:varchar(64);not null;uniqueIndex:ux_usage_allowances_user_period,priority:2"`
	PeriodStart time.Time    `gorm:"not null"`
	PeriodEnd   time.Time    `gorm:"not null"`
	Consumed    int64        `gorm:"not null;default:0"`
	UpdatedAt   time.Time    `gorm:"not null"`
}

func (UsageAllowance) TableName() string { return "usage_allowances" }

// GenerationEvent is one recorded completion. IdempotencyKey is the
// completion id, so a completion is counted at most once across processes.
type GenerationEvent struct {
	ID             snowflake.ID           `gorm:"primaryKey;autoIncrement:false"`
	UserID         string                 `gorm:"type:varchar(191);not null;index:idx_generation_events_user_created,priority:1"`
	FeatureType    plandomain.FeatureType `gorm:"type:varchar(64);not null"`
	PeriodKey      string                 `gorm:"type:varchar(64);not null"`
	IdempotencyKey string                 `gorm:"type:varchar(191);not null;uniqueIndex:ux_generation_events_idempotency_key"`
	Metadata       datatypes.JSONMap
	CreatedAt      time.Time `gorm:"not null;index:idx_generation_events_user_created,priority:2;index:idx_generation_events_created_at"`
}

func (GenerationEvent) TableName() string { return "generation_events" }

// Models lists every table owned by the ledger, in creation order.
func Models() []any {
	return []any{&UsageRecord{}, &UsageAllowance{}, &GenerationEvent{}}
}

// PeriodSummary is one billing period of usage history.
type PeriodSummary struct {
	PeriodKey   string                           `json:"periodKey"`
	PeriodStart time.Time                        `json:"periodStart"`
	PeriodEnd   time.Time                        `json:"periodEnd"`
	Total       int64                            `json:"total"`
	ByFeature   map[plandomain.FeatureType]int64 `json:"byFeature"`
}

// ResetResult reports rows removed by an admin reset.
type ResetResult struct {
	UsageRecords int64 `json:"usageRecords"`
	Allowances   int64 `json:"allowances"`
	Events       int64 `json:"events"`
}
