package repository

import (
	"context"
	"errors"
	"time"

	plandomain "github.com/smallbiznis/genquota/internal/plan/domain"
	usagedomain "github.com/smallbiznis/genquota/internal/usage/domain"
	dbutil "github.com/smallbiznis/genquota/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) SumForPeriod(ctx context.Context, db *gorm.DB, userID, periodKey string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(count), 0)
		 FROM usage_records
		 WHERE user_id = ? AND period_key = ?`,
		userID,
		periodKey,
	).Scan(&total).Error
	return total, err
}

func (r *repo) SumByFeature(ctx context.Context, db *gorm.DB, userID, periodKey string) ([]usagedomain.FeatureCount, error) {
	var rows []usagedomain.FeatureCount
	err := db.WithContext(ctx).Raw(
		`SELECT feature_type, COALESCE(SUM(count), 0) AS total
		 FROM usage_records
		 WHERE user_id = ? AND period_key = ?
		 GROUP BY feature_type`,
		userID,
		periodKey,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// UpsertIncrement inserts record with its count, or adds one to the existing
// row for the same (user, period, feature).
func (r *repo) UpsertIncrement(ctx context.Context, db *gorm.DB, record *usagedomain.UsageRecord) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "period_key"}, {Name: "feature_type"}},
		DoUpdates: clause.Assignments(map[string]any{
			"count":             gorm.Expr("usage_records.count + 1"),
			"last_generated_at": record.LastGeneratedAt,
			"updated_at":        record.UpdatedAt,
		}),
	}).Create(record).Error
}

func (r *repo) FindRecord(ctx context.Context, db *gorm.DB, userID, periodKey string, feature plandomain.FeatureType) (*usagedomain.UsageRecord, error) {
	var record usagedomain.UsageRecord
	err := db.WithContext(ctx).
		Where("user_id = ? AND period_key = ? AND feature_type = ?", userID, periodKey, feature).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *repo) ListRecords(ctx context.Context, db *gorm.DB, userID string) ([]usagedomain.UsageRecord, error) {
	var records []usagedomain.UsageRecord
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("period_start DESC").
		Order("feature_type ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) InsertAllowanceIfAbsent(ctx context.Context, db *gorm.DB, allowance *usagedomain.UsageAllowance) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "period_key"}},
		DoNothing: true,
	}).Create(allowance).Error
}

// TryConsumeAllowance is the single conditional statement that decides a
// reservation. Concurrent callers serialize on the row.
func (r *repo) TryConsumeAllowance(ctx context.Context, db *gorm.DB, userID, periodKey string, limit int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_allowances
		 SET consumed = consumed + 1, updated_at = ?
		 WHERE user_id = ? AND period_key = ? AND consumed < ?`,
		now,
		userID,
		periodKey,
		limit,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) BumpAllowance(ctx context.Context, db *gorm.DB, userID, periodKey string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_allowances
		 SET consumed = consumed + 1, updated_at = ?
		 WHERE user_id = ? AND period_key = ?`,
		now,
		userID,
		periodKey,
	).Error
}

func (r *repo) ReleaseAllowance(ctx context.Context, db *gorm.DB, userID, periodKey string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_allowances
		 SET consumed = consumed - 1, updated_at = ?
		 WHERE user_id = ? AND period_key = ? AND consumed > 0`,
		now,
		userID,
		periodKey,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) GetAllowance(ctx context.Context, db *gorm.DB, userID, periodKey string) (int64, bool, error) {
	var rows []int64
	err := db.WithContext(ctx).Raw(
		`SELECT consumed FROM usage_allowances WHERE user_id = ? AND period_key = ?`,
		userID,
		periodKey,
	).Scan(&rows).Error
	if err != nil {
		return 0, false, err
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[0], true, nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *usagedomain.GenerationEvent) (bool, error) {
	result := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(event)
	if result.Error != nil {
		if dbutil.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) CountEventsSince(ctx context.Context, db *gorm.DB, userID string, since time.Time) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&usagedomain.GenerationEvent{}).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Count(&total).Error
	return total, err
}

func (r *repo) DeleteEventsBefore(ctx context.Context, db *gorm.DB, before time.Time) (int64, error) {
	result := db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&usagedomain.GenerationEvent{})
	return result.RowsAffected, result.Error
}

// DeleteForUser removes ledger rows for userID. An empty periodKey removes
// every period.
func (r *repo) DeleteForUser(ctx context.Context, db *gorm.DB, userID, periodKey string) (usagedomain.ResetResult, error) {
	var out usagedomain.ResetResult
	scope := func() *gorm.DB {
		q := db.WithContext(ctx).Where("user_id = ?", userID)
		if periodKey != "" {
			q = q.Where("period_key = ?", periodKey)
		}
		return q
	}

	res := scope().Delete(&usagedomain.UsageRecord{})
	if res.Error != nil {
		return out, res.Error
	}
	out.UsageRecords = res.RowsAffected

	res = scope().Delete(&usagedomain.UsageAllowance{})
	if res.Error != nil {
		return out, res.Error
	}
	out.Allowances = res.RowsAffected

	res = scope().Delete(&usagedomain.GenerationEvent{})
	if res.Error != nil {
		return out, res.Error
	}
	out.Events = res.RowsAffected
	return out, nil
}
