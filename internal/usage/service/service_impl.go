package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	periodomain "github.com/smallbiznis/genquota/internal/billingperiod/domain"
	"github.com/smallbiznis/genquota/internal/clock"
	plandomain "github.com/smallbiznis/genquota/internal/plan/domain"
	usagedomain "github.com/smallbiznis/genquota/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  usagedomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  usagedomain.Repository
}

func NewService(p ServiceParam) usagedomain.Ledger {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.ledger"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) SumForPeriod(ctx context.Context, userID, periodKey string) (int64, error) {
	userID, periodKey, err := normalizeKey(userID, periodKey)
	if err != nil {
		return 0, err
	}
	return s.repo.SumForPeriod(ctx, s.db, userID, periodKey)
}

func (s *Service) SumByFeature(ctx context.Context, userID, periodKey string) (map[plandomain.FeatureType]int64, error) {
	userID, periodKey, err := normalizeKey(userID, periodKey)
	if err != nil {
		return nil, err
	}
	rows, err := s.repo.SumByFeature(ctx, s.db, userID, periodKey)
	if err != nil {
		return nil, err
	}
	out := make(map[plandomain.FeatureType]int64, len(rows))
	for _, row := range rows {
		out[row.FeatureType] += row.Total
	}
	return out, nil
}

func (s *Service) Increment(ctx context.Context, req usagedomain.IncrementRequest) (*usagedomain.UsageRecord, error) {
	userID, err := validateTarget(req.UserID, req.Period)
	if err != nil {
		return nil, err
	}
	feature, err := plandomain.ParseFeature(string(req.Feature))
	if err != nil {
		return nil, err
	}
	var record *usagedomain.UsageRecord
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		record, err = s.increment(ctx, tx, userID, feature, req.Period)
		return err
	})
	return record, err
}

func (s *Service) increment(ctx context.Context, tx *gorm.DB, userID string, feature plandomain.FeatureType, period periodomain.Period) (*usagedomain.UsageRecord, error) {
	now := s.now()
	record := &usagedomain.UsageRecord{
		ID:              s.genID.Generate(),
		UserID:          userID,
		PeriodKey:       period.Key,
		FeatureType:     feature,
		PeriodStart:     period.Start.UTC(),
		PeriodEnd:       period.End.UTC(),
		Count:           1,
		LastGeneratedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.UpsertIncrement(ctx, tx, record); err != nil {
		return nil, err
	}
	return s.repo.FindRecord(ctx, tx, userID, period.Key, feature)
}

func (s *Service) Reserve(ctx context.Context, req usagedomain.ReserveRequest) (int64, bool, error) {
	userID, err := validateTarget(req.UserID, req.Period)
	if err != nil {
		return 0, false, err
	}
	if req.Limit <= 0 {
		if req.Limit == 0 {
			return 0, false, nil
		}
		return 0, false, usagedomain.ErrInvalidLimit
	}

	if err := s.ensureAllowance(ctx, userID, req.Period); err != nil {
		return 0, false, err
	}

	ok, err := s.repo.TryConsumeAllowance(ctx, s.db, userID, req.Period.Key, req.Limit, s.now())
	if err != nil {
		return 0, false, err
	}
	consumed, _, err := s.repo.GetAllowance(ctx, s.db, userID, req.Period.Key)
	if err != nil {
		return 0, ok, err
	}
	return consumed, ok, nil
}

// ensureAllowance creates the allowance row for a period, seeded with usage
// already in the ledger. An existing row is left untouched.
func (s *Service) ensureAllowance(ctx context.Context, userID string, period periodomain.Period) error {
	if _, found, err := s.repo.GetAllowance(ctx, s.db, userID, period.Key); err != nil || found {
		return err
	}
	seed, err := s.repo.SumForPeriod(ctx, s.db, userID, period.Key)
	if err != nil {
		return err
	}
	return s.repo.InsertAllowanceIfAbsent(ctx, s.db, &usagedomain.UsageAllowance{
		ID:          s.genID.Generate(),
		UserID:      userID,
		PeriodKey:   period.Key,
		PeriodStart: period.Start.UTC(),
		PeriodEnd:   period.End.UTC(),
		Consumed:    seed,
		UpdatedAt:   s.now(),
	})
}

func (s *Service) Release(ctx context.Context, userID, periodKey string) error {
	userID, periodKey, err := normalizeKey(userID, periodKey)
	if err != nil {
		return err
	}
	released, err := s.repo.ReleaseAllowance(ctx, s.db, userID, periodKey, s.now())
	if err != nil {
		return err
	}
	if !released {
		s.log.Debug("release found no reserved slot",
			zap.String("user_id", userID),
			zap.String("period_key", periodKey),
		)
	}
	return nil
}

func (s *Service) Allowance(ctx context.Context, userID, periodKey string) (int64, error) {
	userID, periodKey, err := normalizeKey(userID, periodKey)
	if err != nil {
		return 0, err
	}
	consumed, _, err := s.repo.GetAllowance(ctx, s.db, userID, periodKey)
	return consumed, err
}

func (s *Service) Record(ctx context.Context, req usagedomain.RecordRequest) (bool, *usagedomain.UsageRecord, error) {
	userID, err := validateTarget(req.UserID, req.Period)
	if err != nil {
		return false, nil, err
	}
	completionID := strings.TrimSpace(req.CompletionID)
	if completionID == "" {
		return false, nil, usagedomain.ErrInvalidCompletionID
	}
	feature, err := plandomain.ParseFeature(string(req.Feature))
	if err != nil {
		return false, nil, err
	}

	var (
		recorded bool
		record   *usagedomain.UsageRecord
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		event := &usagedomain.GenerationEvent{
			ID:             s.genID.Generate(),
			UserID:         userID,
			FeatureType:    feature,
			PeriodKey:      req.Period.Key,
			IdempotencyKey: completionID,
			CreatedAt:      s.now(),
		}
		if len(req.Metadata) > 0 {
			event.Metadata = datatypes.JSONMap(req.Metadata)
		}

		inserted, err := s.repo.InsertEvent(ctx, tx, event)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}

		record, err = s.increment(ctx, tx, userID, feature, req.Period)
		if err != nil {
			return err
		}
		if !req.Reserved {
			if err := s.repo.BumpAllowance(ctx, tx, userID, req.Period.Key, s.now()); err != nil {
				return err
			}
		}
		recorded = true
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return recorded, record, nil
}

func (s *Service) CountEventsSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, usagedomain.ErrInvalidUser
	}
	return s.repo.CountEventsSince(ctx, s.db, userID, since.UTC())
}

func (s *Service) ListPeriods(ctx context.Context, userID string, limit int) ([]usagedomain.PeriodSummary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, usagedomain.ErrInvalidUser
	}
	if limit <= 0 {
		limit = 12
	}

	records, err := s.repo.ListRecords(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}

	index := map[string]int{}
	out := make([]usagedomain.PeriodSummary, 0)
	for _, rec := range records {
		i, ok := index[rec.PeriodKey]
		if !ok {
			out = append(out, usagedomain.PeriodSummary{
				PeriodKey:   rec.PeriodKey,
				PeriodStart: rec.PeriodStart.UTC(),
				PeriodEnd:   rec.PeriodEnd.UTC(),
				ByFeature:   map[plandomain.FeatureType]int64{},
			})
			i = len(out) - 1
			index[rec.PeriodKey] = i
		}
		out[i].Total += rec.Count
		out[i].ByFeature[rec.FeatureType] += rec.Count
	}

	sort.SliceStable(out, func(a, b int) bool {
		return out[a].PeriodStart.After(out[b].PeriodStart)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Service) Reset(ctx context.Context, userID, periodKey string) (usagedomain.ResetResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return usagedomain.ResetResult{}, usagedomain.ErrInvalidUser
	}
	periodKey = strings.TrimSpace(periodKey)

	var result usagedomain.ResetResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.repo.DeleteForUser(ctx, tx, userID, periodKey)
		return err
	})
	if err != nil {
		return usagedomain.ResetResult{}, err
	}

	s.log.Info("usage reset",
		zap.String("user_id", userID),
		zap.String("period_key", periodKey),
		zap.Int64("usage_records", result.UsageRecords),
		zap.Int64("allowances", result.Allowances),
		zap.Int64("events", result.Events),
	)
	return result, nil
}

func (s *Service) PruneEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	if before.IsZero() {
		return 0, usagedomain.ErrInvalidPeriod
	}
	return s.repo.DeleteEventsBefore(ctx, s.db, before.UTC())
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

func normalizeKey(userID, periodKey string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", "", usagedomain.ErrInvalidUser
	}
	periodKey = strings.TrimSpace(periodKey)
	if periodKey == "" {
		return "", "", usagedomain.ErrInvalidPeriod
	}
	return userID, periodKey, nil
}

func validateTarget(userID string, period periodomain.Period) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", usagedomain.ErrInvalidUser
	}
	if strings.TrimSpace(period.Key) == "" || !period.End.After(period.Start) {
		return "", usagedomain.ErrInvalidPeriod
	}
	return userID, nil
}
