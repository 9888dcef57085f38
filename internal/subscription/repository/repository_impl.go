package repository

import (
	"context"

	subscriptiondomain "github.com/smallbiznis/genquota/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) FindLatestByUserID(ctx context.Context, db *gorm.DB, userID string, statuses []subscriptiondomain.SubscriptionStatus) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, external_id, status, tier, anchor_at,
		 current_period_start, current_period_end, created_at, updated_at
		 FROM subscriptions
		 WHERE user_id = ? AND LOWER(status) IN ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID,
		statuses,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}
