package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	FindLatestByUserID(ctx context.Context, db *gorm.DB, userID string, statuses []SubscriptionStatus) (*Subscription, error)
}
