package domain

import (
	"context"
	"errors"
)

type Service interface {
	// GetActiveByUserID returns the user's active subscription, or nil when
	// the user has none.
	GetActiveByUserID(ctx context.Context, userID string) (*Subscription, error)
	Invalidate(userID string)
}

var (
	ErrInvalidUser = errors.New("invalid_user")
)
