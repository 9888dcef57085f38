package authorization

import (
	"context"
	"errors"
)

const (
	ObjectUsage = "usage"

	ActionUsageReset = "usage.reset"
	ActionUsageView  = "usage.view"
)

const (
	RoleAdmin  = "role:admin"
	RoleSystem = "role:system"
)

type Service interface {
	Authorize(ctx context.Context, userID string, object string, action string) error
	GrantAdmin(ctx context.Context, userID string) error
	RevokeAdmin(ctx context.Context, userID string) error
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrForbidden     = errors.New("forbidden")
)
