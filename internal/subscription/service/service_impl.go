package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/genquota/internal/cache"
	subscriptiondomain "github.com/smallbiznis/genquota/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// lookupTimeout bounds the shared lookup, which outlives any single caller.
const lookupTimeout = 5 * time.Second

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  subscriptiondomain.Repository
	Cache cache.SubscriptionCache `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  subscriptiondomain.Repository
	cache cache.SubscriptionCache
	group singleflight.Group
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		repo:  p.Repo,
		cache: p.Cache,
	}
}

func (s *Service) GetActiveByUserID(ctx context.Context, userID string) (*subscriptiondomain.Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, subscriptiondomain.ErrInvalidUser
	}

	if s.cache != nil {
		if cached, ok := s.cache.Get(userID); ok {
			return cached, nil
		}
	}

	// Joined callers share one lookup, so it must not inherit the
	// cancellation of whichever caller started it.
	ch := s.group.DoChan(userID, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()

		sub, err := s.repo.FindLatestByUserID(lookupCtx, s.db, userID, subscriptiondomain.ActiveStatuses)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			s.cache.Set(userID, sub)
		}
		return sub, nil
	})

	var v interface{}
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		v = res.Val
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	sub, _ := v.(*subscriptiondomain.Subscription)
	if sub == nil {
		return nil, nil
	}
	copied := *sub
	return &copied, nil
}

func (s *Service) Invalidate(userID string) {
	if s.cache == nil {
		return
	}
	s.cache.Invalidate(strings.TrimSpace(userID))
}
