package cache

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/smallbiznis/genquota/internal/config"
	subscriptiondomain "github.com/smallbiznis/genquota/internal/subscription/domain"
)

const (
	defaultSubscriptionTTL      = 30 * time.Second
	defaultSubscriptionCapacity = 10000
)

// SubscriptionCache stores hot-path subscription lookups. A cached nil means
// the user has no active subscription.
type SubscriptionCache interface {
	Get(userID string) (*subscriptiondomain.Subscription, bool)
	Set(userID string, subscription *subscriptiondomain.Subscription)
	Invalidate(userID string)
}

type subscriptionCache struct {
	entries *expirable.LRU[string, *subscriptiondomain.Subscription]
}

// NewSubscriptionCache returns a size-bounded TTL cache.
func NewSubscriptionCache(capacity int, ttl time.Duration) SubscriptionCache {
	if capacity <= 0 {
		capacity = defaultSubscriptionCapacity
	}
	if ttl <= 0 {
		ttl = defaultSubscriptionTTL
	}
	return &subscriptionCache{
		entries: expirable.NewLRU[string, *subscriptiondomain.Subscription](capacity, nil, ttl),
	}
}

func ProvideSubscriptionCache(cfg config.Config) SubscriptionCache {
	return NewSubscriptionCache(
		cfg.RateLimit.SubscriptionCacheCapacity,
		time.Duration(cfg.RateLimit.SubscriptionCacheSeconds)*time.Second,
	)
}

func (c *subscriptionCache) Get(userID string) (*subscriptiondomain.Subscription, bool) {
	return c.entries.Get(cacheKey(userID))
}

func (c *subscriptionCache) Set(userID string, subscription *subscriptiondomain.Subscription) {
	key := cacheKey(userID)
	if key == "" {
		return
	}
	if subscription != nil {
		copied := *subscription
		subscription = &copied
	}
	c.entries.Add(key, subscription)
}

func (c *subscriptionCache) Invalidate(userID string) {
	c.entries.Remove(cacheKey(userID))
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, trimmed)
	}
	return strings.Join(values, "|")
}
