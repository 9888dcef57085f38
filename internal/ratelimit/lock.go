package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const keyInflight = "genquota:inflight:%s:%s"

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker guards one in-flight generation per (user, feature).
type Locker struct {
	client *redis.Client
	script *redis.Script
	ttl    time.Duration
}

func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
		ttl:    ttl,
	}
}

// TryLock returns a release token when the lock was taken.
func (l *Locker) TryLock(ctx context.Context, userID, feature string) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("lock client not configured")
	}
	key := inflightKey(userID, feature)
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if l.ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release deletes the lock only while it still holds token.
func (l *Locker) Release(ctx context.Context, userID, feature, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	key := inflightKey(userID, feature)
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

func inflightKey(userID, feature string) string {
	userID = strings.TrimSpace(userID)
	feature = strings.TrimSpace(feature)
	if userID == "" || feature == "" {
		return ""
	}
	return fmt.Sprintf(keyInflight, userID, feature)
}

func windowKey(userID string) string {
	return "genquota:window:" + strings.TrimSpace(userID)
}
