package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"versioncoffee/internal/util"
)

const defaultTurnLeasePrefix = "versioncoffee:turn"

var releaseTurnScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisTurnLease holds one lease key per user so replicas share the lock.
type RedisTurnLease struct {
	client *redis.Client
	prefix string
}

// NewRedisTurnLease builds a lease table on a shared client.
func NewRedisTurnLease(client *redis.Client, prefix string) *RedisTurnLease {
	if prefix == "" {
		prefix = defaultTurnLeasePrefix
	}
	return &RedisTurnLease{client: client, prefix: prefix}
}

// Acquire sets the lease key if absent. The release func only deletes the
// key while it still holds this holder's token.
func (l *RedisTurnLease) Acquire(ctx context.Context, userID string, ttl time.Duration) (func(), error) {
	if userID == "" {
		return nil, errors.New("turn lease: user id required")
	}
	key := l.prefix + ":" + userID
	holder := util.NewID()
	opCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	ok, err := l.client.SetNX(opCtx, key, holder, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTurnInFlight
	}
	return func() {
		relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer relCancel()
		if err := releaseTurnScript.Run(relCtx, l.client, []string{key}, holder).Err(); err != nil {
			util.LoggerFromContext(ctx).Warn("turn_lease_release_failed", "user_id", userID, "err", err)
		}
	}, nil
}
