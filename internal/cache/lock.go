package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockTTLMin = 5 * time.Second
	lockTTLMax = 30 * time.Second
)

// releaseScript deletes the lock only while it still holds our token,
// so a holder that outlived its TTL cannot delete a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Lock is a held distributed lock.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// lockTTL clamps the cache TTL into the allowed lock window.
func lockTTL(ttl time.Duration) time.Duration {
	if ttl < lockTTLMin {
		return lockTTLMin
	}
	if ttl > lockTTLMax {
		return lockTTLMax
	}
	return ttl
}

// acquireLock attempts SET NX PX on <key>:lock with a per-holder random
// token. Returns (nil, false, nil) when somebody else holds it.
func acquireLock(ctx context.Context, client *redis.Client, cacheKey string, cacheTTL time.Duration) (*Lock, bool, error) {
	key := cacheKey + ":lock"
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, lockTTL(cacheTTL)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("cache: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{client: client, key: key, token: token}, true, nil
}

// Release deletes the lock if we still own it.
func (l *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("cache: release lock %s: %w", l.key, err)
	}
	return nil
}
