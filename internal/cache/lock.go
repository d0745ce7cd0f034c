package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/voyagen/streamvault/internal/metrics"
)

// ErrLocked is returned by TryLock when the lock is already held.
var ErrLocked = errors.New("lock is already held")

// unlockScript deletes the lock key only while the holder's token still
// matches, so a lock that expired and was reacquired elsewhere is never
// released by the old holder.
const unlockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`

// TryLock acquires the distributed lock named key for at most ttl, using the
// Redis SET NX EX pattern with a random holder token. On success the returned
// unlock function releases the lock and MUST be called (typically via defer).
// When another holder owns the key, ErrLocked is returned and the contention
// counter is incremented.
func TryLock(ctx context.Context, r *Redis, key string, ttl time.Duration) (unlock func(), err error) {
	token := randomToken()

	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("cache lock %s: %w", key, err)
	}
	if !ok {
		metrics.LockContention.WithLabelValues(key).Inc()
		return nil, ErrLocked
	}

	return func() {
		// Background context so the lock is released even when the request
		// context is already cancelled.
		_ = r.client.Eval(context.Background(), unlockScript, []string{key}, token).Err()
	}, nil
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
