// Package redisguard shares duplicate-submission reservations across ledger
// instances through Redis.
package redisguard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/pointsledger/pkg/ledger"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix       = "pointsledger:idempotency"
	minimumWindowMillis = 1
)

// KEYS[1] is the current bucket, KEYS[2] the previous one. Returns 1 when reserved.
var reserveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
if redis.call("SET", KEYS[1], "1", "NX", "PX", ARGV[1]) then
  return 1
end
return 0
`)

// Guard implements ledger.IdempotencyGuard on Redis keys that expire with the window.
type Guard struct {
	client redis.UniversalClient
	prefix string
	nowFn  func() time.Time
}

// New builds a Guard. An empty prefix falls back to the default namespace.
func New(client redis.UniversalClient, prefix string, now func() time.Time) (*Guard, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", ledger.ErrInvalidServiceConfig)
	}
	if now == nil {
		now = time.Now
	}
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = defaultPrefix
	}
	return &Guard{client: client, prefix: trimmedPrefix, nowFn: now}, nil
}

// CheckAndReserve fails with ledger.ErrDuplicateSubmission while the fingerprint
// is reserved in the current or the previous window bucket.
func (guard *Guard) CheckAndReserve(ctx context.Context, fingerprint ledger.Fingerprint, window time.Duration) error {
	if window <= 0 {
		return fmt.Errorf("%w: idempotency window must be positive", ledger.ErrInvalidServiceConfig)
	}
	windowMillis := window.Milliseconds()
	if windowMillis < minimumWindowMillis {
		windowMillis = minimumWindowMillis
	}
	currentKey, previousKey := guard.keys(fingerprint, window)
	reserved, err := reserveScript.Run(ctx, guard.client, []string{currentKey, previousKey}, windowMillis).Int64()
	if err != nil {
		return ledger.WrapError("idempotency", "redis", "reserve", err)
	}
	if reserved != 1 {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateSubmission, fingerprint.Type)
	}
	return nil
}

func (guard *Guard) keys(fingerprint ledger.Fingerprint, window time.Duration) (string, string) {
	bucket := ledger.WindowBucket(guard.nowFn(), window)
	return guard.prefix + ":" + fingerprint.Key(bucket), guard.prefix + ":" + fingerprint.Key(bucket-1)
}
