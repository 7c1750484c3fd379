package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Fingerprint identifies one logical submission for duplicate detection.
type Fingerprint struct {
	UserID         UserID
	CounterpartyID string
	Amount         PositiveAmountCents
	Type           TransactionType
	RelatedOrderID string
	ClientKey      IdempotencyKey
}

// Key renders the deterministic reservation key for a window bucket.
func (fingerprint Fingerprint) Key(bucket int64) string {
	return strings.Join([]string{
		fingerprint.UserID.String(),
		fingerprint.CounterpartyID,
		strconv.FormatInt(fingerprint.Amount.Int64(), 10),
		fingerprint.Type.String(),
		fingerprint.RelatedOrderID,
		fingerprint.ClientKey.String(),
		strconv.FormatInt(bucket, 10),
	}, fingerprintDelimiter)
}

// WindowBucket returns the index of the window that contains at.
func WindowBucket(at time.Time, window time.Duration) int64 {
	if window <= 0 {
		return at.UnixNano()
	}
	return at.UnixNano() / window.Nanoseconds()
}

// IdempotencyGuard rejects repeats of the same submission within a time window.
// Reservations expire with time only; they are never released on success or failure.
type IdempotencyGuard interface {
	CheckAndReserve(ctx context.Context, fingerprint Fingerprint, window time.Duration) error
}

// MemoryGuard is a process-local IdempotencyGuard. CheckAndReserve evicts expired
// reservations at most once per window, so the guard stays bounded without a sweeper;
// Sweep forces an eviction pass.
type MemoryGuard struct {
	mutex        sync.Mutex
	nowFn        func() time.Time
	reservations map[string]time.Time
	nextEviction time.Time
}

// NewMemoryGuard builds a guard using now as its clock.
func NewMemoryGuard(now func() time.Time) *MemoryGuard {
	if now == nil {
		now = time.Now
	}
	return &MemoryGuard{nowFn: now, reservations: make(map[string]time.Time)}
}

// CheckAndReserve fails with ErrDuplicateSubmission while a reservation for the
// fingerprint in the current or the previous bucket has not expired.
func (guard *MemoryGuard) CheckAndReserve(ctx context.Context, fingerprint Fingerprint, window time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if window <= 0 {
		return fmt.Errorf("%w: idempotency window must be positive", ErrInvalidServiceConfig)
	}
	now := guard.nowFn()
	bucket := WindowBucket(now, window)
	currentKey := fingerprint.Key(bucket)
	previousKey := fingerprint.Key(bucket - 1)

	guard.mutex.Lock()
	defer guard.mutex.Unlock()
	if !now.Before(guard.nextEviction) {
		guard.evictExpired(now)
		guard.nextEviction = now.Add(window)
	}
	for _, key := range []string{currentKey, previousKey} {
		if expiresAt, ok := guard.reservations[key]; ok && now.Before(expiresAt) {
			return fmt.Errorf("%w: %s", ErrDuplicateSubmission, fingerprint.Type)
		}
	}
	guard.reservations[currentKey] = now.Add(window)
	return nil
}

// Sweep evicts expired reservations and returns how many were removed.
func (guard *MemoryGuard) Sweep() int {
	now := guard.nowFn()
	guard.mutex.Lock()
	defer guard.mutex.Unlock()
	return guard.evictExpired(now)
}

// evictExpired must be called with the mutex held.
func (guard *MemoryGuard) evictExpired(now time.Time) int {
	removed := 0
	for key, expiresAt := range guard.reservations {
		if !now.Before(expiresAt) {
			delete(guard.reservations, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of reservations currently held, expired or not.
func (guard *MemoryGuard) Len() int {
	guard.mutex.Lock()
	defer guard.mutex.Unlock()
	return len(guard.reservations)
}
