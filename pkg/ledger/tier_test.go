package ledger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseTier(test *testing.T) {
	test.Parallel()
	tier, err := ParseTier(" partner ")
	if err != nil || tier != TierPartner {
		test.Fatalf("expected PARTNER, got %v (%v)", tier, err)
	}
	if _, err := ParseTier("emperor"); !errors.Is(err, ErrInvalidTier) {
		test.Fatalf("expected ErrInvalidTier, got %v", err)
	}
	if !TierDirector.AtLeast(TierPartner) || TierAgent.AtLeast(TierPartner) {
		test.Fatalf("unexpected tier ordering")
	}
}

func TestCachedTierResolverMemoizes(test *testing.T) {
	test.Parallel()
	var calls atomic.Int32
	source := TierResolverFunc(func(_ context.Context, _ UserID) (Tier, error) {
		calls.Add(1)
		return TierAgent, nil
	})
	resolver, err := NewCachedTierResolver(source, 8, time.Minute)
	if err != nil {
		test.Fatalf("resolver: %v", err)
	}
	user := mustUserID(test, "user")
	for attempt := 0; attempt < 3; attempt++ {
		tier, err := resolver.ResolveTier(context.Background(), user)
		if err != nil || tier != TierAgent {
			test.Fatalf("expected AGENT, got %v (%v)", tier, err)
		}
	}
	if calls.Load() != 1 {
		test.Fatalf("expected one source call, got %d", calls.Load())
	}
	resolver.Invalidate(user)
	if _, err := resolver.ResolveTier(context.Background(), user); err != nil {
		test.Fatalf("resolve after invalidate: %v", err)
	}
	if calls.Load() != 2 {
		test.Fatalf("expected reload after invalidate, got %d calls", calls.Load())
	}
}

func TestCachedTierResolverDoesNotCacheErrors(test *testing.T) {
	test.Parallel()
	var calls atomic.Int32
	source := TierResolverFunc(func(_ context.Context, _ UserID) (Tier, error) {
		if calls.Add(1) == 1 {
			return 0, errors.New("identity service down")
		}
		return TierPartner, nil
	})
	resolver, err := NewCachedTierResolver(source, 8, time.Minute)
	if err != nil {
		test.Fatalf("resolver: %v", err)
	}
	user := mustUserID(test, "user")
	if _, err := resolver.ResolveTier(context.Background(), user); err == nil {
		test.Fatalf("expected source error")
	}
	tier, err := resolver.ResolveTier(context.Background(), user)
	if err != nil || tier != TierPartner {
		test.Fatalf("expected PARTNER after recovery, got %v (%v)", tier, err)
	}
}

func TestNewCachedTierResolverValidates(test *testing.T) {
	test.Parallel()
	source := TierResolverFunc(func(context.Context, UserID) (Tier, error) { return TierMember, nil })
	if _, err := NewCachedTierResolver(nil, 1, time.Second); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil source, got %v", err)
	}
	if _, err := NewCachedTierResolver(source, 0, time.Second); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for zero size, got %v", err)
	}
}
