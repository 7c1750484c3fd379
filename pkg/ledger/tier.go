package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Tier is the externally supplied privilege level of an account, lowest first.
type Tier int

const (
	TierMember Tier = iota + 1
	TierDistributor
	TierAgent
	TierPartner
	TierDirector
)

var tierNames = map[Tier]string{
	TierMember:      "MEMBER",
	TierDistributor: "DISTRIBUTOR",
	TierAgent:       "AGENT",
	TierPartner:     "PARTNER",
	TierDirector:    "DIRECTOR",
}

// ParseTier validates a tier name.
func ParseTier(raw string) (Tier, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	for tier, name := range tierNames {
		if name == normalized {
			return tier, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidTier, raw)
}

// Valid reports whether the tier is one of the known levels.
func (tier Tier) Valid() bool {
	_, ok := tierNames[tier]
	return ok
}

// String returns the tier name.
func (tier Tier) String() string {
	if name, ok := tierNames[tier]; ok {
		return name
	}
	return fmt.Sprintf("TIER(%d)", int(tier))
}

// AtLeast reports whether tier is the same as or above minimum.
func (tier Tier) AtLeast(minimum Tier) bool {
	return tier >= minimum
}

// TierResolver supplies the tier of an account from the identity service.
type TierResolver interface {
	ResolveTier(ctx context.Context, userID UserID) (Tier, error)
}

// TierResolverFunc adapts a function to TierResolver.
type TierResolverFunc func(ctx context.Context, userID UserID) (Tier, error)

// ResolveTier calls the function.
func (resolve TierResolverFunc) ResolveTier(ctx context.Context, userID UserID) (Tier, error) {
	return resolve(ctx, userID)
}

// CachedTierResolver memoizes tier lookups with a TTL and a size cap.
type CachedTierResolver struct {
	source TierResolver
	cache  *expirable.LRU[UserID, Tier]
}

// NewCachedTierResolver wraps source with an LRU cache holding at most size entries for ttl each.
func NewCachedTierResolver(source TierResolver, size int, ttl time.Duration) (*CachedTierResolver, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: tier source is nil", ErrInvalidServiceConfig)
	}
	if size <= 0 || ttl <= 0 {
		return nil, fmt.Errorf("%w: tier cache size and ttl must be positive", ErrInvalidServiceConfig)
	}
	return &CachedTierResolver{
		source: source,
		cache:  expirable.NewLRU[UserID, Tier](size, nil, ttl),
	}, nil
}

// ResolveTier returns the cached tier or loads it from the source. Errors are not cached.
func (resolver *CachedTierResolver) ResolveTier(ctx context.Context, userID UserID) (Tier, error) {
	if tier, ok := resolver.cache.Get(userID); ok {
		return tier, nil
	}
	tier, err := resolver.source.ResolveTier(ctx, userID)
	if err != nil {
		return 0, err
	}
	resolver.cache.Add(userID, tier)
	return tier, nil
}

// Invalidate drops a cached entry after the identity service reports a tier change.
func (resolver *CachedTierResolver) Invalidate(userID UserID) {
	resolver.cache.Remove(userID)
}
