// Package ledgerd wires the ledger service, its stores and its HTTP surface into a daemon.
package ledgerd

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/pointsledger/pkg/ledger"
	"github.com/robfig/cron/v3"
)

const (
	defaultListenAddr         = ":8080"
	defaultDatabaseURL        = "sqlite:///tmp/pointsledger.db"
	defaultSessionIssuer      = "tauth"
	defaultSessionCookie      = "app_session"
	defaultAdminRole          = "ledger_admin"
	defaultEventExchange      = "ledger_events"
	defaultRedisPrefix        = "pointsledger:idempotency"
	defaultGuardSweepSchedule = "@every 1m"
	defaultIdempotencyWindow  = 30 * time.Second
	defaultLockTimeout        = 5 * time.Second
	defaultRequestTimeout     = 10 * time.Second
	defaultTierCacheSize      = 10000
	defaultTierCacheTTL       = time.Minute
	defaultRechargeMinTier    = "PARTNER"
	defaultWithdrawMinTier    = "AGENT"
)

// Config aggregates runtime settings for the ledger daemon.
type Config struct {
	ListenAddr         string
	DatabaseURL        string
	AutoMigrate        bool
	RedisURL           string
	RedisPrefix        string
	AMQPURL            string
	EventExchange      string
	IdempotencyWindow  time.Duration
	LockTimeout        time.Duration
	RequestTimeout     time.Duration
	GuardSweepSchedule string
	TierCacheSize      int
	TierCacheTTL       time.Duration
	RechargeMinTier    string
	WithdrawMinTier    string
	AllowedOrigins     []string
	AdminRole          string
	SessionSigningKey  string
	SessionIssuer      string
	SessionCookieName  string

	rechargeTier ledger.Tier
	withdrawTier ledger.Tier
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.RedisPrefix = defaultIfEmpty(cfg.RedisPrefix, defaultRedisPrefix)
	cfg.EventExchange = defaultIfEmpty(cfg.EventExchange, defaultEventExchange)
	cfg.GuardSweepSchedule = defaultIfEmpty(cfg.GuardSweepSchedule, defaultGuardSweepSchedule)
	cfg.RechargeMinTier = defaultIfEmpty(cfg.RechargeMinTier, defaultRechargeMinTier)
	cfg.WithdrawMinTier = defaultIfEmpty(cfg.WithdrawMinTier, defaultWithdrawMinTier)
	cfg.AdminRole = defaultIfEmpty(cfg.AdminRole, defaultAdminRole)
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = defaultIdempotencyWindow
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.TierCacheSize <= 0 {
		cfg.TierCacheSize = defaultTierCacheSize
	}
	if cfg.TierCacheTTL <= 0 {
		cfg.TierCacheTTL = defaultTierCacheTTL
	}

	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.RequestTimeout < cfg.LockTimeout {
		return fmt.Errorf("request timeout %s must not be shorter than lock timeout %s", cfg.RequestTimeout, cfg.LockTimeout)
	}
	if _, err := cron.ParseStandard(cfg.GuardSweepSchedule); err != nil {
		return fmt.Errorf("guard sweep schedule %q: %w", cfg.GuardSweepSchedule, err)
	}
	rechargeTier, err := ledger.ParseTier(cfg.RechargeMinTier)
	if err != nil {
		return fmt.Errorf("recharge min tier: %w", err)
	}
	withdrawTier, err := ledger.ParseTier(cfg.WithdrawMinTier)
	if err != nil {
		return fmt.Errorf("withdraw min tier: %w", err)
	}
	cfg.rechargeTier = rechargeTier
	cfg.withdrawTier = withdrawTier
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
