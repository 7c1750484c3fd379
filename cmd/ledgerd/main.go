package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/pointsledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/pointsledger/internal/ledgerd"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagListenAddr         = "listen-addr"
	flagDatabaseURL        = "database-url"
	flagAutoMigrate        = "auto-migrate"
	flagRedisURL           = "redis-url"
	flagRedisPrefix        = "redis-prefix"
	flagAMQPURL            = "amqp-url"
	flagEventExchange      = "event-exchange"
	flagIdempotencyWindow  = "idempotency-window"
	flagLockTimeout        = "lock-timeout"
	flagRequestTimeout     = "request-timeout"
	flagGuardSweepSchedule = "guard-sweep-schedule"
	flagTierCacheSize      = "tier-cache-size"
	flagTierCacheTTL       = "tier-cache-ttl"
	flagRechargeMinTier    = "recharge-min-tier"
	flagWithdrawMinTier    = "withdraw-min-tier"
	flagAllowedOrigins     = "allowed-origins"
	flagAdminRole          = "admin-role"
	flagJWTSigningKey      = "jwt-signing-key"
	flagJWTIssuer          = "jwt-issuer"
	flagJWTCookieName      = "jwt-cookie-name"
	envPrefix              = "LEDGERD"
)

var allFlags = []string{
	flagListenAddr, flagDatabaseURL, flagAutoMigrate, flagRedisURL, flagRedisPrefix, flagAMQPURL, flagEventExchange,
	flagIdempotencyWindow, flagLockTimeout, flagRequestTimeout, flagGuardSweepSchedule, flagTierCacheSize, flagTierCacheTTL,
	flagRechargeMinTier, flagWithdrawMinTier, flagAllowedOrigins, flagAdminRole, flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName,
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "ledgerd: load .env: %v\n", err)
		os.Exit(1)
	}
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := ledgerd.Config{}
	cmd := &cobra.Command{
		Use:           "ledgerd",
		Short:         "Points ledger HTTP service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return ledgerd.Run(ctx, cfg)
		},
	}

	cmd.Flags().String(flagListenAddr, ":8080", "HTTP listen address")
	cmd.Flags().String(flagDatabaseURL, "sqlite:///tmp/pointsledger.db", "postgres:// URL, sqlite:// URL or sqlite file path")
	cmd.Flags().Bool(flagAutoMigrate, true, "create or update tables on startup")
	cmd.Flags().String(flagRedisURL, "", "redis:// URL for the shared idempotency guard (in-memory guard when empty)")
	cmd.Flags().String(flagRedisPrefix, "", "key prefix for idempotency reservations in Redis")
	cmd.Flags().String(flagAMQPURL, "", "amqp:// URL for ledger events (events disabled when empty)")
	cmd.Flags().String(flagEventExchange, "", "topic exchange for ledger events")
	cmd.Flags().Duration(flagIdempotencyWindow, 0, "duplicate submission window (default 30s)")
	cmd.Flags().Duration(flagLockTimeout, 0, "maximum wait for account locks (default 5s)")
	cmd.Flags().Duration(flagRequestTimeout, 0, "per-request deadline (default 10s)")
	cmd.Flags().String(flagGuardSweepSchedule, "", "cron schedule for in-memory guard eviction (default @every 1m)")
	cmd.Flags().Int(flagTierCacheSize, 0, "maximum cached tier lookups (default 10000)")
	cmd.Flags().Duration(flagTierCacheTTL, 0, "tier cache entry lifetime (default 1m)")
	cmd.Flags().String(flagRechargeMinTier, "", "minimum tier of a recharge target (default PARTNER)")
	cmd.Flags().String(flagWithdrawMinTier, "", "minimum tier to request a withdrawal (default AGENT)")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagAdminRole, "", "session role allowed on /api/admin (default ledger_admin)")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer (default tauth)")
	cmd.Flags().String(flagJWTCookieName, "", "JWT cookie name (default app_session)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *ledgerd.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range allFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.AutoMigrate = v.GetBool(flagAutoMigrate)
	cfg.RedisURL = strings.TrimSpace(v.GetString(flagRedisURL))
	cfg.RedisPrefix = strings.TrimSpace(v.GetString(flagRedisPrefix))
	cfg.AMQPURL = strings.TrimSpace(v.GetString(flagAMQPURL))
	cfg.EventExchange = strings.TrimSpace(v.GetString(flagEventExchange))
	cfg.IdempotencyWindow = v.GetDuration(flagIdempotencyWindow)
	cfg.LockTimeout = v.GetDuration(flagLockTimeout)
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.GuardSweepSchedule = strings.TrimSpace(v.GetString(flagGuardSweepSchedule))
	cfg.TierCacheSize = v.GetInt(flagTierCacheSize)
	cfg.TierCacheTTL = v.GetDuration(flagTierCacheTTL)
	cfg.RechargeMinTier = strings.TrimSpace(v.GetString(flagRechargeMinTier))
	cfg.WithdrawMinTier = strings.TrimSpace(v.GetString(flagWithdrawMinTier))
	cfg.AllowedOrigins = httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.AdminRole = strings.TrimSpace(v.GetString(flagAdminRole))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))

	return cfg.Validate()
}
