package ledgerd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/pointsledger/internal/events"
	"github.com/MarkoPoloResearchLab/pointsledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/pointsledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/pointsledger/internal/telemetry"
	"github.com/MarkoPoloResearchLab/pointsledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Run boots the ledger daemon and blocks until ctx is cancelled or the server fails.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	db, cleanup, driver, err := OpenDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	logger.Info("database ready", zap.String("driver", driver))
	if cfg.AutoMigrate {
		if err := PrepareSchema(db); err != nil {
			return err
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(registry)
	clock := func() time.Time { return time.Now().UTC() }

	guard, stopGuard, err := buildGuard(ctx, cfg, clock, metrics, logger)
	if err != nil {
		return err
	}
	defer stopGuard()

	publisher := buildPublisher(cfg, logger)
	defer func() {
		if closeErr := publisher.Close(); closeErr != nil {
			logger.Warn("event publisher close error", zap.Error(closeErr))
		}
	}()

	operationLogger := telemetry.MultiLogger{
		telemetry.NewZapOperationLogger(logger),
		metrics,
		events.NewOperationPublisher(publisher, logger, clock),
	}
	service, err := newLedgerService(cfg, db, clock, guard, operationLogger)
	if err != nil {
		return err
	}

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(httpapi.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		AdminRole:      cfg.AdminRole,
		RequestTimeout: cfg.RequestTimeout,
	}, service, sessionValidator, logger, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledgerd listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// newLedgerService builds the engine over the gorm store with a cached tier directory.
func newLedgerService(cfg Config, db *gorm.DB, clock func() time.Time, guard ledger.IdempotencyGuard, operationLogger ledger.OperationLogger) (*ledger.Service, error) {
	tiers, err := ledger.NewCachedTierResolver(gormstore.NewTierDirectory(db), cfg.TierCacheSize, cfg.TierCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("tier cache: %w", err)
	}
	service, err := ledger.NewService(gormstore.New(db), clock,
		ledger.WithIdempotencyGuard(guard),
		ledger.WithIdempotencyWindow(cfg.IdempotencyWindow),
		ledger.WithLockTimeout(cfg.LockTimeout),
		ledger.WithTierResolver(tiers),
		ledger.WithTierThresholds(cfg.rechargeTier, cfg.withdrawTier),
		ledger.WithOperationLogger(operationLogger),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	return service, nil
}

// buildPublisher connects to the broker when configured. An unreachable broker
// degrades to the fallback publisher so ledger operations keep working.
func buildPublisher(cfg Config, logger *zap.Logger) events.Publisher {
	if cfg.AMQPURL == "" {
		return events.NewFallbackPublisher(logger)
	}
	publisher, err := events.DialPublisher(cfg.AMQPURL, cfg.EventExchange)
	if err != nil {
		logger.Warn("event broker unavailable; events disabled", zap.Error(err))
		return events.NewFallbackPublisher(logger)
	}
	logger.Info("event publisher ready", zap.String("exchange", cfg.EventExchange))
	return publisher
}
