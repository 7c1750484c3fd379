package ledgerd

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/pointsledger/internal/idempotency/redisguard"
	"github.com/MarkoPoloResearchLab/pointsledger/internal/telemetry"
	"github.com/MarkoPoloResearchLab/pointsledger/pkg/ledger"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const redisPingTimeout = 5 * time.Second

// guardSweeper evicts expired in-memory reservations. It implements cron.Job.
type guardSweeper struct {
	guard   *ledger.MemoryGuard
	metrics *telemetry.Metrics
	nowFn   func() time.Time
	logger  *zap.Logger
}

func (sweeper *guardSweeper) Run() {
	removed := sweeper.guard.Sweep()
	remaining := sweeper.guard.Len()
	if sweeper.metrics != nil {
		sweeper.metrics.ObserveSweep(removed, remaining, sweeper.nowFn())
	}
	sweeper.logger.Debug("idempotency guard swept", zap.Int("removed", removed), zap.Int("remaining", remaining))
}

// buildGuard returns the Redis guard when a Redis URL is configured and the
// in-memory guard with a cron sweeper otherwise. stop releases whatever was started.
func buildGuard(ctx context.Context, cfg Config, clock func() time.Time, metrics *telemetry.Metrics, logger *zap.Logger) (ledger.IdempotencyGuard, func(), error) {
	if cfg.RedisURL != "" {
		options, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(options)
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		guard, err := redisguard.New(client, cfg.RedisPrefix, clock)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		logger.Info("idempotency guard", zap.String("backend", "redis"), zap.String("prefix", cfg.RedisPrefix))
		return guard, func() { _ = client.Close() }, nil
	}

	guard := ledger.NewMemoryGuard(clock)
	scheduler := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(zap.NewStdLog(logger)))))
	sweeper := &guardSweeper{guard: guard, metrics: metrics, nowFn: clock, logger: logger}
	if _, err := scheduler.AddJob(cfg.GuardSweepSchedule, sweeper); err != nil {
		return nil, nil, fmt.Errorf("schedule guard sweep: %w", err)
	}
	scheduler.Start()
	logger.Info("idempotency guard", zap.String("backend", "memory"), zap.String("sweep_schedule", cfg.GuardSweepSchedule))
	return guard, func() { <-scheduler.Stop().Done() }, nil
}
