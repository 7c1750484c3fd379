package ledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
// It is called after the atomic unit has finished, never while locks are held.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation         string
	UserID            UserID
	CounterpartyID    *UserID
	Type              TransactionType
	Amount            AmountCents
	TransactionNo     TransactionNo
	TransactionStatus TransactionStatus
	RelatedOrderID    string
	Duration          time.Duration
	Status            string
	Error             error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithIdempotencyGuard replaces the default in-memory guard.
func WithIdempotencyGuard(guard IdempotencyGuard) ServiceOption {
	return func(service *Service) {
		service.guard = guard
	}
}

// WithIdempotencyWindow sets the duplicate-submission window.
func WithIdempotencyWindow(window time.Duration) ServiceOption {
	return func(service *Service) {
		service.idempotencyWindow = window
	}
}

// WithLockTimeout bounds how long an atomic unit may wait for its locks.
func WithLockTimeout(timeout time.Duration) ServiceOption {
	return func(service *Service) {
		service.lockTimeout = timeout
	}
}

// WithTierResolver wires the source of account tiers used by Recharge and Withdraw.
func WithTierResolver(resolver TierResolver) ServiceOption {
	return func(service *Service) {
		service.tiers = resolver
	}
}

// WithTierThresholds overrides the minimum tiers for recharge targets and withdrawals.
func WithTierThresholds(recharge Tier, withdraw Tier) ServiceOption {
	return func(service *Service) {
		service.rechargeMinTier = recharge
		service.withdrawMinTier = withdraw
	}
}

// WithTransactionNoGenerator replaces the transaction number generator.
func WithTransactionNoGenerator(generate func(at time.Time) TransactionNo) ServiceOption {
	return func(service *Service) {
		service.newTransactionNo = generate
	}
}
