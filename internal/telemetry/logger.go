// Package telemetry turns ledger operation callbacks into structured logs and
// Prometheus metrics.
package telemetry

import (
	"context"

	"github.com/MarkoPoloResearchLab/pointsledger/pkg/ledger"
	"go.uber.org/zap"
)

// ZapOperationLogger writes one structured line per ledger operation.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps logger; a nil logger yields a no-op logger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
		zap.Duration("duration", entry.Duration),
	}
	if entry.CounterpartyID != nil {
		fields = append(fields, zap.String("counterparty_id", entry.CounterpartyID.String()))
	}
	if entry.Type != "" {
		fields = append(fields, zap.String("type", entry.Type.String()))
	}
	if entry.Amount > 0 {
		fields = append(fields, zap.String("amount", entry.Amount.String()))
	}
	if entry.TransactionNo.String() != "" {
		fields = append(fields, zap.String("transaction_no", entry.TransactionNo.String()))
		fields = append(fields, zap.String("transaction_status", entry.TransactionStatus.String()))
	}
	if entry.RelatedOrderID != "" {
		fields = append(fields, zap.String("related_order_id", entry.RelatedOrderID))
	}
	if entry.Error != nil {
		fields = append(fields, zap.String("error_kind", ledger.ErrorKind(entry.Error)), zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}

// MultiLogger fans one callback out to several loggers in order.
type MultiLogger []ledger.OperationLogger

func (loggers MultiLogger) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	for _, logger := range loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}
