package events

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/pointsledger/pkg/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	routingKeyPrefix      = "ledger."
	defaultPublishTimeout = 2 * time.Second
)

// LedgerEvent is the message body published for a completed ledger operation.
type LedgerEvent struct {
	EventID           string    `json:"event_id"`
	Operation         string    `json:"operation"`
	UserID            string    `json:"user_id"`
	CounterpartyID    string    `json:"counterparty_id,omitempty"`
	Type              string    `json:"type,omitempty"`
	Amount            string    `json:"amount,omitempty"`
	AmountCents       int64     `json:"amount_cents,omitempty"`
	TransactionNo     string    `json:"transaction_no,omitempty"`
	TransactionStatus string    `json:"transaction_status,omitempty"`
	RelatedOrderID    string    `json:"related_order_id,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// OperationPublisher implements ledger.OperationLogger by publishing successful
// operations. Failed operations are not published.
type OperationPublisher struct {
	publisher Publisher
	logger    *zap.Logger
	nowFn     func() time.Time
	timeout   time.Duration
}

// NewOperationPublisher wires publisher; publish failures are logged and never
// surface to the ledger caller.
func NewOperationPublisher(publisher Publisher, logger *zap.Logger, now func() time.Time) *OperationPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &OperationPublisher{publisher: publisher, logger: logger, nowFn: now, timeout: defaultPublishTimeout}
}

func (operationPublisher *OperationPublisher) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	if entry.Error != nil || operationPublisher.publisher == nil {
		return
	}
	event := NewLedgerEvent(entry, operationPublisher.nowFn())
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), operationPublisher.timeout)
	defer cancel()
	routingKey := RoutingKey(entry.Operation)
	if err := operationPublisher.publisher.Publish(publishCtx, routingKey, event); err != nil {
		operationPublisher.logger.Warn("ledger event publish failed",
			zap.String("routing_key", routingKey),
			zap.String("transaction_no", event.TransactionNo),
			zap.Error(err),
		)
	}
}

// RoutingKey returns the topic routing key for an operation name.
func RoutingKey(operation string) string {
	return routingKeyPrefix + operation
}

// NewLedgerEvent converts an operation log entry into its published form.
func NewLedgerEvent(entry ledger.OperationLog, at time.Time) LedgerEvent {
	event := LedgerEvent{
		EventID:           uuid.NewString(),
		Operation:         entry.Operation,
		UserID:            entry.UserID.String(),
		Type:              entry.Type.String(),
		TransactionNo:     entry.TransactionNo.String(),
		TransactionStatus: entry.TransactionStatus.String(),
		RelatedOrderID:    entry.RelatedOrderID,
		OccurredAt:        at.UTC(),
	}
	if entry.CounterpartyID != nil {
		event.CounterpartyID = entry.CounterpartyID.String()
	}
	if entry.Amount > 0 {
		event.Amount = entry.Amount.String()
		event.AmountCents = entry.Amount.Int64()
	}
	return event
}
