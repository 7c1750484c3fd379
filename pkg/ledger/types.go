package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UserID identifies an account owner.
type UserID struct {
	value string
}

// TransactionID is the store-assigned identifier of a transaction row.
type TransactionID struct {
	value int64
}

// TransactionNo is the globally unique, human-referenceable transaction number.
type TransactionNo struct {
	value string
}

// IdempotencyKey is an optional client-supplied discriminator for duplicate detection.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores an opaque JSON object attached to a transaction.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewTransactionID validates a store identifier.
func NewTransactionID(raw int64) (TransactionID, error) {
	if raw <= 0 {
		return TransactionID{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidTransactionID)
	}
	return TransactionID{value: raw}, nil
}

// Int64 returns the raw identifier.
func (id TransactionID) Int64() int64 {
	return id.value
}

// NewTransactionNo validates a transaction number.
func NewTransactionNo(raw string) (TransactionNo, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionNo{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionNo)
	}
	return TransactionNo{value: trimmed}, nil
}

// String returns the transaction number.
func (number TransactionNo) String() string {
	return number.value
}

// NewIdempotencyKey normalizes an optional client key; empty input yields the zero key.
func NewIdempotencyKey(raw string) IdempotencyKey {
	return IdempotencyKey{value: strings.TrimSpace(raw)}
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs). Only JSON objects are accepted.
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal([]byte(normalized), &object); err != nil || object == nil {
		return MetadataJSON{}, fmt.Errorf("%w: must be a json object", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap marshals a key/value bag into MetadataJSON.
func MetadataFromMap(values map[string]any) (MetadataJSON, error) {
	if len(values) == 0 {
		return MetadataJSON{value: "{}"}, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return MetadataJSON{value: string(raw)}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// withValues returns a copy of the metadata with the given keys set.
func (metadata MetadataJSON) withValues(values map[string]string) (MetadataJSON, error) {
	object := map[string]any{}
	if err := json.Unmarshal([]byte(metadata.String()), &object); err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	for key, value := range values {
		if value != "" {
			object[key] = value
		}
	}
	return MetadataFromMap(object)
}

// TransactionType enumerates value movements recorded in the transaction log.
type TransactionType string

const (
	TransactionPurchase   TransactionType = "PURCHASE"
	TransactionTransfer   TransactionType = "TRANSFER"
	TransactionRecharge   TransactionType = "RECHARGE"
	TransactionWithdraw   TransactionType = "WITHDRAW"
	TransactionRefund     TransactionType = "REFUND"
	TransactionCommission TransactionType = "COMMISSION"
	TransactionReward     TransactionType = "REWARD"
	TransactionFreeze     TransactionType = "FREEZE"
	TransactionUnfreeze   TransactionType = "UNFREEZE"
)

// ParseTransactionType validates a transaction type string.
func ParseTransactionType(raw string) (TransactionType, error) {
	transactionType := TransactionType(strings.ToUpper(strings.TrimSpace(raw)))
	switch transactionType {
	case TransactionPurchase, TransactionTransfer, TransactionRecharge, TransactionWithdraw, TransactionRefund,
		TransactionCommission, TransactionReward, TransactionFreeze, TransactionUnfreeze:
		return transactionType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the string form.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// isTransferable reports whether the type can be used with Transfer and BatchTransfer.
// Recharge, withdrawal and escrow types have dedicated operations.
func (transactionType TransactionType) isTransferable() bool {
	switch transactionType {
	case TransactionPurchase, TransactionTransfer, TransactionRefund, TransactionCommission, TransactionReward:
		return true
	default:
		return false
	}
}

// TransactionStatus defines the transaction lifecycle.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "PENDING"
	TransactionCompleted TransactionStatus = "COMPLETED"
	TransactionFailed    TransactionStatus = "FAILED"
	TransactionCancelled TransactionStatus = "CANCELLED"
	TransactionRejected  TransactionStatus = "REJECTED"
)

// ParseTransactionStatus validates a transaction status string.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	status := TransactionStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case TransactionPending, TransactionCompleted, TransactionFailed, TransactionCancelled, TransactionRejected:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionState, raw)
	}
}

// String returns the string form.
func (status TransactionStatus) String() string {
	return string(status)
}

// IsFinal reports whether the status can no longer change.
func (status TransactionStatus) IsFinal() bool {
	return status != TransactionPending
}

// AccountStatus gates whether an account may take part in value movements.
type AccountStatus string

const (
	AccountActive    AccountStatus = "ACTIVE"
	AccountSuspended AccountStatus = "SUSPENDED"
)

// ParseAccountStatus validates an account status string.
func ParseAccountStatus(raw string) (AccountStatus, error) {
	status := AccountStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case AccountActive, AccountSuspended:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAccountStatus, raw)
	}
}

// String returns the string form.
func (status AccountStatus) String() string {
	return string(status)
}

// Account is the per-user balance row.
type Account struct {
	UserID        UserID
	Balance       AmountCents
	FrozenBalance AmountCents
	Status        AccountStatus
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Available returns the spendable part of the balance.
func (account Account) Available() AmountCents {
	return account.Balance - account.FrozenBalance
}

// Balance is the read view of an account.
type Balance struct {
	Balance   AmountCents
	Frozen    AmountCents
	Available AmountCents
}

// Transaction is a row of the transaction log.
type Transaction struct {
	ID                        TransactionID
	TransactionNo             TransactionNo
	FromUserID                *UserID
	ToUserID                  UserID
	Amount                    PositiveAmountCents
	Type                      TransactionType
	RelatedOrderID            string
	Description               string
	Metadata                  MetadataJSON
	Status                    TransactionStatus
	BalanceBefore             AmountCents
	BalanceAfter              AmountCents
	CounterpartyBalanceBefore *AmountCents
	CounterpartyBalanceAfter  *AmountCents
	OperatorID                string
	AuditorID                 string
	Remark                    string
	CreatedAt                 time.Time
	CompletedAt               *time.Time
}

// TransactionResult summarizes a transaction produced by a ledger operation.
type TransactionResult struct {
	TransactionID             TransactionID
	TransactionNo             TransactionNo
	Type                      TransactionType
	Status                    TransactionStatus
	Amount                    PositiveAmountCents
	BalanceBefore             AmountCents
	BalanceAfter              AmountCents
	CounterpartyBalanceBefore *AmountCents
	CounterpartyBalanceAfter  *AmountCents
}

func newTransactionResult(transaction Transaction) TransactionResult {
	return TransactionResult{
		TransactionID:             transaction.ID,
		TransactionNo:             transaction.TransactionNo,
		Type:                      transaction.Type,
		Status:                    transaction.Status,
		Amount:                    transaction.Amount,
		BalanceBefore:             transaction.BalanceBefore,
		BalanceAfter:              transaction.BalanceAfter,
		CounterpartyBalanceBefore: transaction.CounterpartyBalanceBefore,
		CounterpartyBalanceAfter:  transaction.CounterpartyBalanceAfter,
	}
}

// TransferRequest describes a single value movement between accounts.
// A nil FromUserID credits ToUserID from the system.
type TransferRequest struct {
	FromUserID     *UserID
	ToUserID       UserID
	Amount         PositiveAmountCents
	Type           TransactionType
	Description    string
	RelatedOrderID string
	Metadata       MetadataJSON
	IdempotencyKey IdempotencyKey
}

// BatchTransferEntry is one line of a BatchTransfer call.
type BatchTransferEntry struct {
	FromUserID     *UserID
	ToUserID       UserID
	Amount         PositiveAmountCents
	Description    string
	RelatedOrderID string
	Metadata       MetadataJSON
	IdempotencyKey IdempotencyKey
}

// BatchTransferResult carries the outcome of one batch entry.
type BatchTransferResult struct {
	Index  int
	Result TransactionResult
	Err    error
}

// TransactionFilter selects rows of the transaction log for one user.
type TransactionFilter struct {
	UserID    UserID
	Type      *TransactionType
	StartDate *time.Time
	EndDate   *time.Time
	Offset    int
	Limit     int
}

// TransactionAggregate is a per-type aggregation over COMPLETED rows for one user.
type TransactionAggregate struct {
	Type          TransactionType
	Count         int64
	CreditedCents AmountCents
	DebitedCents  AmountCents
}

// Store is the persistence contract used by Service.
// Mutating methods must only be called on the Store handed to WithTx's callback.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateAccount(ctx context.Context, account Account) (Account, error)
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	LockAccounts(ctx context.Context, userIDs []UserID) (map[UserID]Account, error)
	UpdateAccountBalances(ctx context.Context, account Account) error
	UpdateAccountStatus(ctx context.Context, userID UserID, status AccountStatus) error
	InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error)
	FinalizeTransaction(ctx context.Context, transaction Transaction, from TransactionStatus) error
	GetTransaction(ctx context.Context, transactionID TransactionID, forUpdate bool) (Transaction, error)
	GetTransactionByNo(ctx context.Context, transactionNo TransactionNo) (Transaction, error)
	SumOpenFreezes(ctx context.Context, userID UserID, relatedOrderID string) (AmountCents, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, int64, error)
	AggregateTransactions(ctx context.Context, userID UserID) ([]TransactionAggregate, error)
}
