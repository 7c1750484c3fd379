package httpapi

import (
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/pointsledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

type transferRequest struct {
	FromUserID     string          `json:"from_user_id"`
	ToUserID       string          `json:"to_user_id"`
	Amount         decimal.Decimal `json:"amount"`
	Type           string          `json:"type"`
	Description    string          `json:"description"`
	RelatedOrderID string          `json:"related_order_id"`
	Metadata       map[string]any  `json:"metadata"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type batchTransferRequest struct {
	Type    string            `json:"type"`
	Entries []transferRequest `json:"entries"`
}

type escrowRequest struct {
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	RelatedOrderID string          `json:"related_order_id"`
}

type rechargeRequest struct {
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	Description   string          `json:"description"`
}

type withdrawRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	WithdrawalInfo map[string]any  `json:"withdrawal_info"`
	Description    string          `json:"description"`
}

type auditRequest struct {
	Approved *bool  `json:"approved"`
	Remark   string `json:"remark"`
}

type accountRequest struct {
	UserID string `json:"user_id"`
}

type accountStatusRequest struct {
	Status string `json:"status"`
}

type balancePayload struct {
	UserID    string `json:"user_id"`
	Balance   string `json:"balance"`
	Frozen    string `json:"frozen"`
	Available string `json:"available"`
}

type accountPayload struct {
	UserID    string    `json:"user_id"`
	Balance   string    `json:"balance"`
	Frozen    string    `json:"frozen"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type resultPayload struct {
	TransactionID             int64   `json:"transaction_id"`
	TransactionNo             string  `json:"transaction_no"`
	Type                      string  `json:"type"`
	Status                    string  `json:"status"`
	Amount                    string  `json:"amount"`
	BalanceBefore             string  `json:"balance_before"`
	BalanceAfter              string  `json:"balance_after"`
	CounterpartyBalanceBefore *string `json:"counterparty_balance_before,omitempty"`
	CounterpartyBalanceAfter  *string `json:"counterparty_balance_after,omitempty"`
}

type transactionPayload struct {
	ID                        int64           `json:"id"`
	TransactionNo             string          `json:"transaction_no"`
	FromUserID                string          `json:"from_user_id,omitempty"`
	ToUserID                  string          `json:"to_user_id"`
	Amount                    string          `json:"amount"`
	Type                      string          `json:"type"`
	Status                    string          `json:"status"`
	RelatedOrderID            string          `json:"related_order_id,omitempty"`
	Description               string          `json:"description,omitempty"`
	Metadata                  json.RawMessage `json:"metadata"`
	BalanceBefore             string          `json:"balance_before"`
	BalanceAfter              string          `json:"balance_after"`
	CounterpartyBalanceBefore *string         `json:"counterparty_balance_before,omitempty"`
	CounterpartyBalanceAfter  *string         `json:"counterparty_balance_after,omitempty"`
	OperatorID                string          `json:"operator_id,omitempty"`
	AuditorID                 string          `json:"auditor_id,omitempty"`
	Remark                    string          `json:"remark,omitempty"`
	CreatedAt                 time.Time       `json:"created_at"`
	CompletedAt               *time.Time      `json:"completed_at,omitempty"`
}

type paginationPayload struct {
	Page       int   `json:"page"`
	PerPage    int   `json:"per_page"`
	Total      int64 `json:"total"`
	TotalPages int64 `json:"total_pages"`
}

type typeStatisticsPayload struct {
	Type      string `json:"type"`
	Count     int64  `json:"count"`
	AmountIn  string `json:"amount_in"`
	AmountOut string `json:"amount_out"`
	Volume    string `json:"volume"`
}

type statisticsPayload struct {
	LifetimeIn  string                  `json:"lifetime_in"`
	LifetimeOut string                  `json:"lifetime_out"`
	ByType      []typeStatisticsPayload `json:"by_type"`
}

type batchEntryPayload struct {
	Index  int            `json:"index"`
	Result *resultPayload `json:"result,omitempty"`
	Error  map[string]any `json:"error,omitempty"`
}

func newBalancePayload(userID ledger.UserID, balance ledger.Balance) balancePayload {
	return balancePayload{
		UserID:    userID.String(),
		Balance:   balance.Balance.String(),
		Frozen:    balance.Frozen.String(),
		Available: balance.Available.String(),
	}
}

func newAccountPayload(account ledger.Account) accountPayload {
	return accountPayload{
		UserID:    account.UserID.String(),
		Balance:   account.Balance.String(),
		Frozen:    account.FrozenBalance.String(),
		Status:    account.Status.String(),
		CreatedAt: account.CreatedAt.UTC(),
	}
}

func newResultPayload(result ledger.TransactionResult) resultPayload {
	return resultPayload{
		TransactionID:             result.TransactionID.Int64(),
		TransactionNo:             result.TransactionNo.String(),
		Type:                      result.Type.String(),
		Status:                    result.Status.String(),
		Amount:                    result.Amount.String(),
		BalanceBefore:             result.BalanceBefore.String(),
		BalanceAfter:              result.BalanceAfter.String(),
		CounterpartyBalanceBefore: optionalAmount(result.CounterpartyBalanceBefore),
		CounterpartyBalanceAfter:  optionalAmount(result.CounterpartyBalanceAfter),
	}
}

func newTransactionPayload(transaction ledger.Transaction) transactionPayload {
	payload := transactionPayload{
		ID:                        transaction.ID.Int64(),
		TransactionNo:             transaction.TransactionNo.String(),
		ToUserID:                  transaction.ToUserID.String(),
		Amount:                    transaction.Amount.String(),
		Type:                      transaction.Type.String(),
		Status:                    transaction.Status.String(),
		RelatedOrderID:            transaction.RelatedOrderID,
		Description:               transaction.Description,
		Metadata:                  json.RawMessage(transaction.Metadata.String()),
		BalanceBefore:             transaction.BalanceBefore.String(),
		BalanceAfter:              transaction.BalanceAfter.String(),
		CounterpartyBalanceBefore: optionalAmount(transaction.CounterpartyBalanceBefore),
		CounterpartyBalanceAfter:  optionalAmount(transaction.CounterpartyBalanceAfter),
		OperatorID:                transaction.OperatorID,
		AuditorID:                 transaction.AuditorID,
		Remark:                    transaction.Remark,
		CreatedAt:                 transaction.CreatedAt.UTC(),
		CompletedAt:               transaction.CompletedAt,
	}
	if transaction.FromUserID != nil {
		payload.FromUserID = transaction.FromUserID.String()
	}
	return payload
}

func newStatisticsPayload(statistics ledger.Statistics) statisticsPayload {
	byType := make([]typeStatisticsPayload, 0, len(statistics.ByType))
	for _, entry := range statistics.ByType {
		byType = append(byType, typeStatisticsPayload{
			Type:      entry.Type.String(),
			Count:     entry.Count,
			AmountIn:  entry.AmountIn.String(),
			AmountOut: entry.AmountOut.String(),
			Volume:    entry.Volume.String(),
		})
	}
	return statisticsPayload{
		LifetimeIn:  statistics.LifetimeIn.String(),
		LifetimeOut: statistics.LifetimeOut.String(),
		ByType:      byType,
	}
}

func optionalAmount(amount *ledger.AmountCents) *string {
	if amount == nil {
		return nil
	}
	formatted := amount.String()
	return &formatted
}
