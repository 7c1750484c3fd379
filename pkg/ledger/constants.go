package ledger

import (
	"math"
	"time"
)

const (
	operationOpenAccount     = "open_account"
	operationSetStatus       = "set_account_status"
	operationTransfer        = "transfer"
	operationFreeze          = "freeze"
	operationUnfreeze        = "unfreeze"
	operationRecharge        = "recharge"
	operationWithdraw        = "withdraw"
	operationAuditWithdrawal = "audit_withdrawal"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	fingerprintDelimiter = ":"

	metadataKeyPaymentMethod = "payment_method"
	metadataKeyOperatorID    = "operator_id"

	transactionNoPrefix     = "TX"
	transactionNoTimeLayout = "20060102150405"

	defaultIdempotencyWindow = 30 * time.Second
	defaultLockTimeout       = 5 * time.Second
	defaultPerPage           = 20
	maxPerPage               = 100
	maxPage                  = math.MaxInt32 / maxPerPage
)
