package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrAccountNotFound         = errors.New("account not found")
	ErrAccountInactive         = errors.New("account inactive")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrDuplicateSubmission     = errors.New("duplicate submission")
	ErrPermissionDenied        = errors.New("permission denied")
	ErrInvalidStateTransition  = errors.New("invalid state transition")
	ErrLockTimeout             = errors.New("lock timeout")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidTransactionID    = errors.New("invalid transaction id")
	ErrInvalidTransactionNo    = errors.New("invalid transaction number")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidTransactionState = errors.New("invalid transaction status")
	ErrInvalidAccountStatus    = errors.New("invalid account status")
	ErrInvalidTier             = errors.New("invalid tier")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidPagination       = errors.New("invalid pagination")
	ErrInvalidDateRange        = errors.New("invalid date range")
	ErrInvalidPaymentMethod    = errors.New("invalid payment method")
	ErrSelfTransfer            = errors.New("self transfer")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidBalance          = errors.New("invalid balance")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// IsRetryable reports whether the caller may resubmit the same request unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrDuplicateSubmission)
}

var errorKinds = []struct {
	sentinel error
	kind     string
}{
	{ErrAccountNotFound, "account_not_found"},
	{ErrAccountInactive, "account_inactive"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrDuplicateSubmission, "duplicate_submission"},
	{ErrPermissionDenied, "permission_denied"},
	{ErrInvalidStateTransition, "invalid_state_transition"},
	{ErrLockTimeout, "lock_timeout"},
	{ErrTransactionNotFound, "transaction_not_found"},
	{ErrSelfTransfer, "self_transfer"},
	{ErrInvalidUserID, "invalid_user_id"},
	{ErrInvalidTransactionID, "invalid_transaction_id"},
	{ErrInvalidTransactionNo, "invalid_transaction_no"},
	{ErrInvalidTransactionType, "invalid_transaction_type"},
	{ErrInvalidTransactionState, "invalid_transaction_status"},
	{ErrInvalidAccountStatus, "invalid_account_status"},
	{ErrInvalidTier, "invalid_tier"},
	{ErrInvalidMetadataJSON, "invalid_metadata"},
	{ErrInvalidPagination, "invalid_pagination"},
	{ErrInvalidDateRange, "invalid_date_range"},
	{ErrInvalidPaymentMethod, "invalid_payment_method"},
}

// ErrorKind returns a stable snake_case code for a ledger error, "ok" for nil and
// "internal" for anything unrecognized.
func ErrorKind(err error) string {
	if err == nil {
		return operationStatusOK
	}
	for _, candidate := range errorKinds {
		if errors.Is(err, candidate.sentinel) {
			return candidate.kind
		}
	}
	return "internal"
}
