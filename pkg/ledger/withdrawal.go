package ledger

import (
	"context"
	"fmt"
	"strings"
)

// AuditWithdrawal settles a PENDING withdrawal. Approval pays the escrow out of the
// account; rejection returns it to the available balance.
func (service *Service) AuditWithdrawal(ctx context.Context, transactionID TransactionID, approved bool, remark string, auditorID string) (TransactionResult, error) {
	started := service.nowFn()
	var settled Transaction
	operationError := func() error {
		if transactionID.Int64() <= 0 {
			return fmt.Errorf("%w: must be greater than zero", ErrInvalidTransactionID)
		}
		return service.runUnit(ctx, func(ctx context.Context, transactionStore Store) error {
			withdrawal, err := transactionStore.GetTransaction(ctx, transactionID, true)
			if err != nil {
				return err
			}
			if withdrawal.Type != TransactionWithdraw {
				return fmt.Errorf("%w: transaction %s is %s, not a withdrawal", ErrInvalidStateTransition, withdrawal.TransactionNo, withdrawal.Type)
			}
			if withdrawal.Status != TransactionPending {
				return fmt.Errorf("%w: withdrawal %s is already %s", ErrInvalidStateTransition, withdrawal.TransactionNo, withdrawal.Status)
			}
			accounts, err := transactionStore.LockAccounts(ctx, []UserID{withdrawal.ToUserID})
			if err != nil {
				return err
			}
			account, err := existingAccount(accounts, withdrawal.ToUserID)
			if err != nil {
				return err
			}

			amount := withdrawal.Amount.Int64()
			balanceDelta := int64(0)
			nextStatus := TransactionRejected
			if approved {
				balanceDelta = -amount
				nextStatus = TransactionCompleted
			}
			updated, err := applyBalanceChange(account, balanceDelta, -amount)
			if err != nil {
				return err
			}
			if err := transactionStore.UpdateAccountBalances(ctx, updated); err != nil {
				return err
			}

			now := service.nowFn()
			withdrawal.Status = nextStatus
			withdrawal.BalanceBefore = account.Balance
			withdrawal.BalanceAfter = updated.Balance
			withdrawal.AuditorID = strings.TrimSpace(auditorID)
			withdrawal.Remark = remark
			withdrawal.CompletedAt = &now
			if err := transactionStore.FinalizeTransaction(ctx, withdrawal, TransactionPending); err != nil {
				return err
			}
			settled = withdrawal
			return nil
		})
	}()

	service.logOperation(ctx, OperationLog{
		Operation:         operationAuditWithdrawal,
		UserID:            settled.ToUserID,
		Type:              TransactionWithdraw,
		Amount:            settled.Amount.ToAmountCents(),
		TransactionNo:     settled.TransactionNo,
		TransactionStatus: settled.Status,
		Duration:          service.nowFn().Sub(started),
		Error:             operationError,
	})
	if operationError != nil {
		return TransactionResult{}, operationError
	}
	return newTransactionResult(settled), nil
}
