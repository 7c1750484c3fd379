package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Service contains the ledger engine over a Store.
type Service struct {
	store             Store
	nowFn             func() time.Time
	logger            OperationLogger
	guard             IdempotencyGuard
	idempotencyWindow time.Duration
	lockTimeout       time.Duration
	tiers             TierResolver
	rechargeMinTier   Tier
	withdrawMinTier   Tier
	newTransactionNo  func(at time.Time) TransactionNo
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:             store,
		nowFn:             now,
		guard:             NewMemoryGuard(now),
		idempotencyWindow: defaultIdempotencyWindow,
		lockTimeout:       defaultLockTimeout,
		rechargeMinTier:   TierPartner,
		withdrawMinTier:   TierAgent,
		newTransactionNo:  generateTransactionNo,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.guard == nil {
		return nil, fmt.Errorf("%w: idempotency guard is nil", ErrInvalidServiceConfig)
	}
	if service.idempotencyWindow <= 0 {
		return nil, fmt.Errorf("%w: idempotency window must be positive", ErrInvalidServiceConfig)
	}
	if service.lockTimeout <= 0 {
		return nil, fmt.Errorf("%w: lock timeout must be positive", ErrInvalidServiceConfig)
	}
	if !service.rechargeMinTier.Valid() || !service.withdrawMinTier.Valid() {
		return nil, fmt.Errorf("%w: tier thresholds must be known tiers", ErrInvalidServiceConfig)
	}
	if service.newTransactionNo == nil {
		return nil, fmt.Errorf("%w: transaction number generator is nil", ErrInvalidServiceConfig)
	}
	return service, nil
}

// Balance returns balance, frozen and available amounts from a single-row read.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	if userID.IsZero() {
		return Balance{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	account, err := service.store.GetAccount(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	available, err := NewAmountCents(account.Available().Int64())
	if err != nil {
		return Balance{}, WrapError("service", "balance", "negative_available", ErrInvalidBalance)
	}
	return Balance{
		Balance:   account.Balance,
		Frozen:    account.FrozenBalance,
		Available: available,
	}, nil
}

// OpenAccount provisions an ACTIVE account with zero balances. Opening an existing account returns it unchanged.
func (service *Service) OpenAccount(ctx context.Context, userID UserID) (Account, error) {
	started := service.nowFn()
	var account Account
	operationError := func() error {
		if userID.IsZero() {
			return fmt.Errorf("%w: empty value", ErrInvalidUserID)
		}
		now := service.nowFn()
		created, err := service.store.CreateAccount(ctx, Account{
			UserID:    userID,
			Status:    AccountActive,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return err
		}
		account = created
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationOpenAccount,
		UserID:    userID,
		Duration:  service.nowFn().Sub(started),
		Error:     operationError,
	})
	return account, operationError
}

// SetAccountStatus suspends or reactivates an account under its row lock.
func (service *Service) SetAccountStatus(ctx context.Context, userID UserID, status AccountStatus) error {
	started := service.nowFn()
	operationError := func() error {
		if userID.IsZero() {
			return fmt.Errorf("%w: empty value", ErrInvalidUserID)
		}
		if _, err := ParseAccountStatus(status.String()); err != nil {
			return err
		}
		return service.lockAndMutate(ctx, []UserID{userID}, func(ctx context.Context, transactionStore Store, _ map[UserID]Account) error {
			return transactionStore.UpdateAccountStatus(ctx, userID, status)
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationSetStatus,
		UserID:    userID,
		Duration:  service.nowFn().Sub(started),
		Error:     operationError,
	})
	return operationError
}

// Transfer moves value between accounts, or credits ToUserID from the system when FromUserID is nil.
func (service *Service) Transfer(ctx context.Context, request TransferRequest) (TransactionResult, error) {
	started := service.nowFn()
	var transaction Transaction
	operationError := validateTransferRequest(request)
	if operationError == nil {
		transaction, operationError = service.move(ctx, request, "")
	}
	service.logMovement(ctx, operationTransfer, request, transaction, started, operationError)
	if operationError != nil {
		return TransactionResult{}, operationError
	}
	return newTransactionResult(transaction), nil
}

// BatchTransfer runs every entry as an independent Transfer of the given type.
// A failed entry does not affect its siblings; results keep the input order.
func (service *Service) BatchTransfer(ctx context.Context, entries []BatchTransferEntry, transactionType TransactionType) ([]BatchTransferResult, error) {
	if !transactionType.isTransferable() {
		return nil, fmt.Errorf("%w: %q cannot be batch transferred", ErrInvalidTransactionType, transactionType)
	}
	results := make([]BatchTransferResult, 0, len(entries))
	for index, entry := range entries {
		result, err := service.Transfer(ctx, TransferRequest{
			FromUserID:     entry.FromUserID,
			ToUserID:       entry.ToUserID,
			Amount:         entry.Amount,
			Type:           transactionType,
			Description:    entry.Description,
			RelatedOrderID: entry.RelatedOrderID,
			Metadata:       entry.Metadata,
			IdempotencyKey: entry.IdempotencyKey,
		})
		results = append(results, BatchTransferResult{Index: index, Result: result, Err: err})
	}
	return results, nil
}

// Freeze escrows amount by moving it from available into the frozen balance.
func (service *Service) Freeze(ctx context.Context, userID UserID, amount PositiveAmountCents, reason string, relatedOrderID string) (TransactionNo, error) {
	started := service.nowFn()
	transaction, operationError := service.shiftFrozen(ctx, userID, amount, reason, relatedOrderID, TransactionFreeze)
	service.logMovement(ctx, operationFreeze, TransferRequest{ToUserID: userID, Amount: amount, Type: TransactionFreeze, RelatedOrderID: relatedOrderID}, transaction, started, operationError)
	return transaction.TransactionNo, operationError
}

// Unfreeze releases escrow created by Freeze for the same related order.
func (service *Service) Unfreeze(ctx context.Context, userID UserID, amount PositiveAmountCents, reason string, relatedOrderID string) (TransactionNo, error) {
	started := service.nowFn()
	transaction, operationError := service.shiftFrozen(ctx, userID, amount, reason, relatedOrderID, TransactionUnfreeze)
	service.logMovement(ctx, operationUnfreeze, TransferRequest{ToUserID: userID, Amount: amount, Type: TransactionUnfreeze, RelatedOrderID: relatedOrderID}, transaction, started, operationError)
	return transaction.TransactionNo, operationError
}

// Recharge credits a top-tier account from the system.
func (service *Service) Recharge(ctx context.Context, userID UserID, amount PositiveAmountCents, paymentMethod string, description string, operatorID string) (TransactionResult, error) {
	started := service.nowFn()
	request := TransferRequest{ToUserID: userID, Amount: amount, Type: TransactionRecharge, Description: description}
	var transaction Transaction
	operationError := func() error {
		if err := validateTransferRequest(TransferRequest{ToUserID: userID, Amount: amount, Type: TransactionTransfer}); err != nil {
			return err
		}
		trimmedMethod := strings.TrimSpace(paymentMethod)
		if trimmedMethod == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidPaymentMethod)
		}
		if err := service.authorizeTier(ctx, userID, service.rechargeMinTier, operationRecharge); err != nil {
			return err
		}
		metadata, err := MetadataJSON{}.withValues(map[string]string{
			metadataKeyPaymentMethod: trimmedMethod,
			metadataKeyOperatorID:    strings.TrimSpace(operatorID),
		})
		if err != nil {
			return err
		}
		request.Metadata = metadata
		transaction, err = service.move(ctx, request, strings.TrimSpace(operatorID))
		return err
	}()
	service.logMovement(ctx, operationRecharge, request, transaction, started, operationError)
	if operationError != nil {
		return TransactionResult{}, operationError
	}
	return newTransactionResult(transaction), nil
}

// Withdraw earmarks amount for payout and records a PENDING withdrawal awaiting audit.
func (service *Service) Withdraw(ctx context.Context, userID UserID, amount PositiveAmountCents, withdrawalInfo MetadataJSON, description string) (TransactionResult, error) {
	started := service.nowFn()
	request := TransferRequest{ToUserID: userID, Amount: amount, Type: TransactionWithdraw, Description: description}
	var transaction Transaction
	operationError := func() error {
		if err := validateTransferRequest(TransferRequest{ToUserID: userID, Amount: amount, Type: TransactionTransfer}); err != nil {
			return err
		}
		if err := service.authorizeTier(ctx, userID, service.withdrawMinTier, operationWithdraw); err != nil {
			return err
		}
		if err := service.reserve(ctx, Fingerprint{UserID: userID, Amount: amount, Type: TransactionWithdraw}); err != nil {
			return err
		}
		return service.lockAndMutate(ctx, []UserID{userID}, func(ctx context.Context, transactionStore Store, accounts map[UserID]Account) error {
			account, err := activeAccount(accounts, userID)
			if err != nil {
				return err
			}
			if account.Available() < amount.ToAmountCents() {
				return fmt.Errorf("%w: available %s < %s", ErrInsufficientBalance, account.Available(), amount)
			}
			updated, err := applyBalanceChange(account, 0, amount.Int64())
			if err != nil {
				return err
			}
			now := service.nowFn()
			pending, err := transactionStore.InsertTransaction(ctx, Transaction{
				TransactionNo: service.newTransactionNo(now),
				ToUserID:      userID,
				Amount:        amount,
				Type:          TransactionWithdraw,
				Description:   description,
				Metadata:      withdrawalInfo,
				Status:        TransactionPending,
				BalanceBefore: account.Balance,
				BalanceAfter:  updated.Balance,
				CreatedAt:     now,
			})
			if err != nil {
				return err
			}
			if err := transactionStore.UpdateAccountBalances(ctx, updated); err != nil {
				return err
			}
			transaction = pending
			return nil
		})
	}()
	service.logMovement(ctx, operationWithdraw, request, transaction, started, operationError)
	if operationError != nil {
		return TransactionResult{}, operationError
	}
	return newTransactionResult(transaction), nil
}

// move runs the guarded, locked debit/credit shared by Transfer and Recharge.
func (service *Service) move(ctx context.Context, request TransferRequest, operatorID string) (Transaction, error) {
	if err := service.reserve(ctx, movementFingerprint(request)); err != nil {
		return Transaction{}, err
	}
	participants := []UserID{request.ToUserID}
	if request.FromUserID != nil {
		participants = append(participants, *request.FromUserID)
	}
	var completed Transaction
	err := service.lockAndMutate(ctx, participants, func(ctx context.Context, transactionStore Store, accounts map[UserID]Account) error {
		payee, err := activeAccount(accounts, request.ToUserID)
		if err != nil {
			return err
		}
		primary := payee
		if request.FromUserID != nil {
			payer, err := activeAccount(accounts, *request.FromUserID)
			if err != nil {
				return err
			}
			if payer.Available() < request.Amount.ToAmountCents() {
				return fmt.Errorf("%w: available %s < %s", ErrInsufficientBalance, payer.Available(), request.Amount)
			}
			primary = payer
		}

		now := service.nowFn()
		pending, err := transactionStore.InsertTransaction(ctx, Transaction{
			TransactionNo:  service.newTransactionNo(now),
			FromUserID:     request.FromUserID,
			ToUserID:       request.ToUserID,
			Amount:         request.Amount,
			Type:           request.Type,
			RelatedOrderID: request.RelatedOrderID,
			Description:    request.Description,
			Metadata:       request.Metadata,
			Status:         TransactionPending,
			BalanceBefore:  primary.Balance,
			BalanceAfter:   primary.Balance,
			OperatorID:     operatorID,
			CreatedAt:      now,
		})
		if err != nil {
			return err
		}

		working := map[UserID]Account{request.ToUserID: payee}
		if request.FromUserID != nil {
			payer := accounts[*request.FromUserID]
			debited, err := applyBalanceChange(payer, -request.Amount.Int64(), 0)
			if err != nil {
				return err
			}
			working[payer.UserID] = debited
		}
		credited, err := applyBalanceChange(working[request.ToUserID], request.Amount.Int64(), 0)
		if err != nil {
			return err
		}
		working[request.ToUserID] = credited
		for _, userID := range sortedUniqueUserIDs(participants) {
			if err := transactionStore.UpdateAccountBalances(ctx, working[userID]); err != nil {
				return err
			}
		}

		pending.Status = TransactionCompleted
		pending.CompletedAt = &now
		if request.FromUserID != nil {
			pending.BalanceAfter = working[*request.FromUserID].Balance
			if *request.FromUserID != request.ToUserID {
				payeeBefore := payee.Balance
				payeeAfter := credited.Balance
				pending.CounterpartyBalanceBefore = &payeeBefore
				pending.CounterpartyBalanceAfter = &payeeAfter
			}
		} else {
			pending.BalanceAfter = credited.Balance
		}
		if err := transactionStore.FinalizeTransaction(ctx, pending, TransactionPending); err != nil {
			return err
		}
		completed = pending
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return completed, nil
}

// shiftFrozen implements Freeze and Unfreeze; balance never changes, only the frozen part.
func (service *Service) shiftFrozen(ctx context.Context, userID UserID, amount PositiveAmountCents, reason string, relatedOrderID string, transactionType TransactionType) (Transaction, error) {
	if err := validateTransferRequest(TransferRequest{ToUserID: userID, Amount: amount, Type: TransactionTransfer}); err != nil {
		return Transaction{}, err
	}
	relatedOrderID = strings.TrimSpace(relatedOrderID)
	if err := service.reserve(ctx, Fingerprint{UserID: userID, Amount: amount, Type: transactionType, RelatedOrderID: relatedOrderID}); err != nil {
		return Transaction{}, err
	}
	var completed Transaction
	err := service.lockAndMutate(ctx, []UserID{userID}, func(ctx context.Context, transactionStore Store, accounts map[UserID]Account) error {
		var (
			account     Account
			err         error
			frozenDelta int64
		)
		if transactionType == TransactionFreeze {
			account, err = activeAccount(accounts, userID)
			if err != nil {
				return err
			}
			if account.Available() < amount.ToAmountCents() {
				return fmt.Errorf("%w: available %s < %s", ErrInsufficientBalance, account.Available(), amount)
			}
			frozenDelta = amount.Int64()
		} else {
			account, err = existingAccount(accounts, userID)
			if err != nil {
				return err
			}
			openFreezes, err := transactionStore.SumOpenFreezes(ctx, userID, relatedOrderID)
			if err != nil {
				return err
			}
			if openFreezes < amount.ToAmountCents() {
				return fmt.Errorf("%w: open freeze for order %q is %s, cannot unfreeze %s", ErrInvalidStateTransition, relatedOrderID, openFreezes, amount)
			}
			if account.FrozenBalance < amount.ToAmountCents() {
				return fmt.Errorf("%w: frozen %s < %s", ErrInsufficientBalance, account.FrozenBalance, amount)
			}
			frozenDelta = -amount.Int64()
		}
		updated, err := applyBalanceChange(account, 0, frozenDelta)
		if err != nil {
			return err
		}

		now := service.nowFn()
		pending, err := transactionStore.InsertTransaction(ctx, Transaction{
			TransactionNo:  service.newTransactionNo(now),
			ToUserID:       userID,
			Amount:         amount,
			Type:           transactionType,
			RelatedOrderID: relatedOrderID,
			Description:    reason,
			Status:         TransactionPending,
			BalanceBefore:  account.Balance,
			BalanceAfter:   account.Balance,
			CreatedAt:      now,
		})
		if err != nil {
			return err
		}
		if err := transactionStore.UpdateAccountBalances(ctx, updated); err != nil {
			return err
		}
		pending.Status = TransactionCompleted
		pending.CompletedAt = &now
		pending.BalanceAfter = updated.Balance
		if err := transactionStore.FinalizeTransaction(ctx, pending, TransactionPending); err != nil {
			return err
		}
		completed = pending
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return completed, nil
}

// runUnit executes fn inside one store transaction bounded by the lock timeout.
func (service *Service) runUnit(ctx context.Context, fn func(ctx context.Context, transactionStore Store) error) error {
	unitContext, cancel := context.WithTimeout(ctx, service.lockTimeout)
	defer cancel()
	err := service.store.WithTx(unitContext, fn)
	if err == nil || errors.Is(err, ErrLockTimeout) {
		return err
	}
	if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(unitContext.Err(), context.DeadlineExceeded)) {
		return WrapError("service", "unit", "lock_timeout", fmt.Errorf("%w after %s: %w", ErrLockTimeout, service.lockTimeout, err))
	}
	return err
}

// lockAndMutate locks every named account in ascending user id order and runs fn in the same unit.
func (service *Service) lockAndMutate(ctx context.Context, userIDs []UserID, fn func(ctx context.Context, transactionStore Store, accounts map[UserID]Account) error) error {
	ordered := sortedUniqueUserIDs(userIDs)
	return service.runUnit(ctx, func(ctx context.Context, transactionStore Store) error {
		accounts, err := transactionStore.LockAccounts(ctx, ordered)
		if err != nil {
			return err
		}
		return fn(ctx, transactionStore, accounts)
	})
}

func (service *Service) reserve(ctx context.Context, fingerprint Fingerprint) error {
	if err := service.guard.CheckAndReserve(ctx, fingerprint, service.idempotencyWindow); err != nil {
		if errors.Is(err, ErrDuplicateSubmission) {
			return err
		}
		return WrapError("service", "idempotency", "reserve", err)
	}
	return nil
}

func (service *Service) authorizeTier(ctx context.Context, userID UserID, minimum Tier, operation string) error {
	if service.tiers == nil {
		return fmt.Errorf("%w: tier resolver is not configured", ErrInvalidServiceConfig)
	}
	tier, err := service.tiers.ResolveTier(ctx, userID)
	if err != nil {
		return WrapError("service", "tier", "resolve", err)
	}
	if !tier.AtLeast(minimum) {
		return fmt.Errorf("%w: %s requires tier %s, account is %s", ErrPermissionDenied, operation, minimum, tier)
	}
	return nil
}

func (service *Service) logMovement(ctx context.Context, operation string, request TransferRequest, transaction Transaction, started time.Time, operationError error) {
	service.logOperation(ctx, OperationLog{
		Operation:         operation,
		UserID:            movementSubject(request),
		CounterpartyID:    movementCounterparty(request),
		Type:              request.Type,
		Amount:            request.Amount.ToAmountCents(),
		TransactionNo:     transaction.TransactionNo,
		TransactionStatus: transaction.Status,
		RelatedOrderID:    request.RelatedOrderID,
		Duration:          service.nowFn().Sub(started),
		Error:             operationError,
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func validateTransferRequest(request TransferRequest) error {
	if request.ToUserID.IsZero() {
		return fmt.Errorf("%w: recipient is empty", ErrInvalidUserID)
	}
	if request.FromUserID != nil && request.FromUserID.IsZero() {
		return fmt.Errorf("%w: payer is empty", ErrInvalidUserID)
	}
	if request.Amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if !request.Type.isTransferable() {
		return fmt.Errorf("%w: %q cannot be transferred", ErrInvalidTransactionType, request.Type)
	}
	if request.FromUserID != nil && *request.FromUserID == request.ToUserID && request.Type != TransactionReward {
		return fmt.Errorf("%w: %s", ErrSelfTransfer, request.ToUserID)
	}
	return nil
}

func movementFingerprint(request TransferRequest) Fingerprint {
	fingerprint := Fingerprint{
		UserID:         request.ToUserID,
		Amount:         request.Amount,
		Type:           request.Type,
		RelatedOrderID: request.RelatedOrderID,
		ClientKey:      request.IdempotencyKey,
	}
	if request.FromUserID != nil {
		fingerprint.UserID = *request.FromUserID
		fingerprint.CounterpartyID = request.ToUserID.String()
	}
	return fingerprint
}

func movementSubject(request TransferRequest) UserID {
	if request.FromUserID != nil {
		return *request.FromUserID
	}
	return request.ToUserID
}

func movementCounterparty(request TransferRequest) *UserID {
	if request.FromUserID == nil {
		return nil
	}
	counterparty := request.ToUserID
	return &counterparty
}

func existingAccount(accounts map[UserID]Account, userID UserID) (Account, error) {
	account, ok := accounts[userID]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
	}
	return account, nil
}

func activeAccount(accounts map[UserID]Account, userID UserID) (Account, error) {
	account, err := existingAccount(accounts, userID)
	if err != nil {
		return Account{}, err
	}
	if account.Status != AccountActive {
		return Account{}, fmt.Errorf("%w: %s is %s", ErrAccountInactive, userID, account.Status)
	}
	return account, nil
}

// applyBalanceChange returns the account after the deltas, refusing any state where
// balance, frozen or available would be negative.
func applyBalanceChange(account Account, balanceDelta int64, frozenDelta int64) (Account, error) {
	nextBalance, err := checkedAdd(account.Balance.Int64(), balanceDelta)
	if err != nil {
		return Account{}, err
	}
	nextFrozen, err := checkedAdd(account.FrozenBalance.Int64(), frozenDelta)
	if err != nil {
		return Account{}, err
	}
	if nextBalance < 0 || nextFrozen < 0 || nextFrozen > nextBalance {
		return Account{}, fmt.Errorf("%w: balance %d frozen %d for %s", ErrInsufficientBalance, nextBalance, nextFrozen, account.UserID)
	}
	account.Balance = AmountCents(nextBalance)
	account.FrozenBalance = AmountCents(nextFrozen)
	return account, nil
}

func sortedUniqueUserIDs(userIDs []UserID) []UserID {
	seen := make(map[UserID]struct{}, len(userIDs))
	ordered := make([]UserID, 0, len(userIDs))
	for _, userID := range userIDs {
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		ordered = append(ordered, userID)
	}
	sort.Slice(ordered, func(left, right int) bool {
		return ordered[left].String() < ordered[right].String()
	})
	return ordered
}

func generateTransactionNo(at time.Time) TransactionNo {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:12]
	return TransactionNo{value: transactionNoPrefix + at.UTC().Format(transactionNoTimeLayout) + suffix}
}
