package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/pointsledger/pkg/ledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON      = "{}"
	dialectPostgres          = "postgres"
	errorOperationStore      = "store"
	errorSubjectAccount      = "account"
	errorSubjectTransaction  = "transaction"
	errorSubjectTier         = "tier"
	errorSubjectUnit         = "unit"
	errorCodeAggregate       = "aggregate"
	errorCodeCreate          = "create"
	errorCodeDuplicate       = "duplicate"
	errorCodeFinalize        = "finalize"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLock            = "lock"
	errorCodeLockTimeout     = "lock_timeout"
	errorCodeSumOpenFreezes  = "sum_open_freezes"
	errorCodeUpdateBalances  = "update_balances"
	errorCodeUpdateStatus    = "update_status"
	errorCodeUpsert          = "upsert"
	minimumLockTimeoutMillis = 1
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction. On PostgreSQL the remaining context
// deadline becomes the transaction's lock_timeout.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := applyLockTimeout(ctx, transaction); err != nil {
			return wrapStoreError(errorSubjectUnit, errorCodeLock, err)
		}
		return fn(ctx, &Store{db: transaction})
	})
	if isLockFailure(err) {
		return wrapStoreError(errorSubjectUnit, errorCodeLockTimeout, fmt.Errorf("%w: %v", ledger.ErrLockTimeout, err))
	}
	return err
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) (ledger.Account, error) {
	model := Account{
		UserID:    account.UserID.String(),
		Status:    account.Status.String(),
		CreatedAt: account.CreatedAt.UTC(),
		UpdatedAt: account.UpdatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return store.GetAccount(ctx, account.UserID)
}

func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return store.loadAccount(store.db.WithContext(ctx), userID)
}

// LockAccounts takes FOR UPDATE row locks one account at a time, in the order given.
func (store *Store) LockAccounts(ctx context.Context, userIDs []ledger.UserID) (map[ledger.UserID]ledger.Account, error) {
	accounts := make(map[ledger.UserID]ledger.Account, len(userIDs))
	for _, userID := range userIDs {
		account, err := store.loadAccount(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), userID)
		if err != nil {
			return nil, err
		}
		accounts[userID] = account
	}
	return accounts, nil
}

// UpdateAccountBalances writes balances guarded by the version read under lock.
func (store *Store) UpdateAccountBalances(ctx context.Context, account ledger.Account) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ? AND version = ?", account.UserID.String(), account.Version).
		Updates(map[string]interface{}{
			"balance":        account.Balance.Int64(),
			"frozen_balance": account.FrozenBalance.Int64(),
			"version":        gorm.Expr("version + 1"),
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateBalances, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateBalances, fmt.Errorf("%w: version %d of %s moved", ledger.ErrLockTimeout, account.Version, account.UserID))
	}
	return nil
}

func (store *Store) UpdateAccountStatus(ctx context.Context, userID ledger.UserID, status ledger.AccountStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]interface{}{
			"status":     status.String(),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateStatus, ledger.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) (ledger.Transaction, error) {
	if transaction.TransactionNo.String() == "" {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, ledger.ErrInvalidTransactionNo)
	}
	model := toTransactionModel(transaction)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, err)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	inserted, err := mapTransaction(model)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return inserted, nil
}

// FinalizeTransaction moves a row out of the from status and stores its audit snapshot.
func (store *Store) FinalizeTransaction(ctx context.Context, transaction ledger.Transaction, from ledger.TransactionStatus) error {
	model := toTransactionModel(transaction)
	result := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("id = ? AND status = ?", transaction.ID.Int64(), from.String()).
		Updates(map[string]interface{}{
			"status":                      model.Status,
			"balance_before":              model.BalanceBefore,
			"balance_after":               model.BalanceAfter,
			"counterparty_balance_before": model.CounterpartyBalanceBefore,
			"counterparty_balance_after":  model.CounterpartyBalanceAfter,
			"auditor_id":                  model.AuditorID,
			"remark":                      model.Remark,
			"completed_at":                model.CompletedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeFinalize, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeFinalize, fmt.Errorf("%w: %s is no longer %s", ledger.ErrInvalidStateTransition, transaction.TransactionNo, from))
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID ledger.TransactionID, forUpdate bool) (ledger.Transaction, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return loadTransaction(query.Where("id = ?", transactionID.Int64()))
}

func (store *Store) GetTransactionByNo(ctx context.Context, transactionNo ledger.TransactionNo) (ledger.Transaction, error) {
	return loadTransaction(store.db.WithContext(ctx).Where("transaction_no = ?", transactionNo.String()))
}

// SumOpenFreezes nets completed FREEZE against UNFREEZE rows for one user and order.
func (store *Store) SumOpenFreezes(ctx context.Context, userID ledger.UserID, relatedOrderID string) (ledger.AmountCents, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Select("coalesce(sum(case when type = ? then amount_cents else -amount_cents end),0) as total", ledger.TransactionFreeze.String()).
		Where("to_user_id = ? AND related_order_id = ? AND status = ?", userID.String(), relatedOrderID, ledger.TransactionCompleted.String()).
		Where("type IN ?", []string{ledger.TransactionFreeze.String(), ledger.TransactionUnfreeze.String()}).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSumOpenFreezes, err)
	}
	if sum.Total < 0 {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, fmt.Errorf("%w: open freezes for %s are negative", ledger.ErrInvalidBalance, userID))
	}
	return ledger.AmountCents(sum.Total), nil
}

func (store *Store) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, int64, error) {
	query := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("(from_user_id = ? OR to_user_id = ?)", filter.UserID.String(), filter.UserID.String())
	if filter.Type != nil {
		query = query.Where("type = ?", filter.Type.String())
	}
	if filter.StartDate != nil {
		query = query.Where("created_at >= ?", filter.StartDate.UTC())
	}
	if filter.EndDate != nil {
		query = query.Where("created_at <= ?", filter.EndDate.UTC())
	}

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	var rows []Transaction
	err := query.Session(&gorm.Session{}).
		Order("created_at DESC").
		Order("id DESC").
		Offset(filter.Offset).
		Limit(filter.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, total, nil
}

func (store *Store) AggregateTransactions(ctx context.Context, userID ledger.UserID) ([]ledger.TransactionAggregate, error) {
	var rows []aggregateRow
	err := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Select(
			"type, count(*) as count, "+
				"coalesce(sum(case when to_user_id = ? then amount_cents else 0 end),0) as credited, "+
				"coalesce(sum(case when from_user_id = ? then amount_cents else 0 end),0) as debited",
			userID.String(), userID.String(),
		).
		Where("status = ?", ledger.TransactionCompleted.String()).
		Where("(from_user_id = ? OR to_user_id = ?)", userID.String(), userID.String()).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeAggregate, err)
	}
	aggregates := make([]ledger.TransactionAggregate, 0, len(rows))
	for _, row := range rows {
		transactionType, err := ledger.ParseTransactionType(row.Type)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		aggregates = append(aggregates, ledger.TransactionAggregate{
			Type:          transactionType,
			Count:         row.Count,
			CreditedCents: ledger.AmountCents(row.Credited),
			DebitedCents:  ledger.AmountCents(row.Debited),
		})
	}
	return aggregates, nil
}

func (store *Store) loadAccount(query *gorm.DB, userID ledger.UserID) (ledger.Account, error) {
	var model Account
	err := query.Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, userID))
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func loadTransaction(query *gorm.DB) (ledger.Transaction, error) {
	var model Transaction
	if err := query.Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrTransactionNotFound)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := mapTransaction(model)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func applyLockTimeout(ctx context.Context, transaction *gorm.DB) error {
	if transaction.Dialector.Name() != dialectPostgres {
		return nil
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	remaining := time.Until(deadline).Milliseconds()
	if remaining < minimumLockTimeoutMillis {
		remaining = minimumLockTimeoutMillis
	}
	return transaction.Exec(fmt.Sprintf("SET LOCAL lock_timeout = %d", remaining)).Error
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

type aggregateRow struct {
	Type     string
	Count    int64
	Credited int64
	Debited  int64
}

func toTransactionModel(transaction ledger.Transaction) Transaction {
	var fromUserID *string
	if transaction.FromUserID != nil {
		value := transaction.FromUserID.String()
		fromUserID = &value
	}
	var completedAt *time.Time
	if transaction.CompletedAt != nil {
		value := transaction.CompletedAt.UTC()
		completedAt = &value
	}
	createdAt := transaction.CreatedAt.UTC()
	if transaction.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return Transaction{
		ID:                        transaction.ID.Int64(),
		TransactionNo:             transaction.TransactionNo.String(),
		FromUserID:                fromUserID,
		ToUserID:                  transaction.ToUserID.String(),
		AmountCents:               transaction.Amount.Int64(),
		Type:                      transaction.Type.String(),
		RelatedOrderID:            transaction.RelatedOrderID,
		Description:               transaction.Description,
		Metadata:                  datatypesJSON(transaction.Metadata.String()),
		Status:                    transaction.Status.String(),
		BalanceBefore:             transaction.BalanceBefore.Int64(),
		BalanceAfter:              transaction.BalanceAfter.Int64(),
		CounterpartyBalanceBefore: optionalCents(transaction.CounterpartyBalanceBefore),
		CounterpartyBalanceAfter:  optionalCents(transaction.CounterpartyBalanceAfter),
		OperatorID:                transaction.OperatorID,
		AuditorID:                 transaction.AuditorID,
		Remark:                    transaction.Remark,
		CreatedAt:                 createdAt,
		CompletedAt:               completedAt,
	}
}

func mapAccount(model Account) (ledger.Account, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Account{}, err
	}
	balance, err := ledger.NewAmountCents(model.Balance)
	if err != nil {
		return ledger.Account{}, err
	}
	frozen, err := ledger.NewAmountCents(model.FrozenBalance)
	if err != nil {
		return ledger.Account{}, err
	}
	status, err := ledger.ParseAccountStatus(model.Status)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{
		UserID:        userID,
		Balance:       balance,
		FrozenBalance: frozen,
		Status:        status,
		Version:       model.Version,
		CreatedAt:     model.CreatedAt.UTC(),
		UpdatedAt:     model.UpdatedAt.UTC(),
	}, nil
}

func mapTransaction(model Transaction) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(model.ID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionNo, err := ledger.NewTransactionNo(model.TransactionNo)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var fromUserID *ledger.UserID
	if model.FromUserID != nil {
		parsed, err := ledger.NewUserID(*model.FromUserID)
		if err != nil {
			return ledger.Transaction{}, err
		}
		fromUserID = &parsed
	}
	toUserID, err := ledger.NewUserID(model.ToUserID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	amount, err := ledger.NewPositiveAmountCents(model.AmountCents)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(model.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	status, err := ledger.ParseTransactionStatus(model.Status)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	balanceBefore, err := ledger.NewAmountCents(model.BalanceBefore)
	if err != nil {
		return ledger.Transaction{}, err
	}
	balanceAfter, err := ledger.NewAmountCents(model.BalanceAfter)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var completedAt *time.Time
	if model.CompletedAt != nil {
		value := model.CompletedAt.UTC()
		completedAt = &value
	}
	return ledger.Transaction{
		ID:                        transactionID,
		TransactionNo:             transactionNo,
		FromUserID:                fromUserID,
		ToUserID:                  toUserID,
		Amount:                    amount,
		Type:                      transactionType,
		RelatedOrderID:            model.RelatedOrderID,
		Description:               model.Description,
		Metadata:                  metadata,
		Status:                    status,
		BalanceBefore:             balanceBefore,
		BalanceAfter:              balanceAfter,
		CounterpartyBalanceBefore: centsPointer(model.CounterpartyBalanceBefore),
		CounterpartyBalanceAfter:  centsPointer(model.CounterpartyBalanceAfter),
		OperatorID:                model.OperatorID,
		AuditorID:                 model.AuditorID,
		Remark:                    model.Remark,
		CreatedAt:                 model.CreatedAt.UTC(),
		CompletedAt:               completedAt,
	}, nil
}

func optionalCents(value *ledger.AmountCents) *int64 {
	if value == nil {
		return nil
	}
	raw := value.Int64()
	return &raw
}

func centsPointer(value *int64) *ledger.AmountCents {
	if value == nil {
		return nil
	}
	cents := ledger.AmountCents(*value)
	return &cents
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}
