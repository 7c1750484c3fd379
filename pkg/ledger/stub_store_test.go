package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

type stubState struct {
	accounts     map[UserID]Account
	transactions []Transaction
}

func (state stubState) clone() stubState {
	accounts := make(map[UserID]Account, len(state.accounts))
	for userID, account := range state.accounts {
		accounts[userID] = account
	}
	transactions := make([]Transaction, len(state.transactions))
	copy(transactions, state.transactions)
	return stubState{accounts: accounts, transactions: transactions}
}

// stubStore serializes units behind one mutex and restores a snapshot when a unit fails.
type stubStore struct {
	mutex     sync.Mutex
	state     stubState
	insertErr error
	lockCalls [][]UserID
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{state: stubState{accounts: make(map[UserID]Account)}}
}

func (store *stubStore) seed(test *testing.T, rawUserID string, balance int64, frozen int64, status AccountStatus) UserID {
	test.Helper()
	userID := mustUserID(test, rawUserID)
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.state.accounts[userID] = Account{
		UserID:        userID,
		Balance:       mustAmountCents(test, balance),
		FrozenBalance: mustAmountCents(test, frozen),
		Status:        status,
	}
	return userID
}

func (store *stubStore) account(test *testing.T, userID UserID) Account {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, ok := store.state.accounts[userID]
	if !ok {
		test.Fatalf("account %s not seeded", userID)
	}
	return account
}

func (store *stubStore) transactionsOfType(transactionType TransactionType) []Transaction {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var matching []Transaction
	for _, transaction := range store.state.transactions {
		if transaction.Type == transactionType {
			matching = append(matching, transaction)
		}
	}
	return matching
}

// lockOrders returns the user id lists passed to LockAccounts, one per call.
func (store *stubStore) lockOrders() [][]UserID {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	orders := make([][]UserID, len(store.lockCalls))
	copy(orders, store.lockCalls)
	return orders
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	snapshot := store.state.clone()
	if err := fn(ctx, &stubTx{store: store}); err != nil {
		store.state = snapshot
		return err
	}
	return nil
}

func (store *stubStore) locked(fn func(txStore *stubTx) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return fn(&stubTx{store: store})
}

func (store *stubStore) CreateAccount(ctx context.Context, account Account) (Account, error) {
	var created Account
	err := store.locked(func(txStore *stubTx) error {
		var err error
		created, err = txStore.CreateAccount(ctx, account)
		return err
	})
	return created, err
}

func (store *stubStore) GetAccount(ctx context.Context, userID UserID) (Account, error) {
	var account Account
	err := store.locked(func(txStore *stubTx) error {
		var err error
		account, err = txStore.GetAccount(ctx, userID)
		return err
	})
	return account, err
}

func (store *stubStore) LockAccounts(ctx context.Context, userIDs []UserID) (map[UserID]Account, error) {
	return nil, fmt.Errorf("LockAccounts called outside a unit")
}

func (store *stubStore) UpdateAccountBalances(ctx context.Context, account Account) error {
	return fmt.Errorf("UpdateAccountBalances called outside a unit")
}

func (store *stubStore) UpdateAccountStatus(ctx context.Context, userID UserID, status AccountStatus) error {
	return fmt.Errorf("UpdateAccountStatus called outside a unit")
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error) {
	return Transaction{}, fmt.Errorf("InsertTransaction called outside a unit")
}

func (store *stubStore) FinalizeTransaction(ctx context.Context, transaction Transaction, from TransactionStatus) error {
	return fmt.Errorf("FinalizeTransaction called outside a unit")
}

func (store *stubStore) GetTransaction(ctx context.Context, transactionID TransactionID, forUpdate bool) (Transaction, error) {
	var transaction Transaction
	err := store.locked(func(txStore *stubTx) error {
		var err error
		transaction, err = txStore.GetTransaction(ctx, transactionID, forUpdate)
		return err
	})
	return transaction, err
}

func (store *stubStore) GetTransactionByNo(ctx context.Context, transactionNo TransactionNo) (Transaction, error) {
	var transaction Transaction
	err := store.locked(func(txStore *stubTx) error {
		var err error
		transaction, err = txStore.GetTransactionByNo(ctx, transactionNo)
		return err
	})
	return transaction, err
}

func (store *stubStore) SumOpenFreezes(ctx context.Context, userID UserID, relatedOrderID string) (AmountCents, error) {
	var sum AmountCents
	err := store.locked(func(txStore *stubTx) error {
		var err error
		sum, err = txStore.SumOpenFreezes(ctx, userID, relatedOrderID)
		return err
	})
	return sum, err
}

func (store *stubStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, int64, error) {
	var (
		transactions []Transaction
		total        int64
	)
	err := store.locked(func(txStore *stubTx) error {
		var err error
		transactions, total, err = txStore.ListTransactions(ctx, filter)
		return err
	})
	return transactions, total, err
}

func (store *stubStore) AggregateTransactions(ctx context.Context, userID UserID) ([]TransactionAggregate, error) {
	var aggregates []TransactionAggregate
	err := store.locked(func(txStore *stubTx) error {
		var err error
		aggregates, err = txStore.AggregateTransactions(ctx, userID)
		return err
	})
	return aggregates, err
}

// stubTx operates on the state while the parent mutex is held.
type stubTx struct {
	store *stubStore
}

func (txStore *stubTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, txStore)
}

func (txStore *stubTx) CreateAccount(_ context.Context, account Account) (Account, error) {
	if existing, ok := txStore.store.state.accounts[account.UserID]; ok {
		return existing, nil
	}
	txStore.store.state.accounts[account.UserID] = account
	return account, nil
}

func (txStore *stubTx) GetAccount(_ context.Context, userID UserID) (Account, error) {
	account, ok := txStore.store.state.accounts[userID]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
	}
	return account, nil
}

func (txStore *stubTx) LockAccounts(ctx context.Context, userIDs []UserID) (map[UserID]Account, error) {
	txStore.store.lockCalls = append(txStore.store.lockCalls, append([]UserID(nil), userIDs...))
	accounts := make(map[UserID]Account, len(userIDs))
	for _, userID := range userIDs {
		account, err := txStore.GetAccount(ctx, userID)
		if err != nil {
			return nil, err
		}
		accounts[userID] = account
	}
	return accounts, nil
}

func (txStore *stubTx) UpdateAccountBalances(_ context.Context, account Account) error {
	stored, ok := txStore.store.state.accounts[account.UserID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, account.UserID)
	}
	if stored.Version != account.Version {
		return fmt.Errorf("%w: version moved", ErrLockTimeout)
	}
	if account.Balance < 0 || account.FrozenBalance < 0 || account.FrozenBalance > account.Balance {
		return fmt.Errorf("%w: stub invariant violated", ErrInvalidBalance)
	}
	stored.Balance = account.Balance
	stored.FrozenBalance = account.FrozenBalance
	stored.Version++
	txStore.store.state.accounts[account.UserID] = stored
	return nil
}

func (txStore *stubTx) UpdateAccountStatus(_ context.Context, userID UserID, status AccountStatus) error {
	stored, ok := txStore.store.state.accounts[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
	}
	stored.Status = status
	stored.Version++
	txStore.store.state.accounts[userID] = stored
	return nil
}

func (txStore *stubTx) InsertTransaction(_ context.Context, transaction Transaction) (Transaction, error) {
	if txStore.store.insertErr != nil {
		return Transaction{}, txStore.store.insertErr
	}
	for _, existing := range txStore.store.state.transactions {
		if existing.TransactionNo == transaction.TransactionNo {
			return Transaction{}, fmt.Errorf("duplicate transaction number %s", transaction.TransactionNo)
		}
	}
	transaction.ID = TransactionID{value: int64(len(txStore.store.state.transactions) + 1)}
	txStore.store.state.transactions = append(txStore.store.state.transactions, transaction)
	return transaction, nil
}

func (txStore *stubTx) FinalizeTransaction(_ context.Context, transaction Transaction, from TransactionStatus) error {
	index := int(transaction.ID.Int64()) - 1
	if index < 0 || index >= len(txStore.store.state.transactions) {
		return ErrTransactionNotFound
	}
	if txStore.store.state.transactions[index].Status != from {
		return fmt.Errorf("%w: stored status differs", ErrInvalidStateTransition)
	}
	txStore.store.state.transactions[index] = transaction
	return nil
}

func (txStore *stubTx) GetTransaction(_ context.Context, transactionID TransactionID, _ bool) (Transaction, error) {
	index := int(transactionID.Int64()) - 1
	if index < 0 || index >= len(txStore.store.state.transactions) {
		return Transaction{}, ErrTransactionNotFound
	}
	return txStore.store.state.transactions[index], nil
}

func (txStore *stubTx) GetTransactionByNo(_ context.Context, transactionNo TransactionNo) (Transaction, error) {
	for _, transaction := range txStore.store.state.transactions {
		if transaction.TransactionNo == transactionNo {
			return transaction, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (txStore *stubTx) SumOpenFreezes(_ context.Context, userID UserID, relatedOrderID string) (AmountCents, error) {
	var sum AmountCents
	for _, transaction := range txStore.store.state.transactions {
		if transaction.ToUserID != userID || transaction.RelatedOrderID != relatedOrderID || transaction.Status != TransactionCompleted {
			continue
		}
		switch transaction.Type {
		case TransactionFreeze:
			sum += transaction.Amount.ToAmountCents()
		case TransactionUnfreeze:
			sum -= transaction.Amount.ToAmountCents()
		}
	}
	return sum, nil
}

func (txStore *stubTx) ListTransactions(_ context.Context, filter TransactionFilter) ([]Transaction, int64, error) {
	var matching []Transaction
	for _, transaction := range txStore.store.state.transactions {
		involved := transaction.ToUserID == filter.UserID || (transaction.FromUserID != nil && *transaction.FromUserID == filter.UserID)
		if !involved {
			continue
		}
		if filter.Type != nil && transaction.Type != *filter.Type {
			continue
		}
		if filter.StartDate != nil && transaction.CreatedAt.Before(*filter.StartDate) {
			continue
		}
		if filter.EndDate != nil && transaction.CreatedAt.After(*filter.EndDate) {
			continue
		}
		matching = append(matching, transaction)
	}
	sort.SliceStable(matching, func(left, right int) bool {
		if !matching[left].CreatedAt.Equal(matching[right].CreatedAt) {
			return matching[left].CreatedAt.After(matching[right].CreatedAt)
		}
		return matching[left].ID.Int64() > matching[right].ID.Int64()
	})
	total := int64(len(matching))
	if filter.Offset >= len(matching) {
		return []Transaction{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(matching) {
		end = len(matching)
	}
	return matching[filter.Offset:end], total, nil
}

func (txStore *stubTx) AggregateTransactions(_ context.Context, userID UserID) ([]TransactionAggregate, error) {
	byType := map[TransactionType]*TransactionAggregate{}
	for _, transaction := range txStore.store.state.transactions {
		if transaction.Status != TransactionCompleted {
			continue
		}
		credited := transaction.ToUserID == userID
		debited := transaction.FromUserID != nil && *transaction.FromUserID == userID
		if !credited && !debited {
			continue
		}
		aggregate, ok := byType[transaction.Type]
		if !ok {
			aggregate = &TransactionAggregate{Type: transaction.Type}
			byType[transaction.Type] = aggregate
		}
		aggregate.Count++
		if credited {
			aggregate.CreditedCents += transaction.Amount.ToAmountCents()
		}
		if debited {
			aggregate.DebitedCents += transaction.Amount.ToAmountCents()
		}
	}
	aggregates := make([]TransactionAggregate, 0, len(byType))
	for _, aggregate := range byType {
		aggregates = append(aggregates, *aggregate)
	}
	return aggregates, nil
}

type manualClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (clock *manualClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *manualClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.Add(duration)
}

func staticTiers(tiers map[string]Tier) TierResolver {
	return TierResolverFunc(func(_ context.Context, userID UserID) (Tier, error) {
		tier, ok := tiers[userID.String()]
		if !ok {
			return TierMember, nil
		}
		return tier, nil
	})
}

func mustNewService(test *testing.T, store Store, clock *manualClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmountCents {
	test.Helper()
	value, err := NewPositiveAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

func mustAmountCents(test *testing.T, raw int64) AmountCents {
	test.Helper()
	value, err := NewAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

func userPointer(userID UserID) *UserID {
	return &userID
}
