package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"
)

func TestTransactionsPagesNewestFirst(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	user := store.seed(test, "user", 0, 0, AccountActive)
	clock := newManualClock()
	service := mustNewService(test, store, clock)
	for index := 1; index <= 5; index++ {
		if _, err := service.Transfer(context.Background(), TransferRequest{ToUserID: user, Amount: mustPositiveAmount(test, int64(index)), Type: TransactionReward}); err != nil {
			test.Fatalf("reward %d: %v", index, err)
		}
		clock.Advance(time.Minute)
	}

	page, err := service.Transactions(context.Background(), TransactionQuery{UserID: user, Page: 2, PerPage: 2})
	if err != nil {
		test.Fatalf("transactions: %v", err)
	}
	if page.Pagination.Total != 5 || page.Pagination.TotalPages != 3 || page.Pagination.Page != 2 {
		test.Fatalf("unexpected pagination %+v", page.Pagination)
	}
	if len(page.Transactions) != 2 || page.Transactions[0].Amount != 3 || page.Transactions[1].Amount != 2 {
		test.Fatalf("unexpected page contents %+v", page.Transactions)
	}

	defaults, err := service.Transactions(context.Background(), TransactionQuery{UserID: user})
	if err != nil {
		test.Fatalf("transactions defaults: %v", err)
	}
	if defaults.Pagination.Page != 1 || defaults.Pagination.PerPage != defaultPerPage || len(defaults.Transactions) != 5 {
		test.Fatalf("unexpected defaults %+v", defaults.Pagination)
	}
}

func TestTransactionsFilters(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	user := store.seed(test, "user", 100, 0, AccountActive)
	other := store.seed(test, "other", 0, 0, AccountActive)
	clock := newManualClock()
	service := mustNewService(test, store, clock)
	ctx := context.Background()
	start := clock.Now()

	if _, err := service.Transfer(ctx, TransferRequest{FromUserID: userPointer(user), ToUserID: other, Amount: mustPositiveAmount(test, 10), Type: TransactionPurchase}); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	clock.Advance(time.Hour)
	if _, err := service.Transfer(ctx, TransferRequest{ToUserID: user, Amount: mustPositiveAmount(test, 5), Type: TransactionReward}); err != nil {
		test.Fatalf("reward: %v", err)
	}

	purchaseType := TransactionPurchase
	byType, err := service.Transactions(ctx, TransactionQuery{UserID: user, Type: &purchaseType})
	if err != nil {
		test.Fatalf("by type: %v", err)
	}
	if len(byType.Transactions) != 1 || byType.Transactions[0].Type != TransactionPurchase {
		test.Fatalf("unexpected type filter result %+v", byType.Transactions)
	}

	end := start.Add(time.Minute)
	byDate, err := service.Transactions(ctx, TransactionQuery{UserID: user, StartDate: &start, EndDate: &end})
	if err != nil {
		test.Fatalf("by date: %v", err)
	}
	if len(byDate.Transactions) != 1 || byDate.Transactions[0].Type != TransactionPurchase {
		test.Fatalf("unexpected date filter result %+v", byDate.Transactions)
	}
}

func TestTransactionsRejectsInvalidQueries(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test), newManualClock())
	user := mustUserID(test, "user")
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	testCases := []struct {
		name     string
		query    TransactionQuery
		expected error
	}{
		{name: "missing user", query: TransactionQuery{}, expected: ErrInvalidUserID},
		{name: "negative page", query: TransactionQuery{UserID: user, Page: -1}, expected: ErrInvalidPagination},
		{name: "page beyond limit", query: TransactionQuery{UserID: user, Page: maxPage + 1}, expected: ErrInvalidPagination},
		{name: "overflowing page", query: TransactionQuery{UserID: user, Page: math.MaxInt}, expected: ErrInvalidPagination},
		{name: "per page too large", query: TransactionQuery{UserID: user, PerPage: maxPerPage + 1}, expected: ErrInvalidPagination},
		{name: "inverted range", query: TransactionQuery{UserID: user, StartDate: &start, EndDate: &end}, expected: ErrInvalidDateRange},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			_, err := service.Transactions(context.Background(), testCase.query)
			if !errors.Is(err, testCase.expected) {
				test.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestStatisticsSummarizesCompletedMovements(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	user := store.seed(test, "user", 0, 0, AccountActive)
	shop := store.seed(test, "shop", 0, 0, AccountActive)
	service := mustNewService(test, store, newManualClock(), WithTierResolver(staticTiers(map[string]Tier{"user": TierDirector})))
	ctx := context.Background()

	steps := []func() error{
		func() error {
			_, err := service.Recharge(ctx, user, mustPositiveAmount(test, 1000), "card", "", "")
			return err
		},
		func() error {
			_, err := service.Transfer(ctx, TransferRequest{FromUserID: userPointer(user), ToUserID: shop, Amount: mustPositiveAmount(test, 300), Type: TransactionPurchase})
			return err
		},
		func() error {
			_, err := service.Freeze(ctx, user, mustPositiveAmount(test, 100), "", "order")
			return err
		},
		func() error {
			result, err := service.Withdraw(ctx, user, mustPositiveAmount(test, 200), MetadataJSON{}, "")
			if err != nil {
				return err
			}
			_, err = service.AuditWithdrawal(ctx, result.TransactionID, true, "", "auditor")
			return err
		},
		func() error {
			_, err := service.Withdraw(ctx, user, mustPositiveAmount(test, 50), MetadataJSON{}, "")
			return err
		},
	}
	for index, step := range steps {
		if err := step(); err != nil {
			test.Fatalf("step %d: %v", index, err)
		}
	}

	statistics, err := service.Statistics(ctx, user)
	if err != nil {
		test.Fatalf("statistics: %v", err)
	}
	if statistics.LifetimeIn != 1000 || statistics.LifetimeOut != 500 {
		test.Fatalf("unexpected lifetime totals in=%d out=%d", statistics.LifetimeIn, statistics.LifetimeOut)
	}
	byType := map[TransactionType]TypeStatistics{}
	for _, entry := range statistics.ByType {
		byType[entry.Type] = entry
	}
	if freeze := byType[TransactionFreeze]; freeze.Count != 1 || freeze.AmountIn != 0 || freeze.AmountOut != 0 || freeze.Volume != 100 {
		test.Fatalf("unexpected freeze statistics %+v", freeze)
	}
	if withdraw := byType[TransactionWithdraw]; withdraw.Count != 1 || withdraw.AmountOut != 200 {
		test.Fatalf("pending withdrawal must not count, got %+v", withdraw)
	}
	if account := store.account(test, user); account.Balance != 500 || account.FrozenBalance != 150 {
		test.Fatalf("unexpected account %+v", account)
	}
}

func TestTransactionByNo(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	user := store.seed(test, "user", 0, 0, AccountActive)
	sequence := 0
	service := mustNewService(test, store, newManualClock(), WithTransactionNoGenerator(func(time.Time) TransactionNo {
		sequence++
		return TransactionNo{value: fmt.Sprintf("TXTEST%04d", sequence)}
	}))

	if _, err := service.Transfer(context.Background(), TransferRequest{ToUserID: user, Amount: mustPositiveAmount(test, 7), Type: TransactionCommission}); err != nil {
		test.Fatalf("commission: %v", err)
	}
	transactionNo, err := NewTransactionNo("TXTEST0001")
	if err != nil {
		test.Fatalf("transaction no: %v", err)
	}
	transaction, err := service.TransactionByNo(context.Background(), transactionNo)
	if err != nil {
		test.Fatalf("lookup: %v", err)
	}
	if transaction.Type != TransactionCommission || transaction.Amount != 7 {
		test.Fatalf("unexpected transaction %+v", transaction)
	}
	missing, _ := NewTransactionNo("TXMISSING")
	if _, err := service.TransactionByNo(context.Background(), missing); !errors.Is(err, ErrTransactionNotFound) {
		test.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}
