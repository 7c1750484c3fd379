package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// TransactionQuery selects one page of a user's transaction history.
type TransactionQuery struct {
	UserID    UserID
	Page      int
	PerPage   int
	Type      *TransactionType
	StartDate *time.Time
	EndDate   *time.Time
}

// Pagination describes the page returned by Transactions.
type Pagination struct {
	Page       int
	PerPage    int
	Total      int64
	TotalPages int64
}

// TransactionPage is a newest-first slice of transactions.
type TransactionPage struct {
	Transactions []Transaction
	Pagination   Pagination
}

// TypeStatistics aggregates completed transactions of one type.
// Escrow types move no value and only report Count and Volume.
type TypeStatistics struct {
	Type      TransactionType
	Count     int64
	AmountIn  AmountCents
	AmountOut AmountCents
	Volume    AmountCents
}

// Statistics is the lifetime summary of a user's completed transactions.
type Statistics struct {
	LifetimeIn  AmountCents
	LifetimeOut AmountCents
	ByType      []TypeStatistics
}

// Transactions returns the user's transactions where they are payer or payee, newest first.
func (service *Service) Transactions(ctx context.Context, query TransactionQuery) (TransactionPage, error) {
	if query.UserID.IsZero() {
		return TransactionPage{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	page := query.Page
	if page == 0 {
		page = 1
	}
	perPage := query.PerPage
	if perPage == 0 {
		perPage = defaultPerPage
	}
	if page < 1 || page > maxPage {
		return TransactionPage{}, fmt.Errorf("%w: page must be between 1 and %d", ErrInvalidPagination, maxPage)
	}
	if perPage < 1 || perPage > maxPerPage {
		return TransactionPage{}, fmt.Errorf("%w: per page must be between 1 and %d", ErrInvalidPagination, maxPerPage)
	}
	if query.StartDate != nil && query.EndDate != nil && query.StartDate.After(*query.EndDate) {
		return TransactionPage{}, fmt.Errorf("%w: start is after end", ErrInvalidDateRange)
	}

	transactions, total, err := service.store.ListTransactions(ctx, TransactionFilter{
		UserID:    query.UserID,
		Type:      query.Type,
		StartDate: query.StartDate,
		EndDate:   query.EndDate,
		Offset:    (page - 1) * perPage,
		Limit:     perPage,
	})
	if err != nil {
		return TransactionPage{}, err
	}
	totalPages := total / int64(perPage)
	if total%int64(perPage) != 0 {
		totalPages++
	}
	return TransactionPage{
		Transactions: transactions,
		Pagination: Pagination{
			Page:       page,
			PerPage:    perPage,
			Total:      total,
			TotalPages: totalPages,
		},
	}, nil
}

// Statistics summarizes completed transactions for the user. An account with no
// history yields zero totals.
func (service *Service) Statistics(ctx context.Context, userID UserID) (Statistics, error) {
	if userID.IsZero() {
		return Statistics{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	aggregates, err := service.store.AggregateTransactions(ctx, userID)
	if err != nil {
		return Statistics{}, err
	}
	statistics := Statistics{ByType: make([]TypeStatistics, 0, len(aggregates))}
	for _, aggregate := range aggregates {
		entry := TypeStatistics{
			Type:   aggregate.Type,
			Count:  aggregate.Count,
			Volume: aggregate.CreditedCents + aggregate.DebitedCents,
		}
		switch aggregate.Type {
		case TransactionFreeze, TransactionUnfreeze:
		case TransactionWithdraw:
			entry.AmountOut = aggregate.CreditedCents
		default:
			entry.AmountIn = aggregate.CreditedCents
			entry.AmountOut = aggregate.DebitedCents
		}
		statistics.LifetimeIn += entry.AmountIn
		statistics.LifetimeOut += entry.AmountOut
		statistics.ByType = append(statistics.ByType, entry)
	}
	sort.Slice(statistics.ByType, func(left, right int) bool {
		return statistics.ByType[left].Type < statistics.ByType[right].Type
	})
	return statistics, nil
}

// TransactionByNo looks up a transaction by its public number.
func (service *Service) TransactionByNo(ctx context.Context, transactionNo TransactionNo) (Transaction, error) {
	if transactionNo.String() == "" {
		return Transaction{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionNo)
	}
	return service.store.GetTransactionByNo(ctx, transactionNo)
}
