package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/pointsledger/pkg/ledger"
	"github.com/gin-gonic/gin"
)

// Session users may only pay or transfer; the remaining transferable types are issued by operators.
var memberTransferTypes = map[ledger.TransactionType]bool{
	ledger.TransactionPurchase: true,
	ledger.TransactionTransfer: true,
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.service.Balance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "balance", err)
		return
	}
	ctx.JSON(http.StatusOK, newBalancePayload(userID, balance))
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	query, err := parseTransactionQuery(ctx, userID)
	if err != nil {
		handler.respondError(ctx, "transactions", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	page, err := handler.service.Transactions(requestCtx, query)
	if err != nil {
		handler.respondError(ctx, "transactions", err)
		return
	}
	items := make([]transactionPayload, 0, len(page.Transactions))
	for _, transaction := range page.Transactions {
		items = append(items, newTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transactions": items,
		"pagination": paginationPayload{
			Page:       page.Pagination.Page,
			PerPage:    page.Pagination.PerPage,
			Total:      page.Pagination.Total,
			TotalPages: page.Pagination.TotalPages,
		},
	})
}

func (handler *httpHandler) handleStatistics(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	statistics, err := handler.service.Statistics(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "statistics", err)
		return
	}
	ctx.JSON(http.StatusOK, newStatisticsPayload(statistics))
}

func (handler *httpHandler) handleTransfer(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request transferRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", errInvalidPayload.Error()))
		return
	}
	request.FromUserID = userID.String()
	if strings.TrimSpace(request.Type) == "" {
		request.Type = ledger.TransactionTransfer.String()
	}
	ledgerRequest, err := request.toLedger(nil)
	if err != nil {
		handler.respondError(ctx, "transfer", err)
		return
	}
	if !memberTransferTypes[ledgerRequest.Type] {
		handler.respondError(ctx, "transfer", fmt.Errorf("%w: %s requires an operator", ledger.ErrPermissionDenied, ledgerRequest.Type))
		return
	}
	handler.executeTransfer(ctx, ledgerRequest)
}

func (handler *httpHandler) handleWithdraw(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request withdrawRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", errInvalidPayload.Error()))
		return
	}
	amount, err := ledger.NewAmountFromDecimal(request.Amount)
	if err != nil {
		handler.respondError(ctx, "withdraw", err)
		return
	}
	withdrawalInfo, err := ledger.MetadataFromMap(request.WithdrawalInfo)
	if err != nil {
		handler.respondError(ctx, "withdraw", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.Withdraw(requestCtx, userID, amount, withdrawalInfo, request.Description)
	if err != nil {
		handler.respondError(ctx, "withdraw", err)
		return
	}
	ctx.JSON(http.StatusAccepted, newResultPayload(result))
}

func (handler *httpHandler) handleOpenAccount(ctx *gin.Context) {
	var request accountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", errInvalidPayload.Error()))
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, "open_account", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.service.OpenAccount(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "open_account", err)
		return
	}
	ctx.JSON(http.StatusOK, newAccountPayload(account))
}

func (handler *httpHandler) handleSetAccountStatus(ctx *gin.Context) {
	var request accountStatusRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", errInvalidPayload.Error()))
		return
	}
	userID, err := ledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		handler.respondError(ctx, "set_account_status", err)
		return
	}
	status, err := ledger.ParseAccountStatus(request.Status)
	if err != nil {
		handler.respondError(ctx, "set_account_status", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.service.SetAccountStatus(requestCtx, userID, status); err != nil {
		handler.respondError(ctx, "set_account_status", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "status": status.String()})
}

func (handler *httpHandler) handleAdminTransfer(ctx *gin.Context) {
	var request transferRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", errInvalidPayload.Error()))
		return
	}
	ledgerRequest, err := request.toLedger(nil)
	if err != nil {
		handler.respondError(ctx, "transfer", err)
		return
	}
	handler.executeTransfer(ctx, ledgerRequest)
}

func (handler *httpHandler) executeTransfer(ctx *gin.Context, request ledger.TransferRequest) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.Transfer(requestCtx, request)
	if err != nil {
		handler.respondError(ctx, "transfer", err)
		return
	}
	ctx.JSON(http.StatusOK, newResultPayload(result))
}

func (handler *httpHandler) handleBatchTransfer(ctx *gin.Context) {
	var request batchTransferRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", errInvalidPayload.Error()))
		return
	}
	transactionType, err := ledger.ParseTransactionType(request.Type)
	if err != nil {
		handler.respondError(ctx, "batch_transfer", err)
		return
	}
	payloads := make([]batchEntryPayload, len(request.Entries))
	entries := make([]ledger.BatchTransferEntry, 0, len(request.Entries))
	entryIndexes := make([]int, 0, len(request.Entries))
	for index, entryRequest := range request.Entries {
		ledgerRequest, entryErr := entryRequest.toLedger(&transactionType)
		if entryErr != nil {
			payloads[index] = batchEntryPayload{Index: index, Error: batchError(entryErr)}
			continue
		}
		entries = append(entries, ledger.BatchTransferEntry{
			FromUserID:     ledgerRequest.FromUserID,
			ToUserID:       ledgerRequest.ToUserID,
			Amount:         ledgerRequest.Amount,
			Description:    ledgerRequest.Description,
			RelatedOrderID: ledgerRequest.RelatedOrderID,
			Metadata:       ledgerRequest.Metadata,
			IdempotencyKey: ledgerRequest.IdempotencyKey,
		})
		entryIndexes = append(entryIndexes, index)
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	results, err := handler.service.BatchTransfer(requestCtx, entries, transactionType)
	if err != nil {
		handler.respondError(ctx, "batch_transfer", err)
		return
	}
	for _, entryResult := range results {
		index := entryIndexes[entryResult.Index]
		if entryResult.Err != nil {
			payloads[index] = batchEntryPayload{Index: index, Error: batchError(entryResult.Err)}
			continue
		}
		result := newResultPayload(entryResult.Result)
		payloads[index] = batchEntryPayload{Index: index, Result: &result}
	}
	ctx.JSON(http.StatusOK, gin.H{"results": payloads})
}

func (handler *httpHandler) handleFreeze(ctx *gin.Context) {
	handler.handleEscrow(ctx, "freeze", handler.service.Freeze)
}

func (handler *httpHandler) handleUnfreeze(ctx *gin.Context) {
	handler.handleEscrow(ctx, "unfreeze", handler.service.Unfreeze)
}

type escrowOperation func(ctx context.Context, userID ledger.UserID, amount ledger.PositiveAmountCents, reason string, relatedOrderID string) (ledger.TransactionNo, error)

func (handler *httpHandler) handleEscrow(ctx *gin.Context, operation string, apply escrowOperation) {
	var request escrowRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", errInvalidPayload.Error()))
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, operation, err)
		return
	}
	amount, err := ledger.NewAmountFromDecimal(request.Amount)
	if err != nil {
		handler.respondError(ctx, operation, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transactionNo, err := apply(requestCtx, userID, amount, request.Reason, request.RelatedOrderID)
	if err != nil {
		handler.respondError(ctx, operation, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction_no": transactionNo.String()})
}

func (handler *httpHandler) handleRecharge(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request rechargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", errInvalidPayload.Error()))
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, "recharge", err)
		return
	}
	amount, err := ledger.NewAmountFromDecimal(request.Amount)
	if err != nil {
		handler.respondError(ctx, "recharge", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.Recharge(requestCtx, userID, amount, request.PaymentMethod, request.Description, claims.GetUserID())
	if err != nil {
		handler.respondError(ctx, "recharge", err)
		return
	}
	ctx.JSON(http.StatusOK, newResultPayload(result))
}

func (handler *httpHandler) handleAuditWithdrawal(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request auditRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.Approved == nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "approved is required"))
		return
	}
	rawID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		handler.respondError(ctx, "audit_withdrawal", fmt.Errorf("%w: %q", ledger.ErrInvalidTransactionID, ctx.Param("id")))
		return
	}
	transactionID, err := ledger.NewTransactionID(rawID)
	if err != nil {
		handler.respondError(ctx, "audit_withdrawal", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.AuditWithdrawal(requestCtx, transactionID, *request.Approved, request.Remark, claims.GetUserID())
	if err != nil {
		handler.respondError(ctx, "audit_withdrawal", err)
		return
	}
	ctx.JSON(http.StatusOK, newResultPayload(result))
}

func (handler *httpHandler) handleTransactionByNo(ctx *gin.Context) {
	transactionNo, err := ledger.NewTransactionNo(ctx.Param("no"))
	if err != nil {
		handler.respondError(ctx, "transaction_by_no", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transaction, err := handler.service.TransactionByNo(requestCtx, transactionNo)
	if err != nil {
		handler.respondError(ctx, "transaction_by_no", err)
		return
	}
	ctx.JSON(http.StatusOK, newTransactionPayload(transaction))
}

// toLedger validates the wire request. A non-nil forcedType overrides request.Type.
func (request transferRequest) toLedger(forcedType *ledger.TransactionType) (ledger.TransferRequest, error) {
	var fromUserID *ledger.UserID
	if strings.TrimSpace(request.FromUserID) != "" {
		parsed, err := ledger.NewUserID(request.FromUserID)
		if err != nil {
			return ledger.TransferRequest{}, err
		}
		fromUserID = &parsed
	}
	toUserID, err := ledger.NewUserID(request.ToUserID)
	if err != nil {
		return ledger.TransferRequest{}, err
	}
	amount, err := ledger.NewAmountFromDecimal(request.Amount)
	if err != nil {
		return ledger.TransferRequest{}, err
	}
	var transactionType ledger.TransactionType
	if forcedType != nil {
		transactionType = *forcedType
	} else {
		transactionType, err = ledger.ParseTransactionType(request.Type)
		if err != nil {
			return ledger.TransferRequest{}, err
		}
	}
	metadata, err := ledger.MetadataFromMap(request.Metadata)
	if err != nil {
		return ledger.TransferRequest{}, err
	}
	return ledger.TransferRequest{
		FromUserID:     fromUserID,
		ToUserID:       toUserID,
		Amount:         amount,
		Type:           transactionType,
		Description:    request.Description,
		RelatedOrderID: request.RelatedOrderID,
		Metadata:       metadata,
		IdempotencyKey: ledger.NewIdempotencyKey(request.IdempotencyKey),
	}, nil
}

func parseTransactionQuery(ctx *gin.Context, userID ledger.UserID) (ledger.TransactionQuery, error) {
	query := ledger.TransactionQuery{UserID: userID}
	if raw := ctx.Query("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil {
			return ledger.TransactionQuery{}, fmt.Errorf("%w: page %q", ledger.ErrInvalidPagination, raw)
		}
		query.Page = page
	}
	if raw := ctx.Query("per_page"); raw != "" {
		perPage, err := strconv.Atoi(raw)
		if err != nil {
			return ledger.TransactionQuery{}, fmt.Errorf("%w: per_page %q", ledger.ErrInvalidPagination, raw)
		}
		query.PerPage = perPage
	}
	if raw := ctx.Query("type"); raw != "" {
		transactionType, err := ledger.ParseTransactionType(raw)
		if err != nil {
			return ledger.TransactionQuery{}, err
		}
		query.Type = &transactionType
	}
	startDate, err := parseOptionalTime(ctx.Query("start_date"))
	if err != nil {
		return ledger.TransactionQuery{}, err
	}
	endDate, err := parseOptionalTime(ctx.Query("end_date"))
	if err != nil {
		return ledger.TransactionQuery{}, err
	}
	query.StartDate = startDate
	query.EndDate = endDate
	return query, nil
}

func parseOptionalTime(raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not RFC3339", ledger.ErrInvalidDateRange, raw)
	}
	return &parsed, nil
}

func batchError(err error) map[string]any {
	kind := ledger.ErrorKind(err)
	message := err.Error()
	if kind == internalErrorKind {
		message = "internal error"
	}
	return map[string]any{"code": kind, "message": message}
}
