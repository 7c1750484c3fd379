// Package httpapi exposes the ledger service over HTTP behind a tauth session.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/pointsledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey      = "auth_claims"
	defaultAdminRole      = "ledger_admin"
	defaultRequestTimeout = 10 * time.Second
)

var errMissingSession = errors.New("missing session")

// LedgerService is the part of ledger.Service the HTTP layer calls.
type LedgerService interface {
	Balance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error)
	OpenAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error)
	SetAccountStatus(ctx context.Context, userID ledger.UserID, status ledger.AccountStatus) error
	Transfer(ctx context.Context, request ledger.TransferRequest) (ledger.TransactionResult, error)
	BatchTransfer(ctx context.Context, entries []ledger.BatchTransferEntry, transactionType ledger.TransactionType) ([]ledger.BatchTransferResult, error)
	Freeze(ctx context.Context, userID ledger.UserID, amount ledger.PositiveAmountCents, reason string, relatedOrderID string) (ledger.TransactionNo, error)
	Unfreeze(ctx context.Context, userID ledger.UserID, amount ledger.PositiveAmountCents, reason string, relatedOrderID string) (ledger.TransactionNo, error)
	Recharge(ctx context.Context, userID ledger.UserID, amount ledger.PositiveAmountCents, paymentMethod string, description string, operatorID string) (ledger.TransactionResult, error)
	Withdraw(ctx context.Context, userID ledger.UserID, amount ledger.PositiveAmountCents, withdrawalInfo ledger.MetadataJSON, description string) (ledger.TransactionResult, error)
	AuditWithdrawal(ctx context.Context, transactionID ledger.TransactionID, approved bool, remark string, auditorID string) (ledger.TransactionResult, error)
	Transactions(ctx context.Context, query ledger.TransactionQuery) (ledger.TransactionPage, error)
	Statistics(ctx context.Context, userID ledger.UserID) (ledger.Statistics, error)
	TransactionByNo(ctx context.Context, transactionNo ledger.TransactionNo) (ledger.Transaction, error)
}

// Config holds the HTTP adapter settings.
type Config struct {
	AllowedOrigins []string
	AdminRole      string
	RequestTimeout time.Duration
}

// NewRouter builds the gin engine. metricsHandler may be nil. Callers choose the gin mode.
func NewRouter(cfg Config, service LedgerService, validator *sessionvalidator.Validator, logger *zap.Logger, metricsHandler http.Handler) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.AdminRole) == "" {
		cfg.AdminRole = defaultAdminRole
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	handler := &httpHandler{logger: logger, service: service, cfg: cfg}

	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.GET("/balance", handler.handleBalance)
	api.GET("/transactions", handler.handleTransactions)
	api.GET("/statistics", handler.handleStatistics)
	api.POST("/transfers", handler.handleTransfer)
	api.POST("/withdrawals", handler.handleWithdraw)

	admin := api.Group("/admin")
	admin.Use(handler.requireAdmin)
	admin.POST("/accounts", handler.handleOpenAccount)
	admin.POST("/accounts/:user_id/status", handler.handleSetAccountStatus)
	admin.POST("/transfers", handler.handleAdminTransfer)
	admin.POST("/batch-transfers", handler.handleBatchTransfer)
	admin.POST("/freezes", handler.handleFreeze)
	admin.POST("/unfreezes", handler.handleUnfreeze)
	admin.POST("/recharges", handler.handleRecharge)
	admin.POST("/withdrawals/:id/audit", handler.handleAuditWithdrawal)
	admin.GET("/transactions/:no", handler.handleTransactionByNo)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service LedgerService
	cfg     Config
}

func (handler *httpHandler) requireAdmin(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", errMissingSession.Error()))
		return
	}
	if !slices.Contains(claims.GetUserRoles(), handler.cfg.AdminRole) {
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("permission_denied", "admin role required"))
		return
	}
	ctx.Next()
}

// sessionUser resolves the caller's user id or writes a 401.
func (handler *httpHandler) sessionUser(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", errMissingSession.Error()))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user id"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
