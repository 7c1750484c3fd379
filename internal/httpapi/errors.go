package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/pointsledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const internalErrorKind = "internal"

var errInvalidPayload = errors.New("expected JSON body")

// statusForKind maps a ledger error kind to an HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case "account_not_found", "transaction_not_found":
		return http.StatusNotFound
	case "permission_denied":
		return http.StatusForbidden
	case "duplicate_submission", "invalid_state_transition":
		return http.StatusConflict
	case "insufficient_balance", "account_inactive":
		return http.StatusUnprocessableEntity
	case "lock_timeout":
		return http.StatusServiceUnavailable
	case "self_transfer":
		return http.StatusBadRequest
	case internalErrorKind:
		return http.StatusInternalServerError
	}
	if strings.HasPrefix(kind, "invalid_") {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	kind := ledger.ErrorKind(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		handler.logger.Error("ledger request failed", zap.String("operation", operation), zap.Error(err))
		ctx.JSON(status, errorResponse(internalErrorKind, "internal error"))
		return
	}
	if ledger.IsRetryable(err) {
		ctx.Header("Retry-After", "1")
	}
	ctx.JSON(status, errorResponse(kind, err.Error()))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
