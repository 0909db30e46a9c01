package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/harvestchain/lending/internal/domain"
)

// ──────────────────────────────────────────────────────────────────────────────
// Standard response helpers
// ──────────────────────────────────────────────────────────────────────────────

// respondSuccess writes {"success": true, "data": data} with the given status.
func respondSuccess(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{
		"success": true,
		"data":    data,
	})
}

// respondError writes {"success": false, "error": msg, "code": code}.
func respondError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   msg,
		"code":    code,
	})
}

// respondList writes {"success": true, "data": items, "meta": {...}}.
func respondList(c *gin.Context, items interface{}, count, page, limit int) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    items,
		"meta": gin.H{
			"count": count,
			"page":  page,
			"limit": limit,
		},
	})
}

// ServiceErrorStatus maps a lending error to its HTTP status and error code.
// Unrecognised errors map to 500 ERR_INTERNAL.
func ServiceErrorStatus(err error) (int, string) {
	var se *domain.StepError
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, "ERR_VALIDATION"
	case errors.Is(err, domain.ErrInsufficientCollateral):
		return http.StatusUnprocessableEntity, "ERR_INSUFFICIENT_COLLATERAL"
	case errors.Is(err, domain.ErrInsufficientLiquidity):
		return http.StatusUnprocessableEntity, "ERR_INSUFFICIENT_LIQUIDITY"
	case domain.IsNotFound(err):
		return http.StatusNotFound, "ERR_NOT_FOUND"
	case errors.Is(err, domain.ErrBorrowerMismatch), errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "ERR_FORBIDDEN"
	case errors.Is(err, domain.ErrLoanAlreadyClosed):
		return http.StatusConflict, "ERR_LOAN_CLOSED"
	case errors.Is(err, domain.ErrLoanBusy):
		return http.StatusConflict, "ERR_LOAN_BUSY"
	case domain.IsConflict(err):
		return http.StatusConflict, "ERR_CONFLICT"
	case errors.As(err, &se):
		return http.StatusBadGateway, "ERR_STEP_" + strings.ToUpper(string(se.Step))
	case domain.IsExternal(err):
		return http.StatusBadGateway, "ERR_UPSTREAM"
	default:
		return http.StatusInternalServerError, "ERR_INTERNAL"
	}
}

// respondServiceError writes err with the status from ServiceErrorStatus.
// Internal errors are replaced by the fallback message.
func respondServiceError(c *gin.Context, err error, fallback string) {
	status, code := ServiceErrorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = fallback
	}
	respondError(c, status, code, msg)
}

// parsePagination reads ?page= and ?limit= with defaults 1 and 20, limit
// capped at 100.
func parsePagination(c *gin.Context) (page, limit int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}
