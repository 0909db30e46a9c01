package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/harvestchain/lending/internal/api/middleware"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/harvestchain/lending/internal/service"
)

// LoanHandler serves the borrower loan endpoints.
type LoanHandler struct {
	origination *service.OriginationService
	repayment   *service.RepaymentService
	query       *service.LoanQueryService
}

// NewLoanHandler creates a LoanHandler.
func NewLoanHandler(
	origination *service.OriginationService,
	repayment *service.RepaymentService,
	query *service.LoanQueryService,
) *LoanHandler {
	return &LoanHandler{origination: origination, repayment: repayment, query: query}
}

// Originate godoc
// POST /api/loans [JWT]
// Body: {"asset_address":"0x…","loan_amount":"1000.00","collateral_token_id":"GROVE-ETH-001","collateral_amount":"150"}
//
// The borrower is the token subject. Only operators may pin a price; a
// borrower's request is always priced by the oracle.
func (h *LoanHandler) Originate(c *gin.Context) {
	var body domain.OriginateLoanRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}
	body.BorrowerAccount = middleware.GetAccount(c)
	if !middleware.GetRole(c).IsOperator() {
		body.Price = nil
	}

	loan, err := h.origination.OriginateLoan(c.Request.Context(), body)
	if err != nil {
		respondServiceError(c, err, "could not originate loan")
		return
	}
	respondSuccess(c, http.StatusCreated, loan)
}

// ListMine godoc
// GET /api/loans?page=1&limit=20 [JWT]
func (h *LoanHandler) ListMine(c *gin.Context) {
	page, limit := parsePagination(c)
	loans, err := h.query.ListBorrowerLoans(c.Request.Context(), middleware.GetAccount(c), limit, (page-1)*limit)
	if err != nil {
		respondServiceError(c, err, "could not fetch loans")
		return
	}
	if loans == nil {
		loans = []*domain.Loan{}
	}
	respondList(c, loans, len(loans), page, limit)
}

// GetLoan godoc
// GET /api/loans/:id [JWT]
func (h *LoanHandler) GetLoan(c *gin.Context) {
	id, ok := h.ownedLoanID(c)
	if !ok {
		return
	}
	d, err := h.query.GetLoanDetail(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err, "could not fetch loan")
		return
	}
	respondSuccess(c, http.StatusOK, d)
}

// ListPayments godoc
// GET /api/loans/:id/payments [JWT]
func (h *LoanHandler) ListPayments(c *gin.Context) {
	id, ok := h.ownedLoanID(c)
	if !ok {
		return
	}
	payments, err := h.query.ListPayments(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err, "could not fetch payments")
		return
	}
	if payments == nil {
		payments = []*domain.Payment{}
	}
	respondSuccess(c, http.StatusOK, payments)
}

// HealthHistory godoc
// GET /api/loans/:id/health?limit=100 [JWT]
func (h *LoanHandler) HealthHistory(c *gin.Context) {
	id, ok := h.ownedLoanID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	history, err := h.query.HealthHistory(c.Request.Context(), id, limit)
	if err != nil {
		respondServiceError(c, err, "could not fetch health history")
		return
	}
	if history == nil {
		history = []*domain.HealthRecord{}
	}
	respondSuccess(c, http.StatusOK, history)
}

// Repay godoc
// POST /api/loans/:id/repayments [JWT]
// Body: {"amount":"600.00"}
func (h *LoanHandler) Repay(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_LOAN_ID", "invalid loan id")
		return
	}
	var body struct {
		Amount domain.Cents `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	payment, err := h.repayment.ProcessRepayment(c.Request.Context(), domain.RepaymentRequest{
		LoanID:          id,
		BorrowerAccount: middleware.GetAccount(c),
		Amount:          body.Amount,
	})
	if err != nil {
		// A payment that was received but could not close the loan is still
		// reported; the loan is finished by reconciliation.
		if payment != nil {
			c.AbortWithStatusJSON(http.StatusAccepted, gin.H{
				"success": true,
				"data":    payment,
				"warning": err.Error(),
			})
			return
		}
		respondServiceError(c, err, "could not process repayment")
		return
	}
	respondSuccess(c, http.StatusCreated, payment)
}

// ownedLoanID parses :id and checks the caller may read the loan. It writes
// the error response itself and returns false on failure.
func (h *LoanHandler) ownedLoanID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_LOAN_ID", "invalid loan id")
		return uuid.Nil, false
	}
	if middleware.GetRole(c).IsOperator() {
		return id, true
	}
	loan, err := h.query.GetLoan(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err, "could not fetch loan")
		return uuid.Nil, false
	}
	if loan.BorrowerAccount != middleware.GetAccount(c) {
		respondServiceError(c, domain.ErrBorrowerMismatch, "")
		return uuid.Nil, false
	}
	return id, true
}
