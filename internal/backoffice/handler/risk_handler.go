package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/harvestchain/lending/internal/service"
)

// RiskHandler serves /admin/risk endpoints.
type RiskHandler struct {
	query       *service.LoanQueryService
	liquidation *service.LiquidationService
	monitor     *service.MonitorService
}

// NewRiskHandler creates a RiskHandler.
func NewRiskHandler(
	query *service.LoanQueryService,
	liquidation *service.LiquidationService,
	monitor *service.MonitorService,
) *RiskHandler {
	return &RiskHandler{query: query, liquidation: liquidation, monitor: monitor}
}

// ActiveLoans godoc
// GET /admin/risk/loans/active
func (h *RiskHandler) ActiveLoans(c *gin.Context) {
	loans, err := h.query.GetActiveLoans(c.Request.Context())
	if err != nil {
		respondServiceError(c, err, "could not fetch active loans")
		return
	}
	if loans == nil {
		loans = []*domain.Loan{}
	}
	respondSuccess(c, http.StatusOK, loans)
}

// AtRiskLoans godoc
// GET /admin/risk/loans/at-risk
// Uses the health factor stored by the last monitor tick.
func (h *RiskHandler) AtRiskLoans(c *gin.Context) {
	loans, err := h.query.GetLoansAtRisk(c.Request.Context())
	if err != nil {
		respondServiceError(c, err, "could not fetch at-risk loans")
		return
	}
	respondSuccess(c, http.StatusOK, loans)
}

// Loan godoc
// GET /admin/risk/loans/:id
func (h *RiskHandler) Loan(c *gin.Context) {
	id, ok := loanID(c)
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

// Liquidate godoc
// POST /admin/risk/loans/:id/liquidate [admin|risk]
// Returns 200 with the outcome; a healthy or closed loan is a no-op.
func (h *RiskHandler) Liquidate(c *gin.Context) {
	id, ok := loanID(c)
	if !ok {
		return
	}
	res, err := h.liquidation.CheckAndLiquidate(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err, "could not liquidate loan")
		return
	}
	respondSuccess(c, http.StatusOK, res)
}

// RunMonitor godoc
// POST /admin/risk/monitor/run [admin|risk]
// Runs one monitor tick synchronously, independent of the scheduler.
func (h *RiskHandler) RunMonitor(c *gin.Context) {
	summary, err := h.monitor.RunMonitorTick(c.Request.Context())
	if err != nil {
		respondServiceError(c, err, "monitor tick failed")
		return
	}
	respondSuccess(c, http.StatusOK, summary)
}

func loanID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_LOAN_ID", "invalid loan id")
		return uuid.Nil, false
	}
	return id, true
}
