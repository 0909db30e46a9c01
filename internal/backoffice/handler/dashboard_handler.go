package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/harvestchain/lending/internal/service"
)

// ConnectionCounter reports connected risk-stream clients. Implemented by
// ws.Hub.
type ConnectionCounter interface {
	ConnectedCount() int
}

// DashboardHandler serves the /admin/dashboard endpoint.
type DashboardHandler struct {
	query *service.LoanQueryService
	pools *service.PoolService
	hub   ConnectionCounter
}

// NewDashboardHandler creates a DashboardHandler. hub may be nil.
func NewDashboardHandler(query *service.LoanQueryService, pools *service.PoolService, hub ConnectionCounter) *DashboardHandler {
	return &DashboardHandler{query: query, pools: pools, hub: hub}
}

// Dashboard godoc
// GET /admin/dashboard
func (h *DashboardHandler) Dashboard(c *gin.Context) {
	ctx := c.Request.Context()

	// ── Pools ────────────────────────────────────────────────────────────────
	pools, err := h.pools.ListPools(ctx)
	if err != nil {
		respondServiceError(c, err, "could not fetch pools")
		return
	}
	views := make([]domain.PoolView, 0, len(pools))
	for _, p := range pools {
		views = append(views, p.View())
	}

	// ── Loans ────────────────────────────────────────────────────────────────
	active, err := h.query.GetActiveLoans(ctx)
	if err != nil {
		respondServiceError(c, err, "could not fetch active loans")
		return
	}
	atRisk := 0
	var principal domain.Cents
	for _, l := range active {
		principal += l.LoanAmount
		if domain.IsAtRisk(l.HealthFactor) {
			atRisk++
		}
	}

	wsConns := 0
	if h.hub != nil {
		wsConns = h.hub.ConnectedCount()
	}

	respondSuccess(c, http.StatusOK, gin.H{
		"pools":                   views,
		"active_loans":            len(active),
		"active_principal":        principal,
		"at_risk_loans":           atRisk,
		"risk_stream_connections": wsConns,
	})
}
