package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/harvestchain/lending/internal/service"
)

// OpsHandler serves /admin/ops endpoints.
type OpsHandler struct {
	reconciler *service.ReconciliationService
}

// NewOpsHandler creates an OpsHandler.
func NewOpsHandler(reconciler *service.ReconciliationService) *OpsHandler {
	return &OpsHandler{reconciler: reconciler}
}

// Reconcile godoc
// POST /admin/ops/reconcile [admin|ops]
func (h *OpsHandler) Reconcile(c *gin.Context) {
	report, err := h.reconciler.Reconcile(c.Request.Context())
	if err != nil {
		respondServiceError(c, err, "reconciliation failed")
		return
	}
	respondSuccess(c, http.StatusOK, report)
}

// Findings godoc
// GET /admin/ops/findings
func (h *OpsHandler) Findings(c *gin.Context) {
	found, err := h.reconciler.FindInconsistencies(c.Request.Context())
	if err != nil {
		respondServiceError(c, err, "could not scan loans")
		return
	}
	if found == nil {
		found = []service.Inconsistency{}
	}
	respondSuccess(c, http.StatusOK, found)
}
