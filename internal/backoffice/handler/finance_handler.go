package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/harvestchain/lending/internal/service"
)

// FinanceHandler serves /admin/finance endpoints.
type FinanceHandler struct {
	pools *service.PoolService
}

// NewFinanceHandler creates a FinanceHandler.
func NewFinanceHandler(pools *service.PoolService) *FinanceHandler {
	return &FinanceHandler{pools: pools}
}

// Pools godoc
// GET /admin/finance/pools
func (h *FinanceHandler) Pools(c *gin.Context) {
	pools, err := h.pools.ListPools(c.Request.Context())
	if err != nil {
		respondServiceError(c, err, "could not fetch pools")
		return
	}
	views := make([]domain.PoolView, 0, len(pools))
	for _, p := range pools {
		views = append(views, p.View())
	}
	respondSuccess(c, http.StatusOK, views)
}

// Pool godoc
// GET /admin/finance/pools/:asset
func (h *FinanceHandler) Pool(c *gin.Context) {
	p, err := h.pools.GetPool(c.Request.Context(), c.Param("asset"))
	if err != nil {
		respondServiceError(c, err, "could not fetch pool")
		return
	}
	respondSuccess(c, http.StatusOK, p.View())
}

// Deposit godoc
// POST /admin/finance/pools/:asset/deposits [admin|finance]
// Body: {"investor_account":"0.0.2001","amount":"2500.00","reference":"wire-17"}
func (h *FinanceHandler) Deposit(c *gin.Context) {
	var body domain.DepositRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}
	body.AssetAddress = c.Param("asset")

	p, err := h.pools.DepositLiquidity(c.Request.Context(), body)
	if err != nil {
		respondServiceError(c, err, "could not credit deposit")
		return
	}
	respondSuccess(c, http.StatusCreated, p.View())
}
