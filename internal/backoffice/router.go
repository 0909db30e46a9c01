// Package backoffice builds the operator router. It listens on its own port,
// behind an IP allowlist, next to the public API.
package backoffice

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/harvestchain/lending/internal/api/middleware"
	"github.com/harvestchain/lending/internal/backoffice/handler"
	"github.com/harvestchain/lending/internal/config"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/harvestchain/lending/internal/service"
)

// BackofficeDeps bundles every dependency needed for the admin router.
type BackofficeDeps struct {
	AuthSvc        *service.AuthService
	LiquidationSvc *service.LiquidationService
	MonitorSvc     *service.MonitorService
	ReconcileSvc   *service.ReconciliationService
	PoolSvc        *service.PoolService
	QuerySvc       *service.LoanQueryService
	Hub            handler.ConnectionCounter // nil when no hub runs in-process
	Cfg            *config.Config
	Logger         *slog.Logger
}

// SetupBackofficeRouter creates the admin Gin engine. Every route needs an
// operator token; mutating routes are further limited by role.
func SetupBackofficeRouter(deps BackofficeDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.RequestLogger(deps.Logger.With("listener", "backoffice")))
	r.Use(gin.Recovery())
	r.Use(ipWhitelistMiddleware(deps.Cfg.Server.BackofficeAllowedIPs))

	dashH := handler.NewDashboardHandler(deps.QuerySvc, deps.PoolSvc, deps.Hub)
	riskH := handler.NewRiskHandler(deps.QuerySvc, deps.LiquidationSvc, deps.MonitorSvc)
	financeH := handler.NewFinanceHandler(deps.PoolSvc)
	opsH := handler.NewOpsHandler(deps.ReconcileSvc)

	admin := r.Group("/admin")
	admin.Use(middleware.JWTMiddleware(deps.AuthSvc), middleware.OperatorMiddleware())
	{
		admin.GET("/dashboard", dashH.Dashboard)

		// Risk
		risk := admin.Group("/risk")
		riskOnly := middleware.RoleMiddleware(domain.RoleAdmin, domain.RoleRisk)
		{
			risk.GET("/loans/active", riskH.ActiveLoans)
			risk.GET("/loans/at-risk", riskH.AtRiskLoans)
			risk.GET("/loans/:id", riskH.Loan)
			risk.POST("/loans/:id/liquidate", riskOnly, riskH.Liquidate)
			risk.POST("/monitor/run", riskOnly, riskH.RunMonitor)
		}

		// Finance
		fin := admin.Group("/finance")
		{
			fin.GET("/pools", financeH.Pools)
			fin.GET("/pools/:asset", financeH.Pool)
			fin.POST("/pools/:asset/deposits",
				middleware.RoleMiddleware(domain.RoleAdmin, domain.RoleFinance), financeH.Deposit)
		}

		// Ops
		ops := admin.Group("/ops")
		{
			ops.GET("/findings", opsH.Findings)
			ops.POST("/reconcile", middleware.RoleMiddleware(domain.RoleAdmin, domain.RoleOps), opsH.Reconcile)
		}
	}

	return r
}

// ── IP whitelist middleware ───────────────────────────────────────────────────

// ipWhitelistMiddleware blocks requests from IPs not in the allowlist.
// An empty list allows every IP.
func ipWhitelistMiddleware(allowedIPs []string) gin.HandlerFunc {
	if len(allowedIPs) == 0 {
		return func(c *gin.Context) { c.Next() } // dev mode: no restriction
	}

	allowed := make(map[string]bool, len(allowedIPs))
	for _, ip := range allowedIPs {
		allowed[ip] = true
	}

	return func(c *gin.Context) {
		if !allowed[c.ClientIP()] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "access denied: your IP is not whitelisted",
				"code":    "ERR_IP_BLOCKED",
			})
			return
		}
		c.Next()
	}
}
