package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/harvestchain/lending/internal/api/handler"
	"github.com/harvestchain/lending/internal/api/middleware"
	"github.com/harvestchain/lending/internal/config"
	"github.com/harvestchain/lending/internal/service"
	"github.com/harvestchain/lending/internal/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports database reachability for /health.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RouterDeps bundles every dependency needed to build the router.
// Populated once in main() and passed to SetupRouter.
type RouterDeps struct {
	AuthSvc        *service.AuthService
	OriginationSvc *service.OriginationService
	RepaymentSvc   *service.RepaymentService
	QuerySvc       *service.LoanQueryService
	Hub            *ws.Hub
	DB             Pinger
	Gatherer       prometheus.Gatherer
	Cfg            *config.Config
	Logger         *slog.Logger
}

// SetupRouter creates and configures the Gin engine with all routes,
// middleware, CORS, and rate limiting rules. Operator routes live on the
// back-office listener.
func SetupRouter(deps RouterDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(gin.Recovery())

	// ── CORS ─────────────────────────────────────────────────────────────────
	r.Use(corsMiddleware(deps.Cfg))

	// ── Health & metrics ─────────────────────────────────────────────────────
	r.GET("/health", healthHandler(deps.DB))
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	// ── Handlers ─────────────────────────────────────────────────────────────
	loanH := handler.NewLoanHandler(deps.OriginationSvc, deps.RepaymentSvc, deps.QuerySvc)

	jwtMW := middleware.JWTMiddleware(deps.AuthSvc)
	rl := middleware.RateLimitMiddleware(deps.Cfg.Server.RateLimitRPS, deps.Cfg.Server.RateLimitBurst)

	api := r.Group("/api")
	api.Use(rl, jwtMW)
	{
		// ── Borrower ──────────────────────────────────────────────────────────
		loans := api.Group("/loans")
		{
			loans.POST("", loanH.Originate)
			loans.GET("", loanH.ListMine)
			loans.GET("/:id", loanH.GetLoan)
			loans.GET("/:id/payments", loanH.ListPayments)
			loans.GET("/:id/health", loanH.HealthHistory)
			loans.POST("/:id/repayments", loanH.Repay)
		}
	}

	// ── WebSocket ─────────────────────────────────────────────────────────────
	if deps.Hub != nil {
		r.GET("/ws/risk", func(c *gin.Context) {
			deps.Hub.ServeWs(c.Writer, c.Request)
		})
	}

	return r
}

// healthHandler reports ok when the database answers within two seconds.
func healthHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// ── CORS helper ───────────────────────────────────────────────────────────────

// corsMiddleware sets CORS headers. Development allows any origin; production
// only the configured ones.
func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	allowed := make(map[string]bool, len(cfg.Server.AllowedOrigins))
	for _, o := range cfg.Server.AllowedOrigins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if !cfg.IsProd() {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
