// Package main is the entry point for the harvest lending server. It wires
// together all services and starts the public API and the back-office
// listener alongside the WebSocket hub and the background monitor.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harvestchain/lending/internal/api"
	"github.com/harvestchain/lending/internal/backoffice"
	"github.com/harvestchain/lending/internal/config"
	"github.com/harvestchain/lending/internal/lease"
	"github.com/harvestchain/lending/internal/metrics"
	"github.com/harvestchain/lending/internal/oracle"
	"github.com/harvestchain/lending/internal/repository"
	"github.com/harvestchain/lending/internal/scheduler"
	"github.com/harvestchain/lending/internal/service"
	"github.com/harvestchain/lending/internal/treasury"
	"github.com/harvestchain/lending/internal/ws"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// ── 1. Logger ─────────────────────────────────────────────────────────────
	cfg := config.MustLoad()

	var logHandler slog.Handler
	if cfg.IsProd() {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	logger.Info("starting harvest lending server", "env", cfg.Server.Env, "port", cfg.Server.Port)

	// ── 2. Root context + signal handling ─────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 3. Database ───────────────────────────────────────────────────────────
	db, err := repository.Connect(ctx, cfg.DB)
	if err != nil {
		logger.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("database connected", "driver", cfg.DB.Driver)

	if cfg.DB.AutoMigrate {
		if err = repository.Migrate(ctx, db); err != nil {
			logger.Error("migrations failed", "err", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	// ── 4. External clients ───────────────────────────────────────────────────
	priceOracle := oracle.NewClient(cfg.Oracle)
	treasuryClient := treasury.NewClient(cfg.Treasury)
	desk := treasury.NewDesk(treasuryClient, cfg.Lending.DeskAccount, cfg.Lending.TreasuryAccount)

	// ── 5. Services (order matters for injection) ─────────────────────────────
	m := metrics.Default()
	repos := service.NewRepos(db)
	accounts := service.AccountsFromConfig(cfg.Lending)

	authSvc := service.NewAuthService(cfg.JWT)
	hub := ws.NewHub(authSvc, cfg.Server.AllowedOrigins, logger)

	originationSvc := service.NewOriginationService(repos, treasuryClient, priceOracle, accounts, m, logger)
	repaymentSvc := service.NewRepaymentService(repos, treasuryClient, accounts, m, logger)
	liquidationSvc := service.NewLiquidationService(repos, priceOracle, desk, treasuryClient, hub, accounts, m, logger)
	monitorSvc := service.NewMonitorService(repos, priceOracle, liquidationSvc, hub, cfg.Monitor.LoanTimeout, m, logger)
	reconcileSvc := service.NewReconciliationService(
		repos, treasuryClient, originationSvc, repaymentSvc, liquidationSvc, cfg.Lending.StaleAfter, m, logger)
	poolSvc := service.NewPoolService(repos, treasuryClient, accounts, logger)
	querySvc := service.NewLoanQueryService(repos)

	// ── 6. Start WS Hub ───────────────────────────────────────────────────────
	go hub.Run(ctx)
	logger.Info("websocket hub started")

	// ── 7. Leader lease + scheduler ───────────────────────────────────────────
	var leaderLease lease.Lease
	if cfg.Redis.Addr != "" {
		rdb, err := lease.Open(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("redis connection failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		leaderLease = lease.NewRedis(rdb, cfg.Redis.LeaseKey, cfg.Redis.LeaseTTL)
		logger.Info("redis leader lease enabled", "key", cfg.Redis.LeaseKey)
	} else {
		leaderLease = lease.NewLocal(0).Holder()
	}

	sched := scheduler.NewScheduler(monitorSvc, reconcileSvc, leaderLease, cfg.Monitor, logger)
	sched.Start(ctx)

	// ── 8. HTTP Router ────────────────────────────────────────────────────────
	router := api.SetupRouter(api.RouterDeps{
		AuthSvc:        authSvc,
		OriginationSvc: originationSvc,
		RepaymentSvc:   repaymentSvc,
		QuerySvc:       querySvc,
		Hub:            hub,
		DB:             db,
		Gatherer:       prometheus.DefaultGatherer,
		Cfg:            cfg,
		Logger:         logger,
	})
	boRouter := backoffice.SetupBackofficeRouter(backoffice.BackofficeDeps{
		AuthSvc:        authSvc,
		LiquidationSvc: liquidationSvc,
		MonitorSvc:     monitorSvc,
		ReconcileSvc:   reconcileSvc,
		PoolSvc:        poolSvc,
		QuerySvc:       querySvc,
		Hub:            hub,
		Cfg:            cfg,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	boSrv := &http.Server{
		Addr:         ":" + cfg.Server.BackofficePort,
		Handler:      boRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// ── 9. Start servers ──────────────────────────────────────────────────────
	for name, s := range map[string]*http.Server{"api": srv, "backoffice": boSrv} {
		go func(name string, s *http.Server) {
			logger.Info("http server listening", "listener", name, "addr", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "listener", name, "err", err)
				stop() // trigger graceful shutdown
			}
		}(name, s)
	}

	// ── 10. Graceful shutdown ─────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err = srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "err", err)
	}
	if err = boSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("backoffice shutdown error", "err", err)
	}
	// Stop waits for an in-flight tick.
	sched.Stop(shutdownCtx)

	logger.Info("server stopped cleanly")
}
