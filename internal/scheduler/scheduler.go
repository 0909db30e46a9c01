// Package scheduler runs the two background loops of the lending core:
//  1. monitorLoop   – recomputes health factors and liquidates on each tick.
//  2. reconcileLoop – resolves loans left in flight by interrupted sagas.
//
// Both loops only work while this instance holds the leader lease.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harvestchain/lending/internal/config"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/harvestchain/lending/internal/lease"
	"github.com/harvestchain/lending/internal/service"
)

// ──────────────────────────────────────────────────────────────────────────────
// Collaborators
// ──────────────────────────────────────────────────────────────────────────────

// Monitor is implemented by service.MonitorService.
type Monitor interface {
	RunMonitorTick(ctx context.Context) (domain.TickSummary, error)
}

// Reconciler is implemented by service.ReconciliationService.
type Reconciler interface {
	Reconcile(ctx context.Context) (service.ReconcileReport, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Scheduler
// ──────────────────────────────────────────────────────────────────────────────

// Scheduler owns the background loops. Call Start once from main() and Stop
// on shutdown; Stop returns after any in-flight tick has finished.
type Scheduler struct {
	monitor    Monitor
	reconciler Reconciler
	lease      lease.Lease
	cfg        config.MonitorConfig
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. A nil reconciler disables the reconcile
// loop.
func NewScheduler(
	monitor Monitor,
	reconciler Reconciler,
	l lease.Lease,
	cfg config.MonitorConfig,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		monitor:    monitor,
		reconciler: reconciler,
		lease:      l,
		cfg:        cfg,
		logger:     logger,
	}
}

// Start launches the loops and returns immediately. Calling Start on a
// running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	if !s.cfg.Enabled {
		s.logger.Info("scheduler disabled")
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.monitorLoop(ctx)
	if s.reconciler != nil && s.cfg.ReconcileInterval > 0 {
		s.wg.Add(1)
		go s.reconcileLoop(ctx)
	}
	s.logger.Info("scheduler started",
		"monitor_interval", s.cfg.Interval, "reconcile_interval", s.cfg.ReconcileInterval)
}

// Stop cancels the loops, waits for the current tick to complete and gives
// up the lease.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	s.wg.Wait()
	if err := s.lease.Release(ctx); err != nil {
		s.logger.Warn("scheduler: release lease", "err", err)
	}
	s.logger.Info("scheduler stopped")
}

// ──────────────────────────────────────────────────────────────────────────────
// monitorLoop
// ──────────────────────────────────────────────────────────────────────────────

func (s *Scheduler) monitorLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("monitorLoop: shutting down")
			return
		case <-ticker.C:
			s.runMonitorTick(ctx)
		}
	}
}

// runMonitorTick is the loop body, split out so the deferred recover covers
// one tick and the loop keeps running.
func (s *Scheduler) runMonitorTick(ctx context.Context) {
	defer s.recoverAndLog("monitorLoop")

	s.underLease(ctx, "monitorLoop", s.cfg.Interval, func(tickCtx context.Context) {
		if _, err := s.monitor.RunMonitorTick(tickCtx); err != nil {
			s.logger.Error("monitorLoop: RunMonitorTick", "err", err)
		}
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// reconcileLoop
// ──────────────────────────────────────────────────────────────────────────────

func (s *Scheduler) reconcileLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconcileLoop: shutting down")
			return
		case <-ticker.C:
			s.runReconcile(ctx)
		}
	}
}

func (s *Scheduler) runReconcile(ctx context.Context) {
	defer s.recoverAndLog("reconcileLoop")

	s.underLease(ctx, "reconcileLoop", s.cfg.ReconcileInterval, func(runCtx context.Context) {
		report, err := s.reconciler.Reconcile(runCtx)
		if err != nil {
			s.logger.Error("reconcileLoop: Reconcile", "err", err)
			return
		}
		if len(report.Actions) > 0 {
			s.logger.Info("reconcile pass", "examined", report.Examined, "errors", report.Errors)
		}
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// Leader lease
// ──────────────────────────────────────────────────────────────────────────────

// underLease runs fn only while this instance holds the lease. A run in
// progress finishes even when shutdown starts and is bounded by timeout
// instead. The lease is renewed every third of its TTL while fn runs; if a
// renewal fails the context passed to fn is cancelled.
func (s *Scheduler) underLease(ctx context.Context, loop string, timeout time.Duration, fn func(context.Context)) {
	if ctx.Err() != nil || !s.holdLease(ctx, loop) {
		return
	}
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if ttl := s.lease.TTL(); ttl > 0 {
		done := make(chan struct{})
		var keeper sync.WaitGroup
		keeper.Add(1)
		go func() {
			defer keeper.Done()
			s.keepLease(runCtx, done, cancel, loop, ttl/3)
		}()
		// Stop releases the lease after the tick; no renewal may follow it.
		defer func() {
			close(done)
			keeper.Wait()
		}()
	}

	fn(runCtx)
}

func (s *Scheduler) keepLease(ctx context.Context, done <-chan struct{}, cancel context.CancelFunc, loop string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := s.lease.Acquire(ctx)
			if err != nil || !ok {
				s.logger.Warn(loop+": lease lost mid-run, cancelling", "err", err)
				cancel()
				return
			}
		}
	}
}

// holdLease acquires or renews the leader lease. Errors count as not held.
func (s *Scheduler) holdLease(ctx context.Context, loop string) bool {
	ok, err := s.lease.Acquire(ctx)
	if err != nil {
		s.logger.Warn(loop+": lease unavailable, skipping", "err", err)
		return false
	}
	if !ok {
		s.logger.Debug(loop + ": lease held elsewhere, skipping")
	}
	return ok
}

// ──────────────────────────────────────────────────────────────────────────────
// Panic recovery
// ──────────────────────────────────────────────────────────────────────────────

// recoverAndLog is deferred around each tick to catch unexpected panics, log
// them, and keep the loop running.
func (s *Scheduler) recoverAndLog(loop string) {
	if r := recover(); r != nil {
		s.logger.Error("PANIC recovered in scheduler loop",
			"loop", loop, "panic", r)
	}
}
