package scheduler_test

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harvestchain/lending/internal/config"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/harvestchain/lending/internal/lease"
	"github.com/harvestchain/lending/internal/scheduler"
	"github.com/harvestchain/lending/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMonitor struct {
	ticks    int64
	running  int64
	finished int64
	hold     time.Duration
	panics   bool
}

func (m *fakeMonitor) RunMonitorTick(ctx context.Context) (domain.TickSummary, error) {
	atomic.AddInt64(&m.ticks, 1)
	atomic.AddInt64(&m.running, 1)
	defer atomic.AddInt64(&m.running, -1)
	if m.panics {
		panic("boom")
	}
	time.Sleep(m.hold)
	if ctx.Err() == nil {
		atomic.AddInt64(&m.finished, 1)
	}
	return domain.TickSummary{}, nil
}

type fakeReconciler struct{ runs int64 }

func (r *fakeReconciler) Reconcile(context.Context) (service.ReconcileReport, error) {
	atomic.AddInt64(&r.runs, 1)
	return service.ReconcileReport{}, nil
}

func testConfig() config.MonitorConfig {
	return config.MonitorConfig{
		Enabled:           true,
		Interval:          10 * time.Millisecond,
		LoanTimeout:       5 * time.Millisecond,
		ReconcileInterval: 10 * time.Millisecond,
	}
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSchedulerRunsBothLoops(t *testing.T) {
	m, r := &fakeMonitor{}, &fakeReconciler{}
	s := scheduler.NewScheduler(m, r, lease.NewLocal(0).Holder(), testConfig(), discard())

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&m.ticks) >= 2 && atomic.LoadInt64(&r.runs) >= 2
	}, time.Second, 5*time.Millisecond)
	s.Stop(context.Background())

	after := atomic.LoadInt64(&m.ticks)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt64(&m.ticks), "no ticks after Stop")
}

func TestSchedulerStopWaitsForInFlightTick(t *testing.T) {
	m := &fakeMonitor{hold: 50 * time.Millisecond}
	cfg := testConfig()
	cfg.Interval = 100 * time.Millisecond
	s := scheduler.NewScheduler(m, nil, lease.NewLocal(0).Holder(), cfg, discard())

	s.Start(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt64(&m.running) == 1 }, time.Second, time.Millisecond)
	s.Stop(context.Background())

	assert.Zero(t, atomic.LoadInt64(&m.running))
	assert.Equal(t, int64(1), atomic.LoadInt64(&m.finished), "tick completed with a live context")
}

func TestSchedulerSkipsWithoutLease(t *testing.T) {
	group := lease.NewLocal(0)
	other := group.Holder()
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	m, r := &fakeMonitor{}, &fakeReconciler{}
	s := scheduler.NewScheduler(m, r, group.Holder(), testConfig(), discard())
	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, atomic.LoadInt64(&m.ticks))
	assert.Zero(t, atomic.LoadInt64(&r.runs))

	// Once the other instance lets go, this one takes over.
	require.NoError(t, other.Release(context.Background()))
	require.Eventually(t, func() bool { return atomic.LoadInt64(&m.ticks) > 0 }, time.Second, 5*time.Millisecond)
	s.Stop(context.Background())
}

func TestSchedulerSurvivesPanic(t *testing.T) {
	m := &fakeMonitor{panics: true}
	s := scheduler.NewScheduler(m, nil, lease.NewLocal(0).Holder(), testConfig(), discard())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt64(&m.ticks) >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop(context.Background())
}

func TestSchedulerDisabled(t *testing.T) {
	m := &fakeMonitor{}
	cfg := testConfig()
	cfg.Enabled = false
	s := scheduler.NewScheduler(m, nil, lease.NewLocal(0).Holder(), cfg, discard())
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop(context.Background())
	assert.Zero(t, atomic.LoadInt64(&m.ticks))
}

// sharedMonitor records how many ticks run at once across every scheduler it
// is plugged into.
type sharedMonitor struct {
	running *int64
	peak    *int64
	ticks   int64
	hold    time.Duration
}

func (m *sharedMonitor) RunMonitorTick(ctx context.Context) (domain.TickSummary, error) {
	atomic.AddInt64(&m.ticks, 1)
	n := atomic.AddInt64(m.running, 1)
	defer atomic.AddInt64(m.running, -1)
	for {
		p := atomic.LoadInt64(m.peak)
		if n <= p || atomic.CompareAndSwapInt64(m.peak, p, n) {
			break
		}
	}
	select {
	case <-time.After(m.hold):
	case <-ctx.Done():
	}
	return domain.TickSummary{}, nil
}

func TestLeaseRenewedForLongTicks(t *testing.T) {
	var running, peak int64
	group := lease.NewLocal(40 * time.Millisecond)
	cfg := testConfig()
	cfg.Interval = 200 * time.Millisecond
	cfg.ReconcileInterval = 0

	a := &sharedMonitor{running: &running, peak: &peak, hold: 150 * time.Millisecond}
	b := &sharedMonitor{running: &running, peak: &peak, hold: 150 * time.Millisecond}
	sa := scheduler.NewScheduler(a, nil, group.Holder(), cfg, discard())
	sb := scheduler.NewScheduler(b, nil, group.Holder(), cfg, discard())

	sa.Start(context.Background())
	sb.Start(context.Background())
	time.Sleep(900 * time.Millisecond)
	sa.Stop(context.Background())
	sb.Stop(context.Background())

	assert.Positive(t, atomic.LoadInt64(&a.ticks)+atomic.LoadInt64(&b.ticks))
	assert.Equal(t, int64(1), atomic.LoadInt64(&peak), "ticks of two instances overlapped")
}

// flakyLease grants the first n acquisitions and refuses the rest.
type flakyLease struct {
	grants int64
	n      int64
	ttl    time.Duration
}

func (l *flakyLease) Acquire(context.Context) (bool, error) {
	return atomic.AddInt64(&l.grants, 1) <= l.n, nil
}

func (l *flakyLease) Release(context.Context) error { return nil }

func (l *flakyLease) TTL() time.Duration { return l.ttl }

func TestLostLeaseCancelsTick(t *testing.T) {
	m := &fakeMonitor{hold: 300 * time.Millisecond}
	cfg := testConfig()
	cfg.Interval = 400 * time.Millisecond
	cfg.ReconcileInterval = 0
	s := scheduler.NewScheduler(m, nil, &flakyLease{n: 1, ttl: 30 * time.Millisecond}, cfg, discard())

	s.Start(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt64(&m.ticks) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return atomic.LoadInt64(&m.running) == 0 }, time.Second, time.Millisecond)
	s.Stop(context.Background())

	assert.Zero(t, atomic.LoadInt64(&m.finished), "tick saw a live context after losing the lease")
}
