package coordination

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ald-control/ald-control-plane/internal/observability"
	"github.com/ald-control/ald-control-plane/internal/store"
)

// leaseStore is the slice of *store.Store the PLC lease needs.
type leaseStore interface {
	ClaimPLCLease(ctx context.Context, holder string, ttl time.Duration, now time.Time) (bool, error)
	GetPLCLease(ctx context.Context) (store.PLCLeaseRow, error)
	ReleasePLCLease(ctx context.Context, holder string) error
}

// PLCLease implements §4.I's PLC ownership lease: only Terminal 1
// claims and renews this lease. Holding it gates nothing: no code path
// checks Held before opening or using the Modbus socket, and every
// terminal, Terminals 2 and 3 included, connects its own
// plc.Communicator and writes to the PLC directly.
type PLCLease struct {
	st     leaseStore
	log    *zap.Logger
	metric *observability.Metrics
	holder string
	ttl    time.Duration
	period time.Duration

	held atomic.Bool

	stopCh chan struct{}
	done   chan struct{}
}

// NewPLCLease constructs a lease manager for the given holder identity
// (e.g. "terminal_1").
func NewPLCLease(st leaseStore, log *zap.Logger, metric *observability.Metrics, holder string, ttl, heartbeat time.Duration) *PLCLease {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	l := &PLCLease{
		st: st, log: log, metric: metric, holder: holder, ttl: ttl, period: heartbeat,
		stopCh: make(chan struct{}), done: make(chan struct{}),
	}
	return l
}

// Start claims the lease immediately and renews it on the configured
// heartbeat period until Stop is called.
func (l *PLCLease) Start(ctx context.Context) {
	l.claimOnce(ctx)
	go l.run(ctx)
}

func (l *PLCLease) run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.claimOnce(ctx)
		}
	}
}

func (l *PLCLease) claimOnce(ctx context.Context) {
	ok, err := l.st.ClaimPLCLease(ctx, l.holder, l.ttl, time.Now())
	if err != nil {
		l.log.Error("coordination: plc lease claim failed", zap.Error(err))
		l.held.Store(false)
		return
	}
	if !ok {
		l.log.Warn("coordination: plc lease held by another terminal", zap.String("holder", l.holder))
	}
	l.held.Store(ok)
	if l.metric != nil {
		if ok {
			l.metric.PlcLeaseHeld.Set(1)
		} else {
			l.metric.PlcLeaseHeld.Set(0)
		}
	}
}

// Held reports whether this process currently holds the PLC lease.
func (l *PLCLease) Held() bool {
	return l.held.Load()
}

// Stop releases the lease and stops the renewal loop. Safe to call once.
func (l *PLCLease) Stop(ctx context.Context) {
	close(l.stopCh)
	<-l.done
	if err := l.st.ReleasePLCLease(ctx, l.holder); err != nil {
		l.log.Error("coordination: plc lease release failed", zap.Error(err))
	}
	if l.metric != nil {
		l.metric.PlcLeaseHeld.Set(0)
	}
}
