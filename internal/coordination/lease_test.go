package coordination

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ald-control/ald-control-plane/internal/observability"
	"github.com/ald-control/ald-control-plane/internal/store"
)

type fakeLeaseStore struct {
	mu       sync.Mutex
	holder   string
	expires  time.Time
	claimErr error
}

func (f *fakeLeaseStore) ClaimPLCLease(ctx context.Context, holder string, ttl time.Duration, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return false, f.claimErr
	}
	if f.holder != "" && f.holder != holder && f.expires.After(now) {
		return false, nil
	}
	f.holder = holder
	f.expires = now.Add(ttl)
	return true, nil
}

func (f *fakeLeaseStore) GetPLCLease(ctx context.Context) (store.PLCLeaseRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return store.PLCLeaseRow{Resource: "plc", Holder: f.holder, ExpiresAt: f.expires}, nil
}

func (f *fakeLeaseStore) ReleasePLCLease(ctx context.Context, holder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holder == holder {
		f.holder = ""
	}
	return nil
}

func TestPLCLeaseClaimedOnStart(t *testing.T) {
	st := &fakeLeaseStore{}
	lease := NewPLCLease(st, zap.NewNop(), observability.NewMetrics(), "terminal_1", time.Second, 50*time.Millisecond)
	lease.Start(context.Background())
	defer lease.Stop(context.Background())

	if !lease.Held() {
		t.Fatal("expected lease to be held immediately after Start")
	}
}

func TestPLCLeaseRejectsSecondHolder(t *testing.T) {
	st := &fakeLeaseStore{}
	first := NewPLCLease(st, zap.NewNop(), observability.NewMetrics(), "terminal_1", 10*time.Second, 5*time.Second)
	first.Start(context.Background())
	defer first.Stop(context.Background())

	second := NewPLCLease(st, zap.NewNop(), observability.NewMetrics(), "terminal_1_imposter", 10*time.Second, 5*time.Second)
	second.Start(context.Background())
	defer second.Stop(context.Background())

	if second.Held() {
		t.Error("expected second holder to be rejected while the first lease has not expired")
	}
	if !first.Held() {
		t.Error("expected the original holder to keep the lease")
	}
}

func TestPLCLeaseReleasedOnStop(t *testing.T) {
	st := &fakeLeaseStore{}
	lease := NewPLCLease(st, zap.NewNop(), observability.NewMetrics(), "terminal_1", time.Second, 50*time.Millisecond)
	lease.Start(context.Background())
	lease.Stop(context.Background())

	row, err := st.GetPLCLease(context.Background())
	if err != nil {
		t.Fatalf("GetPLCLease: %v", err)
	}
	if row.Holder != "" {
		t.Errorf("expected lease released, still held by %q", row.Holder)
	}
}
