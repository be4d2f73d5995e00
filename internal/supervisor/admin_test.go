package supervisor

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ald-control/ald-control-plane/internal/machinestate"
)

type fakeRaiser struct {
	raised bool
	err    error
}

func (f *fakeRaiser) Raise(ctx context.Context, reason, severity string) error {
	f.raised = true
	return f.err
}

func roundTrip(t *testing.T, path string, req AdminRequest) AdminResponse {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial admin socket: %v", err)
	}
	defer conn.Close()

	data, _ := json.Marshal(req)
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write request: %v", err)
	}

	buf := make([]byte, 4096)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp AdminResponse
	if err := json.Unmarshal(buf[:n], &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func startAdminServer(t *testing.T, srv *AdminServer) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()
	// Give the listener a moment to bind.
	time.Sleep(20 * time.Millisecond)
	return func() {
		cancel()
		<-errCh
	}
}

func TestAdminStatusReportsMachineState(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "admin.sock")
	state := machinestate.New()
	state.SetProcessing("proc-9")
	srv := NewAdminServer(sockPath, state, nil, zap.NewNop())
	stop := startAdminServer(t, srv)
	defer stop()

	resp := roundTrip(t, sockPath, AdminRequest{Cmd: "status"})
	if !resp.OK || resp.Mode != "processing" || resp.ProcessID != "proc-9" {
		t.Errorf("unexpected status response: %+v", resp)
	}
}

func TestAdminResetEmergencyRaisesResetSignal(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "admin.sock")
	state := machinestate.New()
	raiser := &fakeRaiser{}
	srv := NewAdminServer(sockPath, state, raiser, zap.NewNop())
	stop := startAdminServer(t, srv)
	defer stop()

	resp := roundTrip(t, sockPath, AdminRequest{Cmd: "reset_emergency"})
	if !resp.OK {
		t.Errorf("expected OK response, got %+v", resp)
	}
	if !raiser.raised {
		t.Error("expected Raise to be called")
	}
}

func TestAdminResetEmergencyWithoutFabricFails(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "admin.sock")
	state := machinestate.New()
	srv := NewAdminServer(sockPath, state, nil, zap.NewNop())
	stop := startAdminServer(t, srv)
	defer stop()

	resp := roundTrip(t, sockPath, AdminRequest{Cmd: "reset_emergency"})
	if resp.OK {
		t.Error("expected reset_emergency to fail when no fabric is wired")
	}
}

func TestAdminUnknownCommandFails(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "admin.sock")
	state := machinestate.New()
	srv := NewAdminServer(sockPath, state, nil, zap.NewNop())
	stop := startAdminServer(t, srv)
	defer stop()

	resp := roundTrip(t, sockPath, AdminRequest{Cmd: "bogus"})
	if resp.OK {
		t.Error("expected unknown command to fail")
	}
}
