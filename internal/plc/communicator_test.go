package plc

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ald-control/ald-control-plane/internal/config"
	"github.com/ald-control/ald-control-plane/internal/modbuscodec"
	"github.com/ald-control/ald-control-plane/internal/observability"
	"github.com/ald-control/ald-control-plane/internal/plcsim"
)

func testConfig(addr string, port int) config.PLCConfig {
	cfg := config.Defaults().PLC
	cfg.IP = addr
	cfg.Port = port
	cfg.ConnectAttempts = 2
	cfg.ConnectRetryGap = 10 * time.Millisecond
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.OpTimeout = 500 * time.Millisecond
	cfg.OpRetries = 3
	cfg.OpRetryBase = 10 * time.Millisecond
	cfg.HealthProbeInterval = 5 * time.Millisecond
	cfg.HealthProbeAddr = 0
	cfg.DiscoveryCachePath = ""
	cfg.ByteOrder = modbuscodec.BADC
	return cfg
}

func startSim(t *testing.T, port int) *plcsim.Server {
	t.Helper()
	s := plcsim.New(modbuscodec.BADC)
	if err := s.Start(fmt.Sprintf("tcp://127.0.0.1:%d", port)); err != nil {
		t.Fatalf("plcsim start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func newCommunicator(t *testing.T, port int) *Communicator {
	t.Helper()
	cfg := testConfig("127.0.0.1", port)
	c := New(cfg, zap.NewNop(), observability.NewMetrics())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConnectAndReadCoil(t *testing.T) {
	sim := startSim(t, 15700)
	sim.SetCoil(5, true)

	c := newCommunicator(t, 15700)

	vals, err := c.ReadCoils(context.Background(), 5, 1)
	if err != nil {
		t.Fatalf("ReadCoils: %v", err)
	}
	if len(vals) != 1 || !vals[0] {
		t.Fatalf("expected coil 5 true, got %v", vals)
	}
}

func TestWriteFloatReadFloatRoundTrip(t *testing.T) {
	sim := startSim(t, 15700)
	sim.DefineChannel(200, 0, 0) // no jitter, exact round trip

	c := newCommunicator(t, 15700)

	if err := c.WriteFloat(context.Background(), 200, 123.25); err != nil {
		t.Fatalf("WriteFloat: %v", err)
	}
	got, err := c.ReadFloat(context.Background(), 200)
	if err != nil {
		t.Fatalf("ReadFloat: %v", err)
	}
	if float32(got) != 123.25 {
		t.Fatalf("expected 123.25, got %v", got)
	}
}

func TestReadAllCoalescesAndDecodes(t *testing.T) {
	sim := startSim(t, 15700)
	sim.DefineChannel(300, 11.5, 0)
	sim.DefineChannel(302, 22.5, 0)
	sim.SetCoil(10, true)

	c := newCommunicator(t, 15700)

	specs := []ReadSpec{
		{ID: "flow", Address: 300, DataType: DataTypeFloat32},
		{ID: "pressure", Address: 302, DataType: DataTypeFloat32},
		{ID: "purge", Address: 10, DataType: DataTypeCoil},
	}
	out, err := c.ReadAll(context.Background(), specs)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if out["flow"] != 11.5 {
		t.Errorf("expected flow=11.5, got %v", out["flow"])
	}
	if out["pressure"] != 22.5 {
		t.Errorf("expected pressure=22.5, got %v", out["pressure"])
	}
	if out["purge"] != 1.0 {
		t.Errorf("expected purge=1.0, got %v", out["purge"])
	}
}

func TestIsBrokenPipeFamilyMatchesKnownSignatures(t *testing.T) {
	cases := []string{
		"write: broken pipe",
		"read: connection reset by peer",
		"dial: connection aborted",
		"errno 32",
		"use of closed network connection",
	}
	for _, msg := range cases {
		if !isBrokenPipeFamily(&testErr{msg}) {
			t.Errorf("expected %q to classify as broken-pipe family", msg)
		}
	}
	if isBrokenPipeFamily(&testErr{"illegal data address"}) {
		t.Error("did not expect a protocol error message to classify as broken-pipe family")
	}
}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }
