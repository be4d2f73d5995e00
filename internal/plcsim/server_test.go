package plcsim

import (
	"testing"

	"github.com/simonvetter/modbus"

	"github.com/ald-control/ald-control-plane/internal/modbuscodec"
)

func TestCoilWriteRead(t *testing.T) {
	s := New(modbuscodec.BADC)
	s.SetCoil(10, false)

	req := &modbus.CoilsRequest{UnitId: 1, Addr: 10, Quantity: 1, IsWrite: true, Args: []bool{true}}
	res, err := s.HandleCoils(req)
	if err != nil {
		t.Fatalf("HandleCoils write: %v", err)
	}
	if len(res) != 1 || !res[0] {
		t.Fatalf("expected coil 10 to read back true, got %v", res)
	}
	if !s.Coil(10) {
		t.Fatal("expected Coil(10) accessor to reflect the write")
	}
}

func TestChannelRoundTripNoNoise(t *testing.T) {
	s := New(modbuscodec.BADC)
	s.DefineChannel(100, 23.5, 0.05)
	s.SetNoiseEnabled(false)

	r0, r1 := s.encodeChannel(s.channels[100])
	v, err := modbuscodec.DecodeFloat32(modbuscodec.BADC, r0, r1)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v != 23.5 {
		t.Fatalf("expected exact 23.5 with noise disabled, got %v", v)
	}
}

func TestChannelWriteUpdatesValue(t *testing.T) {
	s := New(modbuscodec.BADC)
	s.DefineChannel(100, 0, 0)

	r0, r1, _ := modbuscodec.EncodeFloat32(modbuscodec.BADC, 42.0)
	req := &modbus.HoldingRegistersRequest{UnitId: 1, Addr: 100, Quantity: 2, IsWrite: true, Args: []uint16{r0, r1}}
	res, err := s.HandleHoldingRegisters(req)
	if err != nil {
		t.Fatalf("HandleHoldingRegisters write: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("expected 2 registers back, got %d", len(res))
	}
	got, err := s.ReadFloatExact(100)
	if err != nil {
		t.Fatalf("ReadFloatExact: %v", err)
	}
	if got != 42.0 {
		t.Fatalf("expected channel value 42.0 after write, got %v", got)
	}
}

func TestUnknownCoilDefaultsFalse(t *testing.T) {
	s := New(modbuscodec.BADC)
	req := &modbus.CoilsRequest{UnitId: 1, Addr: 999, Quantity: 1, IsWrite: false}
	res, err := s.HandleCoils(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 || res[0] {
		t.Fatalf("expected unseeded coil to read false, got %v", res)
	}
}

func TestDiscreteAndInputRegistersUnsupported(t *testing.T) {
	s := New(modbuscodec.BADC)
	if _, err := s.HandleDiscreteInputs(&modbus.DiscreteInputsRequest{}); err != modbus.ErrIllegalFunction {
		t.Fatalf("expected ErrIllegalFunction, got %v", err)
	}
	if _, err := s.HandleInputRegisters(&modbus.InputRegistersRequest{}); err != modbus.ErrIllegalFunction {
		t.Fatalf("expected ErrIllegalFunction, got %v", err)
	}
}
