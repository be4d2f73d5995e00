// Package plcsim implements an in-process Modbus/TCP server that stands
// in for real ALD tool hardware, for `plc.mode=simulation` and for tests
// that exercise internal/plc without a physical PLC.
//
// Grounded on the handler shape of the simonvetter/modbus tcp_server.go
// example (HandleCoils/HandleHoldingRegisters dispatching on request
// address, mutex-guarded shared state, ErrIllegalDataAddress for unknown
// addresses), generalized from that example's fixed demo register map to
// a configurable address space plus analog "channels" so tests can model
// MFC flow, pressure, and temperature parameters realistically.
package plcsim

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/simonvetter/modbus"

	"github.com/ald-control/ald-control-plane/internal/modbuscodec"
)

// channel is a simulated analog value addressable as a float32 spanning
// two consecutive holding registers. value is the "true" set point;
// NoisePct controls synthetic read jitter, applied while the global
// noise switch is on (see SetNoiseEnabled); ReadFloatExact reads the
// value without jitter.
type channel struct {
	value    float32
	noisePct float64 // fractional jitter half-width, e.g. 0.01 = ±1%
}

// Server is a simulated Modbus/TCP PLC.
type Server struct {
	mu sync.RWMutex

	byteOrder modbuscodec.ByteOrder
	coils     map[uint16]bool
	regs      map[uint16]uint16  // plain 16-bit holding registers (non-channel)
	channels  map[uint16]*channel // addressed by the low register of the pair

	noiseEnabled bool
	rng          *rand.Rand

	srv *modbus.ModbusServer
}

// New constructs a simulated PLC. byteOrder must match the Communicator's
// configured order so that float/int32 encodings agree on both ends.
func New(byteOrder modbuscodec.ByteOrder) *Server {
	return &Server{
		byteOrder:    byteOrder,
		coils:        make(map[uint16]bool),
		regs:         make(map[uint16]uint16),
		channels:     make(map[uint16]*channel),
		noiseEnabled: true,
		rng:          rand.New(rand.NewSource(1)),
	}
}

// SetCoil seeds a coil's initial value (e.g. the purge trigger at rest).
func (s *Server) SetCoil(addr uint16, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coils[addr] = v
}

// Coil returns a coil's current value.
func (s *Server) Coil(addr uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coils[addr]
}

// SetRegister seeds a plain 16-bit register (int16/uint16 parameters).
func (s *Server) SetRegister(addr uint16, v uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[addr] = v
}

// DefineChannel declares a float32 analog channel spanning addr, addr+1,
// with the given initial value and read-jitter half-width (0 disables
// jitter for that channel specifically).
func (s *Server) DefineChannel(addr uint16, initial float32, noisePct float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[addr] = &channel{value: initial, noisePct: noisePct}
}

// SetNoiseEnabled toggles the global noise switch. Used to implement the
// spec's skip_noise hint: the Parameter Controller, when given a
// simulator handle, calls this around its read-back verification window so
// the comparison is against the exact written value, matching real
// hardware's absence of synthetic jitter. Real hardware has no such knob.
func (s *Server) SetNoiseEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noiseEnabled = enabled
}

// ReadFloatExact returns a channel's true value with no jitter applied,
// regardless of the global noise switch. Used by tests.
func (s *Server) ReadFloatExact(addr uint16) (float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[addr]
	if !ok {
		return 0, fmt.Errorf("plcsim: no channel at %d", addr)
	}
	return ch.value, nil
}

// Start begins listening on addr (e.g. "tcp://127.0.0.1:15502").
func (s *Server) Start(addr string) error {
	srv, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        addr,
		Timeout:    30 * time.Second,
		MaxClients: 8,
	}, s)
	if err != nil {
		return fmt.Errorf("plcsim: new server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("plcsim: start: %w", err)
	}
	s.srv = srv
	return nil
}

// Stop shuts down the listener.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Stop()
}

// ─── modbus.RequestHandler implementation ─────────────────────────────────

func (s *Server) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make([]bool, 0, req.Quantity)
	for i := 0; i < int(req.Quantity); i++ {
		addr := req.Addr + uint16(i)
		if req.IsWrite {
			s.coils[addr] = req.Args[i]
		}
		res = append(res, s.coils[addr])
	}
	return res, nil
}

func (s *Server) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (s *Server) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make([]uint16, 0, req.Quantity)
	for i := 0; i < int(req.Quantity); i++ {
		addr := req.Addr + uint16(i)

		if ch, lo, ok := s.channelCovering(addr); ok {
			r0, r1 := s.encodeChannel(ch)
			if req.IsWrite {
				if addr == lo {
					r0 = req.Args[i]
				} else {
					r1 = req.Args[i]
				}
				v, err := modbuscodec.DecodeFloat32(s.byteOrder, r0, r1)
				if err != nil {
					return nil, modbus.ErrIllegalDataValue
				}
				ch.value = v
				r0, r1 = s.encodeChannel(ch)
			}
			if addr == lo {
				res = append(res, r0)
			} else {
				res = append(res, r1)
			}
			continue
		}

		if req.IsWrite {
			s.regs[addr] = req.Args[i]
		}
		res = append(res, s.regs[addr])
	}
	return res, nil
}

func (s *Server) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	return nil, modbus.ErrIllegalFunction
}

// channelCovering reports whether addr falls within a defined channel's
// two-register span, returning the channel and its low register address.
func (s *Server) channelCovering(addr uint16) (*channel, uint16, bool) {
	if ch, ok := s.channels[addr]; ok {
		return ch, addr, true
	}
	if addr > 0 {
		if ch, ok := s.channels[addr-1]; ok {
			return ch, addr - 1, true
		}
	}
	return nil, 0, false
}

// encodeChannel renders a channel's current value into its register
// pair, applying read jitter when enabled.
func (s *Server) encodeChannel(ch *channel) (uint16, uint16) {
	v := ch.value
	if s.noiseEnabled && ch.noisePct > 0 {
		jitter := (s.rng.Float64()*2 - 1) * ch.noisePct
		v = v * float32(1+jitter)
	}
	r0, r1, _ := modbuscodec.EncodeFloat32(s.byteOrder, v)
	return r0, r1
}
