package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ald-control/ald-control-plane/internal/machinestate"
)

const (
	maxAdminConns     = 4
	maxRequestBytes   = 4096
	adminConnDeadline = 10 * time.Second
)

// emergencyRaiser is the slice of *coordination.EmergencyMonitor the
// admin socket needs to accept an operator-issued reset. Raising a
// "reset" severity row is the only way out of emergency (§4.I): the
// admin socket never clears the local latch directly, it goes through
// the same store row every terminal's poller observes.
type emergencyRaiser interface {
	Raise(ctx context.Context, reason, severity string) error
}

// AdminRequest is the JSON structure for admin socket commands.
type AdminRequest struct {
	Cmd string `json:"cmd"` // status | reset_emergency
}

// AdminResponse is the JSON structure for admin socket responses.
type AdminResponse struct {
	OK          bool      `json:"ok"`
	Error       string    `json:"error,omitempty"`
	Mode        string    `json:"mode,omitempty"`
	ProcessID   string    `json:"process_id,omitempty"`
	Emergency   bool      `json:"emergency,omitempty"`
	EmergencyAt time.Time `json:"emergency_at,omitempty"`
}

// AdminServer exposes a minimal operator control surface over a Unix
// domain socket: read-only status and an emergency reset, adapted from
// internal/operator/server.go's newline-delimited-JSON protocol. Every
// terminal may run one; only the PLC-owning terminal's reset actually
// clears hardware, but any terminal can request it via the shared
// emergency_signal table.
type AdminServer struct {
	socketPath string
	state      *machinestate.State
	emerg      emergencyRaiser
	log        *zap.Logger
	sem        chan struct{}
}

// NewAdminServer constructs an AdminServer. emerg may be nil, in which
// case reset_emergency requests fail with a descriptive error instead of
// panicking — a terminal wired without a coordination fabric (tests,
// standalone simulation) simply has no reset path.
func NewAdminServer(socketPath string, state *machinestate.State, emerg emergencyRaiser, log *zap.Logger) *AdminServer {
	return &AdminServer{
		socketPath: socketPath,
		state:      state,
		emerg:      emerg,
		log:        log,
		sem:        make(chan struct{}, maxAdminConns),
	}
}

// ListenAndServe binds the admin socket and serves until ctx is
// cancelled. Removes any stale socket file left by a prior unclean exit.
func (s *AdminServer) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("supervisor: remove stale admin socket %q: %w", s.socketPath, err)
	}
	if dir := filepath.Dir(s.socketPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("supervisor: mkdir %q: %w", dir, err)
		}
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("supervisor: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("supervisor: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("supervisor: admin socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("supervisor: admin accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("supervisor: admin socket at max connections, rejecting")
			conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *AdminServer) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(adminConnDeadline))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("supervisor: admin read error", zap.Error(err))
		return
	}

	var req AdminRequest
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, AdminResponse{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *AdminServer) dispatch(req AdminRequest) AdminResponse {
	switch req.Cmd {
	case "status":
		return s.cmdStatus()
	case "reset_emergency":
		return s.cmdResetEmergency()
	default:
		return AdminResponse{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *AdminServer) cmdStatus() AdminResponse {
	snap := s.state.Current()
	return AdminResponse{
		OK:          true,
		Mode:        snap.Mode.String(),
		ProcessID:   snap.ProcessID,
		Emergency:   snap.Emergency,
		EmergencyAt: snap.EmergencyAt,
	}
}

func (s *AdminServer) cmdResetEmergency() AdminResponse {
	if s.emerg == nil {
		return AdminResponse{OK: false, Error: "no coordination fabric wired on this terminal"}
	}
	if err := s.emerg.Raise(context.Background(), "operator_reset", "reset"); err != nil {
		return AdminResponse{OK: false, Error: err.Error()}
	}
	s.log.Info("supervisor: operator requested emergency reset")
	return AdminResponse{OK: true}
}

func (s *AdminServer) writeResponse(conn net.Conn, resp AdminResponse) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
