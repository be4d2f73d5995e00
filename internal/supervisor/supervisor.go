// Package supervisor owns one terminal process's lifecycle: role
// selection, the single-instance-per-role file lock, signal handling for
// cooperative shutdown, and crash isolation (§4.J).
//
// Grounded on cmd/octoreflex/main.go's startup/shutdown sequencing: a
// root context cancelled on SIGINT/SIGTERM, a bounded drain window, and a
// deferred resource-close chain. The per-connection admin socket in
// AdminServer is adapted from internal/operator/server.go's
// newline-delimited-JSON-over-Unix-socket shape.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ald-control/ald-control-plane/internal/config"
	"github.com/ald-control/ald-control-plane/internal/machinestate"
)

// Terminal is anything the Supervisor can start, stop, and ask to enter
// an emergency safe state on crash.
type Terminal interface {
	// Run blocks until ctx is cancelled or the terminal fails
	// irrecoverably. A non-nil return is logged and treated as a crash.
	Run(ctx context.Context) error

	// Shutdown releases the terminal's resources. Called once, after Run
	// returns or ctx is cancelled.
	Shutdown(ctx context.Context)
}

// Supervisor owns one terminal's process-wide lifecycle: the file lock
// enforcing one instance per role per host, signal-driven cooperative
// shutdown, and translating an uncaught panic or Run error into a
// non-zero exit so an external init system restarts the process.
type Supervisor struct {
	role  config.Terminal
	lock  *fileLock
	log   *zap.Logger
	cfg   config.SupervisorConfig
	state *machinestate.State
}

// New acquires the role's file lock and returns a Supervisor. Returns an
// error if another instance of the same role already holds the lock —
// callers should treat this as fatal (exit 1) rather than retry, since a
// second instance of the same terminal role is never correct (§4.J).
func New(role config.Terminal, state *machinestate.State, log *zap.Logger, cfg config.SupervisorConfig) (*Supervisor, error) {
	lock, err := acquireLock(cfg.LockDir, role)
	if err != nil {
		return nil, err
	}
	return &Supervisor{role: role, lock: lock, log: log, cfg: cfg, state: state}, nil
}

// Run installs SIGINT/SIGTERM handlers, starts t, and blocks until a
// shutdown signal arrives or t.Run returns on its own. On a panic inside
// t.Run, the emergency latch is set (if this terminal owns state worth
// latching) before the process exits non-zero — a crash that drops a
// valve mid-open is worse than one that reports emergency and lets the
// owning terminal's safe-state routine run on the next start.
func (s *Supervisor) Run(t Terminal) (exitCode int) {
	defer s.lock.release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runErrCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if s.state != nil {
					s.state.EnterEmergency()
				}
				runErrCh <- fmt.Errorf("supervisor: terminal %s panicked: %v", s.role, r)
				return
			}
		}()
		runErrCh <- t.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		s.log.Info("supervisor: shutdown signal received",
			zap.String("terminal", s.role.String()), zap.String("signal", sig.String()))
		cancel()
	case err := <-runErrCh:
		if err != nil {
			s.log.Error("supervisor: terminal exited with error",
				zap.String("terminal", s.role.String()), zap.Error(err))
			s.shutdownWithin(ctx, t)
			return 1
		}
		s.log.Info("supervisor: terminal exited cleanly", zap.String("terminal", s.role.String()))
		s.shutdownWithin(ctx, t)
		return 0
	}

	// Signal path: wait for Run to notice cancellation and return, bounded
	// by the configured drain timeout.
	select {
	case err := <-runErrCh:
		if err != nil && err != context.Canceled {
			s.log.Warn("supervisor: terminal returned error during shutdown",
				zap.String("terminal", s.role.String()), zap.Error(err))
		}
	case <-time.After(s.drainTimeout()):
		s.log.Warn("supervisor: shutdown drain timeout — forcing exit",
			zap.String("terminal", s.role.String()))
	}

	s.shutdownWithin(context.Background(), t)
	s.log.Info("supervisor: shutdown complete", zap.String("terminal", s.role.String()))
	return 0
}

func (s *Supervisor) shutdownWithin(ctx context.Context, t Terminal) {
	shutCtx, cancel := context.WithTimeout(ctx, s.drainTimeout())
	defer cancel()
	t.Shutdown(shutCtx)
}

func (s *Supervisor) drainTimeout() time.Duration {
	if s.cfg.ShutdownDrainTimeout <= 0 {
		return 5 * time.Second
	}
	return s.cfg.ShutdownDrainTimeout
}

// fileLock wraps an open, flock(2)-held file used to enforce one
// instance per terminal role per host (§4.J).
type fileLock struct {
	f *os.File
}

// acquireLock opens (creating if necessary) dir/terminal{N}.lock and
// takes an exclusive, non-blocking flock on it. If another process
// already holds the lock, returns an error immediately rather than
// waiting — a second instance of the same role starting up is a
// deployment mistake, not a transient condition to retry through.
func acquireLock(dir string, role config.Terminal) (*fileLock, error) {
	if dir == "" {
		dir = "/tmp"
	}
	path := filepath.Join(dir, fmt.Sprintf("terminal%d.lock", int(role)))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open lock file %q: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("supervisor: terminal %s already running (lock %q held): %w", role, path, err)
	}

	return &fileLock{f: f}, nil
}

func (l *fileLock) release() {
	if l == nil || l.f == nil {
		return
	}
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
}
