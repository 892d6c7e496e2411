//go:build !windows

// Package supervisor runs a prefork pool: a master process that keeps a fixed
// number of worker processes alive, each identified by its PIN.
//
// Workers are created by re-executing the running program, so a program must
// construct the supervisor and call Run on every start. Run inspects the
// environment to decide whether the process is the original invocation, a
// detached master or a worker:
//
//	sup, err := supervisor.New(supervisor.Config{
//		Workers: 4,
//		OnStart: func(pin int) { serve(pin) },
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := sup.Run(ctx); err != nil {
//		os.Exit(supervisor.ExitCode(err))
//	}
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Paintersrp/prefork/internal/config"
	"github.com/Paintersrp/prefork/internal/daemon"
	"github.com/Paintersrp/prefork/internal/engine"
	"github.com/Paintersrp/prefork/internal/lock"
	"github.com/Paintersrp/prefork/internal/logging"
	"github.com/Paintersrp/prefork/internal/metrics"
	"github.com/Paintersrp/prefork/internal/runtime/process"
	"github.com/Paintersrp/prefork/internal/signals"
)

// StartFunc is the worker entry point. It receives the PIN of the worker and
// the worker exits with the normal exit code when it returns.
type StartFunc func(pin int)

const (
	// DefaultExitAllCode is the status ExitAll terminates the caller with.
	DefaultExitAllCode = 254
	// ExitSpawnFailed is the master exit status after a worker could not be
	// created.
	ExitSpawnFailed = engine.ExitSpawnFailed
	// ExitConfig is the status for configuration errors (EX_CONFIG).
	ExitConfig = 78
)

// DefaultExitAllSignal is the signal ExitAll sends to the master.
const DefaultExitAllSignal = syscall.SIGTERM

var (
	// ErrConfig marks configuration errors detected before any process is
	// created.
	ErrConfig = errors.New("supervisor configuration")
	// ErrNoEntryPoint is returned by New when OnStart is missing.
	ErrNoEntryPoint = fmt.Errorf("%w: worker entry point is required", ErrConfig)
)

// Config configures a Supervisor.
type Config struct {
	// Workers is the pool size; values below one are raised to one.
	Workers int
	// Daemon detaches the master from the terminal unless Debug is set.
	Daemon bool
	Debug  bool
	// NormalExitCode is the status of an intentional worker exit. Workers
	// exiting with any other status are respawned.
	NormalExitCode int
	// LockFile enforces a single running instance when set.
	LockFile string
	// LogFile receives the stdout and stderr of a detached master.
	LogFile string
	// MetricsFile is rewritten with the pool metrics after every change.
	MetricsFile string

	OnStart StartFunc
	// Logger defaults to a logger writing to stderr and syslog.
	Logger *slog.Logger
}

// Supervisor drives one process of the pool. Its methods are meant to be
// called from the goroutine running Run or the worker entry point.
type Supervisor struct {
	cfg      Config
	logger   *slog.Logger
	identity process.Identity

	pin       int
	masterPID int
	coord     *signals.Coordinator
	master    *engine.Master

	exit     func(int)
	signaler engine.Signaler
	sleep    func(d time.Duration)
}

// New validates cfg and decodes the role of the current process.
func New(cfg Config) (*Supervisor, error) {
	if cfg.OnStart == nil {
		return nil, ErrNoEntryPoint
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	identity, err := process.CurrentIdentity()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	logger := cfg.Logger
	if logger == nil {
		l, err := logging.New(logging.Options{PIN: identity.PIN, Debug: cfg.Debug, Syslog: true})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
		logger = l.Logger
	}

	return &Supervisor{
		cfg:       cfg,
		logger:    logger,
		identity:  identity,
		pin:       identity.PIN,
		masterPID: identity.MasterPID,
		exit:      os.Exit,
		signaler:  process.Signaler{},
	}, nil
}

// Run executes the control path of the current process. In the master and in
// workers it does not return on success: the process exits with the status
// described by the configuration. An error is returned only when the pool
// could not be started.
func (s *Supervisor) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	switch s.identity.Role {
	case process.RoleWorker:
		return s.runWorker()
	case process.RoleDetached:
		return s.runDetached(ctx)
	default:
		return s.runLauncher(ctx)
	}
}

func (s *Supervisor) runLauncher(ctx context.Context) error {
	var held *lock.Lock
	if s.cfg.LockFile != "" {
		l, err := lock.Acquire(s.cfg.LockFile)
		if errors.Is(err, lock.ErrLocked) {
			s.contended()
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrConfig, err)
		}
		held = l
	}

	if s.cfg.Daemon && !s.cfg.Debug {
		d, err := daemon.New(s.cfg.LogFile)
		if err != nil {
			return err
		}
		var lockFile *os.File
		if held != nil {
			lockFile = held.File()
		}
		pid, err := d.Detach(lockFile)
		if err != nil {
			return err
		}
		s.logger.Debug("detached master started", "master_pid", pid)
		s.exit(0)
		return nil
	}
	return s.runMaster(ctx, held)
}

func (s *Supervisor) runDetached(ctx context.Context) error {
	var held *lock.Lock
	if s.identity.LockFD >= 0 {
		path := s.cfg.LockFile
		if path == "" {
			path = fmt.Sprintf("fd %d", s.identity.LockFD)
		}
		l, err := lock.Adopt(uintptr(s.identity.LockFD), path)
		if errors.Is(err, lock.ErrLocked) {
			s.contended()
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrConfig, err)
		}
		held = l
	}
	return s.runMaster(ctx, held)
}

func (s *Supervisor) contended() {
	s.logger.Debug("lock held by another instance, master exit", "lock_file", s.cfg.LockFile)
	s.exit(0)
}

func (s *Supervisor) runMaster(ctx context.Context, held *lock.Lock) error {
	s.pin = -1
	s.masterPID = os.Getpid()
	if held != nil {
		if err := held.WritePID(s.masterPID); err != nil {
			s.logger.Warn("record master pid", "err", err)
		}
	}

	spawner, err := process.NewSpawner(s.masterPID)
	if err != nil {
		return fmt.Errorf("%w: %w", engine.ErrSpawn, err)
	}
	events := []func(engine.Event){logging.EventHandler(s.logger)}
	if s.cfg.MetricsFile != "" {
		events = append(events, metrics.Textfile(s.cfg.MetricsFile, func(err error) {
			s.logger.Warn("metrics textfile", "err", err)
		}))
	}
	s.master = engine.NewMaster(engine.Config{
		Workers:        s.cfg.Workers,
		NormalExitCode: s.cfg.NormalExitCode,
		Spawner:        spawner,
		Reaper:         process.NewReaper(),
		Signaler:       s.signaler,
		Events:         engine.Fanout(events...),
	})
	s.coord = s.master.Signals()
	s.coord.Install()

	// Subscribe before the first worker exists so no exit goes unnoticed.
	wake := make(chan os.Signal, 1)
	signal.Notify(wake, syscall.SIGCHLD)
	defer signal.Stop(wake)

	attrs := []any{"workers", s.cfg.Workers, "daemon", s.cfg.Daemon && !s.cfg.Debug}
	if held != nil {
		attrs = append(attrs, "lock_file", held.Path())
	}
	s.logger.Info("master started", attrs...)
	if err := s.master.Fill(); err != nil {
		s.master.Fail(err)
		s.master.Run(ctx, wake)
		return err
	}
	code := s.master.Run(ctx, wake)
	if err := s.master.Err(); err != nil {
		s.logger.Error("pool stopped after a worker could not be created", "err", err, "code", code)
	}
	s.exit(code)
	return nil
}

func (s *Supervisor) runWorker() error {
	s.coord = signals.New(func(sig syscall.Signal) {
		s.logger.Debug("worker stopping", "signal", process.SignalName(sig))
	})
	s.coord.Install()
	s.cfg.OnStart(s.pin)
	s.exit(s.cfg.NormalExitCode)
	return nil
}

// DispatchSignals handles signals received since the last dispatch. A worker
// that has been asked to stop exits with the normal exit code.
func (s *Supervisor) DispatchSignals() {
	if s.coord == nil {
		return
	}
	s.coord.Dispatch()
	if s.identity.Role == process.RoleWorker && s.coord.Stopping() {
		s.exit(s.cfg.NormalExitCode)
	}
}

// PIN returns the worker index of the current process, or -1 in the master.
func (s *Supervisor) PIN() int {
	return s.pin
}

// IsMaster reports whether the current process supervises the pool.
func (s *Supervisor) IsMaster() bool {
	return s.identity.Role != process.RoleWorker
}

// MasterPID returns the pid of the master process, zero before the master
// has started.
func (s *Supervisor) MasterPID() int {
	return s.masterPID
}

// Status returns the run state of the current process.
func (s *Supervisor) Status() signals.Status {
	if s.coord == nil {
		return signals.StatusRunning
	}
	return s.coord.Status()
}

// Stopping reports whether a shutdown has been requested.
func (s *Supervisor) Stopping() bool {
	return s.Status() == signals.StatusStopping
}

// ExitAll shuts down the whole pool and terminates the calling process with
// code. The master is sent sig and given five one-second polls to drain;
// after that every known worker and the master are killed. In the master it
// must not run concurrently with Run.
func (s *Supervisor) ExitAll(code int, sig syscall.Signal) {
	if sig == 0 {
		sig = DefaultExitAllSignal
	}
	esc := s.escalation()
	outcome := esc.Run(s.masterPID, sig)
	if outcome.Forced {
		s.logger.Warn("pool killed", "killed", len(outcome.Killed))
	}
	s.exit(code)
}

func (s *Supervisor) escalation() *engine.Escalation {
	esc := &engine.Escalation{
		Signaler: s.signaler,
		Events:   logging.EventHandler(s.logger),
		Sleep:    s.sleep,
		// A worker asked to stop by the master leaves here with the normal
		// exit code so the master can drain.
		Dispatch: s.DispatchSignals,
	}
	if s.master != nil {
		m := s.master
		esc.Known = m.Pool().PIDs
		esc.Dispatch = nil
		esc.Alive = func(int) bool { return !m.Poll() }
		return esc
	}
	self := os.Getpid()
	esc.Alive = process.Alive
	esc.Known = func() []int {
		pids, err := process.Children(s.masterPID)
		if err != nil {
			s.logger.Warn("list workers", "master_pid", s.masterPID, "err", err)
			return nil
		}
		out := pids[:0]
		for _, pid := range pids {
			if pid != self {
				out = append(out, pid)
			}
		}
		return out
	}
	return esc
}

// ExitCode maps an error returned by Run or New to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, engine.ErrSpawn), errors.Is(err, daemon.ErrDetach):
		return ExitSpawnFailed
	case errors.Is(err, ErrConfig), errors.Is(err, config.ErrInvalid):
		return ExitConfig
	default:
		return 1
	}
}
