package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/Paintersrp/prefork/internal/pool"
	"github.com/Paintersrp/prefork/internal/runtime/process"
	"github.com/Paintersrp/prefork/internal/signals"
)

// ExitSpawnFailed is the master exit code after a worker could not be
// created, whether during the initial fill or a respawn.
const ExitSpawnFailed = 71

// ErrSpawn marks failures to create a worker process.
var ErrSpawn = errors.New("spawn worker")

// Spawner creates a worker for a PIN and returns its pid.
type Spawner interface {
	Spawn(pin int) (int, error)
}

// Reaper collects child state changes without blocking.
type Reaper interface {
	Reap() ([]process.Exit, error)
}

// Signaler delivers a signal to a pid.
type Signaler interface {
	Signal(pid int, sig syscall.Signal) error
}

// Config configures a Master.
type Config struct {
	Workers        int
	NormalExitCode int
	Spawner        Spawner
	Reaper         Reaper
	Signaler       Signaler
	Events         func(Event)
}

// Master owns the worker pool of the supervising process. All of its methods
// must be called from a single goroutine; the pool is never shared.
type Master struct {
	pool           *pool.Pool
	spawner        Spawner
	reaper         Reaper
	signaler       Signaler
	normalExitCode int
	events         func(Event)
	coord          *signals.Coordinator

	fatal error
}

// NewMaster constructs a master with an empty pool.
func NewMaster(cfg Config) *Master {
	m := &Master{
		pool:           pool.New(cfg.Workers),
		spawner:        cfg.Spawner,
		reaper:         cfg.Reaper,
		signaler:       cfg.Signaler,
		normalExitCode: cfg.NormalExitCode,
		events:         cfg.Events,
	}
	m.coord = signals.New(m.propagate)
	return m
}

// Signals returns the coordinator holding the master's status.
func (m *Master) Signals() *signals.Coordinator {
	return m.coord
}

// Pool exposes the worker bookkeeping.
func (m *Master) Pool() *pool.Pool {
	return m.pool
}

// Fill creates workers until every PIN is occupied.
func (m *Master) Fill() error {
	for {
		pin, ok := m.pool.Next()
		if !ok {
			return nil
		}
		if err := m.spawnAt(pin, ReasonInitialStart); err != nil {
			return err
		}
	}
}

// Respawn replaces the worker at pin.
func (m *Master) Respawn(pin int) error {
	if pin < 0 || pin >= m.pool.Size() {
		return fmt.Errorf("respawn: pin %d outside pool of %d", pin, m.pool.Size())
	}
	return m.spawnAt(pin, ReasonAbnormalExit)
}

func (m *Master) spawnAt(pin int, reason string) error {
	pid, err := m.spawner.Spawn(pin)
	if err != nil {
		err = fmt.Errorf("%w: pin %d: %w", ErrSpawn, pin, err)
		sendEvent(m.events, Event{Type: EventTypeFailed, PIN: pin, Reason: ReasonSpawnFailure, Err: err, Message: "worker could not be created", Workers: m.pool.Len()})
		return err
	}
	if err := m.pool.Record(pin, pid); err != nil {
		return fmt.Errorf("record worker %d: %w", pid, err)
	}
	sendEvent(m.events, Event{Type: EventTypeSpawned, PIN: pin, PID: pid, Reason: reason, Message: "worker started", Workers: m.pool.Len()})
	return nil
}

// Shutdown moves the master to stopping and forwards sig to every worker.
func (m *Master) Shutdown(sig syscall.Signal) {
	m.coord.Handle(sig)
}

// Fail records a fatal error and shuts the pool down. The master exits with
// ExitSpawnFailed once the pool has drained.
func (m *Master) Fail(err error) {
	if m.fatal == nil {
		m.fatal = err
	}
	m.Shutdown(syscall.SIGTERM)
}

// Err returns the fatal error that ended the run, if any.
func (m *Master) Err() error {
	return m.fatal
}

func (m *Master) propagate(sig syscall.Signal) {
	sendEvent(m.events, Event{Type: EventTypeStopping, PIN: -1, Signal: sig, Reason: ReasonShutdown, Message: "forwarding signal to workers", Workers: m.pool.Len()})
	for _, pin := range m.pool.PINs() {
		pid, _ := m.pool.PID(pin)
		if err := m.signaler.Signal(pid, sig); err != nil {
			sendEvent(m.events, Event{Type: EventTypeError, PIN: pin, PID: pid, Signal: sig, Reason: ReasonSignalFailed, Err: err, Message: "signal delivery failed"})
		}
	}
}

// Run is the reap loop. It waits for child state changes announced on wake,
// handles queued signals on every iteration and returns the exit code of the
// master once the pool is empty. Cancelling ctx behaves like SIGTERM.
func (m *Master) Run(ctx context.Context, wake <-chan os.Signal) int {
	if ctx == nil {
		ctx = context.Background()
	}
	done := ctx.Done()
	for {
		m.coord.Dispatch()
		if code, finished := m.reap(); finished {
			return code
		}
		select {
		case sig := <-m.coord.C():
			m.coord.Handle(sig)
		case <-wake:
		case <-done:
			done = nil
			m.Shutdown(syscall.SIGTERM)
		}
	}
}

// Poll handles queued signals and collects pending exits once, without
// waiting. It reports whether the pool has drained.
func (m *Master) Poll() bool {
	m.coord.Dispatch()
	_, finished := m.reap()
	return finished
}

func (m *Master) reap() (int, bool) {
	if m.pool.Len() == 0 {
		return m.drained(ReasonPoolEmpty), true
	}
	exits, err := m.reaper.Reap()
	for _, exit := range exits {
		if m.handleExit(exit) {
			return m.drained(ReasonPoolEmpty), true
		}
	}
	switch {
	case errors.Is(err, process.ErrNoChildren):
		return m.drained(ReasonNoChildren), true
	case err != nil:
		sendEvent(m.events, Event{Type: EventTypeError, PIN: -1, Reason: ReasonReapFailed, Err: err, Message: "waiting for workers failed"})
	}
	return 0, false
}

// handleExit applies the respawn policy to one child state change and reports
// whether the pool is now empty.
func (m *Master) handleExit(exit process.Exit) bool {
	if exit.Stopped {
		pin, _ := m.pinOf(exit.PID)
		sendEvent(m.events, Event{Type: EventTypeSuspended, PIN: pin, PID: exit.PID, Signal: exit.Signal, Message: "worker stopped"})
		return false
	}
	pin, ok := m.pool.Remove(exit.PID)
	if !ok {
		sendEvent(m.events, Event{Type: EventTypeUnknown, PIN: -1, PID: exit.PID, Code: exit.Code, Message: "reaped untracked child"})
		return false
	}

	reason := ReasonNormalExit
	if exit.Code != m.normalExitCode {
		reason = ReasonAbnormalExit
	}
	sendEvent(m.events, Event{Type: EventTypeExited, PIN: pin, PID: exit.PID, Code: exit.Code, Signal: exit.Signal, Reason: reason, Message: "worker exited", Workers: m.pool.Len()})

	if !m.coord.Stopping() && reason == ReasonAbnormalExit {
		sendEvent(m.events, Event{Type: EventTypeRespawn, PIN: pin, PID: exit.PID, Code: exit.Code, Reason: reason, Message: "respawning worker"})
		if err := m.Respawn(pin); err != nil {
			m.Fail(err)
		}
	}
	return m.pool.Len() == 0
}

func (m *Master) pinOf(pid int) (int, bool) {
	for pin, current := range m.pool.Snapshot() {
		if current == pid {
			return pin, true
		}
	}
	return -1, false
}

func (m *Master) drained(reason string) int {
	code := m.normalExitCode
	if m.fatal != nil {
		code = ExitSpawnFailed
	}
	sendEvent(m.events, Event{Type: EventTypeDrained, PIN: -1, Code: code, Reason: reason, Err: m.fatal, Message: "no workers, master exit"})
	return code
}
