package engine

import (
	"context"
	"errors"
	"os"
	"reflect"
	"syscall"
	"testing"
	"time"

	"github.com/Paintersrp/prefork/internal/runtime/process"
)

type fakeSpawner struct {
	next   int
	calls  []int
	failAt map[int]error
}

func (f *fakeSpawner) Spawn(pin int) (int, error) {
	call := len(f.calls)
	f.calls = append(f.calls, pin)
	if err, ok := f.failAt[call]; ok {
		return 0, err
	}
	if f.next == 0 {
		f.next = 100
	}
	pid := f.next
	f.next++
	return pid, nil
}

type fakeReaper struct {
	steps    []func() ([]process.Exit, error)
	fallback func() ([]process.Exit, error)
	calls    int
}

func (f *fakeReaper) Reap() ([]process.Exit, error) {
	f.calls++
	if len(f.steps) == 0 {
		if f.fallback != nil {
			return f.fallback()
		}
		return nil, nil
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	return step()
}

func (f *fakeReaper) then(step func() ([]process.Exit, error)) {
	f.steps = append(f.steps, step)
}

type sent struct {
	pid int
	sig syscall.Signal
}

type fakeSignaler struct {
	sent []sent
	err  error
}

func (f *fakeSignaler) Signal(pid int, sig syscall.Signal) error {
	f.sent = append(f.sent, sent{pid: pid, sig: sig})
	return f.err
}

type harness struct {
	master   *Master
	spawner  *fakeSpawner
	reaper   *fakeReaper
	signaler *fakeSignaler
	events   []Event
	wake     chan os.Signal
}

func newHarness(t *testing.T, workers, normal int) *harness {
	t.Helper()
	h := &harness{
		spawner:  &fakeSpawner{},
		reaper:   &fakeReaper{},
		signaler: &fakeSignaler{},
		wake:     make(chan os.Signal, 64),
	}
	h.master = NewMaster(Config{
		Workers:        workers,
		NormalExitCode: normal,
		Spawner:        h.spawner,
		Reaper:         h.reaper,
		Signaler:       h.signaler,
		Events:         func(evt Event) { h.events = append(h.events, evt) },
	})
	return h
}

func (h *harness) pid(t *testing.T, pin int) int {
	t.Helper()
	pid, ok := h.master.Pool().PID(pin)
	if !ok {
		t.Fatalf("pin %d not occupied", pin)
	}
	return pid
}

// lookup is safe to call from reaper steps, which run on the loop goroutine.
func (h *harness) lookup(pin int) int {
	pid, _ := h.master.Pool().PID(pin)
	return pid
}

// exitOf reads the pid at pin lazily, when the reaper step runs.
func (h *harness) exitOf(pin, code int) func() ([]process.Exit, error) {
	return func() ([]process.Exit, error) {
		return []process.Exit{{PID: h.lookup(pin), Code: code}}, nil
	}
}

func (h *harness) run(t *testing.T, ctx context.Context) int {
	t.Helper()
	for i := 0; i < cap(h.wake); i++ {
		h.wake <- syscall.SIGCHLD
	}
	result := make(chan int, 1)
	go func() { result <- h.master.Run(ctx, h.wake) }()
	select {
	case code := <-result:
		return code
	case <-time.After(2 * time.Second):
		t.Fatalf("reap loop did not finish")
		return -1
	}
}

func TestRespawnRejectsPINOutsidePool(t *testing.T) {
	h := newHarness(t, 2, 0)
	for _, pin := range []int{-1, 2, 7} {
		if err := h.master.Respawn(pin); err == nil {
			t.Fatalf("expected pin %d to be refused", pin)
		}
	}
	if len(h.spawner.calls) != 0 {
		t.Fatalf("no worker may be created for an invalid pin, got %v", h.spawner.calls)
	}
	if err := h.master.Respawn(1); err != nil {
		t.Fatalf("respawn pin 1: %v", err)
	}
	if h.pid(t, 1) == 0 {
		t.Fatalf("pin 1 not recorded")
	}
}

func (h *harness) count(typ EventType) int {
	n := 0
	for _, evt := range h.events {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

func TestFillOccupiesEveryPIN(t *testing.T) {
	for _, workers := range []int{1, 3, 5} {
		h := newHarness(t, workers, 0)
		if err := h.master.Fill(); err != nil {
			t.Fatalf("fill: %v", err)
		}
		if h.master.Pool().Len() != workers {
			t.Fatalf("expected %d workers, got %d", workers, h.master.Pool().Len())
		}
		want := make([]int, workers)
		for i := range want {
			want[i] = i
		}
		if got := h.master.Pool().PINs(); !reflect.DeepEqual(got, want) {
			t.Fatalf("unexpected pins %v", got)
		}
		if h.count(EventTypeSpawned) != workers {
			t.Fatalf("expected %d spawned events, got %d", workers, h.count(EventTypeSpawned))
		}
	}
}

func TestWorkerCountCoercedToOne(t *testing.T) {
	h := newHarness(t, 0, 0)
	if err := h.master.Fill(); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if h.master.Pool().Len() != 1 {
		t.Fatalf("expected a single worker, got %d", h.master.Pool().Len())
	}
}

func TestNormalExitIsNotRespawned(t *testing.T) {
	h := newHarness(t, 2, 7)
	if err := h.master.Fill(); err != nil {
		t.Fatalf("fill: %v", err)
	}
	h.reaper.then(h.exitOf(0, 7))
	h.reaper.then(func() ([]process.Exit, error) {
		if h.master.Pool().Len() != 1 {
			t.Errorf("expected pin 0 to stay empty, pool has %d workers", h.master.Pool().Len())
		}
		if _, ok := h.master.Pool().PID(0); ok {
			t.Errorf("pin 0 was refilled after a normal exit")
		}
		return nil, nil
	})
	h.reaper.then(h.exitOf(1, 7))

	code := h.run(t, context.Background())
	if code != 7 {
		t.Fatalf("expected master exit code 7, got %d", code)
	}
	if len(h.spawner.calls) != 2 {
		t.Fatalf("expected no respawn, spawner called %d times", len(h.spawner.calls))
	}
	if h.count(EventTypeRespawn) != 0 {
		t.Fatalf("unexpected respawn events")
	}
	if h.count(EventTypeDrained) != 1 {
		t.Fatalf("expected a drained event")
	}
}

func TestAbnormalExitRespawnsSamePIN(t *testing.T) {
	h := newHarness(t, 3, 0)
	if err := h.master.Fill(); err != nil {
		t.Fatalf("fill: %v", err)
	}
	old := h.pid(t, 2)

	h.reaper.then(h.exitOf(2, 1))
	h.reaper.then(func() ([]process.Exit, error) {
		if h.master.Pool().Len() != 3 {
			t.Errorf("expected pool size to be restored, got %d", h.master.Pool().Len())
		}
		if pid := h.lookup(2); pid == old || pid == 0 {
			t.Errorf("pin 2 still tracks the exited pid %d", pid)
		}
		return nil, nil
	})
	h.reaper.then(func() ([]process.Exit, error) {
		return []process.Exit{
			{PID: h.lookup(0), Code: 0},
			{PID: h.lookup(1), Code: 0},
			{PID: h.lookup(2), Code: 0},
		}, nil
	})

	if code := h.run(t, context.Background()); code != 0 {
		t.Fatalf("unexpected exit code %d", code)
	}
	if got := h.spawner.calls[len(h.spawner.calls)-1]; got != 2 {
		t.Fatalf("expected respawn at pin 2, got %d", got)
	}
	if len(h.spawner.calls) != 4 {
		t.Fatalf("expected exactly one respawn, spawner calls %v", h.spawner.calls)
	}
	if h.count(EventTypeRespawn) != 1 {
		t.Fatalf("expected one respawn event, got %d", h.count(EventTypeRespawn))
	}
}

func TestSignaledExitIsAbnormal(t *testing.T) {
	h := newHarness(t, 1, 0)
	if err := h.master.Fill(); err != nil {
		t.Fatalf("fill: %v", err)
	}
	h.reaper.then(func() ([]process.Exit, error) {
		return []process.Exit{{PID: h.lookup(0), Code: 128 + int(syscall.SIGSEGV), Signal: syscall.SIGSEGV}}, nil
	})
	h.reaper.then(h.exitOf(0, 0))

	if code := h.run(t, context.Background()); code != 0 {
		t.Fatalf("unexpected exit code %d", code)
	}
	if len(h.spawner.calls) != 2 {
		t.Fatalf("expected crashed worker to be respawned, calls %v", h.spawner.calls)
	}
}

func TestStoppingPropagatesAndSuppressesRespawn(t *testing.T) {
	h := newHarness(t, 2, 0)
	if err := h.master.Fill(); err != nil {
		t.Fatalf("fill: %v", err)
	}
	pids := h.master.Pool().PIDs()

	h.reaper.then(func() ([]process.Exit, error) {
		h.master.Shutdown(syscall.SIGINT)
		return []process.Exit{{PID: pids[0], Code: 9}}, nil
	})
	h.reaper.then(func() ([]process.Exit, error) {
		return []process.Exit{{PID: pids[1], Code: 9}}, nil
	})

	if code := h.run(t, context.Background()); code != 0 {
		t.Fatalf("expected normal exit code once drained, got %d", code)
	}
	if len(h.spawner.calls) != 2 {
		t.Fatalf("no respawn expected while stopping, calls %v", h.spawner.calls)
	}
	want := []sent{{pid: pids[0], sig: syscall.SIGINT}, {pid: pids[1], sig: syscall.SIGINT}}
	if !reflect.DeepEqual(h.signaler.sent, want) {
		t.Fatalf("unexpected propagated signals %v", h.signaler.sent)
	}
	if !h.master.Signals().Stopping() {
		t.Fatalf("expected stopping status")
	}
}

func TestNoChildrenTerminatesMaster(t *testing.T) {
	h := newHarness(t, 2, 3)
	if err := h.master.Fill(); err != nil {
		t.Fatalf("fill: %v", err)
	}
	h.reaper.then(func() ([]process.Exit, error) {
		return nil, process.ErrNoChildren
	})
	if code := h.run(t, context.Background()); code != 3 {
		t.Fatalf("expected normal exit code 3, got %d", code)
	}
	last := h.events[len(h.events)-1]
	if last.Type != EventTypeDrained || last.Reason != ReasonNoChildren {
		t.Fatalf("unexpected final event %+v", last)
	}
}

func TestRespawnFailureShutsDownPool(t *testing.T) {
	h := newHarness(t, 2, 0)
	if err := h.master.Fill(); err != nil {
		t.Fatalf("fill: %v", err)
	}
	h.spawner.failAt = map[int]error{2: syscall.EAGAIN}
	survivor := h.pid(t, 1)

	h.reaper.then(h.exitOf(0, 2))
	h.reaper.then(func() ([]process.Exit, error) {
		return []process.Exit{{PID: survivor, Code: 0}}, nil
	})

	code := h.run(t, context.Background())
	if code != ExitSpawnFailed {
		t.Fatalf("expected exit code %d, got %d", ExitSpawnFailed, code)
	}
	if !errors.Is(h.master.Err(), ErrSpawn) || !errors.Is(h.master.Err(), syscall.EAGAIN) {
		t.Fatalf("unexpected fatal error %v", h.master.Err())
	}
	if len(h.signaler.sent) != 1 || h.signaler.sent[0] != (sent{pid: survivor, sig: syscall.SIGTERM}) {
		t.Fatalf("expected survivor to be terminated, sent %v", h.signaler.sent)
	}
	if h.count(EventTypeFailed) != 1 {
		t.Fatalf("expected a failed event")
	}
}

func TestFillFailureReturnsSpawnError(t *testing.T) {
	h := newHarness(t, 3, 0)
	h.spawner.failAt = map[int]error{1: syscall.ENOMEM}

	err := h.master.Fill()
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
	if h.master.Pool().Len() != 1 {
		t.Fatalf("expected the first worker to be tracked, got %d", h.master.Pool().Len())
	}

	h.master.Fail(err)
	first := h.master.Pool().PIDs()[0]
	h.reaper.then(func() ([]process.Exit, error) {
		return []process.Exit{{PID: first, Code: 143, Signal: syscall.SIGTERM}}, nil
	})
	if code := h.run(t, context.Background()); code != ExitSpawnFailed {
		t.Fatalf("expected exit code %d, got %d", ExitSpawnFailed, code)
	}
	if len(h.spawner.calls) != 2 {
		t.Fatalf("terminated worker must not be respawned, calls %v", h.spawner.calls)
	}
}

func TestContextCancelStopsPool(t *testing.T) {
	h := newHarness(t, 1, 0)
	if err := h.master.Fill(); err != nil {
		t.Fatalf("fill: %v", err)
	}
	pid := h.pid(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The worker only exits once the cancellation has been forwarded.
	h.reaper.fallback = func() ([]process.Exit, error) {
		if !h.master.Signals().Stopping() {
			return nil, nil
		}
		return []process.Exit{{PID: pid, Code: 1}}, nil
	}

	code := h.run(t, ctx)
	if code != 0 {
		t.Fatalf("unexpected exit code %d", code)
	}
	if len(h.signaler.sent) == 0 || h.signaler.sent[0].sig != syscall.SIGTERM {
		t.Fatalf("expected SIGTERM to be forwarded, sent %v", h.signaler.sent)
	}
	if len(h.spawner.calls) != 1 {
		t.Fatalf("no respawn expected after cancellation")
	}
}

func TestUntrackedAndStoppedChildren(t *testing.T) {
	h := newHarness(t, 1, 0)
	if err := h.master.Fill(); err != nil {
		t.Fatalf("fill: %v", err)
	}
	pid := h.pid(t, 0)

	h.reaper.then(func() ([]process.Exit, error) {
		return []process.Exit{
			{PID: 999, Code: 0},
			{PID: pid, Stopped: true, Signal: syscall.SIGSTOP},
		}, nil
	})
	h.reaper.then(func() ([]process.Exit, error) {
		if h.master.Pool().Len() != 1 {
			t.Errorf("stopped worker must stay in the pool")
		}
		return []process.Exit{{PID: pid, Code: 0}}, nil
	})

	if code := h.run(t, context.Background()); code != 0 {
		t.Fatalf("unexpected exit code %d", code)
	}
	if h.count(EventTypeUnknown) != 1 || h.count(EventTypeSuspended) != 1 {
		t.Fatalf("expected unknown and suspended events, got %+v", h.events)
	}
}

func TestSignalFailureIsReported(t *testing.T) {
	h := newHarness(t, 1, 0)
	if err := h.master.Fill(); err != nil {
		t.Fatalf("fill: %v", err)
	}
	h.signaler.err = syscall.EPERM
	h.master.Shutdown(syscall.SIGTERM)
	if h.count(EventTypeError) != 1 {
		t.Fatalf("expected an error event for failed delivery")
	}
}

func TestPollReportsDrainedPool(t *testing.T) {
	h := newHarness(t, 1, 0)
	if err := h.master.Fill(); err != nil {
		t.Fatalf("fill: %v", err)
	}
	h.master.Shutdown(syscall.SIGTERM)
	h.reaper.then(func() ([]process.Exit, error) { return nil, nil })
	h.reaper.then(h.exitOf(0, 0))

	if h.master.Poll() {
		t.Fatalf("pool has not drained yet")
	}
	if !h.master.Poll() {
		t.Fatalf("expected drained pool after the last worker exited")
	}
	if len(h.spawner.calls) != 1 {
		t.Fatalf("no respawn expected while stopping")
	}
}
