package tui

import (
	"sort"
	"sync"
	"time"

	"github.com/Paintersrp/prefork/internal/runtime/process"
)

// Snapshot is one reading of the process table for a pool.
type Snapshot struct {
	Taken     time.Time
	MasterPID int
	Master    bool
	Expected  int
	Workers   []process.Info
}

// State describes a PIN as seen by the watcher.
type State string

const (
	StateRunning State = "running"
	StateMissing State = "missing"
	StateStale   State = "untracked"
)

// WorkerStatus is the presentation copy of a tracked PIN.
type WorkerStatus struct {
	PIN       int
	PID       int
	State     State
	Restarts  int
	FirstSeen time.Time
	Started   time.Time
	RSS       uint64
	CPU       float64
	Command   string
}

type pinStatus struct {
	pid       int
	state     State
	restarts  int
	firstSeen time.Time
	info      process.Info
}

// Tracker keeps per-PIN history across snapshots. A PIN whose pid changes
// between two readings counts as a restart.
type Tracker struct {
	mu sync.RWMutex

	masterPID int
	master    bool
	expected  int
	taken     time.Time
	err       error

	pins   map[int]*pinStatus
	extras []process.Info
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{pins: make(map[int]*pinStatus)}
}

// Observe folds a snapshot, or the error that prevented one, into the
// tracker.
func (t *Tracker) Observe(snap Snapshot, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		t.err = err
		return
	}
	t.err = nil
	if snap.Taken.IsZero() {
		snap.Taken = time.Now()
	}
	if snap.MasterPID != t.masterPID {
		// A different master owns a fresh pool.
		t.pins = make(map[int]*pinStatus)
	}
	t.masterPID = snap.MasterPID
	t.master = snap.Master
	t.expected = snap.Expected
	t.taken = snap.Taken
	t.extras = t.extras[:0]

	seen := make(map[int]bool, len(snap.Workers))
	for _, info := range snap.Workers {
		if info.PIN < 0 {
			t.extras = append(t.extras, info)
			continue
		}
		seen[info.PIN] = true
		st := t.pins[info.PIN]
		if st == nil {
			st = &pinStatus{firstSeen: snap.Taken}
			t.pins[info.PIN] = st
		} else if st.pid != 0 && st.pid != info.PID {
			st.restarts++
		}
		st.pid = info.PID
		st.state = StateRunning
		st.info = info
	}
	for pin := 0; pin < snap.Expected; pin++ {
		if _, ok := t.pins[pin]; !ok {
			t.pins[pin] = &pinStatus{firstSeen: snap.Taken}
		}
	}
	for pin, st := range t.pins {
		if !seen[pin] {
			st.state = StateMissing
			st.info = process.Info{PIN: pin}
		}
	}
}

// Summary reports the pool-wide part of the last reading.
type Summary struct {
	MasterPID int
	Master    bool
	Expected  int
	Running   int
	Restarts  int
	Taken     time.Time
	Err       error
}

// Summary returns the pool-wide counters.
func (t *Tracker) Summary() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Summary{
		MasterPID: t.masterPID,
		Master:    t.master,
		Expected:  t.expected,
		Taken:     t.taken,
		Err:       t.err,
	}
	for _, st := range t.pins {
		if st.state == StateRunning {
			s.Running++
		}
		s.Restarts += st.restarts
	}
	return s
}

// Workers returns every tracked PIN ordered by PIN, followed by children of
// the master that carry no PIN.
func (t *Tracker) Workers() []WorkerStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pins := make([]int, 0, len(t.pins))
	for pin := range t.pins {
		pins = append(pins, pin)
	}
	sort.Ints(pins)

	out := make([]WorkerStatus, 0, len(pins)+len(t.extras))
	for _, pin := range pins {
		st := t.pins[pin]
		out = append(out, WorkerStatus{
			PIN:       pin,
			PID:       st.info.PID,
			State:     st.state,
			Restarts:  st.restarts,
			FirstSeen: st.firstSeen,
			Started:   st.info.Started,
			RSS:       st.info.RSS,
			CPU:       st.info.CPU,
			Command:   st.info.Command,
		})
	}
	for _, info := range t.extras {
		out = append(out, WorkerStatus{
			PIN:     -1,
			PID:     info.PID,
			State:   StateStale,
			Started: info.Started,
			RSS:     info.RSS,
			CPU:     info.CPU,
			Command: info.Command,
		})
	}
	return out
}
