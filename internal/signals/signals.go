// Package signals converts termination requests into a process-wide status
// transition.
//
// Signals are queued by the Go runtime as they arrive but only acted upon at
// explicit dispatch points: the master's control loop, or a worker calling
// Dispatch. Work in progress is never interrupted.
package signals

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// Status is the supervisor-wide run state.
type Status int32

const (
	StatusRunning Status = iota + 1
	StatusStopping
)

// String returns the string representation of a Status.
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Handled lists the signals that request a shutdown.
var Handled = []os.Signal{syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM}

// Coordinator owns the status of one process and the signal queue feeding it.
type Coordinator struct {
	once    sync.Once
	pending chan os.Signal
	status  atomic.Int32
	onStop  func(syscall.Signal)

	notify func(chan<- os.Signal, ...os.Signal)
}

// New constructs a coordinator in the running state. onStop runs for every
// handled signal after the status has moved to stopping.
func New(onStop func(syscall.Signal)) *Coordinator {
	c := &Coordinator{
		pending: make(chan os.Signal, 8),
		onStop:  onStop,
		notify:  signal.Notify,
	}
	c.status.Store(int32(StatusRunning))
	return c
}

// Install subscribes to the handled signals. Repeated calls are no-ops.
func (c *Coordinator) Install() {
	c.once.Do(func() {
		c.notify(c.pending, Handled...)
	})
}

// C exposes the queue of received but not yet handled signals.
func (c *Coordinator) C() <-chan os.Signal {
	return c.pending
}

// Handle applies one signal: the status becomes stopping and the stop
// callback runs.
func (c *Coordinator) Handle(sig os.Signal) {
	c.status.Store(int32(StatusStopping))
	if c.onStop == nil {
		return
	}
	s, ok := sig.(syscall.Signal)
	if !ok {
		s = syscall.SIGTERM
	}
	c.onStop(s)
}

// Dispatch handles every queued signal without blocking and returns how many
// were processed.
func (c *Coordinator) Dispatch() int {
	n := 0
	for {
		select {
		case sig := <-c.pending:
			c.Handle(sig)
			n++
		default:
			return n
		}
	}
}

// Status returns the current status.
func (c *Coordinator) Status() Status {
	return Status(c.status.Load())
}

// Stopping reports whether a shutdown has been requested.
func (c *Coordinator) Stopping() bool {
	return c.Status() == StatusStopping
}
