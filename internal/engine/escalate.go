package engine

import (
	"syscall"
	"time"
)

const (
	// EscalationPolls is how many times the escalation path waits for a
	// cooperative shutdown before killing the process tree.
	EscalationPolls = 5
	// EscalationInterval is the delay between polls.
	EscalationInterval = time.Second
)

// Escalation asks a master to shut down and forcibly kills it together with its
// workers if it has not gone away within the polling window.
type Escalation struct {
	Signaler Signaler

	// Known returns the worker pids to kill when escalating.
	Known func() []int
	// Dispatch handles signals queued for the calling process between polls.
	Dispatch func()
	// Alive reports whether the master still has to stop; returning false
	// ends the wait early. Nil means the full window is always observed.
	Alive func(pid int) bool

	Sleep    func(time.Duration)
	Polls    int
	Interval time.Duration
	Events   func(Event)
}

// Outcome reports how an escalation ended.
type Outcome struct {
	Forced bool
	Killed []int
}

// Run sends sig to masterPID and waits for the shutdown to complete.
func (e *Escalation) Run(masterPID int, sig syscall.Signal) Outcome {
	polls := e.Polls
	if polls <= 0 {
		polls = EscalationPolls
	}
	interval := e.Interval
	if interval <= 0 {
		interval = EscalationInterval
	}
	sleep := e.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	if masterPID > 0 {
		if err := e.Signaler.Signal(masterPID, sig); err != nil {
			sendEvent(e.Events, Event{Type: EventTypeError, PIN: -1, PID: masterPID, Signal: sig, Reason: ReasonSignalFailed, Err: err, Message: "signal delivery to master failed"})
		}
	}

	for i := 0; i < polls; i++ {
		sleep(interval)
		if e.Dispatch != nil {
			e.Dispatch()
		}
		if e.Alive != nil && masterPID > 0 && !e.Alive(masterPID) {
			sendEvent(e.Events, Event{Type: EventTypeDrained, PIN: -1, PID: masterPID, Reason: ReasonMasterStopped, Message: "master stopped"})
			return Outcome{}
		}
	}

	var targets []int
	if e.Known != nil {
		targets = append(targets, e.Known()...)
	}
	if masterPID > 0 {
		targets = append(targets, masterPID)
	}

	outcome := Outcome{Forced: true}
	for _, pid := range targets {
		if err := e.Signaler.Signal(pid, syscall.SIGKILL); err != nil {
			sendEvent(e.Events, Event{Type: EventTypeError, PIN: -1, PID: pid, Signal: syscall.SIGKILL, Reason: ReasonSignalFailed, Err: err, Message: "kill failed"})
			continue
		}
		outcome.Killed = append(outcome.Killed, pid)
	}
	sendEvent(e.Events, Event{Type: EventTypeEscalated, PIN: -1, PID: masterPID, Signal: syscall.SIGKILL, Reason: ReasonTimeout, Message: "shutdown timed out, killed process tree", Workers: len(outcome.Killed)})
	return outcome
}
