package engine

import (
	"errors"
	"reflect"
	"syscall"
	"testing"
	"time"
)

func TestEscalationKillsUnresponsiveTree(t *testing.T) {
	signaler := &fakeSignaler{}
	var slept []time.Duration
	dispatched := 0
	var events []Event

	esc := &Escalation{
		Signaler: signaler,
		Known:    func() []int { return []int{201, 202} },
		Dispatch: func() { dispatched++ },
		Alive:    func(int) bool { return true },
		Sleep:    func(d time.Duration) { slept = append(slept, d) },
		Events:   func(evt Event) { events = append(events, evt) },
	}
	outcome := esc.Run(200, syscall.SIGTERM)

	if !outcome.Forced {
		t.Fatalf("expected forced outcome")
	}
	if !reflect.DeepEqual(outcome.Killed, []int{201, 202, 200}) {
		t.Fatalf("unexpected kill list %v", outcome.Killed)
	}
	if len(slept) != EscalationPolls || slept[0] != EscalationInterval {
		t.Fatalf("expected %d polls of %s, got %v", EscalationPolls, EscalationInterval, slept)
	}
	if dispatched != EscalationPolls {
		t.Fatalf("expected pending signals to be handled on every poll, got %d", dispatched)
	}
	want := []sent{
		{pid: 200, sig: syscall.SIGTERM},
		{pid: 201, sig: syscall.SIGKILL},
		{pid: 202, sig: syscall.SIGKILL},
		{pid: 200, sig: syscall.SIGKILL},
	}
	if !reflect.DeepEqual(signaler.sent, want) {
		t.Fatalf("unexpected signals %+v", signaler.sent)
	}
	if len(events) != 1 || events[0].Type != EventTypeEscalated || events[0].Workers != 3 {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestEscalationStopsWhenMasterExits(t *testing.T) {
	signaler := &fakeSignaler{}
	polls := 0
	esc := &Escalation{
		Signaler: signaler,
		Known:    func() []int { t.Fatalf("known workers should not be queried"); return nil },
		Alive: func(int) bool {
			polls++
			return polls < 2
		},
		Sleep: func(time.Duration) {},
	}
	outcome := esc.Run(300, syscall.SIGINT)

	if outcome.Forced || len(outcome.Killed) != 0 {
		t.Fatalf("expected cooperative outcome, got %+v", outcome)
	}
	if polls != 2 {
		t.Fatalf("expected to stop after the second poll, got %d", polls)
	}
	if len(signaler.sent) != 1 || signaler.sent[0].sig != syscall.SIGINT {
		t.Fatalf("unexpected signals %+v", signaler.sent)
	}
}

func TestEscalationWithoutMasterKillsKnownWorkers(t *testing.T) {
	signaler := &fakeSignaler{}
	esc := &Escalation{
		Signaler: signaler,
		Known:    func() []int { return []int{11} },
		Sleep:    func(time.Duration) {},
		Polls:    2,
	}
	outcome := esc.Run(0, syscall.SIGTERM)
	if !reflect.DeepEqual(outcome.Killed, []int{11}) {
		t.Fatalf("unexpected kill list %v", outcome.Killed)
	}
	if len(signaler.sent) != 1 {
		t.Fatalf("master pid 0 must never be signaled, got %+v", signaler.sent)
	}
}

func TestEscalationReportsKillFailures(t *testing.T) {
	signaler := &fakeSignaler{err: errors.New("operation not permitted")}
	var failures int
	esc := &Escalation{
		Signaler: signaler,
		Known:    func() []int { return []int{5} },
		Sleep:    func(time.Duration) {},
		Polls:    1,
		Events: func(evt Event) {
			if evt.Type == EventTypeError {
				failures++
			}
		},
	}
	outcome := esc.Run(4, syscall.SIGTERM)
	if !outcome.Forced || len(outcome.Killed) != 0 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if failures != 3 {
		t.Fatalf("expected three delivery failures, got %d", failures)
	}
}
