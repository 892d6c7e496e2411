package engine

import (
	"syscall"
	"time"
)

// EventType captures high level lifecycle notifications emitted by the master
// and the escalation path.
type EventType string

const (
	EventTypeSpawned   EventType = "spawned"
	EventTypeExited    EventType = "exited"
	EventTypeRespawn   EventType = "respawn"
	EventTypeSuspended EventType = "suspended"
	EventTypeStopping  EventType = "stopping"
	EventTypeDrained   EventType = "drained"
	EventTypeFailed    EventType = "failed"
	EventTypeError     EventType = "error"
	EventTypeUnknown   EventType = "unknown_child"
	EventTypeEscalated EventType = "escalated"
)

// Event represents a single lifecycle notification. PIN is -1 for events that
// concern the master or the pool as a whole.
type Event struct {
	Timestamp time.Time
	Type      EventType
	PIN       int
	PID       int
	Code      int
	Signal    syscall.Signal
	Message   string
	Reason    string
	Err       error
	Workers   int
}

const (
	ReasonInitialStart  = "initial_start"
	ReasonNormalExit    = "normal_exit"
	ReasonAbnormalExit  = "abnormal_exit"
	ReasonShutdown      = "shutdown"
	ReasonSpawnFailure  = "spawn_failure"
	ReasonPoolEmpty     = "pool_empty"
	ReasonNoChildren    = "no_children"
	ReasonSignalFailed  = "signal_failed"
	ReasonReapFailed    = "reap_failed"
	ReasonTimeout       = "timeout"
	ReasonMasterStopped = "master_stopped"
)

func sendEvent(events func(Event), evt Event) {
	if events == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	events(evt)
}

// Fanout returns a handler that delivers every event to each non-nil handler
// in order.
func Fanout(handlers ...func(Event)) func(Event) {
	active := make([]func(Event), 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			active = append(active, h)
		}
	}
	return func(evt Event) {
		for _, h := range active {
			h(evt)
		}
	}
}
