package orchestration

import (
	"time"
)

// TurnEventType classifies a progress event within a turn.
type TurnEventType string

const (
	EventTurnStarted   TurnEventType = "turn_started"
	EventStepStarted   TurnEventType = "step_started"
	EventStepCompleted TurnEventType = "step_completed"
	EventRework        TurnEventType = "rework"
	EventTurnCompleted TurnEventType = "turn_completed"
	EventTurnFailed    TurnEventType = "turn_failed"
)

// TurnEvent is a progress notification emitted while a turn runs, consumed
// by streaming clients watching a thread.
type TurnEvent struct {
	ThreadID  string        `json:"thread_id"`
	Type      TurnEventType `json:"event_type"`
	Step      Step          `json:"step,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// EventSink receives turn events. Implementations must not block: the engine
// publishes on its critical path.
type EventSink interface {
	Publish(ev TurnEvent)
}
