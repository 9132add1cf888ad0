package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published on the bus.
type EventType string

const (
	EventSessionStarted   EventType = "session.started"
	EventSessionCompleted EventType = "session.completed"
	EventSessionKilled    EventType = "session.killed"
	EventSessionExpired   EventType = "session.expired"

	EventRunStarted   EventType = "run.started"
	EventRunPlanned   EventType = "run.planned"
	EventRunStep      EventType = "run.step"
	EventRunCompleted EventType = "run.completed"
	EventRunBlocked   EventType = "run.blocked"
	EventRunFailed    EventType = "run.failed"
	EventLLMCall      EventType = "llm.call"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler processes a single event.
type EventHandler func(ctx context.Context, event Event)

// EventBus is an in-process publish/subscribe bus.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) (unsubscribe func())
	SubscribeAll(handler EventHandler) (unsubscribe func())
	Close()
}

// RunEventType names a progress event emitted by a streaming run.
type RunEventType string

const (
	RunEventPlan   RunEventType = "plan"
	RunEventStep   RunEventType = "step"
	RunEventPolicy RunEventType = "policy"
	RunEventError  RunEventType = "error"
	RunEventDone   RunEventType = "done"
)

// RunEvent is one typed progress event. Data holds one of the *EventData types.
type RunEvent struct {
	Type RunEventType `json:"type"`
	Data any          `json:"data"`
}

// PlanEventData is emitted once, after safety evaluation.
type PlanEventData struct {
	Runtime        TargetKind   `json:"runtime"`
	Engine         string       `json:"engine"`
	Model          string       `json:"model"`
	Plan           Plan         `json:"plan"`
	Safety         []StepSafety `json:"safety"`
	InputTruncated bool         `json:"inputTruncated,omitempty"`
}

// StepStatus is the phase of a step event.
type StepStatus string

const (
	StepStart    StepStatus = "start"
	StepComplete StepStatus = "complete"
)

// StepEventData is emitted twice per step. Output fields are set on complete only.
type StepEventData struct {
	Status StepStatus `json:"status"`
	StepRecord
}

// PolicyReason explains why a run was stopped before execution.
type PolicyReason string

const (
	PolicyHardDeny          PolicyReason = "hard-deny"
	PolicyNeedsConfirmation PolicyReason = "needs-confirmation"
)

// PolicyEventData is emitted instead of execution when a run is blocked.
type PolicyEventData struct {
	Blocked bool         `json:"blocked"`
	Reason  PolicyReason `json:"reason"`
	Safety  []StepSafety `json:"safety"`
}

// ErrorEventData reports an unrecoverable failure. Index is set for step failures.
type ErrorEventData struct {
	Index   *int   `json:"index,omitempty"`
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
}

// DoneEventData terminates a stream.
type DoneEventData struct {
	Stage Stage `json:"stage,omitempty"`
}
