package domain

import "time"

// SessionStatus is the lifecycle state of a spawned process.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionKilled    SessionStatus = "killed"
)

// SpawnResult is returned by SessionStore.Spawn. When the process finishes
// inside the wait window Completed is set and Output holds everything;
// otherwise SessionID identifies the still-running session.
type SpawnResult struct {
	Completed     bool   `json:"completed"`
	Output        string `json:"output,omitempty"`
	ExitCode      *int   `json:"exitCode,omitempty"`
	ExecutionTime int64  `json:"executionTime,omitempty"` // milliseconds
	SessionID     string `json:"sessionId,omitempty"`
	Message       string `json:"message,omitempty"`
	PartialOutput string `json:"partialOutput,omitempty"`
	Timeout       int64  `json:"timeout,omitempty"` // milliseconds
}

// SessionChunk is one slice of a session's buffered output.
type SessionChunk struct {
	SessionID   string `json:"sessionId"`
	Output      string `json:"output"`
	Completed   bool   `json:"completed"`
	TotalLength int    `json:"totalLength"`
	HasMore     bool   `json:"hasMore"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// SessionInfo is a summary view of a session.
type SessionInfo struct {
	ID        string        `json:"id"`
	Command   string        `json:"command"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   *time.Time    `json:"endedAt,omitempty"`
	ExitCode  *int          `json:"exitCode,omitempty"`
	Length    int           `json:"length"`
}
