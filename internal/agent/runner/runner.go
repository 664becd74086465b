// Package runner spawns and supervises agent CLI subprocesses.
package runner

import "context"

// EventType identifies a process lifecycle or output event
type EventType string

const (
	EventStarted    EventType = "started"
	EventStdoutLine EventType = "stdout_line"
	EventStderrLine EventType = "stderr_line"
	EventCompleted  EventType = "completed"
	EventError      EventType = "error"
)

// Event is one process lifecycle or output event. Output events carry one
// line; the consumer reassembles the full transcript.
type Event struct {
	Type      EventType `json:"type"`
	ProcessID string    `json:"process_id"`
	SessionID string    `json:"session_id,omitempty"`
	Line      string    `json:"line,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// SpawnOptions configures one agent invocation
type SpawnOptions struct {
	// Agent selects the CLI family ("claude", "codex"). Empty uses the
	// runner's default.
	Agent string

	Prompt           string
	WorkingDirectory string

	// SessionID resumes a prior agent session when non-empty
	SessionID string

	// AppendSystemPrompt is extra system prompt text appended to the
	// agent's own
	AppendSystemPrompt string

	// JSONSchema, when non-empty, instructs the agent to emit its final
	// answer as a JSON object matching the schema
	JSONSchema string

	AllowedTools []string
	MaxTurns     int

	// NoSessionPersistence disables session storage for throwaway runs
	NoSessionPersistence bool
}

// AgentRunner manages agent subprocesses. Spawn is asynchronous: the
// returned channel delivers lifecycle and output events and is closed after
// the terminal completed or error event.
type AgentRunner interface {
	Spawn(ctx context.Context, opts SpawnOptions) (<-chan Event, error)
	// ListProcesses returns the IDs of all currently live processes.
	ListProcesses(ctx context.Context) ([]string, error)
	KillProcess(ctx context.Context, id string) error
}
