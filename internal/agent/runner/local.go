package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stageflow/stageflow/internal/agent/credentials"
	"github.com/stageflow/stageflow/internal/common/logger"
)

// eventBufferSize bounds the per-process event channel. Slow consumers
// block the readers rather than dropping output.
const eventBufferSize = 256

// CommandBuilder turns spawn options into an argv for one CLI family
type CommandBuilder func(opts SpawnOptions) (name string, args []string)

// LocalRunner runs agent CLIs as local subprocesses
type LocalRunner struct {
	logger       *logger.Logger
	defaultAgent string
	commands     map[string]CommandBuilder
	creds        *credentials.EnvProvider

	mu        sync.RWMutex
	processes map[string]*localProcess
}

var _ AgentRunner = (*LocalRunner)(nil)

type localProcess struct {
	id  string
	cmd *exec.Cmd
}

// NewLocalRunner creates a runner with builders for the known CLI families
func NewLocalRunner(log *logger.Logger, defaultAgent string) *LocalRunner {
	if defaultAgent == "" {
		defaultAgent = "claude"
	}
	return &LocalRunner{
		logger:       log.WithFields(zap.String("component", "agent-runner")),
		defaultAgent: defaultAgent,
		commands: map[string]CommandBuilder{
			"claude": buildClaudeCommand,
			"codex":  buildCodexCommand,
		},
		creds:     credentials.NewEnvProvider("STAGEFLOW_"),
		processes: make(map[string]*localProcess),
	}
}

// RegisterCommand installs or replaces the builder for an agent name
func (r *LocalRunner) RegisterCommand(agent string, builder CommandBuilder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[agent] = builder
}

// Spawn starts an agent subprocess and streams its events.
//
// The subprocess intentionally does not inherit ctx: the HTTP request that
// triggered the stage must not kill the agent when it completes. Cancel via
// KillProcess.
func (r *LocalRunner) Spawn(ctx context.Context, opts SpawnOptions) (<-chan Event, error) {
	agent := opts.Agent
	if agent == "" {
		agent = r.defaultAgent
	}

	r.mu.RLock()
	builder, ok := r.commands[agent]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent: %s", agent)
	}

	name, args := builder(opts)
	cmd := exec.Command(name, args...)
	cmd.Dir = opts.WorkingDirectory
	if extra := r.creds.AgentEnv(); len(extra) > 0 {
		cmd.Env = append(os.Environ(), extra...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}

	proc := &localProcess{id: uuid.New().String(), cmd: cmd}
	r.mu.Lock()
	r.processes[proc.id] = proc
	r.mu.Unlock()

	r.logger.Info("agent process started",
		zap.String("agent", agent),
		zap.String("process_id", proc.id),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("workdir", opts.WorkingDirectory))

	events := make(chan Event, eventBufferSize)
	events <- Event{Type: EventStarted, ProcessID: proc.id}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			events <- Event{
				Type:      EventStdoutLine,
				ProcessID: proc.id,
				SessionID: sniffSessionID(line),
				Line:      line,
			}
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			events <- Event{Type: EventStderrLine, ProcessID: proc.id, Line: scanner.Text()}
		}
	}()

	go func() {
		wg.Wait()
		err := cmd.Wait()

		r.mu.Lock()
		delete(r.processes, proc.id)
		r.mu.Unlock()

		exitCode := 0
		if err != nil {
			exitCode = -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			}
		}

		if err != nil && exitCode != 0 {
			r.logger.Info("agent process exited with error",
				zap.String("process_id", proc.id), zap.Error(err))
			events <- Event{Type: EventError, ProcessID: proc.id, ExitCode: exitCode, Message: err.Error()}
		} else {
			r.logger.Info("agent process exited",
				zap.String("process_id", proc.id), zap.Int("exit_code", exitCode))
			events <- Event{Type: EventCompleted, ProcessID: proc.id, ExitCode: exitCode}
		}
		close(events)
	}()

	return events, nil
}

// ListProcesses returns the IDs of all currently live processes
func (r *LocalRunner) ListProcesses(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.processes))
	for id := range r.processes {
		ids = append(ids, id)
	}
	return ids, nil
}

// KillProcess force-kills a live process by ID
func (r *LocalRunner) KillProcess(ctx context.Context, id string) error {
	r.mu.RLock()
	proc, ok := r.processes[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("process not found: %s", id)
	}

	r.logger.Warn("killing agent process", zap.String("process_id", id))
	return proc.cmd.Process.Kill()
}

// sniffSessionID pulls a session identifier out of a stream event line, if
// the line is a JSON object carrying one
func sniffSessionID(line string) string {
	if !strings.HasPrefix(strings.TrimSpace(line), "{") {
		return ""
	}
	var event struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		return ""
	}
	return event.SessionID
}

// buildClaudeCommand builds the argv for a headless claude run using the
// stream-json protocol
func buildClaudeCommand(opts SpawnOptions) (string, []string) {
	args := []string{"-p", "--output-format=stream-json", "--verbose"}

	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if opts.NoSessionPersistence {
		args = append(args, "--no-session-persistence")
	}

	systemPrompt := opts.AppendSystemPrompt
	if opts.JSONSchema != "" {
		schemaNote := "Respond with a single JSON object matching this schema:\n" + opts.JSONSchema
		if systemPrompt != "" {
			systemPrompt += "\n\n" + schemaNote
		} else {
			systemPrompt = schemaNote
		}
	}
	if systemPrompt != "" {
		args = append(args, "--append-system-prompt", systemPrompt)
	}

	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}

	args = append(args, opts.Prompt)
	return "claude", args
}

// buildCodexCommand builds the argv for a headless codex run using the
// exec-json protocol
func buildCodexCommand(opts SpawnOptions) (string, []string) {
	args := []string{"exec", "--json"}

	if opts.SessionID != "" {
		args = append(args, "resume", opts.SessionID)
	}
	if opts.WorkingDirectory != "" {
		args = append(args, "--cd", opts.WorkingDirectory)
	}

	prompt := opts.Prompt
	if opts.JSONSchema != "" {
		prompt += "\n\nRespond with a single JSON object matching this schema:\n" + opts.JSONSchema
	}

	args = append(args, prompt)
	return "codex", args
}
