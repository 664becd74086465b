// Package engine orchestrates stage execution for pipeline tasks.
//
// The engine owns the stage attempt lifecycle: it renders the prompt from
// prior stage outputs, spawns the agent process, accumulates streamed
// output, finalizes results, and gates advancement on user decisions.
// For a given (task, template) pair at most one attempt may be running or
// awaiting_user at any time; a redo creates a fresh attempt with an
// incremented counter.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stageflow/stageflow/internal/agent/runner"
	apperrors "github.com/stageflow/stageflow/internal/common/errors"
	"github.com/stageflow/stageflow/internal/common/logger"
	"github.com/stageflow/stageflow/internal/events"
	"github.com/stageflow/stageflow/internal/events/bus"
	"github.com/stageflow/stageflow/internal/pipeline/detect"
	"github.com/stageflow/stageflow/internal/pipeline/extract"
	"github.com/stageflow/stageflow/internal/pipeline/gate"
	"github.com/stageflow/stageflow/internal/pipeline/repository"
	"github.com/stageflow/stageflow/internal/pipeline/template"
	v1 "github.com/stageflow/stageflow/pkg/api/v1"
)

// Options configures the engine
type Options struct {
	// DefaultAgent is used when a template does not select one
	DefaultAgent string

	// MaxTurns bounds each agent invocation, 0 means unlimited
	MaxTurns int

	// WorkingDirectory is the fallback when a task has none
	WorkingDirectory string
}

// RunningAttempt is a snapshot of one live attempt, consumed by the health
// monitor
type RunningAttempt struct {
	ExecutionID string
	TaskID      string
	TemplateID  string
	ProcessID   string
}

// Engine drives stage executions through their state machine
type Engine struct {
	repo   repository.Repository
	runner runner.AgentRunner
	bus    bus.EventBus
	logger *logger.Logger
	opts   Options

	// active tracks attempts with a live consumer goroutine, keyed by
	// execution ID
	mu     sync.RWMutex
	active map[string]*RunningAttempt

	// stageMu guards stageLocks, which serialize the conflict-check and
	// attempt-create window per (task, template) pair
	stageMu    sync.Mutex
	stageLocks map[string]*sync.Mutex
}

// NewEngine creates a new execution engine
func NewEngine(repo repository.Repository, agentRunner runner.AgentRunner, eventBus bus.EventBus, log *logger.Logger, opts Options) *Engine {
	return &Engine{
		repo:       repo,
		runner:     agentRunner,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "engine")),
		opts:       opts,
		active:     make(map[string]*RunningAttempt),
		stageLocks: make(map[string]*sync.Mutex),
	}
}

// lockStage acquires the mutex serializing attempt creation for one
// (task, template) pair and returns its unlock function. Without it,
// concurrent start requests could each pass the running/awaiting_user
// conflict check and create their own attempt.
func (e *Engine) lockStage(taskID, templateID string) func() {
	e.stageMu.Lock()
	key := taskID + "/" + templateID
	l, ok := e.stageLocks[key]
	if !ok {
		l = &sync.Mutex{}
		e.stageLocks[key] = l
	}
	e.stageMu.Unlock()

	l.Lock()
	return l.Unlock
}

// ShouldAutoStart reports whether a stage may start without an explicit user
// action. Merge and interactive stages always wait for the user, as does any
// template that declares it needs input.
func ShouldAutoStart(tmpl *v1.StageTemplate) bool {
	if tmpl.RequiresUserInput {
		return false
	}
	switch tmpl.OutputFormat {
	case v1.FormatMerge, v1.FormatInteractiveTerminal:
		return false
	}
	return true
}

// StartStage begins a new attempt of a stage for a task.
//
// It refuses with a conflict error while a prior attempt is still running or
// awaiting_user. After a terminal attempt it creates the next attempt,
// carrying the prior attempt's result as redo context.
func (e *Engine) StartStage(ctx context.Context, taskID, templateID, userInput string) (*v1.StageExecution, error) {
	unlock := e.lockStage(taskID, templateID)
	defer unlock()

	task, err := e.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	tmpl, err := e.repo.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	priorOutput := ""
	latest, err := e.repo.LatestExecution(ctx, taskID, templateID)
	switch {
	case err == nil:
		if latest.Status == v1.ExecutionStatusRunning || latest.Status == v1.ExecutionStatusAwaitingUser {
			return nil, apperrors.Conflict(fmt.Sprintf(
				"stage '%s' already has attempt %d in state %s", tmpl.Name, latest.AttemptNumber, latest.Status))
		}
		priorOutput = latest.StageResult
		if priorOutput == "" {
			priorOutput = latest.RawOutput
		}
	case apperrors.IsNotFound(err):
		// First attempt
	default:
		return nil, err
	}

	count, err := e.repo.CountAttempts(ctx, taskID, templateID)
	if err != nil {
		return nil, err
	}

	if tmpl.InputSource == v1.InputSourcePreviousStage {
		userInput = ""
	}

	pctx, err := e.buildContext(ctx, task, tmpl, userInput, priorOutput)
	if err != nil {
		return nil, err
	}
	prompt := template.Render(tmpl.PromptTemplate, pctx)

	exec := &v1.StageExecution{
		TaskID:          taskID,
		StageTemplateID: templateID,
		AttemptNumber:   count + 1,
		Status:          v1.ExecutionStatusPending,
		InputPrompt:     prompt,
		UserInput:       userInput,
	}
	if err := e.repo.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	task.Status = v1.TaskStatusInProgress
	task.CurrentStageID = tmpl.ID
	if err := e.repo.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	return e.launch(ctx, task, tmpl, exec, prompt, "")
}

// Redo runs another attempt of a stage whose latest attempt is terminal.
// The prior attempt's result is threaded into the new prompt.
func (e *Engine) Redo(ctx context.Context, taskID, templateID, userInput string) (*v1.StageExecution, error) {
	return e.StartStage(ctx, taskID, templateID, userInput)
}

// Resubmit sends user answers back into an awaiting_user attempt, resuming
// the same agent session with the same attempt number.
func (e *Engine) Resubmit(ctx context.Context, executionID, userInput string) (*v1.StageExecution, error) {
	exec, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	unlock := e.lockStage(exec.TaskID, exec.StageTemplateID)
	defer unlock()

	// Re-read under the stage lock: a racing resubmit or failure may have
	// moved the attempt since the first read
	exec, err = e.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != v1.ExecutionStatusAwaitingUser {
		return nil, apperrors.Conflict(fmt.Sprintf("execution is %s, expected awaiting_user", exec.Status))
	}

	task, err := e.repo.GetTask(ctx, exec.TaskID)
	if err != nil {
		return nil, err
	}
	tmpl, err := e.repo.GetTemplate(ctx, exec.StageTemplateID)
	if err != nil {
		return nil, err
	}

	pctx, err := e.buildContext(ctx, task, tmpl, userInput, exec.StageResult)
	if err != nil {
		return nil, err
	}
	prompt := template.Render(tmpl.PromptTemplate, pctx)

	exec.UserInput = userInput
	exec.InputPrompt = prompt
	if err := e.repo.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}

	return e.launch(ctx, task, tmpl, exec, prompt, exec.SessionID)
}

// launch spawns the agent and moves the execution to running. A session ID
// resumes a prior agent session.
func (e *Engine) launch(ctx context.Context, task *v1.Task, tmpl *v1.StageTemplate, exec *v1.StageExecution, prompt, sessionID string) (*v1.StageExecution, error) {
	workdir := task.WorkingDirectory
	if workdir == "" {
		workdir = e.opts.WorkingDirectory
	}
	agent := tmpl.Agent
	if agent == "" {
		agent = e.opts.DefaultAgent
	}

	eventCh, err := e.runner.Spawn(ctx, runner.SpawnOptions{
		Agent:            agent,
		Prompt:           prompt,
		WorkingDirectory: workdir,
		SessionID:        sessionID,
		JSONSchema:       tmpl.OutputSchema,
		AllowedTools:     tmpl.AllowedTools,
		MaxTurns:         e.opts.MaxTurns,
	})
	if err != nil {
		msg := "Failed to start agent: " + err.Error()
		if _, failErr := e.Fail(ctx, exec.ID, msg); failErr != nil {
			e.logger.Error("failed to record spawn failure",
				zap.String("execution_id", exec.ID), zap.Error(failErr))
		}
		return nil, apperrors.InternalError("failed to start agent", err)
	}

	now := time.Now().UTC()
	exec.Status = v1.ExecutionStatusRunning
	exec.StartedAt = &now
	exec.LastActivityAt = now
	if err := e.repo.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.active[exec.ID] = &RunningAttempt{
		ExecutionID: exec.ID,
		TaskID:      exec.TaskID,
		TemplateID:  exec.StageTemplateID,
	}
	e.mu.Unlock()

	e.logger.Info("stage attempt started",
		zap.String("task_id", exec.TaskID),
		zap.String("stage", tmpl.Name),
		zap.Int("attempt", exec.AttemptNumber))
	e.publish(events.StageStarted, map[string]interface{}{
		"task_id":      exec.TaskID,
		"execution_id": exec.ID,
		"stage_name":   tmpl.Name,
		"attempt":      exec.AttemptNumber,
	})

	go e.consume(tmpl, exec.ID, exec.TaskID, eventCh)
	return exec, nil
}

// consume drains the agent event stream for one attempt. It owns the
// raw_output accumulator: no other goroutine appends to this attempt.
func (e *Engine) consume(tmpl *v1.StageTemplate, executionID, taskID string, eventCh <-chan runner.Event) {
	ctx := context.Background()
	var raw strings.Builder
	var sessionID string

	for ev := range eventCh {
		switch ev.Type {
		case runner.EventStarted:
			e.recordProcess(ctx, executionID, ev.ProcessID)

		case runner.EventStdoutLine, runner.EventStderrLine:
			raw.WriteString(ev.Line)
			raw.WriteByte('\n')
			if ev.SessionID != "" {
				sessionID = ev.SessionID
			}
			e.touch(ctx, executionID, raw.String(), sessionID)
			e.publishOutput(taskID, executionID, ev)

		case runner.EventCompleted:
			e.finalize(ctx, tmpl, executionID, raw.String(), sessionID)

		case runner.EventError:
			msg := ev.Message
			if msg == "" {
				msg = fmt.Sprintf("Agent process failed with exit code %d", ev.ExitCode)
			}
			if _, err := e.Fail(ctx, executionID, msg); err != nil {
				e.logger.Error("failed to record process error",
					zap.String("execution_id", executionID), zap.Error(err))
			}
		}
	}
}

// recordProcess stores the live process ID on the attempt so the health
// monitor can check liveness
func (e *Engine) recordProcess(ctx context.Context, executionID, processID string) {
	e.mu.Lock()
	if a, ok := e.active[executionID]; ok {
		a.ProcessID = processID
	}
	e.mu.Unlock()

	exec, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		return
	}
	exec.ProcessID = processID
	if err := e.repo.UpdateExecution(ctx, exec); err != nil {
		e.logger.Error("failed to record process id",
			zap.String("execution_id", executionID), zap.Error(err))
	}
}

// touch persists accumulated output and bumps the activity timestamp. The
// repository makes the write conditional on the attempt still being running,
// so a racing terminal transition is never overwritten with stale state.
func (e *Engine) touch(ctx context.Context, executionID, raw, sessionID string) {
	if err := e.repo.TouchExecution(ctx, executionID, raw, sessionID); err != nil {
		e.logger.Error("failed to persist output",
			zap.String("execution_id", executionID), zap.Error(err))
	}
}

// finalize interprets the terminal output and parks the attempt in
// awaiting_user for the gate decision. If the health monitor already failed
// the attempt, the late terminal event is a no-op.
func (e *Engine) finalize(ctx context.Context, tmpl *v1.StageTemplate, executionID, raw, sessionID string) {
	exec, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		e.logger.Error("failed to load execution for finalize",
			zap.String("execution_id", executionID), zap.Error(err))
		return
	}
	if exec.Status.IsTerminal() {
		return
	}

	res := extract.Finalize(raw, tmpl.OutputFormat)
	now := time.Now().UTC()
	exec.RawOutput = raw
	exec.ParsedOutput = res.ParsedJSON
	exec.StageResult = res.StageResult
	exec.Summary = res.Summary
	exec.Status = v1.ExecutionStatusAwaitingUser
	exec.LastActivityAt = now
	if sessionID != "" {
		exec.SessionID = sessionID
	}
	if err := e.repo.UpdateExecution(ctx, exec); err != nil {
		e.logger.Error("failed to finalize execution",
			zap.String("execution_id", executionID), zap.Error(err))
		return
	}

	e.clearActive(executionID)
	e.logger.Info("stage attempt completed",
		zap.String("execution_id", executionID),
		zap.String("detected_type", string(res.Type)))
	e.publish(events.StageCompleted, map[string]interface{}{
		"task_id":       exec.TaskID,
		"execution_id":  exec.ID,
		"detected_type": string(res.Type),
		// whether the payload renders its own completion control or the
		// client must supply one
		"owns_output_action": detect.HasOwnOutputAction(exec.ParsedOutput, tmpl.OutputFormat),
	})
}

// Approve records a user decision on an awaiting_user attempt. The decision
// must satisfy the template's gate rule; a rejected decision leaves the
// execution unchanged so the user can retry.
func (e *Engine) Approve(ctx context.Context, executionID, decision string) (*v1.StageExecution, error) {
	exec, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != v1.ExecutionStatusAwaitingUser {
		return nil, apperrors.Conflict(fmt.Sprintf("execution is %s, expected awaiting_user", exec.Status))
	}

	tmpl, err := e.repo.GetTemplate(ctx, exec.StageTemplateID)
	if err != nil {
		return nil, err
	}
	rule, err := gate.ParseRule(tmpl.GateRules)
	if err != nil {
		return nil, apperrors.InternalError("invalid gate rule on template", err)
	}
	if !gate.Validate(rule, decision) {
		return nil, apperrors.ValidationError(fmt.Sprintf("decision does not satisfy gate rule '%s'", rule.Type))
	}

	now := time.Now().UTC()
	exec.UserDecision = decision
	exec.Status = v1.ExecutionStatusApproved
	exec.CompletedAt = &now
	if err := e.repo.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}

	e.logger.Info("stage attempt approved",
		zap.String("task_id", exec.TaskID),
		zap.String("execution_id", exec.ID))
	e.publish(events.StageApproved, map[string]interface{}{
		"task_id":      exec.TaskID,
		"execution_id": exec.ID,
	})

	if err := e.advance(ctx, exec.TaskID, tmpl); err != nil {
		e.logger.Error("failed to advance pipeline",
			zap.String("task_id", exec.TaskID), zap.Error(err))
	}
	return exec, nil
}

// ApproveWithStages approves a stage-selection decision: it pins which
// subsequent stages participate in this task's run and records the
// completion strategy gating PR stages. The pipeline's first stage is always
// kept.
func (e *Engine) ApproveWithStages(ctx context.Context, executionID string, selectedStageIDs []string, strategy v1.CompletionStrategy) (*v1.StageExecution, error) {
	switch strategy {
	case v1.CompletionStrategyPR, v1.CompletionStrategyDirectMerge, v1.CompletionStrategyNone:
	default:
		return nil, apperrors.BadRequest(fmt.Sprintf("unknown completion strategy: %s", strategy))
	}

	exec, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != v1.ExecutionStatusAwaitingUser {
		return nil, apperrors.Conflict(fmt.Sprintf("execution is %s, expected awaiting_user", exec.Status))
	}

	task, err := e.repo.GetTask(ctx, exec.TaskID)
	if err != nil {
		return nil, err
	}
	tmpl, err := e.repo.GetTemplate(ctx, exec.StageTemplateID)
	if err != nil {
		return nil, err
	}
	templates, err := e.repo.ListTemplates(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}

	selected := make(map[string]bool, len(selectedStageIDs))
	for _, id := range selectedStageIDs {
		selected[id] = true
	}

	var finalIDs []string
	for i, t := range templates {
		switch {
		case i == 0:
			// First stage always participates
		case t.OutputFormat == v1.FormatPRPreparation || t.OutputFormat == v1.FormatPRReview:
			if strategy != v1.CompletionStrategyPR {
				continue
			}
		case t.OutputFormat == v1.FormatMerge:
			if strategy == v1.CompletionStrategyNone {
				continue
			}
		default:
			if !selected[t.ID] {
				continue
			}
		}
		finalIDs = append(finalIDs, t.ID)
	}

	decision, err := json.Marshal(map[string]interface{}{
		"selected_stage_ids":  finalIDs,
		"completion_strategy": strategy,
	})
	if err != nil {
		return nil, apperrors.InternalError("failed to encode decision", err)
	}

	task.SelectedStageIDs = finalIDs
	task.CompletionStrategy = strategy
	if err := e.repo.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	exec.UserDecision = string(decision)
	exec.Status = v1.ExecutionStatusApproved
	exec.CompletedAt = &now
	if err := e.repo.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}

	e.logger.Info("stage selection approved",
		zap.String("task_id", task.ID),
		zap.Strings("selected_stage_ids", finalIDs),
		zap.String("completion_strategy", string(strategy)))
	e.publish(events.StageApproved, map[string]interface{}{
		"task_id":      exec.TaskID,
		"execution_id": exec.ID,
	})
	e.publish(events.TaskUpdated, map[string]interface{}{"task_id": task.ID})

	if err := e.advance(ctx, task.ID, tmpl); err != nil {
		e.logger.Error("failed to advance pipeline",
			zap.String("task_id", task.ID), zap.Error(err))
	}
	return exec, nil
}

// Fail records a terminal failure on an attempt. Failing an already
// terminal execution is a no-op: the monitor's forced failure and a late
// terminal event converge on the same state.
func (e *Engine) Fail(ctx context.Context, executionID, message string) (*v1.StageExecution, error) {
	exec, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return exec, nil
	}

	now := time.Now().UTC()
	exec.Status = v1.ExecutionStatusFailed
	exec.ErrorMessage = message
	exec.CompletedAt = &now
	if err := e.repo.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}

	e.clearActive(executionID)
	e.logger.Warn("stage attempt failed",
		zap.String("task_id", exec.TaskID),
		zap.String("execution_id", executionID),
		zap.String("error", message))
	e.publish(events.StageFailed, map[string]interface{}{
		"task_id":      exec.TaskID,
		"execution_id": exec.ID,
		"error":        message,
	})
	e.publish(events.TaskExecutionsReload, map[string]interface{}{"task_id": exec.TaskID})
	return exec, nil
}

// Abort kills an attempt's live process and fails it with a user-visible
// message
func (e *Engine) Abort(ctx context.Context, executionID string) (*v1.StageExecution, error) {
	e.mu.RLock()
	a, ok := e.active[executionID]
	var processID string
	if ok {
		processID = a.ProcessID
	}
	e.mu.RUnlock()

	if processID != "" {
		if err := e.runner.KillProcess(ctx, processID); err != nil {
			e.logger.Warn("failed to kill process",
				zap.String("process_id", processID), zap.Error(err))
		}
	}
	return e.Fail(ctx, executionID, "Aborted by user")
}

// RunningAttempts returns a snapshot of attempts with live consumers
func (e *Engine) RunningAttempts() []RunningAttempt {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make([]RunningAttempt, 0, len(e.active))
	for _, a := range e.active {
		result = append(result, *a)
	}
	return result
}

// ClearAttempt drops local tracking for an attempt. Called by the health
// monitor after a forced failure.
func (e *Engine) ClearAttempt(executionID string) {
	e.clearActive(executionID)
}

// advance moves the task to the stage after the approved one and auto-starts
// it when allowed. The last stage's approval completes the task.
func (e *Engine) advance(ctx context.Context, taskID string, approved *v1.StageTemplate) error {
	task, err := e.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	next, err := e.nextTemplate(ctx, task, approved)
	if err != nil {
		return err
	}
	if next == nil {
		task.Status = v1.TaskStatusCompleted
		task.CurrentStageID = ""
		if err := e.repo.UpdateTask(ctx, task); err != nil {
			return err
		}
		e.logger.Info("pipeline completed", zap.String("task_id", task.ID))
		e.publish(events.TaskUpdated, map[string]interface{}{"task_id": task.ID})
		return nil
	}

	task.CurrentStageID = next.ID
	if err := e.repo.UpdateTask(ctx, task); err != nil {
		return err
	}
	e.publish(events.TaskUpdated, map[string]interface{}{"task_id": task.ID})

	if !ShouldAutoStart(next) {
		e.logger.Info("next stage waits for user",
			zap.String("task_id", task.ID), zap.String("stage", next.Name))
		return nil
	}

	_, err = e.StartStage(ctx, task.ID, next.ID, "")
	return err
}

// nextTemplate returns the participating template after the given one, or
// nil at the end of the pipeline
func (e *Engine) nextTemplate(ctx context.Context, task *v1.Task, current *v1.StageTemplate) (*v1.StageTemplate, error) {
	templates, err := e.participatingTemplates(ctx, task)
	if err != nil {
		return nil, err
	}
	for _, t := range templates {
		if t.SortOrder > current.SortOrder {
			return t, nil
		}
	}
	return nil, nil
}

// participatingTemplates returns the task's pipeline in order, narrowed to
// the selected stages when a selection has been recorded. The first stage
// always participates.
func (e *Engine) participatingTemplates(ctx context.Context, task *v1.Task) ([]*v1.StageTemplate, error) {
	templates, err := e.repo.ListTemplates(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(task.SelectedStageIDs) == 0 {
		return templates, nil
	}

	selected := make(map[string]bool, len(task.SelectedStageIDs))
	for _, id := range task.SelectedStageIDs {
		selected[id] = true
	}

	var result []*v1.StageTemplate
	for i, t := range templates {
		if i == 0 || selected[t.ID] {
			result = append(result, t)
		}
	}
	return result, nil
}

// buildContext assembles the render context for a stage prompt from the
// approved outputs of earlier participating stages.
func (e *Engine) buildContext(ctx context.Context, task *v1.Task, tmpl *v1.StageTemplate, userInput, priorOutput string) (*template.Context, error) {
	templates, err := e.participatingTemplates(ctx, task)
	if err != nil {
		return nil, err
	}

	var stages []template.StageIO
	var allOutputs []string
	var available []string
	userDecision := ""

	for _, t := range templates {
		if t.SortOrder >= tmpl.SortOrder {
			if t.ID != tmpl.ID {
				available = append(available, fmt.Sprintf("- %s (id: %s)", t.Name, t.ID))
			}
			continue
		}

		latest, err := e.repo.LatestExecution(ctx, task.ID, t.ID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if latest.Status != v1.ExecutionStatusApproved {
			continue
		}

		stages = append(stages, template.StageIO{
			Name:    t.Name,
			Output:  latest.StageResult,
			Summary: latest.Summary,
		})
		if latest.StageResult != "" {
			allOutputs = append(allOutputs, fmt.Sprintf("## %s\n%s", t.Name, latest.StageResult))
		}
		if latest.UserDecision != "" {
			userDecision = latest.UserDecision
		}
	}

	description := task.Description
	if description == "" {
		description = task.Title
	}

	return &template.Context{
		TaskDescription:    description,
		UserInput:          userInput,
		UserDecision:       userDecision,
		PriorAttemptOutput: priorOutput,
		Stages:             stages,
		AllStageOutputs:    strings.Join(allOutputs, "\n\n"),
		AvailableStages:    strings.Join(available, "\n"),
	}, nil
}

func (e *Engine) clearActive(executionID string) {
	e.mu.Lock()
	delete(e.active, executionID)
	e.mu.Unlock()
}

func (e *Engine) publish(eventType string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "engine", data)
	if err := e.bus.Publish(context.Background(), eventType, event); err != nil {
		e.logger.Warn("failed to publish event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}

func (e *Engine) publishOutput(taskID, executionID string, ev runner.Event) {
	if e.bus == nil {
		return
	}
	subject := events.BuildStageOutputSubject(taskID)
	event := bus.NewEvent(events.StageOutput, "engine", map[string]interface{}{
		"task_id":      taskID,
		"execution_id": executionID,
		"stream":       string(ev.Type),
		"line":         ev.Line,
	})
	if err := e.bus.Publish(context.Background(), subject, event); err != nil {
		e.logger.Warn("failed to publish output event", zap.Error(err))
	}
}
