package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stageflow/stageflow/internal/agent/runner"
	apperrors "github.com/stageflow/stageflow/internal/common/errors"
	"github.com/stageflow/stageflow/internal/common/logger"
	"github.com/stageflow/stageflow/internal/pipeline/repository"
	v1 "github.com/stageflow/stageflow/pkg/api/v1"
)

// fakeRunner lets each test script the agent's event stream
type fakeRunner struct {
	mu      sync.Mutex
	spawnFn func(opts runner.SpawnOptions) (<-chan runner.Event, error)
	spawned []runner.SpawnOptions
	killed  []string
}

func (f *fakeRunner) Spawn(ctx context.Context, opts runner.SpawnOptions) (<-chan runner.Event, error) {
	f.mu.Lock()
	f.spawned = append(f.spawned, opts)
	f.mu.Unlock()
	return f.spawnFn(opts)
}

func (f *fakeRunner) ListProcesses(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeRunner) KillProcess(ctx context.Context, id string) error {
	f.mu.Lock()
	f.killed = append(f.killed, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeRunner) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func (f *fakeRunner) lastSpawn() runner.SpawnOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawned[len(f.spawned)-1]
}

// scriptedEvents returns a spawn function replaying the given events
func scriptedEvents(evs ...runner.Event) func(runner.SpawnOptions) (<-chan runner.Event, error) {
	return func(runner.SpawnOptions) (<-chan runner.Event, error) {
		ch := make(chan runner.Event, len(evs))
		for _, ev := range evs {
			ch <- ev
		}
		close(ch)
		return ch, nil
	}
}

// pendingEvents returns a spawn function whose stream stays open until the
// returned cancel function runs
func pendingEvents() (func(runner.SpawnOptions) (<-chan runner.Event, error), func()) {
	ch := make(chan runner.Event, 8)
	ch <- runner.Event{Type: runner.EventStarted, ProcessID: "p1"}
	return func(runner.SpawnOptions) (<-chan runner.Event, error) {
		return ch, nil
	}, func() { close(ch) }
}

func newTestEngine(t *testing.T, fake *fakeRunner) (*Engine, repository.Repository) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	repo := repository.NewMemoryRepository()
	eng := NewEngine(repo, fake, nil, log, Options{DefaultAgent: "claude"})
	return eng, repo
}

func seedPipeline(t *testing.T, repo repository.Repository, templates ...*v1.StageTemplate) *v1.Task {
	t.Helper()
	ctx := context.Background()
	task := &v1.Task{ProjectID: "p1", Title: "Fix the login bug", Description: "Fix the login bug"}
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	for _, tmpl := range templates {
		tmpl.ProjectID = "p1"
		if err := repo.CreateTemplate(ctx, tmpl); err != nil {
			t.Fatalf("create template: %v", err)
		}
	}
	return task
}

func waitForStatus(t *testing.T, repo repository.Repository, executionID string, want v1.ExecutionStatus) *v1.StageExecution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := repo.GetExecution(context.Background(), executionID)
		if err == nil && exec.Status == want {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	exec, _ := repo.GetExecution(context.Background(), executionID)
	t.Fatalf("execution never reached %s, last seen %+v", want, exec)
	return nil
}

func TestStartStageRunsToAwaitingUser(t *testing.T) {
	fake := &fakeRunner{spawnFn: scriptedEvents(
		runner.Event{Type: runner.EventStarted, ProcessID: "p1"},
		runner.Event{Type: runner.EventStdoutLine, Line: `{"session_id":"s1"}`, SessionID: "s1"},
		runner.Event{Type: runner.EventStdoutLine, Line: `{"type":"result","structured_output":{"research":"notes","summary":"short"}}`},
		runner.Event{Type: runner.EventCompleted, ExitCode: 0},
	)}
	eng, repo := newTestEngine(t, fake)
	task := seedPipeline(t, repo, &v1.StageTemplate{
		Name:           "Research",
		SortOrder:      1,
		PromptTemplate: "Task: {{task_description}}",
		OutputFormat:   v1.FormatAuto,
	})
	templates, _ := repo.ListTemplates(context.Background(), "p1")

	exec, err := eng.StartStage(context.Background(), task.ID, templates[0].ID, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if exec.AttemptNumber != 1 {
		t.Errorf("attempt = %d", exec.AttemptNumber)
	}
	if exec.InputPrompt != "Task: Fix the login bug" {
		t.Errorf("prompt = %q", exec.InputPrompt)
	}

	done := waitForStatus(t, repo, exec.ID, v1.ExecutionStatusAwaitingUser)
	if done.StageResult != "notes" {
		t.Errorf("stage result = %q", done.StageResult)
	}
	if done.Summary != "short" {
		t.Errorf("summary = %q", done.Summary)
	}
	if done.SessionID != "s1" {
		t.Errorf("session id = %q", done.SessionID)
	}

	updated, _ := repo.GetTask(context.Background(), task.ID)
	if updated.Status != v1.TaskStatusInProgress {
		t.Errorf("task status = %s", updated.Status)
	}
}

func TestStartStageAtMostOneRunning(t *testing.T) {
	spawnFn, cancel := pendingEvents()
	defer cancel()
	fake := &fakeRunner{spawnFn: spawnFn}
	eng, repo := newTestEngine(t, fake)
	task := seedPipeline(t, repo, &v1.StageTemplate{Name: "Research", SortOrder: 1})
	templates, _ := repo.ListTemplates(context.Background(), "p1")

	if _, err := eng.StartStage(context.Background(), task.ID, templates[0].ID, ""); err != nil {
		t.Fatalf("first start: %v", err)
	}

	_, err := eng.StartStage(context.Background(), task.ID, templates[0].ID, "")
	if err == nil {
		t.Fatal("second start must be rejected")
	}
	if apperrors.GetHTTPStatus(err) != 409 {
		t.Errorf("expected conflict, got %v", err)
	}

	count, _ := repo.CountAttempts(context.Background(), task.ID, templates[0].ID)
	if count != 1 {
		t.Errorf("attempts = %d, second execution must not be created", count)
	}
}

func TestConcurrentStartsCreateOneAttempt(t *testing.T) {
	spawnFn, cancel := pendingEvents()
	defer cancel()
	fake := &fakeRunner{spawnFn: spawnFn}
	eng, repo := newTestEngine(t, fake)
	task := seedPipeline(t, repo, &v1.StageTemplate{Name: "Research", SortOrder: 1})
	templates, _ := repo.ListTemplates(context.Background(), "p1")

	// Release all starters at once; every loser must see a conflict and no
	// extra attempt may be created
	const starters = 16
	var (
		barrier   = make(chan struct{})
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-barrier
			_, err := eng.StartStage(context.Background(), task.ID, templates[0].ID, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case apperrors.GetHTTPStatus(err) == 409:
				conflicts++
			}
		}()
	}
	close(barrier)
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("successful starts = %d, want 1", succeeded)
	}
	if conflicts != starters-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, starters-1)
	}
	count, _ := repo.CountAttempts(context.Background(), task.ID, templates[0].ID)
	if count != 1 {
		t.Errorf("attempts = %d, want 1", count)
	}
	if fake.spawnCount() != 1 {
		t.Errorf("spawns = %d, want 1", fake.spawnCount())
	}
}

func TestResubmitResumesSameAttempt(t *testing.T) {
	fake := &fakeRunner{spawnFn: scriptedEvents(
		runner.Event{Type: runner.EventStarted, ProcessID: "p1"},
		runner.Event{Type: runner.EventStdoutLine, Line: `{"questions":["Which auth flow?"]}`, SessionID: "s1"},
		runner.Event{Type: runner.EventCompleted},
	)}
	eng, repo := newTestEngine(t, fake)
	task := seedPipeline(t, repo, &v1.StageTemplate{
		Name:           "Research",
		SortOrder:      1,
		PromptTemplate: "{{#if user_input}}Answers: {{user_input}}{{else}}Investigate{{/if}}",
	})
	templates, _ := repo.ListTemplates(context.Background(), "p1")

	first, err := eng.StartStage(context.Background(), task.ID, templates[0].ID, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStatus(t, repo, first.ID, v1.ExecutionStatusAwaitingUser)

	resumed, err := eng.Resubmit(context.Background(), first.ID, "Use the OAuth flow")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if resumed.ID != first.ID {
		t.Errorf("execution id = %s, resubmit must reuse the attempt", resumed.ID)
	}
	if resumed.AttemptNumber != 1 {
		t.Errorf("attempt = %d, want 1", resumed.AttemptNumber)
	}
	if resumed.InputPrompt != "Answers: Use the OAuth flow" {
		t.Errorf("resubmit prompt = %q", resumed.InputPrompt)
	}

	// The second spawn resumes the recorded agent session
	if fake.spawnCount() != 2 {
		t.Fatalf("spawns = %d, want 2", fake.spawnCount())
	}
	if got := fake.lastSpawn(); got.SessionID != "s1" {
		t.Errorf("resumed session id = %q, want s1", got.SessionID)
	}

	count, _ := repo.CountAttempts(context.Background(), task.ID, templates[0].ID)
	if count != 1 {
		t.Errorf("attempts = %d, resubmit must not create a new attempt", count)
	}
}

func TestProcessErrorFailsExecution(t *testing.T) {
	fake := &fakeRunner{spawnFn: scriptedEvents(
		runner.Event{Type: runner.EventStarted, ProcessID: "p1"},
		runner.Event{Type: runner.EventError, ExitCode: 1, Message: "exit status 1"},
	)}
	eng, repo := newTestEngine(t, fake)
	task := seedPipeline(t, repo, &v1.StageTemplate{Name: "Research", SortOrder: 1})
	templates, _ := repo.ListTemplates(context.Background(), "p1")

	exec, err := eng.StartStage(context.Background(), task.ID, templates[0].ID, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	failed := waitForStatus(t, repo, exec.ID, v1.ExecutionStatusFailed)
	if failed.ErrorMessage != "exit status 1" {
		t.Errorf("error message = %q", failed.ErrorMessage)
	}
	if failed.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}

func TestApproveAdvancesAndAutoStarts(t *testing.T) {
	fake := &fakeRunner{spawnFn: scriptedEvents(
		runner.Event{Type: runner.EventStarted, ProcessID: "p1"},
		runner.Event{Type: runner.EventStdoutLine, Line: "output"},
		runner.Event{Type: runner.EventCompleted},
	)}
	eng, repo := newTestEngine(t, fake)
	task := seedPipeline(t, repo,
		&v1.StageTemplate{Name: "Research", SortOrder: 1},
		&v1.StageTemplate{Name: "Plan", SortOrder: 2, PromptTemplate: "Prior: {{stages.Research.output}}"},
	)
	templates, _ := repo.ListTemplates(context.Background(), "p1")

	exec, err := eng.StartStage(context.Background(), task.ID, templates[0].ID, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStatus(t, repo, exec.ID, v1.ExecutionStatusAwaitingUser)

	if _, err := eng.Approve(context.Background(), exec.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// Auto-start spawned the Plan stage with Research output in the prompt
	planExec, err := repo.LatestExecution(context.Background(), task.ID, templates[1].ID)
	if err != nil {
		t.Fatalf("plan execution: %v", err)
	}
	if planExec.InputPrompt != "Prior: output" {
		t.Errorf("plan prompt = %q", planExec.InputPrompt)
	}

	updated, _ := repo.GetTask(context.Background(), task.ID)
	if updated.CurrentStageID != templates[1].ID {
		t.Errorf("current stage = %s", updated.CurrentStageID)
	}
}

func TestApproveDoesNotAutoStartMergeStage(t *testing.T) {
	fake := &fakeRunner{spawnFn: scriptedEvents(
		runner.Event{Type: runner.EventStarted},
		runner.Event{Type: runner.EventCompleted},
	)}
	eng, repo := newTestEngine(t, fake)
	task := seedPipeline(t, repo,
		&v1.StageTemplate{Name: "Review", SortOrder: 1},
		&v1.StageTemplate{Name: "Merge", SortOrder: 2, OutputFormat: v1.FormatMerge},
	)
	templates, _ := repo.ListTemplates(context.Background(), "p1")

	exec, _ := eng.StartStage(context.Background(), task.ID, templates[0].ID, "")
	waitForStatus(t, repo, exec.ID, v1.ExecutionStatusAwaitingUser)

	if _, err := eng.Approve(context.Background(), exec.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if fake.spawnCount() != 1 {
		t.Errorf("merge stage must not auto-start, spawns = %d", fake.spawnCount())
	}
	updated, _ := repo.GetTask(context.Background(), task.ID)
	if updated.CurrentStageID != templates[1].ID {
		t.Errorf("current stage = %s", updated.CurrentStageID)
	}
}

func TestApproveGateRejection(t *testing.T) {
	fake := &fakeRunner{spawnFn: scriptedEvents(
		runner.Event{Type: runner.EventStarted},
		runner.Event{Type: runner.EventCompleted},
	)}
	eng, repo := newTestEngine(t, fake)
	task := seedPipeline(t, repo, &v1.StageTemplate{
		Name:      "Approaches",
		SortOrder: 1,
		GateRules: `{"type":"require_fields","fields":["title","description"]}`,
	})
	templates, _ := repo.ListTemplates(context.Background(), "p1")

	exec, _ := eng.StartStage(context.Background(), task.ID, templates[0].ID, "")
	waitForStatus(t, repo, exec.ID, v1.ExecutionStatusAwaitingUser)

	_, err := eng.Approve(context.Background(), exec.ID, `{"title":"T"}`)
	if !apperrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	unchanged, _ := repo.GetExecution(context.Background(), exec.ID)
	if unchanged.Status != v1.ExecutionStatusAwaitingUser {
		t.Errorf("status = %s, gate rejection must not change state", unchanged.Status)
	}

	if _, err := eng.Approve(context.Background(), exec.ID, `{"title":"T","description":"D"}`); err != nil {
		t.Fatalf("valid decision rejected: %v", err)
	}
}

func TestFailIsIdempotent(t *testing.T) {
	fake := &fakeRunner{spawnFn: scriptedEvents(
		runner.Event{Type: runner.EventStarted},
		runner.Event{Type: runner.EventCompleted},
	)}
	eng, repo := newTestEngine(t, fake)
	task := seedPipeline(t, repo, &v1.StageTemplate{Name: "Research", SortOrder: 1})
	templates, _ := repo.ListTemplates(context.Background(), "p1")

	exec, _ := eng.StartStage(context.Background(), task.ID, templates[0].ID, "")
	waitForStatus(t, repo, exec.ID, v1.ExecutionStatusAwaitingUser)

	if _, err := eng.Fail(context.Background(), exec.ID, "first"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	again, err := eng.Fail(context.Background(), exec.ID, "second")
	if err != nil {
		t.Fatalf("second fail: %v", err)
	}
	if again.ErrorMessage != "first" {
		t.Errorf("error message = %q, failing a terminal execution must be a no-op", again.ErrorMessage)
	}
}

func TestRedoCreatesNewAttemptWithPriorOutput(t *testing.T) {
	fake := &fakeRunner{spawnFn: scriptedEvents(
		runner.Event{Type: runner.EventStarted},
		runner.Event{Type: runner.EventStdoutLine, Line: "first draft"},
		runner.Event{Type: runner.EventCompleted},
	)}
	eng, repo := newTestEngine(t, fake)
	task := seedPipeline(t, repo, &v1.StageTemplate{
		Name:           "Plan",
		SortOrder:      1,
		PromptTemplate: "{{#if prior_attempt_output}}Redoing after: {{prior_attempt_output}}{{else}}Fresh{{/if}}",
	})
	templates, _ := repo.ListTemplates(context.Background(), "p1")

	first, _ := eng.StartStage(context.Background(), task.ID, templates[0].ID, "")
	if first.InputPrompt != "Fresh" {
		t.Errorf("first prompt = %q", first.InputPrompt)
	}
	waitForStatus(t, repo, first.ID, v1.ExecutionStatusAwaitingUser)
	if _, err := eng.Fail(context.Background(), first.ID, "not good enough"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	second, err := eng.Redo(context.Background(), task.ID, templates[0].ID, "")
	if err != nil {
		t.Fatalf("redo: %v", err)
	}
	if second.AttemptNumber != 2 {
		t.Errorf("attempt = %d", second.AttemptNumber)
	}
	if second.InputPrompt != "Redoing after: first draft" {
		t.Errorf("redo prompt = %q", second.InputPrompt)
	}
}

func TestApproveWithStagesFiltersByStrategy(t *testing.T) {
	fake := &fakeRunner{spawnFn: scriptedEvents(
		runner.Event{Type: runner.EventStarted},
		runner.Event{Type: runner.EventCompleted},
	)}
	eng, repo := newTestEngine(t, fake)
	task := seedPipeline(t, repo,
		&v1.StageTemplate{Name: "Research", SortOrder: 1},
		&v1.StageTemplate{Name: "Plan", SortOrder: 2},
		&v1.StageTemplate{Name: "Implementation", SortOrder: 3},
		&v1.StageTemplate{Name: "PR Preparation", SortOrder: 4, OutputFormat: v1.FormatPRPreparation},
		&v1.StageTemplate{Name: "PR Review", SortOrder: 5, OutputFormat: v1.FormatPRReview},
		&v1.StageTemplate{Name: "Merge", SortOrder: 6, OutputFormat: v1.FormatMerge},
	)
	templates, _ := repo.ListTemplates(context.Background(), "p1")

	exec, _ := eng.StartStage(context.Background(), task.ID, templates[0].ID, "")
	waitForStatus(t, repo, exec.ID, v1.ExecutionStatusAwaitingUser)

	selected := []string{templates[2].ID} // Implementation only
	approved, err := eng.ApproveWithStages(context.Background(), exec.ID, selected, v1.CompletionStrategyDirectMerge)
	if err != nil {
		t.Fatalf("approve with stages: %v", err)
	}

	var decision struct {
		SelectedStageIDs   []string `json:"selected_stage_ids"`
		CompletionStrategy string   `json:"completion_strategy"`
	}
	if err := json.Unmarshal([]byte(approved.UserDecision), &decision); err != nil {
		t.Fatalf("decision not JSON: %v", err)
	}
	if decision.CompletionStrategy != "direct_merge" {
		t.Errorf("strategy = %s", decision.CompletionStrategy)
	}

	updated, _ := repo.GetTask(context.Background(), task.ID)
	// direct_merge keeps first stage, selected stages, and merge; drops PR stages
	want := []string{templates[0].ID, templates[2].ID, templates[5].ID}
	if len(updated.SelectedStageIDs) != len(want) {
		t.Fatalf("selected = %v, want %v", updated.SelectedStageIDs, want)
	}
	for i := range want {
		if updated.SelectedStageIDs[i] != want[i] {
			t.Errorf("selected[%d] = %s, want %s", i, updated.SelectedStageIDs[i], want[i])
		}
	}

	if updated.CompletionStrategy != v1.CompletionStrategyDirectMerge {
		t.Errorf("task strategy = %s", updated.CompletionStrategy)
	}

	// The skipped Plan stage must not be next; Implementation is
	if updated.CurrentStageID != templates[2].ID {
		t.Errorf("current stage = %s, want Implementation", updated.CurrentStageID)
	}
}

func TestApproveWithStagesNoneDropsFinishingStages(t *testing.T) {
	fake := &fakeRunner{spawnFn: scriptedEvents(
		runner.Event{Type: runner.EventStarted},
		runner.Event{Type: runner.EventCompleted},
	)}
	eng, repo := newTestEngine(t, fake)
	task := seedPipeline(t, repo,
		&v1.StageTemplate{Name: "Research", SortOrder: 1},
		&v1.StageTemplate{Name: "Implementation", SortOrder: 2},
		&v1.StageTemplate{Name: "Merge", SortOrder: 3, OutputFormat: v1.FormatMerge},
	)
	templates, _ := repo.ListTemplates(context.Background(), "p1")

	exec, _ := eng.StartStage(context.Background(), task.ID, templates[0].ID, "")
	waitForStatus(t, repo, exec.ID, v1.ExecutionStatusAwaitingUser)

	if _, err := eng.ApproveWithStages(context.Background(), exec.ID, []string{templates[1].ID}, v1.CompletionStrategyNone); err != nil {
		t.Fatalf("approve with stages: %v", err)
	}

	updated, _ := repo.GetTask(context.Background(), task.ID)
	for _, id := range updated.SelectedStageIDs {
		if id == templates[2].ID {
			t.Error("merge stage must be dropped under strategy none")
		}
	}
}

func TestLateTerminalEventAfterForcedFailure(t *testing.T) {
	spawnFn, cancel := pendingEvents()
	fake := &fakeRunner{spawnFn: spawnFn}
	eng, repo := newTestEngine(t, fake)
	task := seedPipeline(t, repo, &v1.StageTemplate{Name: "Research", SortOrder: 1})
	templates, _ := repo.ListTemplates(context.Background(), "p1")

	exec, _ := eng.StartStage(context.Background(), task.ID, templates[0].ID, "")

	// Forced failure (as the health monitor would do) while the stream is open
	if _, err := eng.Fail(context.Background(), exec.ID, "Process crashed unexpectedly"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// The late terminal event must not resurrect the execution
	cancel()
	time.Sleep(100 * time.Millisecond)

	final, _ := repo.GetExecution(context.Background(), exec.ID)
	if final.Status != v1.ExecutionStatusFailed {
		t.Errorf("status = %s", final.Status)
	}
	if final.ErrorMessage != "Process crashed unexpectedly" {
		t.Errorf("error message = %q", final.ErrorMessage)
	}
}

func TestAbortKillsProcess(t *testing.T) {
	spawnFn, cancel := pendingEvents()
	defer cancel()
	fake := &fakeRunner{spawnFn: spawnFn}
	eng, repo := newTestEngine(t, fake)
	task := seedPipeline(t, repo, &v1.StageTemplate{Name: "Research", SortOrder: 1})
	templates, _ := repo.ListTemplates(context.Background(), "p1")

	exec, _ := eng.StartStage(context.Background(), task.ID, templates[0].ID, "")

	// Wait for the started event to register the process ID
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		attempts := eng.RunningAttempts()
		if len(attempts) == 1 && attempts[0].ProcessID != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	aborted, err := eng.Abort(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if aborted.Status != v1.ExecutionStatusFailed {
		t.Errorf("status = %s", aborted.Status)
	}

	fake.mu.Lock()
	killed := len(fake.killed)
	fake.mu.Unlock()
	if killed != 1 {
		t.Errorf("killed = %d", killed)
	}
}

func TestApproveLastStageCompletesTask(t *testing.T) {
	fake := &fakeRunner{spawnFn: scriptedEvents(
		runner.Event{Type: runner.EventStarted},
		runner.Event{Type: runner.EventCompleted},
	)}
	eng, repo := newTestEngine(t, fake)
	task := seedPipeline(t, repo, &v1.StageTemplate{Name: "Merge", SortOrder: 1, OutputFormat: v1.FormatMerge})
	templates, _ := repo.ListTemplates(context.Background(), "p1")

	exec, _ := eng.StartStage(context.Background(), task.ID, templates[0].ID, "")
	waitForStatus(t, repo, exec.ID, v1.ExecutionStatusAwaitingUser)

	if _, err := eng.Approve(context.Background(), exec.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	updated, _ := repo.GetTask(context.Background(), task.ID)
	if updated.Status != v1.TaskStatusCompleted {
		t.Errorf("task status = %s", updated.Status)
	}
	if updated.CurrentStageID != "" {
		t.Errorf("current stage = %s", updated.CurrentStageID)
	}
}
