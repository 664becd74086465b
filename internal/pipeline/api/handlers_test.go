package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stageflow/stageflow/internal/agent/runner"
	"github.com/stageflow/stageflow/internal/common/logger"
	"github.com/stageflow/stageflow/internal/events/bus"
	"github.com/stageflow/stageflow/internal/pipeline/engine"
	"github.com/stageflow/stageflow/internal/pipeline/repository"
	v1 "github.com/stageflow/stageflow/pkg/api/v1"
)

// MockEventBus implements bus.EventBus for testing
type MockEventBus struct {
	mu sync.Mutex
}

func NewMockEventBus() *MockEventBus {
	return &MockEventBus{}
}

func (m *MockEventBus) Publish(ctx context.Context, subject string, event *bus.Event) error {
	return nil
}

func (m *MockEventBus) Subscribe(subject string, handler bus.EventHandler) (bus.Subscription, error) {
	return nil, nil
}

func (m *MockEventBus) QueueSubscribe(subject, queue string, handler bus.EventHandler) (bus.Subscription, error) {
	return nil, nil
}

func (m *MockEventBus) Request(ctx context.Context, subject string, event *bus.Event, timeout time.Duration) (*bus.Event, error) {
	return nil, nil
}

func (m *MockEventBus) Close() {}

func (m *MockEventBus) IsConnected() bool {
	return true
}

// stubRunner replays a scripted event stream for every spawn
type stubRunner struct {
	mu     sync.Mutex
	events []runner.Event
	spawns int
}

func (s *stubRunner) Spawn(ctx context.Context, opts runner.SpawnOptions) (<-chan runner.Event, error) {
	s.mu.Lock()
	s.spawns++
	s.mu.Unlock()
	ch := make(chan runner.Event, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (s *stubRunner) ListProcesses(ctx context.Context) ([]string, error) { return nil, nil }
func (s *stubRunner) KillProcess(ctx context.Context, id string) error    { return nil }

func setupTestRouter(t *testing.T, stub *stubRunner) (*gin.Engine, repository.Repository) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := repository.NewMemoryRepository()
	eventBus := NewMockEventBus()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	eng := engine.NewEngine(repo, stub, eventBus, log, engine.Options{DefaultAgent: "claude"})

	router := gin.New()
	SetupRoutes(router.Group("/api/v1"), repo, eng, eventBus, log)
	return router, repo
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func awaitStatus(t *testing.T, repo repository.Repository, executionID string, want v1.ExecutionStatus) *v1.StageExecution {
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

func completedStream(lines ...string) []runner.Event {
	evs := []runner.Event{{Type: runner.EventStarted, ProcessID: "p1"}}
	for _, line := range lines {
		evs = append(evs, runner.Event{Type: runner.EventStdoutLine, Line: line})
	}
	return append(evs, runner.Event{Type: runner.EventCompleted})
}

// Task handler tests

func TestHandler_CreateTaskSeedsDefaults(t *testing.T) {
	router, repo := setupTestRouter(t, &stubRunner{})

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{
		ProjectID:   "proj-1",
		Title:       "Fix the login bug",
		Description: "Users get logged out",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var task v1.Task
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.ID == "" {
		t.Error("task ID not assigned")
	}
	if task.Status != v1.TaskStatusPending {
		t.Errorf("status = %s", task.Status)
	}

	// Creating a task in a fresh project installs the default pipeline
	templates, err := repo.ListTemplates(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("list templates: %v", err)
	}
	if len(templates) == 0 {
		t.Fatal("default templates not seeded")
	}

	// A second task must not duplicate the pipeline
	w = doJSON(t, router, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{
		ProjectID: "proj-1",
		Title:     "Second task",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("second create status = %d", w.Code)
	}
	again, _ := repo.ListTemplates(context.Background(), "proj-1")
	if len(again) != len(templates) {
		t.Errorf("templates duplicated: %d then %d", len(templates), len(again))
	}
}

func TestHandler_CreateTaskRequiresTitle(t *testing.T) {
	router, _ := setupTestRouter(t, &stubRunner{})

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks", map[string]string{"project_id": "p"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestHandler_GetTaskNotFound(t *testing.T) {
	router, _ := setupTestRouter(t, &stubRunner{})

	w := doJSON(t, router, http.MethodGet, "/api/v1/tasks/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
}

func TestHandler_ListTasksFiltersByProject(t *testing.T) {
	router, repo := setupTestRouter(t, &stubRunner{})
	ctx := context.Background()

	_ = repo.CreateTask(ctx, &v1.Task{ProjectID: "a", Title: "one"})
	_ = repo.CreateTask(ctx, &v1.Task{ProjectID: "b", Title: "two"})

	w := doJSON(t, router, http.MethodGet, "/api/v1/tasks?project_id=a", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp TasksListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 || len(resp.Tasks) != 1 {
		t.Fatalf("total = %d, tasks = %d", resp.Total, len(resp.Tasks))
	}
	if resp.Tasks[0].Title != "one" {
		t.Errorf("title = %s", resp.Tasks[0].Title)
	}
}

func TestHandler_DeleteTask(t *testing.T) {
	router, repo := setupTestRouter(t, &stubRunner{})
	ctx := context.Background()

	task := &v1.Task{ProjectID: "a", Title: "gone"}
	_ = repo.CreateTask(ctx, task)

	w := doJSON(t, router, http.MethodDelete, "/api/v1/tasks/"+task.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if _, err := repo.GetTask(ctx, task.ID); err == nil {
		t.Error("task still present after delete")
	}
}

// Template handler tests

func TestHandler_UpdateTemplate(t *testing.T) {
	router, repo := setupTestRouter(t, &stubRunner{})
	ctx := context.Background()

	tmpl := &v1.StageTemplate{
		ProjectID:      "p",
		Name:           "Research",
		SortOrder:      1,
		PromptTemplate: "old",
		OutputFormat:   v1.FormatAuto,
	}
	_ = repo.CreateTemplate(ctx, tmpl)

	newPrompt := "Investigate: {{task_description}}"
	rules := `{"type":"require_approval"}`
	w := doJSON(t, router, http.MethodPut, "/api/v1/templates/"+tmpl.ID, UpdateTemplateRequest{
		PromptTemplate: &newPrompt,
		GateRules:      &rules,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	updated, err := repo.GetTemplate(ctx, tmpl.ID)
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	if updated.PromptTemplate != newPrompt {
		t.Errorf("prompt = %q", updated.PromptTemplate)
	}
	if updated.GateRules != rules {
		t.Errorf("gate rules = %q", updated.GateRules)
	}
	if updated.Name != "Research" {
		t.Errorf("untouched field changed: name = %q", updated.Name)
	}
}

// Execution flow tests

func seedStage(t *testing.T, repo repository.Repository, tmpl *v1.StageTemplate) (*v1.Task, *v1.StageTemplate) {
	t.Helper()
	ctx := context.Background()
	task := &v1.Task{ProjectID: "p", Title: "Fix the login bug"}
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	tmpl.ProjectID = "p"
	if err := repo.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("create template: %v", err)
	}
	return task, tmpl
}

func TestHandler_StartApproveFlow(t *testing.T) {
	stub := &stubRunner{events: completedStream(
		`{"type":"result","structured_output":{"research":"findings here","summary":"short"}}`,
	)}
	router, repo := setupTestRouter(t, stub)
	task, tmpl := seedStage(t, repo, &v1.StageTemplate{
		Name:           "Research",
		SortOrder:      1,
		PromptTemplate: "Task: {{task_description}}",
		OutputFormat:   v1.FormatAuto,
		GateRules:      `{"type":"require_approval"}`,
	})

	w := doJSON(t, router, http.MethodPost,
		"/api/v1/tasks/"+task.ID+"/stages/"+tmpl.ID+"/start", StartStageRequest{})
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d, body = %s", w.Code, w.Body.String())
	}
	var exec v1.StageExecution
	if err := json.Unmarshal(w.Body.Bytes(), &exec); err != nil {
		t.Fatalf("decode: %v", err)
	}

	awaitStatus(t, repo, exec.ID, v1.ExecutionStatusAwaitingUser)

	w = doJSON(t, router, http.MethodPost,
		"/api/v1/executions/"+exec.ID+"/approve", ApproveRequest{Decision: `{"approved":true}`})
	if w.Code != http.StatusOK {
		t.Fatalf("approve status = %d, body = %s", w.Code, w.Body.String())
	}
	var approved v1.StageExecution
	if err := json.Unmarshal(w.Body.Bytes(), &approved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if approved.Status != v1.ExecutionStatusApproved {
		t.Errorf("status = %s", approved.Status)
	}

	// The only stage finished, so the task is complete
	got, _ := repo.GetTask(context.Background(), task.ID)
	if got.Status != v1.TaskStatusCompleted {
		t.Errorf("task status = %s", got.Status)
	}
}

func TestHandler_DoubleStartConflicts(t *testing.T) {
	stub := &stubRunner{events: completedStream("still deciding")}
	router, repo := setupTestRouter(t, stub)

	task, tmpl := seedStage(t, repo, &v1.StageTemplate{
		Name:           "Research",
		SortOrder:      1,
		PromptTemplate: "x",
		OutputFormat:   v1.FormatAuto,
	})

	w := doJSON(t, router, http.MethodPost,
		"/api/v1/tasks/"+task.ID+"/stages/"+tmpl.ID+"/start", StartStageRequest{})
	if w.Code != http.StatusCreated {
		t.Fatalf("first start status = %d", w.Code)
	}
	var exec v1.StageExecution
	_ = json.Unmarshal(w.Body.Bytes(), &exec)
	awaitStatus(t, repo, exec.ID, v1.ExecutionStatusAwaitingUser)

	// awaiting_user still blocks a fresh start; only redo or resubmit may follow
	w = doJSON(t, router, http.MethodPost,
		"/api/v1/tasks/"+task.ID+"/stages/"+tmpl.ID+"/start", StartStageRequest{})
	if w.Code != http.StatusConflict {
		t.Errorf("second start status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestHandler_GateRejectionReturns400(t *testing.T) {
	stub := &stubRunner{events: completedStream(`{"title":"only a title"}`)}
	router, repo := setupTestRouter(t, stub)
	task, tmpl := seedStage(t, repo, &v1.StageTemplate{
		Name:           "PR Preparation",
		SortOrder:      1,
		PromptTemplate: "x",
		OutputFormat:   v1.FormatPRPreparation,
		GateRules:      `{"type":"require_fields","fields":["title","description"]}`,
	})

	w := doJSON(t, router, http.MethodPost,
		"/api/v1/tasks/"+task.ID+"/stages/"+tmpl.ID+"/start", StartStageRequest{})
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d", w.Code)
	}
	var exec v1.StageExecution
	_ = json.Unmarshal(w.Body.Bytes(), &exec)
	awaitStatus(t, repo, exec.ID, v1.ExecutionStatusAwaitingUser)

	w = doJSON(t, router, http.MethodPost,
		"/api/v1/executions/"+exec.ID+"/approve", ApproveRequest{Decision: `{"title":"t"}`})
	if w.Code != http.StatusBadRequest {
		t.Errorf("approve status = %d, body = %s", w.Code, w.Body.String())
	}

	// Rejection leaves the execution awaiting, so a valid decision still works
	w = doJSON(t, router, http.MethodPost,
		"/api/v1/executions/"+exec.ID+"/approve",
		ApproveRequest{Decision: `{"title":"t","description":"d"}`})
	if w.Code != http.StatusOK {
		t.Errorf("valid approve status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestHandler_ResubmitRequiresUserInput(t *testing.T) {
	router, _ := setupTestRouter(t, &stubRunner{})

	w := doJSON(t, router, http.MethodPost,
		"/api/v1/executions/whatever/resubmit", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestHandler_FailExecutionDefaultMessage(t *testing.T) {
	stub := &stubRunner{events: completedStream("thinking out loud")}
	router, repo := setupTestRouter(t, stub)
	task, tmpl := seedStage(t, repo, &v1.StageTemplate{
		Name:           "Research",
		SortOrder:      1,
		PromptTemplate: "x",
		OutputFormat:   v1.FormatText,
	})

	w := doJSON(t, router, http.MethodPost,
		"/api/v1/tasks/"+task.ID+"/stages/"+tmpl.ID+"/start", StartStageRequest{})
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d", w.Code)
	}
	var exec v1.StageExecution
	_ = json.Unmarshal(w.Body.Bytes(), &exec)
	awaitStatus(t, repo, exec.ID, v1.ExecutionStatusAwaitingUser)

	w = doJSON(t, router, http.MethodPost, "/api/v1/executions/"+exec.ID+"/fail", FailRequest{})
	if w.Code != http.StatusOK {
		t.Fatalf("fail status = %d, body = %s", w.Code, w.Body.String())
	}
	failed, _ := repo.GetExecution(context.Background(), exec.ID)
	if failed.Status != v1.ExecutionStatusFailed {
		t.Errorf("status = %s", failed.Status)
	}
	if failed.ErrorMessage != "Failed by user" {
		t.Errorf("message = %q", failed.ErrorMessage)
	}
}

func TestHandler_ApproveStages(t *testing.T) {
	stub := &stubRunner{events: completedStream(
		`{"research":"notes","summary":"s","suggested_stages":["Implementation"]}`,
	)}
	router, repo := setupTestRouter(t, stub)
	ctx := context.Background()

	task := &v1.Task{ProjectID: "p", Title: "Fix the login bug"}
	_ = repo.CreateTask(ctx, task)
	research := &v1.StageTemplate{ProjectID: "p", Name: "Research", SortOrder: 1, PromptTemplate: "x", OutputFormat: v1.FormatResearch}
	impl := &v1.StageTemplate{ProjectID: "p", Name: "Implementation", SortOrder: 2, PromptTemplate: "y", OutputFormat: v1.FormatText}
	merge := &v1.StageTemplate{ProjectID: "p", Name: "Merge", SortOrder: 3, PromptTemplate: "z", OutputFormat: v1.FormatMerge}
	for _, tmpl := range []*v1.StageTemplate{research, impl, merge} {
		if err := repo.CreateTemplate(ctx, tmpl); err != nil {
			t.Fatalf("create template: %v", err)
		}
	}

	w := doJSON(t, router, http.MethodPost,
		"/api/v1/tasks/"+task.ID+"/stages/"+research.ID+"/start", StartStageRequest{})
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d", w.Code)
	}
	var exec v1.StageExecution
	_ = json.Unmarshal(w.Body.Bytes(), &exec)
	awaitStatus(t, repo, exec.ID, v1.ExecutionStatusAwaitingUser)

	w = doJSON(t, router, http.MethodPost,
		"/api/v1/executions/"+exec.ID+"/approve-stages", ApproveStagesRequest{
			SelectedStageIDs:   []string{impl.ID},
			CompletionStrategy: "none",
		})
	if w.Code != http.StatusOK {
		t.Fatalf("approve-stages status = %d, body = %s", w.Code, w.Body.String())
	}

	got, _ := repo.GetTask(ctx, task.ID)
	if got.CompletionStrategy != v1.CompletionStrategyNone {
		t.Errorf("strategy = %s", got.CompletionStrategy)
	}
	for _, id := range got.SelectedStageIDs {
		if id == merge.ID {
			t.Error("merge stage kept despite completion strategy none")
		}
	}
	if got.CurrentStageID != impl.ID {
		t.Errorf("current stage = %s, want %s", got.CurrentStageID, impl.ID)
	}
}

func TestHandler_ExecutionHistory(t *testing.T) {
	stub := &stubRunner{events: completedStream("first draft")}
	router, repo := setupTestRouter(t, stub)
	task, tmpl := seedStage(t, repo, &v1.StageTemplate{
		Name:           "Research",
		SortOrder:      1,
		PromptTemplate: "x",
		OutputFormat:   v1.FormatText,
	})

	w := doJSON(t, router, http.MethodPost,
		"/api/v1/tasks/"+task.ID+"/stages/"+tmpl.ID+"/start", StartStageRequest{})
	var first v1.StageExecution
	_ = json.Unmarshal(w.Body.Bytes(), &first)
	awaitStatus(t, repo, first.ID, v1.ExecutionStatusAwaitingUser)

	// A new attempt is only allowed once the prior one is terminal
	w = doJSON(t, router, http.MethodPost,
		"/api/v1/executions/"+first.ID+"/fail", FailRequest{Message: "not good enough"})
	if w.Code != http.StatusOK {
		t.Fatalf("fail status = %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPost,
		"/api/v1/tasks/"+task.ID+"/stages/"+tmpl.ID+"/redo",
		StartStageRequest{UserInput: "try harder"})
	if w.Code != http.StatusCreated {
		t.Fatalf("redo status = %d, body = %s", w.Code, w.Body.String())
	}
	var second v1.StageExecution
	_ = json.Unmarshal(w.Body.Bytes(), &second)
	if second.AttemptNumber != 2 {
		t.Errorf("attempt = %d", second.AttemptNumber)
	}
	awaitStatus(t, repo, second.ID, v1.ExecutionStatusAwaitingUser)

	w = doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+task.ID+"/executions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var resp ExecutionsListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 2 {
		t.Fatalf("total = %d", resp.Total)
	}
	if resp.Executions[0].AttemptNumber != 1 || resp.Executions[1].AttemptNumber != 2 {
		t.Errorf("history out of order: %d then %d",
			resp.Executions[0].AttemptNumber, resp.Executions[1].AttemptNumber)
	}
}
