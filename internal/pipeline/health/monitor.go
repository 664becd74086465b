// Package health watches running stage attempts for crashed or stalled
// agent processes and force-fails them through the execution engine.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stageflow/stageflow/internal/common/logger"
	"github.com/stageflow/stageflow/internal/pipeline/engine"
	"github.com/stageflow/stageflow/internal/pipeline/repository"
	v1 "github.com/stageflow/stageflow/pkg/api/v1"
)

const (
	DefaultCheckInterval     = 5 * time.Second
	DefaultInactivityTimeout = 10 * time.Minute
)

const (
	crashedMessage     = "Process crashed unexpectedly"
	interruptedMessage = "Process interrupted (no tracked agent process)"
)

// ProcessLister is the slice of the agent runner the monitor needs
type ProcessLister interface {
	ListProcesses(ctx context.Context) ([]string, error)
}

// StateMachine is the slice of the execution engine the monitor needs.
// Fail must be idempotent: the monitor's forced failure can race a terminal
// agent event for the same attempt.
type StateMachine interface {
	Fail(ctx context.Context, executionID, message string) (*v1.StageExecution, error)
	RunningAttempts() []engine.RunningAttempt
}

// Options configures the monitor
type Options struct {
	CheckInterval     time.Duration
	InactivityTimeout time.Duration

	// Now overrides the clock, for tests
	Now func() time.Time
}

// Monitor periodically reconciles running executions against the live
// process set and the activity clock
type Monitor struct {
	repo    repository.Repository
	lister  ProcessLister
	machine StateMachine
	logger  *logger.Logger

	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a new health monitor
func NewMonitor(repo repository.Repository, lister ProcessLister, machine StateMachine, log *logger.Logger, opts Options) *Monitor {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = DefaultInactivityTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Monitor{
		repo:     repo,
		lister:   lister,
		machine:  machine,
		logger:   log.WithFields(zap.String("component", "health-monitor")),
		interval: opts.CheckInterval,
		timeout:  opts.InactivityTimeout,
		now:      opts.Now,
	}
}

// Start launches the background check loop
func (m *Monitor) Start() {
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loop()
	m.logger.Info("health monitor started",
		zap.Duration("interval", m.interval),
		zap.Duration("inactivity_timeout", m.timeout))
}

// Stop halts the check loop and waits for it to exit
func (m *Monitor) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("health monitor stopped")
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CheckOnce(context.Background())
		}
	}
}

// CheckOnce runs one reconciliation cycle: liveness first, then inactivity.
// A failing liveness query skips the whole cycle so that a transient query
// error is never turned into a false crash report.
func (m *Monitor) CheckOnce(ctx context.Context) {
	running, err := m.repo.RunningExecutions(ctx)
	if err != nil {
		m.logger.Warn("skipping health cycle: failed to list running executions", zap.Error(err))
		return
	}
	if len(running) == 0 {
		return
	}

	processIDs, err := m.lister.ListProcesses(ctx)
	if err != nil {
		m.logger.Warn("skipping health cycle: failed to list processes", zap.Error(err))
		return
	}
	live := make(map[string]bool, len(processIDs))
	for _, id := range processIDs {
		live[id] = true
	}

	tracked := make(map[string]bool)
	for _, a := range m.machine.RunningAttempts() {
		tracked[a.ExecutionID] = true
	}

	now := m.now()
	for _, exec := range running {
		switch {
		case exec.ProcessID != "" && !live[exec.ProcessID]:
			m.fail(ctx, exec, crashedMessage)

		case exec.ProcessID == "" && !tracked[exec.ID]:
			// No process was ever recorded and no local consumer exists,
			// typically after an application restart. Fail it rather than
			// leaving the execution stuck.
			m.fail(ctx, exec, interruptedMessage)

		case now.Sub(exec.LastActivityAt) > m.timeout:
			m.fail(ctx, exec, fmt.Sprintf("Process timed out (no output for %d minutes)", int(m.timeout.Minutes())))
		}
	}
}

func (m *Monitor) fail(ctx context.Context, exec *v1.StageExecution, message string) {
	m.logger.Warn("forcing execution failure",
		zap.String("task_id", exec.TaskID),
		zap.String("execution_id", exec.ID),
		zap.String("reason", message))

	if _, err := m.machine.Fail(ctx, exec.ID, message); err != nil {
		m.logger.Error("failed to force-fail execution",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}
}
