// Package events defines event subjects published on the Stageflow event bus.
package events

import "fmt"

// Task events
const (
	TaskCreated = "task.created"
	TaskUpdated = "task.updated"

	// TaskExecutionsReload asks observers to re-fetch a task's execution
	// list. Published after forced failures so dependent views converge.
	TaskExecutionsReload = "task.executions.reload"
)

// Stage execution events
const (
	StageStarted   = "stage.execution.started"
	StageOutput    = "stage.execution.output"
	StageCompleted = "stage.execution.completed"
	StageApproved  = "stage.execution.approved"
	StageFailed    = "stage.execution.failed"
)

// BuildStageOutputSubject returns the per-task output subject, so clients can
// subscribe to a single task's stream.
func BuildStageOutputSubject(taskID string) string {
	return fmt.Sprintf("%s.%s", StageOutput, taskID)
}

// BuildStageOutputWildcardSubject returns the wildcard subject matching all
// tasks' output streams.
func BuildStageOutputWildcardSubject() string {
	return StageOutput + ".*"
}
