// Package orchestrator runs Epics: a ReAct loop that asks an LLM gateway
// for the next move, executes it against a role-scoped action registry,
// and tracks the task graph until the Epic completes, fails, or is
// interrupted.
package orchestrator

import (
	"fmt"
	"slices"
)

// TaskStatus is the lifecycle state of one task node.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskReady      TaskStatus = "ready"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// taskTransitions defines the allowed task state machine moves. A failed
// task may return to ready when the orchestrator retries after a
// checkpoint.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskReady},
	TaskReady:      {TaskInProgress},
	TaskInProgress: {TaskCompleted, TaskFailed, TaskReady},
	TaskFailed:     {TaskReady},
}

// IsValidTaskTransition checks a task state machine move.
func IsValidTaskTransition(from, to TaskStatus) bool {
	return slices.Contains(taskTransitions[from], to)
}

// IsTerminal reports whether the status ends a task's run.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskNode is one unit of dispatchable work inside an Epic.
type TaskNode struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Assignee    string     `json:"assignee,omitempty"`
	Result      string     `json:"result,omitempty"`
	BDTaskID    string     `json:"bdTaskId,omitempty"`
	Deadline    int64      `json:"deadline,omitempty"`
	StartedAt   int64      `json:"startedAt,omitempty"`
}

// transition moves the task to a new status, enforcing the state machine.
func (t *TaskNode) transition(to TaskStatus) error {
	if !IsValidTaskTransition(t.Status, to) {
		return fmt.Errorf("task %s cannot move from %s to %s", t.ID, t.Status, to)
	}
	t.Status = to
	return nil
}
