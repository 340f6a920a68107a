package orchestrator

import (
	"fmt"
	"slices"
	"time"
)

// recentErrorCap bounds how many recent errors ride along in the state
// and the prompt.
const recentErrorCap = 5

// Clock provides time operations for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// Checkpoint tracks the CHECKPOINT action's bookkeeping for one Epic.
type Checkpoint struct {
	TotalChecks int    `json:"totalChecks"`
	LastTrigger string `json:"lastTrigger,omitempty"`
	LastCheckAt int64  `json:"lastCheckAt,omitempty"`
	MajorChange bool   `json:"majorChange"`
}

// State is the full orchestration loop state for one Epic. It is the
// document persisted to the workflow file on every mutation.
type State struct {
	EpicID           string      `json:"epicId"`
	SessionID        string      `json:"sessionId,omitempty"`
	UserTask         string      `json:"userTask"`
	TaskGraph        []*TaskNode `json:"taskGraph"`
	CompletedTasks   []string    `json:"completedTasks"`
	FailedTasks      []string    `json:"failedTasks"`
	Phase            Phase       `json:"phase"`
	Checkpoint       Checkpoint  `json:"checkpoint"`
	Round            int         `json:"round"`
	TargetExecutorID string      `json:"targetExecutorId"`
	LastError        string      `json:"lastError,omitempty"`
	RecentErrors     []string    `json:"recentErrors,omitempty"`
	Outcome          string      `json:"outcome,omitempty"`
	OutcomeReason    string      `json:"outcomeReason,omitempty"`
	CreatedAt        int64       `json:"createdAt"`
	UpdatedAt        int64       `json:"updatedAt"`
}

// NewState starts an Epic in the planning phase.
func NewState(epicID, sessionID, userTask, targetExecutorID string, now time.Time) *State {
	return &State{
		EpicID:           epicID,
		SessionID:        sessionID,
		UserTask:         userTask,
		TaskGraph:        []*TaskNode{},
		CompletedTasks:   []string{},
		FailedTasks:      []string{},
		Phase:            PhasePlanning,
		TargetExecutorID: targetExecutorID,
		CreatedAt:        now.UnixMilli(),
		UpdatedAt:        now.UnixMilli(),
	}
}

// TaskSpec is one task in a PLAN action's parameters.
type TaskSpec struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Assignee    string `json:"assignee,omitempty"`
	Deadline    int64  `json:"deadline,omitempty"`
}

// MergePlan folds a PLAN's tasks into the graph. New tasks append in
// plan order; tasks whose id already exists update in place. A task
// starts ready once it has a description and stays pending until then.
func (s *State) MergePlan(specs []TaskSpec) (added, updated int) {
	for _, spec := range specs {
		if spec.ID == "" {
			continue
		}
		if existing := s.Task(spec.ID); existing != nil {
			if spec.Description != "" {
				existing.Description = spec.Description
			}
			if spec.Assignee != "" {
				existing.Assignee = spec.Assignee
			}
			if spec.Deadline != 0 {
				existing.Deadline = spec.Deadline
			}
			if existing.Status == TaskPending && existing.Description != "" {
				existing.Status = TaskReady
			}
			updated++
			continue
		}

		status := TaskPending
		if spec.Description != "" {
			status = TaskReady
		}
		s.TaskGraph = append(s.TaskGraph, &TaskNode{
			ID:          spec.ID,
			Description: spec.Description,
			Status:      status,
			Assignee:    spec.Assignee,
			Deadline:    spec.Deadline,
		})
		added++
	}
	if added > 0 || updated > 0 {
		s.advanceDesignPhases()
	}
	return added, updated
}

// Task finds a node by id, nil when absent.
func (s *State) Task(id string) *TaskNode {
	for _, t := range s.TaskGraph {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// FirstReady returns the first ready task in insertion order, nil when
// none is ready.
func (s *State) FirstReady() *TaskNode {
	for _, t := range s.TaskGraph {
		if t.Status == TaskReady {
			return t
		}
	}
	return nil
}

// StartTask moves a ready task into in_progress and stamps StartedAt.
func (s *State) StartTask(id string, now time.Time) (*TaskNode, error) {
	t := s.Task(id)
	if t == nil {
		return nil, fmt.Errorf("task %s not found", id)
	}
	if err := t.transition(TaskInProgress); err != nil {
		return nil, err
	}
	t.StartedAt = now.UnixMilli()
	return t, nil
}

// CompleteTask finishes a task successfully. The id lands in
// CompletedTasks exactly once and leaves FailedTasks if a prior attempt
// failed.
func (s *State) CompleteTask(id, result string) error {
	t := s.Task(id)
	if t == nil {
		return fmt.Errorf("task %s not found", id)
	}
	if err := t.transition(TaskCompleted); err != nil {
		return err
	}
	t.Result = result
	if !slices.Contains(s.CompletedTasks, id) {
		s.CompletedTasks = append(s.CompletedTasks, id)
	}
	s.FailedTasks = slices.DeleteFunc(s.FailedTasks, func(v string) bool { return v == id })
	return nil
}

// FailTask finishes a task unsuccessfully and records the reason as the
// Epic's last error.
func (s *State) FailTask(id, reason string) error {
	t := s.Task(id)
	if t == nil {
		return fmt.Errorf("task %s not found", id)
	}
	if err := t.transition(TaskFailed); err != nil {
		return err
	}
	t.Result = reason
	if !slices.Contains(s.FailedTasks, id) {
		s.FailedTasks = append(s.FailedTasks, id)
	}
	s.RecordError(fmt.Sprintf("task %s failed: %s", id, reason))
	return nil
}

// RetryTask moves a failed task back to ready and uncounts its failure.
func (s *State) RetryTask(id string) error {
	t := s.Task(id)
	if t == nil {
		return fmt.Errorf("task %s not found", id)
	}
	if err := t.transition(TaskReady); err != nil {
		return err
	}
	t.Result = ""
	s.FailedTasks = slices.DeleteFunc(s.FailedTasks, func(v string) bool { return v == id })
	return nil
}

// ReleaseInFlight returns every in_progress task to ready. Used when the
// loop aborts so a later run can re-dispatch them.
func (s *State) ReleaseInFlight() []string {
	var released []string
	for _, t := range s.TaskGraph {
		if t.Status == TaskInProgress {
			t.Status = TaskReady
			t.StartedAt = 0
			released = append(released, t.ID)
		}
	}
	return released
}

// UnfinishedTasks lists ids of tasks that are not yet terminal.
func (s *State) UnfinishedTasks() []string {
	var out []string
	for _, t := range s.TaskGraph {
		if !t.Status.IsTerminal() {
			out = append(out, t.ID)
		}
	}
	return out
}

// AllTasksFinished reports whether every task is completed or failed.
// An empty graph counts as finished.
func (s *State) AllTasksFinished() bool {
	return len(s.UnfinishedTasks()) == 0
}

// RecordError stores the error as LastError and in the bounded
// recent-errors tail.
func (s *State) RecordError(msg string) {
	if msg == "" {
		return
	}
	s.LastError = msg
	s.RecentErrors = append(s.RecentErrors, msg)
	if len(s.RecentErrors) > recentErrorCap {
		s.RecentErrors = s.RecentErrors[len(s.RecentErrors)-recentErrorCap:]
	}
}

// MarkCheckpoint stamps the checkpoint bookkeeping for one CHECKPOINT
// action and reports whether the escalation condition holds: a recorded
// error, at least one failed task, and a prior check.
func (s *State) MarkCheckpoint(trigger string, now time.Time) (escalate bool) {
	s.Checkpoint.TotalChecks++
	s.Checkpoint.LastTrigger = trigger
	s.Checkpoint.LastCheckAt = now.UnixMilli()
	return s.LastError != "" && len(s.FailedTasks) > 0 && s.Checkpoint.TotalChecks > 1
}
