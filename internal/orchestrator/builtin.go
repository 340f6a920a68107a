package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fingerhq/finger/internal/events"
	"github.com/fingerhq/finger/internal/log"
)

// Built-in orchestrator action names.
const (
	ActionPlan       = "PLAN"
	ActionDispatch   = "DISPATCH"
	ActionComplete   = "COMPLETE"
	ActionFail       = "FAIL"
	ActionCheckpoint = "CHECKPOINT"
)

const observationPreviewLimit = 200

// Emitter publishes bus events from action handlers.
type Emitter interface {
	Emit(ev events.Event)
}

// Dispatcher delivers one task to the executor and blocks for its
// result text.
type Dispatcher interface {
	Dispatch(ctx context.Context, st *State, task *TaskNode) (string, error)
}

// Checkpointer persists checkpoint snapshots.
type Checkpointer interface {
	SaveCheckpoint(st *State, trigger string) (string, error)
}

// ActionContext carries the Epic state and the collaborators a handler
// may touch. Emitter, Dispatcher, and Checkpoints may be nil in tests.
type ActionContext struct {
	State       *State
	Emitter     Emitter
	Dispatcher  Dispatcher
	Checkpoints Checkpointer
	Clock       Clock
}

func (a *ActionContext) now() time.Time {
	if a.Clock != nil {
		return a.Clock.Now()
	}
	return time.Now()
}

func (a *ActionContext) emit(ev events.Event) {
	if a.Emitter == nil {
		return
	}
	ev.SessionID = a.State.SessionID
	a.Emitter.Emit(ev)
}

// RegisterBuiltins installs the orchestrator action vocabulary.
func RegisterBuiltins(reg *Registry) error {
	builtins := []*Action{
		{
			Name:        ActionPlan,
			Description: "Create or revise the task graph for the Epic.",
			Params: []ParamSpec{
				{Name: "tasks", Kind: KindArrayParam, Description: "Task objects with id, description, assignee, deadline."},
			},
			Handler: handlePlan,
		},
		{
			Name:        ActionDispatch,
			Description: "Send one ready task to the executor and wait for its result.",
			Params: []ParamSpec{
				{Name: "taskId", Kind: KindStringParam, Description: "Task to dispatch. Defaults to the first ready task."},
			},
			Handler:   handleDispatch,
			RiskLevel: "medium",
		},
		{
			Name:        ActionComplete,
			Description: "Declare the Epic done. Rejected while tasks remain unfinished.",
			Params: []ParamSpec{
				{Name: "summary", Kind: KindStringParam, Description: "Closing summary for the Epic."},
			},
			Handler: handleComplete,
		},
		{
			Name:        ActionFail,
			Description: "Abandon the Epic with a reason.",
			Params: []ParamSpec{
				{Name: "reason", Kind: KindStringParam, Description: "Why the Epic cannot proceed."},
			},
			Handler: handleFail,
		},
		{
			Name:        ActionCheckpoint,
			Description: "Review progress. Escalates to replanning after repeated failures.",
			Params: []ParamSpec{
				{Name: "trigger", Kind: KindStringParam, Description: "What prompted the check."},
			},
			Handler: handleCheckpoint,
		},
	}
	for _, act := range builtins {
		if err := reg.Register(RoleOrchestrator, act); err != nil {
			return err
		}
	}
	return nil
}

func handlePlan(_ context.Context, actx *ActionContext, params map[string]any) (*ActionResult, error) {
	specs, err := decodeTaskSpecs(params["tasks"])
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return &ActionResult{
			Success:     true,
			Observation: "Plan unchanged: no tasks were provided.",
		}, nil
	}

	st := actx.State
	added, updated := st.MergePlan(specs)
	actx.emit(events.New(events.PlanUpdated, map[string]any{
		"epicId":    st.EpicID,
		"added":     added,
		"updated":   updated,
		"taskCount": len(st.TaskGraph),
		"phase":     string(st.Phase),
	}))

	return &ActionResult{
		Success:     true,
		Observation: fmt.Sprintf("Plan now holds %d tasks (%d added, %d updated). Phase: %s.", len(st.TaskGraph), added, updated, st.Phase),
		Data: map[string]any{
			"added":     added,
			"updated":   updated,
			"taskCount": len(st.TaskGraph),
		},
	}, nil
}

func handleDispatch(ctx context.Context, actx *ActionContext, params map[string]any) (*ActionResult, error) {
	st := actx.State
	task, err := resolveDispatchTarget(st, params)
	if err != nil {
		return nil, err
	}
	if actx.Dispatcher == nil {
		return nil, fmt.Errorf("no executor attached for task %s", task.ID)
	}

	if st.Phase != PhaseExecution {
		if err := st.transitionPhase(PhaseExecution); err != nil {
			log.Debug(log.CatOrch, "phase not advanced on dispatch", "epic_id", st.EpicID, "phase", st.Phase)
		}
	}
	if _, err := st.StartTask(task.ID, actx.now()); err != nil {
		return nil, err
	}
	actx.emit(events.New(events.TaskStarted, map[string]any{
		"epicId":   st.EpicID,
		"taskId":   task.ID,
		"assignee": task.Assignee,
	}))

	result, err := actx.Dispatcher.Dispatch(ctx, st, task)
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted mid-flight: the task returns to ready for a
			// future run instead of counting as failed.
			if terr := task.transition(TaskReady); terr == nil {
				task.StartedAt = 0
			}
			return &ActionResult{
				Success:     false,
				Error:       ctx.Err().Error(),
				Observation: fmt.Sprintf("Dispatch of task %s was interrupted.", task.ID),
			}, nil
		}
		if ferr := st.FailTask(task.ID, err.Error()); ferr != nil {
			log.Warn(log.CatOrch, "failed task could not be recorded", "task_id", task.ID, "error", ferr.Error())
		}
		actx.emit(events.New(events.TaskFailed, map[string]any{
			"epicId": st.EpicID,
			"taskId": task.ID,
			"error":  err.Error(),
		}))
		return &ActionResult{
			Success:     false,
			Error:       err.Error(),
			Observation: fmt.Sprintf("Task %s failed: %s", task.ID, preview(err.Error())),
		}, nil
	}

	if cerr := st.CompleteTask(task.ID, result); cerr != nil {
		return nil, cerr
	}
	actx.emit(events.New(events.TaskCompleted, map[string]any{
		"epicId": st.EpicID,
		"taskId": task.ID,
		"result": preview(result),
	}))
	return &ActionResult{
		Success:     true,
		Observation: fmt.Sprintf("Task %s completed: %s", task.ID, preview(result)),
		Data:        map[string]any{"taskId": task.ID, "result": result},
	}, nil
}

func handleComplete(_ context.Context, actx *ActionContext, params map[string]any) (*ActionResult, error) {
	st := actx.State
	if unfinished := st.UnfinishedTasks(); len(unfinished) > 0 {
		return &ActionResult{
			Success:     false,
			Error:       fmt.Sprintf("%d tasks unfinished", len(unfinished)),
			Observation: fmt.Sprintf("Cannot complete: tasks still open: %s. Dispatch or fail them first.", strings.Join(unfinished, ", ")),
		}, nil
	}

	summary, _ := params["summary"].(string)
	if summary == "" {
		summary = fmt.Sprintf("All %d tasks finished.", len(st.TaskGraph))
	}
	return &ActionResult{
		Success:     true,
		Observation: summary,
		ShouldStop:  true,
		StopReason:  StopComplete,
	}, nil
}

func handleFail(_ context.Context, actx *ActionContext, params map[string]any) (*ActionResult, error) {
	reason, _ := params["reason"].(string)
	if reason == "" {
		reason = "orchestrator abandoned the epic"
	}
	actx.State.RecordError(reason)
	return &ActionResult{
		Success:     true,
		Observation: fmt.Sprintf("Epic abandoned: %s", reason),
		Error:       reason,
		ShouldStop:  true,
		StopReason:  StopFail,
	}, nil
}

func handleCheckpoint(_ context.Context, actx *ActionContext, params map[string]any) (*ActionResult, error) {
	st := actx.State
	trigger, _ := params["trigger"].(string)
	if trigger == "" {
		trigger = "manual"
	}

	if st.Phase == PhaseExecution {
		if err := st.transitionPhase(PhaseReview); err != nil {
			log.Debug(log.CatOrch, "phase not moved to review", "epic_id", st.EpicID, "phase", st.Phase)
		}
	}

	escalate := st.MarkCheckpoint(trigger, actx.now())

	checkpointID := ""
	if actx.Checkpoints != nil {
		id, err := actx.Checkpoints.SaveCheckpoint(st, trigger)
		if err != nil {
			log.Warn(log.CatOrch, "checkpoint not persisted", "epic_id", st.EpicID, "error", err.Error())
		} else {
			checkpointID = id
		}
	}
	actx.emit(events.New(events.CheckpointCreated, map[string]any{
		"epicId":       st.EpicID,
		"checkpointId": checkpointID,
		"trigger":      trigger,
		"totalChecks":  st.Checkpoint.TotalChecks,
		"escalate":     escalate,
	}))

	if escalate {
		st.Checkpoint.MajorChange = true
		if err := st.transitionPhase(PhasePlanning); err != nil {
			log.Warn(log.CatOrch, "escalation could not reset phase", "epic_id", st.EpicID, "phase", st.Phase, "error", err.Error())
		}
		return &ActionResult{
			Success:     true,
			Observation: fmt.Sprintf("Checkpoint %d escalated after trigger %q: repeated failures require a new plan.", st.Checkpoint.TotalChecks, trigger),
			ShouldStop:  true,
			StopReason:  StopEscalate,
		}, nil
	}

	return &ActionResult{
		Success: true,
		Observation: fmt.Sprintf("Checkpoint %d recorded (trigger %q): %d completed, %d failed, %d open.",
			st.Checkpoint.TotalChecks, trigger, len(st.CompletedTasks), len(st.FailedTasks), len(st.UnfinishedTasks())),
	}, nil
}

// resolveDispatchTarget picks the task named by taskId, or the first
// ready task in insertion order when the parameter is absent.
func resolveDispatchTarget(st *State, params map[string]any) (*TaskNode, error) {
	if raw, ok := params["taskId"].(string); ok && raw != "" {
		task := st.Task(raw)
		if task == nil {
			return nil, fmt.Errorf("task %s not found in plan", raw)
		}
		if task.Status != TaskReady {
			return nil, fmt.Errorf("task %s is %s, not ready", raw, task.Status)
		}
		return task, nil
	}
	task := st.FirstReady()
	if task == nil {
		return nil, fmt.Errorf("no ready tasks to dispatch")
	}
	return task, nil
}

func decodeTaskSpecs(raw any) ([]TaskSpec, error) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("tasks parameter is not serializable: %w", err)
	}
	var specs []TaskSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("tasks parameter must be a list of task objects: %w", err)
	}
	return specs, nil
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= observationPreviewLimit {
		return s
	}
	return s[:observationPreviewLimit] + "..."
}
