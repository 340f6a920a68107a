// Package events defines the daemon's typed event vocabulary and the bus
// that fans events out to in-process subscribers, persistence sinks, and
// websocket clients.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Group buckets event types for coarse-grained subscriptions.
type Group string

const (
	GroupTask     Group = "TASK"
	GroupAgent    Group = "AGENT"
	GroupTool     Group = "TOOL"
	GroupSession  Group = "SESSION"
	GroupWorkflow Group = "WORKFLOW"
	GroupSystem   Group = "SYSTEM"
)

// Type identifies the kind of event. The set is closed: producers pick
// from these constants and GroupOf assigns the group.
type Type string

const (
	// Task lifecycle.
	TaskCreated   Type = "task_created"
	TaskReady     Type = "task_ready"
	TaskStarted   Type = "task_started"
	TaskCompleted Type = "task_completed"
	TaskFailed    Type = "task_failed"
	TaskRetried   Type = "task_retried"

	// Agent lifecycle.
	AgentRegistered   Type = "agent_registered"
	AgentUnregistered Type = "agent_unregistered"
	AgentHeartbeat    Type = "agent_heartbeat"
	AgentRestarted    Type = "agent_restarted"
	AgentFailed       Type = "agent_failed"

	// Tool execution.
	ToolCall       Type = "tool_call"
	ToolResult     Type = "tool_result"
	ToolError      Type = "tool_error"
	ToolAuthorized Type = "tool_authorized"
	ToolDenied     Type = "tool_denied"

	// Session mutations.
	SessionCreated    Type = "session_created"
	SessionPaused     Type = "session_paused"
	SessionResumed    Type = "session_resumed"
	SessionCompressed Type = "session_compressed"
	MessageAdded      Type = "message_added"
	MessageUpdated    Type = "message_updated"
	MessageDeleted    Type = "message_deleted"

	// Orchestration workflow.
	WorkflowStarted   Type = "workflow_started"
	PlanUpdated       Type = "plan_updated"
	WorkflowProgress  Type = "workflow_progress"
	WorkflowCompleted Type = "workflow_completed"
	WorkflowFailed    Type = "workflow_failed"
	WorkflowAborted   Type = "workflow_aborted"
	CheckpointCreated Type = "checkpoint_created"

	// Daemon-level.
	DaemonStarted   Type = "daemon_started"
	DaemonStopping  Type = "daemon_stopping"
	SnapshotWritten Type = "snapshot_written"
	ModulePaused    Type = "module_paused"
	ModuleResumed   Type = "module_resumed"
)

// groups maps every known event type to its group. Unknown types fall
// into GroupSystem.
var groups = map[Type]Group{
	TaskCreated:   GroupTask,
	TaskReady:     GroupTask,
	TaskStarted:   GroupTask,
	TaskCompleted: GroupTask,
	TaskFailed:    GroupTask,
	TaskRetried:   GroupTask,

	AgentRegistered:   GroupAgent,
	AgentUnregistered: GroupAgent,
	AgentHeartbeat:    GroupAgent,
	AgentRestarted:    GroupAgent,
	AgentFailed:       GroupAgent,

	ToolCall:       GroupTool,
	ToolResult:     GroupTool,
	ToolError:      GroupTool,
	ToolAuthorized: GroupTool,
	ToolDenied:     GroupTool,

	SessionCreated:    GroupSession,
	SessionPaused:     GroupSession,
	SessionResumed:    GroupSession,
	SessionCompressed: GroupSession,
	MessageAdded:      GroupSession,
	MessageUpdated:    GroupSession,
	MessageDeleted:    GroupSession,

	WorkflowStarted:   GroupWorkflow,
	PlanUpdated:       GroupWorkflow,
	WorkflowProgress:  GroupWorkflow,
	WorkflowCompleted: GroupWorkflow,
	WorkflowFailed:    GroupWorkflow,
	WorkflowAborted:   GroupWorkflow,
	CheckpointCreated: GroupWorkflow,

	DaemonStarted:   GroupSystem,
	DaemonStopping:  GroupSystem,
	SnapshotWritten: GroupSystem,
	ModulePaused:    GroupSystem,
	ModuleResumed:   GroupSystem,
}

// GroupOf returns the group an event type belongs to.
func GroupOf(t Type) Group {
	if g, ok := groups[t]; ok {
		return g
	}
	return GroupSystem
}

// KnownType reports whether t is part of the closed vocabulary.
func KnownType(t Type) bool {
	_, ok := groups[t]
	return ok
}

// Event is one emitted occurrence. Seq is assigned by the archive sink
// when archiving is enabled and stays 0 otherwise.
type Event struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq,omitempty"`
	Type      Type           `json:"type"`
	Group     Group          `json:"group"`
	SessionID string         `json:"sessionId,omitempty"`
	AgentID   string         `json:"agentId,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New builds an event with a fresh id, the current millisecond timestamp,
// and the group derived from the type.
func New(t Type, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Group:     GroupOf(t),
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}
