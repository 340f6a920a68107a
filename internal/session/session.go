// Package session persists per-project conversation state under
// ~/.finger/session/<project>/<session-id>/. Root sessions live in
// main.json; per-agent runtime sub-sessions live alongside them in
// agent-<ownerAgentId>.json. Every mutation is written through before
// it becomes visible, so the file on disk is always the source of truth.
package session

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Role identifies the author of a session message.
type Role string

const (
	RoleUser         Role = "user"
	RoleAssistant    Role = "assistant"
	RoleSystem       Role = "system"
	RoleOrchestrator Role = "orchestrator"
)

// Session tiers. Root sessions own a directory; runtime sessions are
// per-agent sub-sessions inside their root's directory.
const (
	TierRoot    = "root"
	TierRuntime = "runtime"
)

// Message is one entry in a session's message log.
type Message struct {
	ID          string         `json:"id"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	Timestamp   int64          `json:"timestamp"`
	WorkflowID  string         `json:"workflowId,omitempty"`
	TaskID      string         `json:"taskId,omitempty"`
	Attachments []string       `json:"attachments,omitempty"`
	Type        string         `json:"type,omitempty"`
	ToolName    string         `json:"toolName,omitempty"`
	ToolStatus  string         `json:"toolStatus,omitempty"`
	ToolInput   map[string]any `json:"toolInput,omitempty"`
	ToolOutput  map[string]any `json:"toolOutput,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// CompressedHistory summarizes messages that were compacted out of the
// live log. MessageCount accumulates across compressions.
type CompressedHistory struct {
	Summary      string `json:"summary"`
	MessageCount int    `json:"messageCount"`
	CompressedAt int64  `json:"compressedAt"`
}

// Context carries session-scoped flags and lineage.
type Context struct {
	Paused            bool               `json:"paused,omitempty"`
	SessionTier       string             `json:"sessionTier,omitempty"`
	ParentSessionID   string             `json:"parentSessionId,omitempty"`
	RootSessionID     string             `json:"rootSessionId,omitempty"`
	OwnerAgentID      string             `json:"ownerAgentId,omitempty"`
	CompressedHistory *CompressedHistory `json:"compressedHistory,omitempty"`
}

// Session is one persisted conversation. Messages are append-only in
// normal operation; UpdateMessage and DeleteMessage are the explicit
// mutations that may rewrite history.
type Session struct {
	ID              string    `json:"id"`
	Name            string    `json:"name,omitempty"`
	ProjectPath     string    `json:"projectPath"`
	CreatedAt       int64     `json:"createdAt"`
	UpdatedAt       int64     `json:"updatedAt"`
	LastAccessedAt  int64     `json:"lastAccessedAt"`
	Messages        []Message `json:"messages"`
	ActiveWorkflows []string  `json:"activeWorkflows,omitempty"`
	Context         Context   `json:"context"`
}

// IsRuntime reports whether this is a per-agent sub-session.
func (s *Session) IsRuntime() bool {
	return s.Context.SessionTier == TierRuntime ||
		s.Context.ParentSessionID != "" ||
		s.Context.OwnerAgentID != ""
}

// RootID returns the session id that owns the on-disk directory: the
// root session id for runtime sub-sessions, the session's own id otherwise.
func (s *Session) RootID() string {
	if s.Context.RootSessionID != "" {
		return s.Context.RootSessionID
	}
	if s.Context.ParentSessionID != "" {
		return s.Context.ParentSessionID
	}
	return s.ID
}

// Empty reports whether the session carries no conversation yet.
func (s *Session) Empty() bool {
	return len(s.Messages) == 0 && s.Context.CompressedHistory == nil
}

// lastTimestamp returns the newest message timestamp, or 0 when empty.
func (s *Session) lastTimestamp() int64 {
	if len(s.Messages) == 0 {
		return 0
	}
	return s.Messages[len(s.Messages)-1].Timestamp
}

// clone returns a copy safe to mutate and hand out. Message structs are
// copied by value; nested maps are shared and treated as immutable.
func (s *Session) clone() *Session {
	dup := *s
	if s.Messages != nil {
		dup.Messages = make([]Message, len(s.Messages))
		copy(dup.Messages, s.Messages)
	}
	if s.ActiveWorkflows != nil {
		dup.ActiveWorkflows = append([]string(nil), s.ActiveWorkflows...)
	}
	if s.Context.CompressedHistory != nil {
		ch := *s.Context.CompressedHistory
		dup.Context.CompressedHistory = &ch
	}
	return &dup
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// randBase36 returns an n-char lowercase base36 string.
func randBase36(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = base36Alphabet[rand.IntN(len(base36Alphabet))]
	}
	return string(b)
}

// NewSessionID mints a session id in the canonical
// session-<unixMs>-<rand> format.
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("session-%d-%s", now.UnixMilli(), randBase36(8))
}

// newMessageID mints a message id unique within its session.
func newMessageID(now time.Time) string {
	return fmt.Sprintf("msg-%d-%s", now.UnixMilli(), randBase36(8))
}
