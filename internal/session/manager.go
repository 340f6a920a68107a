package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fingerhq/finger/internal/events"
	"github.com/fingerhq/finger/internal/log"
)

// Sentinel errors surfaced by the manager.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrEmptyContent    = errors.New("message content is empty")
)

// DefaultMessageLimit is the tail returned by GetMessages when the
// caller does not ask for a specific limit.
const DefaultMessageLimit = 50

// DefaultCompressThreshold is the message count above which
// CompressContext compacts history. The same value is the tail kept live.
const DefaultCompressThreshold = 50

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// Emitter receives session lifecycle events. The event bus satisfies it.
type Emitter interface {
	Emit(ev events.Event)
}

// Summarizer condenses compacted messages into a text summary. A nil
// summarizer falls back to ExtractiveSummary.
type Summarizer func(messages []Message) string

// Option configures the Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithEmitter attaches an event emitter.
func WithEmitter(e Emitter) Option {
	return func(m *Manager) { m.emitter = e }
}

// WithCompressThreshold overrides the compression threshold.
func WithCompressThreshold(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.threshold = n
		}
	}
}

// Manager owns every session file under <home>/session/. All mutations
// serialize through the manager; a mutation becomes visible in memory
// only after its file write succeeds.
type Manager struct {
	home      string
	clock     Clock
	emitter   Emitter
	threshold int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager rooted at the finger home.
func NewManager(home string, opts ...Option) *Manager {
	m := &Manager{
		home:      home,
		clock:     RealClock{},
		threshold: DefaultCompressThreshold,
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSession returns a session for the project. With allowReuse, an
// existing empty root session for the same project is reused instead of
// minting a new id.
func (m *Manager) CreateSession(projectPath, name string, allowReuse bool) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if allowReuse {
		if existing := m.findEmptyLocked(projectPath); existing != nil {
			next := existing.clone()
			if name != "" {
				next.Name = name
			}
			next.LastAccessedAt = now.UnixMilli()
			next.UpdatedAt = now.UnixMilli()
			if err := m.writeLocked(next); err != nil {
				return nil, err
			}
			m.sessions[next.ID] = next
			log.Debug(log.CatSession, "reusing empty session", "session_id", next.ID, "project", projectPath)
			return next.clone(), nil
		}
	}

	s := m.newRootSession(NewSessionID(now), projectPath, name, now)
	if err := m.writeLocked(s); err != nil {
		return nil, err
	}
	m.sessions[s.ID] = s
	log.Info(log.CatSession, "session created", "session_id", s.ID, "project", projectPath)
	m.emit(events.SessionCreated, s.ID, "", map[string]any{"projectPath": projectPath})
	return s.clone(), nil
}

// EnsureSession loads the session with the given id, creating it for
// the project when missing.
func (m *Manager) EnsureSession(id, projectPath, name string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.getLocked(id)
	if err == nil {
		return s.clone(), nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	created := m.newRootSession(id, projectPath, name, m.clock.Now())
	if err := m.writeLocked(created); err != nil {
		return nil, err
	}
	m.sessions[created.ID] = created
	log.Info(log.CatSession, "session created", "session_id", created.ID, "project", projectPath)
	m.emit(events.SessionCreated, created.ID, "", map[string]any{"projectPath": projectPath})
	return created.clone(), nil
}

// CreateAgentSession returns the runtime sub-session owned by agentID
// under the given parent, creating it when the agent has none yet.
func (m *Manager) CreateAgentSession(parentID, agentID string) (*Session, error) {
	if agentID == "" {
		return nil, errors.New("agent id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	parent, err := m.getLocked(parentID)
	if err != nil {
		return nil, err
	}

	// One runtime session per (root, agent).
	if existing := m.findAgentSessionLocked(parent, agentID); existing != nil {
		return existing.clone(), nil
	}

	now := m.clock.Now()
	s := &Session{
		ID:             NewSessionID(now),
		ProjectPath:    parent.ProjectPath,
		CreatedAt:      now.UnixMilli(),
		UpdatedAt:      now.UnixMilli(),
		LastAccessedAt: now.UnixMilli(),
		Messages:       []Message{},
		Context: Context{
			SessionTier:     TierRuntime,
			ParentSessionID: parent.ID,
			RootSessionID:   parent.RootID(),
			OwnerAgentID:    agentID,
		},
	}
	if err := m.writeLocked(s); err != nil {
		return nil, err
	}
	m.sessions[s.ID] = s
	log.Info(log.CatSession, "agent session created", "session_id", s.ID, "agent_id", agentID, "parent", parent.ID)
	m.emit(events.SessionCreated, s.ID, agentID, map[string]any{"parentSessionId": parent.ID})
	return s.clone(), nil
}

// GetSession fetches a session by id.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.getLocked(id)
	if err != nil {
		return nil, false
	}
	return s.clone(), true
}

// ListSessions returns root sessions, newest accessed first. An empty
// projectPath lists every project.
func (m *Manager) ListSessions(projectPath string) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	scanned, err := m.scanAll(projectPath)
	if err != nil {
		return nil, err
	}

	var out []*Session
	for _, s := range scanned {
		if s.IsRuntime() {
			continue
		}
		if cached, ok := m.sessions[s.ID]; ok {
			s = cached
		}
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccessedAt > out[j].LastAccessedAt })
	return out, nil
}

// AppendMessage appends msg to the session, assigning its id and a
// nondecreasing timestamp. The stored message is returned.
func (m *Manager) AppendMessage(sessionID string, msg Message) (*Message, error) {
	if msg.Role == "" {
		return nil, errors.New("message role is required")
	}

	var added Message
	_, err := m.mutate(sessionID, func(s *Session) error {
		now := m.clock.Now()
		ts := now.UnixMilli()
		if last := s.lastTimestamp(); ts < last {
			ts = last
		}
		if msg.ID == "" {
			msg.ID = newMessageID(now)
		}
		msg.Timestamp = ts
		s.Messages = append(s.Messages, msg)
		s.LastAccessedAt = ts
		added = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.emit(events.MessageAdded, sessionID, "", map[string]any{"messageId": added.ID, "role": string(added.Role)})
	return &added, nil
}

// AddMessage appends a plain message. Metadata rides along unchanged.
func (m *Manager) AddMessage(sessionID string, role Role, content string, metadata map[string]any) (*Message, error) {
	return m.AppendMessage(sessionID, Message{Role: role, Content: content, Metadata: metadata})
}

// GetMessages returns the newest limit messages in insertion order.
// limit <= 0 means DefaultMessageLimit.
func (m *Manager) GetMessages(sessionID string, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.getLocked(sessionID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	start := len(s.Messages) - limit
	if start < 0 {
		start = 0
	}
	return append([]Message(nil), s.Messages[start:]...), nil
}

// UpdateMessage rewrites a message's content in place. Empty content is
// rejected.
func (m *Manager) UpdateMessage(sessionID, messageID, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	_, err := m.mutate(sessionID, func(s *Session) error {
		for i := range s.Messages {
			if s.Messages[i].ID == messageID {
				s.Messages[i].Content = content
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	})
	if err != nil {
		return err
	}
	m.emit(events.MessageUpdated, sessionID, "", map[string]any{"messageId": messageID})
	return nil
}

// DeleteMessage removes a message from the session.
func (m *Manager) DeleteMessage(sessionID, messageID string) error {
	_, err := m.mutate(sessionID, func(s *Session) error {
		for i := range s.Messages {
			if s.Messages[i].ID == messageID {
				s.Messages = append(s.Messages[:i], s.Messages[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	})
	if err != nil {
		return err
	}
	m.emit(events.MessageDeleted, sessionID, "", map[string]any{"messageId": messageID})
	return nil
}

// CompressContext compacts history once the message count exceeds the
// threshold: everything but the newest threshold messages moves into
// context.compressedHistory. Reports whether a compression happened.
func (m *Manager) CompressContext(sessionID string, summarize Summarizer) (bool, error) {
	var moved int
	_, err := m.mutate(sessionID, func(s *Session) error {
		if len(s.Messages) <= m.threshold {
			return nil
		}
		cut := len(s.Messages) - m.threshold
		head := s.Messages[:cut]
		tail := s.Messages[cut:]

		summary := ""
		if summarize != nil {
			summary = summarize(head)
		} else {
			summary = ExtractiveSummary(head)
		}

		now := m.clock.Now().UnixMilli()
		if prev := s.Context.CompressedHistory; prev != nil {
			s.Context.CompressedHistory = &CompressedHistory{
				Summary:      prev.Summary + "\n\n" + summary,
				MessageCount: prev.MessageCount + len(head),
				CompressedAt: now,
			}
		} else {
			s.Context.CompressedHistory = &CompressedHistory{
				Summary:      summary,
				MessageCount: len(head),
				CompressedAt: now,
			}
		}
		s.Messages = append([]Message(nil), tail...)
		moved = len(head)
		return nil
	})
	if err != nil {
		return false, err
	}
	if moved == 0 {
		return false, nil
	}
	log.Info(log.CatSession, "session history compressed", "session_id", sessionID, "moved", moved)
	m.emit(events.SessionCompressed, sessionID, "", map[string]any{"moved": moved})
	return true, nil
}

// PauseSession marks the session paused. Pausing a paused session is a
// no-op.
func (m *Manager) PauseSession(id string) error {
	changed := false
	_, err := m.mutate(id, func(s *Session) error {
		if !s.Context.Paused {
			s.Context.Paused = true
			changed = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		m.emit(events.SessionPaused, id, "", nil)
	}
	return nil
}

// ResumeSession clears the paused flag. Resuming a live session is a
// no-op.
func (m *Manager) ResumeSession(id string) error {
	changed := false
	_, err := m.mutate(id, func(s *Session) error {
		if s.Context.Paused {
			s.Context.Paused = false
			changed = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		m.emit(events.SessionResumed, id, "", nil)
	}
	return nil
}

// AttachWorkflow records a workflow as active on the session.
// ActiveWorkflows is a set.
func (m *Manager) AttachWorkflow(sessionID, workflowID string) error {
	_, err := m.mutate(sessionID, func(s *Session) error {
		for _, id := range s.ActiveWorkflows {
			if id == workflowID {
				return nil
			}
		}
		s.ActiveWorkflows = append(s.ActiveWorkflows, workflowID)
		return nil
	})
	return err
}

// DetachWorkflow removes a workflow from the session's active set.
func (m *Manager) DetachWorkflow(sessionID, workflowID string) error {
	_, err := m.mutate(sessionID, func(s *Session) error {
		for i, id := range s.ActiveWorkflows {
			if id == workflowID {
				s.ActiveWorkflows = append(s.ActiveWorkflows[:i], s.ActiveWorkflows[i+1:]...)
				return nil
			}
		}
		return nil
	})
	return err
}

// DeleteSession removes a session. Deleting a root session removes its
// directory including any runtime sub-sessions.
func (m *Manager) DeleteSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if err := m.removeFromDisk(s); err != nil {
		return err
	}

	delete(m.sessions, id)
	if !s.IsRuntime() {
		for cachedID, cached := range m.sessions {
			if cached.RootID() == s.ID {
				delete(m.sessions, cachedID)
			}
		}
	}
	log.Info(log.CatSession, "session deleted", "session_id", id)
	return nil
}

// newRootSession builds an unsaved root session.
func (m *Manager) newRootSession(id, projectPath, name string, now time.Time) *Session {
	return &Session{
		ID:             id,
		Name:           name,
		ProjectPath:    projectPath,
		CreatedAt:      now.UnixMilli(),
		UpdatedAt:      now.UnixMilli(),
		LastAccessedAt: now.UnixMilli(),
		Messages:       []Message{},
		Context:        Context{SessionTier: TierRoot},
	}
}

// mutate loads a session, applies fn to a private copy, persists the
// copy, and only then commits it to memory. A failed write leaves the
// previous state visible.
func (m *Manager) mutate(id string, fn func(*Session) error) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.getLocked(id)
	if err != nil {
		return nil, err
	}
	next := cur.clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = m.clock.Now().UnixMilli()
	if err := m.writeLocked(next); err != nil {
		return nil, err
	}
	m.sessions[next.ID] = next
	return next, nil
}

// getLocked returns the cached session or falls back to a disk scan.
func (m *Manager) getLocked(id string) (*Session, error) {
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	s, err := m.scanForSession(id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	m.sessions[id] = s
	return s, nil
}

// findEmptyLocked returns the most recently accessed empty root session
// for the project, or nil.
func (m *Manager) findEmptyLocked(projectPath string) *Session {
	scanned, err := m.scanAll(projectPath)
	if err != nil {
		log.Warn(log.CatSession, "session scan failed", "project", projectPath, "error", err.Error())
		return nil
	}

	var best *Session
	for _, s := range scanned {
		if cached, ok := m.sessions[s.ID]; ok {
			s = cached
		}
		if s.IsRuntime() || !s.Empty() || s.Context.Paused {
			continue
		}
		if best == nil || s.LastAccessedAt > best.LastAccessedAt {
			best = s
		}
	}
	return best
}

// findAgentSessionLocked returns the runtime session owned by agentID
// under the parent's root, or nil.
func (m *Manager) findAgentSessionLocked(parent *Session, agentID string) *Session {
	rootID := parent.RootID()
	for _, s := range m.sessions {
		if s.IsRuntime() && s.Context.OwnerAgentID == agentID && s.RootID() == rootID {
			return s
		}
	}
	scanned, err := m.scanAll(parent.ProjectPath)
	if err != nil {
		return nil
	}
	for _, s := range scanned {
		if s.IsRuntime() && s.Context.OwnerAgentID == agentID && s.RootID() == rootID {
			m.sessions[s.ID] = s
			return s
		}
	}
	return nil
}

func (m *Manager) emit(t events.Type, sessionID, agentID string, payload map[string]any) {
	if m.emitter == nil {
		return
	}
	ev := events.New(t, payload)
	ev.SessionID = sessionID
	ev.AgentID = agentID
	m.emitter.Emit(ev)
}
