package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fingerhq/finger/internal/events"
	"github.com/fingerhq/finger/internal/paths"
)

// stubClock returns a fixed instant, advanced manually by tests.
type stubClock struct {
	t time.Time
}

func (c *stubClock) Now() time.Time { return c.t }

func (c *stubClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testClock() *stubClock {
	return &stubClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// recordingEmitter captures emitted events for assertions.
type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(ev events.Event) { r.events = append(r.events, ev) }

func (r *recordingEmitter) typesSeen() []events.Type {
	out := make([]events.Type, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, string) {
	t.Helper()
	home := t.TempDir()
	return NewManager(home, opts...), home
}

func TestCreateSession_MintsCanonicalID(t *testing.T) {
	m, _ := newTestManager(t, WithClock(testClock()))

	s, err := m.CreateSession("/work/proj", "my session", false)
	require.NoError(t, err)

	require.Regexp(t, regexp.MustCompile(`^session-\d+-[0-9a-z]{8}$`), s.ID)
	assert.Equal(t, "my session", s.Name)
	assert.Equal(t, "/work/proj", s.ProjectPath)
	assert.Equal(t, TierRoot, s.Context.SessionTier)
	assert.Empty(t, s.Messages)
}

func TestCreateSession_WritesMainJSON(t *testing.T) {
	m, home := newTestManager(t)

	s, err := m.CreateSession("/work/proj", "", false)
	require.NoError(t, err)

	path := filepath.Join(paths.SessionDir(home, "/work/proj", s.ID), "main.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err, "session file should exist after create")

	var onDisk Session
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, s.ID, onDisk.ID)
}

func TestCreateSession_ReusesEmptySession(t *testing.T) {
	clock := testClock()
	m, _ := newTestManager(t, WithClock(clock))

	first, err := m.CreateSession("/work/proj", "", true)
	require.NoError(t, err)

	clock.advance(time.Minute)
	second, err := m.CreateSession("/work/proj", "named later", true)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "empty session should be reused")
	assert.Equal(t, "named later", second.Name)
}

func TestCreateSession_NoReuseAcrossProjects(t *testing.T) {
	m, _ := newTestManager(t)

	first, err := m.CreateSession("/work/alpha", "", true)
	require.NoError(t, err)

	second, err := m.CreateSession("/work/beta", "", true)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
}

func TestCreateSession_NoReuseWhenNonEmpty(t *testing.T) {
	m, _ := newTestManager(t)

	first, err := m.CreateSession("/work/proj", "", true)
	require.NoError(t, err)
	_, err = m.AddMessage(first.ID, RoleUser, "hello", nil)
	require.NoError(t, err)

	second, err := m.CreateSession("/work/proj", "", true)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
}

func TestCreateSession_ReuseDisabled(t *testing.T) {
	m, _ := newTestManager(t)

	first, err := m.CreateSession("/work/proj", "", false)
	require.NoError(t, err)
	second, err := m.CreateSession("/work/proj", "", false)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
}

func TestEnsureSession_CreatesWithExactID(t *testing.T) {
	m, _ := newTestManager(t)

	s, err := m.EnsureSession("session-123-abcdefgh", "/work/proj", "")
	require.NoError(t, err)
	assert.Equal(t, "session-123-abcdefgh", s.ID)

	again, err := m.EnsureSession("session-123-abcdefgh", "/work/proj", "")
	require.NoError(t, err)
	assert.Equal(t, s.CreatedAt, again.CreatedAt, "second ensure should load, not recreate")
}

func TestAddMessage_AppendsAndStamps(t *testing.T) {
	clock := testClock()
	m, _ := newTestManager(t, WithClock(clock))

	s, err := m.CreateSession("/work/proj", "", false)
	require.NoError(t, err)

	msg, err := m.AddMessage(s.ID, RoleUser, "first", map[string]any{"k": "v"})
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	assert.Equal(t, clock.Now().UnixMilli(), msg.Timestamp)

	clock.advance(time.Second)
	second, err := m.AddMessage(s.ID, RoleAssistant, "second", nil)
	require.NoError(t, err)
	assert.NotEqual(t, msg.ID, second.ID)

	got, found := m.GetSession(s.ID)
	require.True(t, found)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "first", got.Messages[0].Content)
	assert.Equal(t, map[string]any{"k": "v"}, got.Messages[0].Metadata)
}

func TestAddMessage_UnknownSession(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.AddMessage("session-0-00000000", RoleUser, "x", nil)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAddMessage_TimestampsNondecreasing(t *testing.T) {
	clock := testClock()
	m, _ := newTestManager(t, WithClock(clock))

	s, err := m.CreateSession("/work/proj", "", false)
	require.NoError(t, err)

	_, err = m.AddMessage(s.ID, RoleUser, "a", nil)
	require.NoError(t, err)

	// A clock that goes backwards must not produce a regressing timestamp.
	clock.advance(-time.Hour)
	_, err = m.AddMessage(s.ID, RoleUser, "b", nil)
	require.NoError(t, err)

	msgs, err := m.GetMessages(s.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.GreaterOrEqual(t, msgs[1].Timestamp, msgs[0].Timestamp)
}

func TestGetMessages_TailLimited(t *testing.T) {
	m, _ := newTestManager(t)

	s, err := m.CreateSession("/work/proj", "", false)
	require.NoError(t, err)
	for i := 0; i < 60; i++ {
		_, err = m.AddMessage(s.ID, RoleUser, fmt.Sprintf("m%d", i), nil)
		require.NoError(t, err)
	}

	// Default limit keeps the newest 50.
	msgs, err := m.GetMessages(s.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, DefaultMessageLimit)
	assert.Equal(t, "m10", msgs[0].Content)
	assert.Equal(t, "m59", msgs[len(msgs)-1].Content)

	msgs, err = m.GetMessages(s.ID, 5)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	assert.Equal(t, "m55", msgs[0].Content)
}

func TestUpdateMessage(t *testing.T) {
	m, _ := newTestManager(t)

	s, err := m.CreateSession("/work/proj", "", false)
	require.NoError(t, err)
	msg, err := m.AddMessage(s.ID, RoleUser, "before", nil)
	require.NoError(t, err)

	require.NoError(t, m.UpdateMessage(s.ID, msg.ID, "after"))

	msgs, err := m.GetMessages(s.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "after", msgs[0].Content)

	require.ErrorIs(t, m.UpdateMessage(s.ID, msg.ID, "   "), ErrEmptyContent)
	require.ErrorIs(t, m.UpdateMessage(s.ID, "msg-none", "x"), ErrMessageNotFound)
}

func TestDeleteMessage(t *testing.T) {
	m, _ := newTestManager(t)

	s, err := m.CreateSession("/work/proj", "", false)
	require.NoError(t, err)
	first, err := m.AddMessage(s.ID, RoleUser, "one", nil)
	require.NoError(t, err)
	_, err = m.AddMessage(s.ID, RoleUser, "two", nil)
	require.NoError(t, err)

	require.NoError(t, m.DeleteMessage(s.ID, first.ID))

	msgs, err := m.GetMessages(s.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "two", msgs[0].Content)

	require.ErrorIs(t, m.DeleteMessage(s.ID, first.ID), ErrMessageNotFound)
}

func TestCompressContext(t *testing.T) {
	m, _ := newTestManager(t, WithCompressThreshold(10))

	s, err := m.CreateSession("/work/proj", "", false)
	require.NoError(t, err)

	// At threshold: no compression.
	for i := 0; i < 10; i++ {
		_, err = m.AddMessage(s.ID, RoleUser, fmt.Sprintf("m%d", i), nil)
		require.NoError(t, err)
	}
	did, err := m.CompressContext(s.ID, nil)
	require.NoError(t, err)
	assert.False(t, did)

	// Over threshold: all but the newest 10 move into the summary.
	for i := 10; i < 14; i++ {
		_, err = m.AddMessage(s.ID, RoleUser, fmt.Sprintf("m%d", i), nil)
		require.NoError(t, err)
	}
	did, err = m.CompressContext(s.ID, nil)
	require.NoError(t, err)
	assert.True(t, did)

	got, found := m.GetSession(s.ID)
	require.True(t, found)
	require.Len(t, got.Messages, 10)
	assert.Equal(t, "m4", got.Messages[0].Content)
	require.NotNil(t, got.Context.CompressedHistory)
	assert.Equal(t, 4, got.Context.CompressedHistory.MessageCount)
	assert.Contains(t, got.Context.CompressedHistory.Summary, "user: m0")
}

func TestCompressContext_AccumulatesAcrossRuns(t *testing.T) {
	m, _ := newTestManager(t, WithCompressThreshold(5))

	s, err := m.CreateSession("/work/proj", "", false)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		_, err = m.AddMessage(s.ID, RoleUser, fmt.Sprintf("a%d", i), nil)
		require.NoError(t, err)
	}
	did, err := m.CompressContext(s.ID, nil)
	require.NoError(t, err)
	require.True(t, did)

	for i := 0; i < 3; i++ {
		_, err = m.AddMessage(s.ID, RoleUser, fmt.Sprintf("b%d", i), nil)
		require.NoError(t, err)
	}
	did, err = m.CompressContext(s.ID, nil)
	require.NoError(t, err)
	require.True(t, did)

	got, _ := m.GetSession(s.ID)
	require.NotNil(t, got.Context.CompressedHistory)
	assert.Equal(t, 6, got.Context.CompressedHistory.MessageCount)
	assert.Contains(t, got.Context.CompressedHistory.Summary, "user: a0")
	assert.Contains(t, got.Context.CompressedHistory.Summary, "user: a5")
}

func TestCompressContext_CustomSummarizer(t *testing.T) {
	m, _ := newTestManager(t, WithCompressThreshold(2))

	s, err := m.CreateSession("/work/proj", "", false)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err = m.AddMessage(s.ID, RoleUser, "x", nil)
		require.NoError(t, err)
	}

	did, err := m.CompressContext(s.ID, func(msgs []Message) string {
		return fmt.Sprintf("condensed %d", len(msgs))
	})
	require.NoError(t, err)
	require.True(t, did)

	got, _ := m.GetSession(s.ID)
	assert.Equal(t, "condensed 2", got.Context.CompressedHistory.Summary)
}

func TestPauseAndResume(t *testing.T) {
	m, _ := newTestManager(t)

	s, err := m.CreateSession("/work/proj", "", false)
	require.NoError(t, err)

	require.NoError(t, m.PauseSession(s.ID))
	got, _ := m.GetSession(s.ID)
	assert.True(t, got.Context.Paused)

	require.NoError(t, m.ResumeSession(s.ID))
	got, _ = m.GetSession(s.ID)
	assert.False(t, got.Context.Paused)
}

func TestPausedSessionNotReused(t *testing.T) {
	m, _ := newTestManager(t)

	first, err := m.CreateSession("/work/proj", "", true)
	require.NoError(t, err)
	require.NoError(t, m.PauseSession(first.ID))

	second, err := m.CreateSession("/work/proj", "", true)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "paused session must not be reused")
}

func TestCreateAgentSession(t *testing.T) {
	m, home := newTestManager(t)

	root, err := m.CreateSession("/work/proj", "", false)
	require.NoError(t, err)

	sub, err := m.CreateAgentSession(root.ID, "worker-1")
	require.NoError(t, err)
	assert.True(t, sub.IsRuntime())
	assert.Equal(t, root.ID, sub.Context.ParentSessionID)
	assert.Equal(t, root.ID, sub.Context.RootSessionID)
	assert.Equal(t, "worker-1", sub.Context.OwnerAgentID)

	// Lives inside the root session's directory.
	path := filepath.Join(paths.SessionDir(home, "/work/proj", root.ID), "agent-worker-1.json")
	_, err = os.Stat(path)
	require.NoError(t, err, "agent session file should exist")

	// Same agent, same root: reused.
	again, err := m.CreateAgentSession(root.ID, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, again.ID)
}

func TestWorkflowSet(t *testing.T) {
	m, _ := newTestManager(t)

	s, err := m.CreateSession("/work/proj", "", false)
	require.NoError(t, err)

	require.NoError(t, m.AttachWorkflow(s.ID, "epic-1"))
	require.NoError(t, m.AttachWorkflow(s.ID, "epic-1"))
	require.NoError(t, m.AttachWorkflow(s.ID, "epic-2"))

	got, _ := m.GetSession(s.ID)
	assert.Equal(t, []string{"epic-1", "epic-2"}, got.ActiveWorkflows, "activeWorkflows is a set")

	require.NoError(t, m.DetachWorkflow(s.ID, "epic-1"))
	got, _ = m.GetSession(s.ID)
	assert.Equal(t, []string{"epic-2"}, got.ActiveWorkflows)
}

func TestManager_SurvivesRestart(t *testing.T) {
	home := t.TempDir()

	m1 := NewManager(home)
	s, err := m1.CreateSession("/work/proj", "persisted", false)
	require.NoError(t, err)
	_, err = m1.AddMessage(s.ID, RoleUser, "hello", nil)
	require.NoError(t, err)

	// Fresh manager over the same home finds the session on disk.
	m2 := NewManager(home)
	got, found := m2.GetSession(s.ID)
	require.True(t, found, "session should be discoverable after restart")
	assert.Equal(t, "persisted", got.Name)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Content)
}

func TestListSessions(t *testing.T) {
	clock := testClock()
	m, _ := newTestManager(t, WithClock(clock))

	a, err := m.CreateSession("/work/alpha", "", false)
	require.NoError(t, err)
	clock.advance(time.Minute)
	b, err := m.CreateSession("/work/beta", "", false)
	require.NoError(t, err)
	_, err = m.CreateAgentSession(b.ID, "w1")
	require.NoError(t, err)

	all, err := m.ListSessions("")
	require.NoError(t, err)
	require.Len(t, all, 2, "runtime sub-sessions are excluded")
	assert.Equal(t, b.ID, all[0].ID, "newest accessed first")

	alpha, err := m.ListSessions("/work/alpha")
	require.NoError(t, err)
	require.Len(t, alpha, 1)
	assert.Equal(t, a.ID, alpha[0].ID)
}

func TestDeleteSession_RemovesDirectory(t *testing.T) {
	m, home := newTestManager(t)

	root, err := m.CreateSession("/work/proj", "", false)
	require.NoError(t, err)
	sub, err := m.CreateAgentSession(root.ID, "w1")
	require.NoError(t, err)

	require.NoError(t, m.DeleteSession(root.ID))

	_, found := m.GetSession(root.ID)
	assert.False(t, found)
	_, found = m.GetSession(sub.ID)
	assert.False(t, found, "runtime sub-sessions die with their root")

	_, err = os.Stat(paths.SessionDir(home, "/work/proj", root.ID))
	assert.True(t, os.IsNotExist(err), "session directory should be gone")
}

func TestManager_EmitsLifecycleEvents(t *testing.T) {
	rec := &recordingEmitter{}
	m, _ := newTestManager(t, WithEmitter(rec), WithCompressThreshold(1))

	s, err := m.CreateSession("/work/proj", "", false)
	require.NoError(t, err)
	_, err = m.AddMessage(s.ID, RoleUser, "a", nil)
	require.NoError(t, err)
	_, err = m.AddMessage(s.ID, RoleUser, "b", nil)
	require.NoError(t, err)
	_, err = m.CompressContext(s.ID, nil)
	require.NoError(t, err)
	require.NoError(t, m.PauseSession(s.ID))
	require.NoError(t, m.ResumeSession(s.ID))

	assert.Equal(t, []events.Type{
		events.SessionCreated,
		events.MessageAdded,
		events.MessageAdded,
		events.SessionCompressed,
		events.SessionPaused,
		events.SessionResumed,
	}, rec.typesSeen())

	for _, ev := range rec.events {
		assert.Equal(t, s.ID, ev.SessionID, "every session event carries the session id")
	}
}

func TestMutationFailureKeepsMemoryState(t *testing.T) {
	m, home := newTestManager(t)

	s, err := m.CreateSession("/work/proj", "", false)
	require.NoError(t, err)
	_, err = m.AddMessage(s.ID, RoleUser, "kept", nil)
	require.NoError(t, err)

	// Make the session directory unwritable so the next write fails.
	dir := paths.SessionDir(home, "/work/proj", s.ID)
	require.NoError(t, os.Chmod(dir, 0500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0750) })

	if os.Getuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}

	_, err = m.AddMessage(s.ID, RoleUser, "lost", nil)
	require.Error(t, err, "write should fail on read-only dir")

	got, found := m.GetSession(s.ID)
	require.True(t, found)
	require.Len(t, got.Messages, 1, "failed mutation must not become visible")
	assert.Equal(t, "kept", got.Messages[0].Content)
}
