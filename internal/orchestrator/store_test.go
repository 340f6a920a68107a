package orchestrator

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fingerhq/finger/internal/paths"
)

func TestStore_WorkflowRoundtrip(t *testing.T) {
	clock := testClock()
	store := NewStore(t.TempDir(), clock)

	st := newTestState()
	st.MergePlan([]TaskSpec{{ID: "t-1", Description: "build", Assignee: "executor"}})
	finishTask(t, st, "t-1")
	st.Round = 7
	st.Outcome = OutcomeCompleted
	st.OutcomeReason = "shipped"

	require.NoError(t, store.SaveWorkflow(st))
	assert.Equal(t, clock.Now().UnixMilli(), st.UpdatedAt, "save stamps UpdatedAt")

	loaded, err := store.LoadWorkflow(st.EpicID)
	require.NoError(t, err)
	assert.Equal(t, st.EpicID, loaded.EpicID)
	assert.Equal(t, st.UserTask, loaded.UserTask)
	assert.Equal(t, 7, loaded.Round)
	assert.Equal(t, OutcomeCompleted, loaded.Outcome)
	assert.Equal(t, []string{"t-1"}, loaded.CompletedTasks)
	require.Len(t, loaded.TaskGraph, 1)
	assert.Equal(t, TaskCompleted, loaded.TaskGraph[0].Status)
	assert.Equal(t, "done", loaded.TaskGraph[0].Result)
}

func TestStore_LoadWorkflow_Unknown(t *testing.T) {
	store := NewStore(t.TempDir(), testClock())

	_, err := store.LoadWorkflow("ghost")

	require.ErrorIs(t, err, ErrWorkflowNotFound)
	assert.Contains(t, err.Error(), "ghost")
}

func TestStore_ListWorkflows(t *testing.T) {
	home := t.TempDir()
	store := NewStore(home, testClock())

	// A home with no workflows dir lists as empty, not as an error.
	list, err := store.ListWorkflows()
	require.NoError(t, err)
	assert.Empty(t, list)

	first := NewState("epic-a", "session-1", "first", "chat-codex-gateway", testClock().Now())
	second := NewState("epic-b", "session-2", "second", "chat-codex-gateway", testClock().Now())
	require.NoError(t, store.SaveWorkflow(first))
	require.NoError(t, store.SaveWorkflow(second))

	// A corrupt file in the directory is skipped, not fatal.
	require.NoError(t, os.WriteFile(paths.WorkflowFile(home, "broken"), []byte("{not json"), 0o600))

	list, err = store.ListWorkflows()
	require.NoError(t, err)
	require.Len(t, list, 2)

	ids := []string{list[0].EpicID, list[1].EpicID}
	assert.ElementsMatch(t, []string{"epic-a", "epic-b"}, ids)
}

func TestStore_CheckpointRoundtrip(t *testing.T) {
	clock := testClock()
	store := NewStore(t.TempDir(), clock)

	st := newTestState()
	st.MergePlan([]TaskSpec{{ID: "t-1", Description: "doomed"}})
	st.Checkpoint.TotalChecks = 3

	id, err := store.SaveCheckpoint(st, "task_failure")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("cp3-%d", clock.Now().UnixMilli()), id)

	record, err := store.LoadCheckpoint(st.SessionID, id)
	require.NoError(t, err)
	assert.Equal(t, id, record.CheckpointID)
	assert.Equal(t, st.EpicID, record.EpicID)
	assert.Equal(t, st.SessionID, record.SessionID)
	assert.Equal(t, "task_failure", record.Trigger)
	assert.Equal(t, clock.Now().UnixMilli(), record.CreatedAt)
	require.NotNil(t, record.State)
	assert.Equal(t, 3, record.State.Checkpoint.TotalChecks)
	require.Len(t, record.State.TaskGraph, 1)
}

func TestStore_CheckpointOwnerFallsBackToEpic(t *testing.T) {
	store := NewStore(t.TempDir(), testClock())

	st := NewState("epic-solo", "", "no session attached", "chat-codex-gateway", testClock().Now())

	id, err := store.SaveCheckpoint(st, "manual")
	require.NoError(t, err)

	record, err := store.LoadCheckpoint("epic-solo", id)
	require.NoError(t, err)
	assert.Equal(t, "epic-solo", record.SessionID, "the epic id stands in for a missing session")
	assert.Equal(t, "epic-solo", record.EpicID)
}
