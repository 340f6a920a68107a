package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fingerhq/finger/internal/events"
	"github.com/fingerhq/finger/internal/testutil"
)

const (
	replyPlanOne  = `{"action":"PLAN","params":{"tasks":[{"id":"task-1","description":"write the code","assignee":"worker"}]}}`
	replyPlanNone = `{"action":"PLAN","params":{"tasks":[]}}`
	replyDispatch = `{"action":"DISPATCH","params":{"taskId":"task-1"}}`
	replyComplete = `{"action":"COMPLETE","params":{"summary":"all done"}}`
)

// runOutcome carries a Run result across the goroutine boundary so the
// assertions stay on the test goroutine.
type runOutcome struct {
	res *Result
	err error
}

func runAsync(ctx context.Context, l *Loop) <-chan runOutcome {
	ch := make(chan runOutcome, 1)
	go func() {
		res, err := l.Run(ctx)
		ch <- runOutcome{res: res, err: err}
	}()
	return ch
}

func TestLoop_PlanDispatchComplete(t *testing.T) {
	inv := testutil.NewLLMScript(replyPlanOne, replyDispatch, replyComplete)
	disp := &scriptDispatcher{results: map[string]string{"task-1": "patch applied"}}
	rec := &eventRecorder{}
	st := newTestState()

	loop := NewLoop(st, inv,
		WithDispatcher(disp),
		WithEmitter(rec),
		WithClock(testClock()),
	)
	res, err := loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, res.Status)
	assert.Equal(t, 3, res.Rounds)
	assert.Equal(t, []string{"task-1"}, st.CompletedTasks)
	assert.Empty(t, st.FailedTasks)
	assert.Equal(t, PhaseCompleted, st.Phase)
	assert.Equal(t, []string{"task-1"}, disp.dispatched())

	done, ok := rec.find(events.WorkflowCompleted)
	require.True(t, ok, "completion must be announced on the bus")
	assert.Equal(t, 1, done.Payload["completed"])
	assert.Equal(t, 0, done.Payload["failed"])
	assert.Equal(t, 3, done.Payload["rounds"])
	assert.Equal(t, "session-1", done.SessionID)
}

func TestLoop_CheckpointEscalatesToReplanning(t *testing.T) {
	inv := testutil.NewLLMScript(
		replyPlanOne,
		replyDispatch,
		`{"action":"CHECKPOINT","params":{"trigger":"task failure"}}`,
		`{"action":"CHECKPOINT","params":{"trigger":"still failing"}}`,
	)
	disp := &scriptDispatcher{errs: map[string]error{"task-1": errors.New("executor crashed")}}
	st := newTestState()

	loop := NewLoop(st, inv, WithDispatcher(disp), WithClock(testClock()))
	res, err := loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeEscalated, res.Status)
	assert.Equal(t, 4, res.Rounds)
	assert.Equal(t, PhasePlanning, st.Phase, "escalation resets to planning")
	assert.True(t, st.Checkpoint.MajorChange)
	assert.Equal(t, 2, st.Checkpoint.TotalChecks)
	assert.Equal(t, []string{"task-1"}, st.FailedTasks)
}

func TestLoop_MaxRoundsExceeded(t *testing.T) {
	inv := testutil.NewLLMScript(
		`{"action":"PLAN","params":{"tasks":[{"id":"t-1","description":"a"}]}}`,
		`{"action":"PLAN","params":{"tasks":[{"id":"t-2","description":"b"}]}}`,
	)
	cfg := DefaultConfig()
	cfg.MaxRounds = 2

	loop := NewLoop(newTestState(), inv, WithConfig(cfg), WithClock(testClock()))
	res, err := loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, res.Status)
	assert.Equal(t, 2, res.Rounds)
	assert.Contains(t, res.Reason, "max rounds")
}

func TestLoop_StallsAfterNoProgress(t *testing.T) {
	inv := testutil.NewLLMScript(replyPlanNone, replyPlanNone, replyPlanNone)

	loop := NewLoop(newTestState(), inv, WithClock(testClock()))
	res, err := loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, res.Status)
	assert.Equal(t, 3, res.Rounds)
	assert.Contains(t, res.Reason, "no progress")
}

func TestLoop_ReprompsWithSchemaHintOnParseFailure(t *testing.T) {
	inv := testutil.NewLLMScript(
		"Sure! Let me think about what to do here.",
		replyComplete,
	)

	loop := NewLoop(newTestState(), inv, WithClock(testClock()))
	res, err := loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, res.Status)
	assert.Equal(t, 1, res.Rounds, "format fixes retry within the round")

	prompts := inv.Prompts()
	require.Len(t, prompts, 2)
	assert.NotContains(t, prompts[0], SchemaHint)
	assert.Contains(t, prompts[1], SchemaHint)
}

func TestLoop_ConsecutiveInvalidRepliesFail(t *testing.T) {
	inv := testutil.NewLLMScript("garbage", "more garbage")
	cfg := DefaultConfig()
	cfg.FormatFixRetries = 0
	cfg.MaxRejections = 2

	loop := NewLoop(newTestState(), inv, WithConfig(cfg), WithClock(testClock()))
	res, err := loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, res.Status)
	assert.Equal(t, 2, res.Rounds)
	assert.Contains(t, res.Reason, "invalid responses")
}

func TestLoop_FailActionAbandonsEpic(t *testing.T) {
	inv := testutil.NewLLMScript(
		replyPlanOne,
		`{"action":"COMPLETE","params":{"summary":"premature"}}`,
		`{"action":"FAIL","params":{"reason":"blocked on credentials"}}`,
	)

	loop := NewLoop(newTestState(), inv, WithClock(testClock()))
	res, err := loop.Run(context.Background())
	require.NoError(t, err)

	// COMPLETE was rejected while task-1 was open; FAIL then ended the run.
	assert.Equal(t, OutcomeFailed, res.Status)
	assert.Equal(t, 3, res.Rounds)
	assert.Equal(t, "blocked on credentials", res.Reason)
}

func TestLoop_InterruptAbortsAndReleasesTask(t *testing.T) {
	inv := testutil.NewLLMScript(replyPlanOne, replyDispatch)
	disp := &scriptDispatcher{
		started: make(chan string, 1),
		release: make(chan struct{}),
	}
	rec := &eventRecorder{}
	st := newTestState()

	loop := NewLoop(st, inv, WithDispatcher(disp), WithEmitter(rec), WithClock(testClock()))
	outc := runAsync(context.Background(), loop)

	<-disp.started
	loop.Interrupt(InterruptUser)
	out := <-outc
	require.NoError(t, out.err)

	assert.Equal(t, OutcomeAborted, out.res.Status)
	assert.Equal(t, InterruptUser, out.res.Reason)
	assert.Equal(t, InterruptUser, st.OutcomeReason)

	task := st.Task("task-1")
	require.NotNil(t, task)
	assert.Equal(t, TaskReady, task.Status, "interrupted dispatch returns the task to ready")

	_, aborted := rec.find(events.WorkflowAborted)
	assert.True(t, aborted)
}

func TestLoop_ParentContextCancelAborts(t *testing.T) {
	inv := testutil.NewLLMScript(replyPlanOne, replyDispatch)
	disp := &scriptDispatcher{
		started: make(chan string, 1),
		release: make(chan struct{}),
	}
	loop := NewLoop(newTestState(), inv, WithDispatcher(disp), WithClock(testClock()))

	ctx, cancel := context.WithCancel(context.Background())
	outc := runAsync(ctx, loop)

	<-disp.started
	cancel()
	out := <-outc
	require.NoError(t, out.err)

	assert.Equal(t, OutcomeAborted, out.res.Status)
	assert.Equal(t, InterruptShutdown, out.res.Reason)
}

func TestLoop_InjectedInputRidesNextPrompt(t *testing.T) {
	inv := testutil.NewLLMScript(replyComplete)
	loop := NewLoop(newTestState(), inv, WithClock(testClock()))

	loop.InjectInput("focus on the tests first")
	loop.InjectInput("   ") // ignored

	res, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Status)

	prompts := inv.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "focus on the tests first")
}

func TestLoop_AutosavesStateToStore(t *testing.T) {
	store := NewStore(t.TempDir(), testClock())
	inv := testutil.NewLLMScript(replyComplete)
	st := newTestState()

	loop := NewLoop(st, inv, WithStore(store), WithClock(testClock()))
	res, err := loop.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Status)

	persisted, err := store.LoadWorkflow(st.EpicID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, persisted.Outcome)
	assert.Equal(t, st.Round, persisted.Round)
}

func TestLoop_AbortPersistsResumeCheckpoint(t *testing.T) {
	store := NewStore(t.TempDir(), testClock())
	inv := testutil.NewLLMScript(replyPlanOne, replyDispatch)
	disp := &scriptDispatcher{
		started: make(chan string, 1),
		release: make(chan struct{}),
	}
	st := newTestState()
	loop := NewLoop(st, inv, WithStore(store), WithDispatcher(disp), WithClock(testClock()))

	outc := runAsync(context.Background(), loop)
	<-disp.started
	loop.Interrupt(InterruptShutdown)
	out := <-outc
	require.NoError(t, out.err)

	persisted, err := store.LoadWorkflow(st.EpicID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAborted, persisted.Outcome)
	assert.Equal(t, InterruptShutdown, persisted.OutcomeReason)

	// The store clock is frozen, so the final checkpoint's id is
	// deterministic: no CHECKPOINT action ran and the timestamp is fixed.
	cpID := fmt.Sprintf("cp%d-%d", st.Checkpoint.TotalChecks, testClock().Now().UnixMilli())
	record, err := store.LoadCheckpoint(st.SessionID, cpID)
	require.NoError(t, err)
	assert.Equal(t, st.EpicID, record.EpicID)
	assert.Equal(t, InterruptShutdown, record.Trigger)
	require.NotNil(t, record.State)
	assert.Equal(t, OutcomeAborted, record.State.Outcome)
}

func TestLoop_MockOutcomeBypassesGateway(t *testing.T) {
	t.Setenv(MockOutcomeEnv(RoleOrchestrator), replyComplete)

	// No invoker attached: the canned reply must short-circuit before
	// the gateway is consulted.
	loop := NewLoop(newTestState(), nil, WithClock(testClock()))
	res, err := loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, res.Status)
	assert.Equal(t, 1, res.Rounds)
}

func TestLoop_RunRefusedWhileRunning(t *testing.T) {
	inv := testutil.NewLLMScript(replyPlanOne, replyDispatch)
	disp := &scriptDispatcher{
		started: make(chan string, 1),
		release: make(chan struct{}),
	}
	loop := NewLoop(newTestState(), inv, WithDispatcher(disp), WithClock(testClock()))

	outc := runAsync(context.Background(), loop)
	<-disp.started

	_, err := loop.Run(context.Background())
	require.ErrorContains(t, err, "already running")

	loop.Interrupt(InterruptUser)
	out := <-outc
	require.NoError(t, out.err)
	assert.Equal(t, OutcomeAborted, out.res.Status)
}
