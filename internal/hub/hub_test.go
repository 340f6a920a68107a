package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/fingerhq/finger/internal/registry"
)

func newTestHub(opts Options) *Hub {
	return New(registry.New(), opts)
}

func okHandler(value any) Handler {
	return func(ctx context.Context, msg *Message) (any, error) {
		return value, nil
	}
}

func typeRule(id, msgType string, priority int, blocking bool, dest ...string) *registry.RouteRule {
	return &registry.RouteRule{
		ID:       id,
		Match:    registry.Match{Type: msgType},
		Dest:     dest,
		Priority: priority,
		Blocking: blocking,
	}
}

func TestRegisterInput_ReplacesExistingHandler(t *testing.T) {
	h := newTestHub(Options{})

	err := h.RegisterInput(ModuleSpec{
		ID:     "agent-1",
		Kind:   "orchestrator",
		Routes: []*registry.RouteRule{typeRule("r1", "task", 0, true)},
	}, okHandler("first"))
	require.NoError(t, err)

	res, err := h.Send(context.Background(), NewMessage("task", "test", nil))
	require.NoError(t, err)
	require.Equal(t, "first", res.Value)

	err = h.RegisterInput(ModuleSpec{ID: "agent-1", Kind: "orchestrator"}, okHandler("second"))
	require.NoError(t, err)

	res, err = h.Send(context.Background(), NewMessage("task", "test", nil))
	require.NoError(t, err)
	require.Equal(t, "second", res.Value, "re-registration must replace the handler")

	entries := h.Registry().ListEntries(registry.ListQuery{})
	require.Len(t, entries, 1, "re-registration must not duplicate the entry")
}

func TestRegister_Validation(t *testing.T) {
	h := newTestHub(Options{})

	require.Error(t, h.RegisterInput(ModuleSpec{}, okHandler(nil)), "empty id")
	require.Error(t, h.RegisterInput(ModuleSpec{ID: "x"}, nil), "nil handler")
}

func TestSend_NoMatchingRouteQueues(t *testing.T) {
	h := newTestHub(Options{})

	res, err := h.Send(context.Background(), NewMessage("orphan", "test", nil))
	require.NoError(t, err)
	require.Equal(t, StatusQueued, res.Status)
	require.Equal(t, 1, h.QueueLen())
}

func TestSend_QueueFullErrors(t *testing.T) {
	h := newTestHub(Options{QueueCapacity: 2})

	for i := 0; i < 2; i++ {
		_, err := h.Send(context.Background(), NewMessage("orphan", "test", nil))
		require.NoError(t, err)
	}

	_, err := h.Send(context.Background(), NewMessage("orphan", "test", nil))
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestSend_NilMessage(t *testing.T) {
	h := newTestHub(Options{})

	_, err := h.Send(context.Background(), nil)
	require.ErrorIs(t, err, ErrBadMessage)
}

func TestSend_BlockingStopsScanAndReturnsValue(t *testing.T) {
	h := newTestHub(Options{})
	var lowCalls atomic.Int32

	require.NoError(t, h.RegisterOutput(ModuleSpec{
		ID:     "primary",
		Routes: []*registry.RouteRule{typeRule("high", "job", 10, true)},
	}, okHandler(map[string]any{"accepted": true})))

	require.NoError(t, h.RegisterInput(ModuleSpec{
		ID:     "shadow",
		Routes: []*registry.RouteRule{typeRule("low", "job", 1, false)},
	}, func(ctx context.Context, msg *Message) (any, error) {
		lowCalls.Add(1)
		return nil, nil
	}))

	res, err := h.Send(context.Background(), NewMessage("job", "test", nil))
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, res.Status)
	require.Equal(t, map[string]any{"accepted": true}, res.Value)
	require.Zero(t, lowCalls.Load(), "rules after the blocking match must not fire")
}

func TestSend_NonBlockingDeliversInPriorityOrder(t *testing.T) {
	h := newTestHub(Options{})

	var mu sync.Mutex
	var order []string
	recorder := func(name string) Handler {
		return func(ctx context.Context, msg *Message) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	require.NoError(t, h.RegisterInput(ModuleSpec{ID: "audit"}, recorder("audit")))
	require.NoError(t, h.RegisterInput(ModuleSpec{ID: "metrics"}, recorder("metrics")))
	require.NoError(t, h.RegisterInput(ModuleSpec{ID: "archive"}, recorder("archive")))

	reg := h.Registry()
	_, err := reg.AddRoute(typeRule("low", "evt", 1, false, "archive"))
	require.NoError(t, err)
	_, err = reg.AddRoute(typeRule("high", "evt", 9, false, "audit", "metrics"))
	require.NoError(t, err)

	res, err := h.Send(context.Background(), NewMessage("evt", "test", nil))
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, res.Status)
	require.Equal(t, []string{"audit", "metrics", "archive"}, order,
		"dests run in declared order inside each rule, rules in priority order")
}

func TestSend_NonBlockingErrorSwallowedThenModulePaused(t *testing.T) {
	h := newTestHub(Options{})
	var calls atomic.Int32

	require.NoError(t, h.RegisterInput(ModuleSpec{
		ID:     "flaky",
		Routes: []*registry.RouteRule{typeRule("r", "evt", 0, false)},
	}, func(ctx context.Context, msg *Message) (any, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	}))

	for i := 0; i < DefaultPauseAfter; i++ {
		res, err := h.Send(context.Background(), NewMessage("evt", "test", nil))
		require.NoError(t, err, "non-blocking handler errors never surface to the sender")
		require.Equal(t, StatusDelivered, res.Status)
	}
	require.Equal(t, int32(DefaultPauseAfter), calls.Load())

	entry, found := h.Registry().GetEntry("flaky")
	require.True(t, found)
	require.Equal(t, registry.StatusPaused, entry.Status,
		"a failure streak must pause the module")

	// Each failure queued a direct retry.
	require.Equal(t, DefaultPauseAfter, h.QueueLen())

	// Deliveries to the paused module are skipped, not invoked.
	_, err := h.Send(context.Background(), NewMessage("evt", "test", nil))
	require.NoError(t, err)
	require.Equal(t, int32(DefaultPauseAfter), calls.Load())
	require.Equal(t, DefaultPauseAfter+1, h.QueueLen())
}

func TestSend_BlockingErrorIsStructured(t *testing.T) {
	h := newTestHub(Options{})

	require.NoError(t, h.RegisterOutput(ModuleSpec{
		ID:     "gateway",
		Routes: []*registry.RouteRule{typeRule("r-block", "req", 0, true)},
	}, func(ctx context.Context, msg *Message) (any, error) {
		return nil, errors.New("downstream unavailable")
	}))

	res, err := h.Send(context.Background(), NewMessage("req", "test", nil))
	require.NoError(t, err, "blocking failures come back as a result, not an error")
	require.Equal(t, StatusFailed, res.Status)
	require.NotNil(t, res.Failure)
	require.Equal(t, "r-block", res.Failure.RouteID)
	require.Equal(t, "gateway", res.Failure.ModuleID)
	require.ErrorContains(t, res.Failure, "downstream unavailable")
}

func TestSend_BlockingToPausedModuleFails(t *testing.T) {
	h := newTestHub(Options{})
	var calls atomic.Int32

	require.NoError(t, h.RegisterOutput(ModuleSpec{
		ID:     "sleepy",
		Routes: []*registry.RouteRule{typeRule("r", "req", 0, true)},
	}, func(ctx context.Context, msg *Message) (any, error) {
		calls.Add(1)
		return "ok", nil
	}))

	require.NoError(t, h.Registry().UpdateEntry("sleepy", func(e *registry.Entry) {
		e.Status = registry.StatusPaused
	}))

	res, err := h.Send(context.Background(), NewMessage("req", "test", nil))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.True(t, res.Failure.Paused)
	require.Zero(t, calls.Load())
}

func TestSendToModule_Direct(t *testing.T) {
	h := newTestHub(Options{})

	require.NoError(t, h.RegisterInput(ModuleSpec{ID: "worker"}, func(ctx context.Context, msg *Message) (any, error) {
		require.Equal(t, "worker", msg.Dest, "direct sends stamp the destination")
		return "done", nil
	}))

	res, err := h.SendToModule(context.Background(), "worker", NewMessage("task", "test", nil))
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, res.Status)
	require.Equal(t, "done", res.Value)
}

func TestSendToModule_NotRegistered(t *testing.T) {
	h := newTestHub(Options{})

	_, err := h.SendToModule(context.Background(), "ghost", NewMessage("task", "test", nil))
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestSendToModuleAsync_DeliversAndCallsBack(t *testing.T) {
	h := newTestHub(Options{})

	require.NoError(t, h.RegisterInput(ModuleSpec{ID: "worker"}, okHandler("async-done")))

	type outcome struct {
		value any
		err   error
	}
	got := make(chan outcome, 1)
	h.SendToModuleAsync("worker", NewMessage("task", "test", nil), func(result any, err error) {
		got <- outcome{value: result, err: err}
	})

	select {
	case o := <-got:
		require.NoError(t, o.err)
		require.Equal(t, "async-done", o.value)
	case <-time.After(2 * time.Second):
		t.Fatal("async delivery never completed")
	}
}

func TestUnregister_RemovesModule(t *testing.T) {
	h := newTestHub(Options{})

	require.NoError(t, h.RegisterInput(ModuleSpec{ID: "worker"}, okHandler(nil)))
	require.NoError(t, h.Unregister("worker"))

	_, err := h.SendToModule(context.Background(), "worker", NewMessage("t", "s", nil))
	require.ErrorIs(t, err, ErrNotRegistered)

	require.ErrorIs(t, h.Unregister("worker"), ErrNotRegistered)
}

func TestRouteToOutput_MintsCallbackOnlyWhenGiven(t *testing.T) {
	h := newTestHub(Options{})

	var seen atomic.Value
	require.NoError(t, h.RegisterOutput(ModuleSpec{ID: "out"}, func(ctx context.Context, msg *Message) (any, error) {
		seen.Store(msg.CallbackID)
		return nil, nil
	}))

	// No callback, no id.
	msg := NewMessage("req", "test", nil)
	_, err := h.RouteToOutput(context.Background(), "out", msg, nil)
	require.NoError(t, err)
	require.Empty(t, seen.Load())
	require.Zero(t, h.PendingCallbacks())

	// Callback given, id minted and attached.
	var results []any
	var mu sync.Mutex
	msg = NewMessage("req", "test", nil)
	_, err = h.RouteToOutput(context.Background(), "out", msg, func(result any, err error) {
		mu.Lock()
		results = append(results, result)
		mu.Unlock()
	})
	require.NoError(t, err)

	cbID, _ := seen.Load().(string)
	require.NotEmpty(t, cbID)
	require.Equal(t, cbID, msg.CallbackID)
	require.Equal(t, 1, h.PendingCallbacks())

	require.True(t, h.ExecuteCallback(cbID, "final", nil))
	require.False(t, h.ExecuteCallback(cbID, "again", nil), "callbacks resolve exactly once")
	require.Equal(t, []any{"final"}, results)
	require.Zero(t, h.PendingCallbacks())
}

func TestRouteToOutput_RejectsInputModule(t *testing.T) {
	h := newTestHub(Options{})

	require.NoError(t, h.RegisterInput(ModuleSpec{ID: "in"}, okHandler(nil)))

	_, err := h.RouteToOutput(context.Background(), "in", NewMessage("req", "test", nil), nil)
	require.ErrorContains(t, err, "not an output")
}

func TestExecuteCallback_UnknownID(t *testing.T) {
	h := newTestHub(Options{})
	require.False(t, h.ExecuteCallback("nope", nil, nil))
}

func TestProcessQueue_RedeliversFIFOAndReturnsFailuresToTail(t *testing.T) {
	h := newTestHub(Options{})

	var mu sync.Mutex
	var delivered []string
	require.NoError(t, h.RegisterInput(ModuleSpec{ID: "sink"}, func(ctx context.Context, msg *Message) (any, error) {
		mu.Lock()
		delivered = append(delivered, msg.Source)
		mu.Unlock()
		return nil, nil
	}))

	send := func(msgType, source string) {
		_, err := h.Send(context.Background(), NewMessage(msgType, source, nil))
		require.NoError(t, err)
	}
	send("a", "first")
	send("b", "stuck")
	send("a", "second")
	require.Equal(t, 3, h.QueueLen())

	// Route only type "a"; added on the registry directly so nothing
	// sweeps the queue before the explicit call below.
	_, err := h.Registry().AddRoute(typeRule("ra", "a", 0, false, "sink"))
	require.NoError(t, err)

	processed := h.ProcessQueue(context.Background())
	require.Equal(t, 2, processed)
	require.Equal(t, []string{"first", "second"}, delivered, "redelivery preserves FIFO order")
	require.Equal(t, 1, h.QueueLen(), "unroutable message stays queued")

	// Still counts zero while nothing matches type "b".
	require.Zero(t, h.ProcessQueue(context.Background()))
	require.Equal(t, 1, h.QueueLen())
}

func TestProcessQueue_DirectRetryWaitsForModule(t *testing.T) {
	h := newTestHub(Options{})

	// A failing module queues a direct retry, then recovers.
	failing := atomic.Bool{}
	failing.Store(true)
	var delivered atomic.Int32

	require.NoError(t, h.RegisterInput(ModuleSpec{
		ID:     "recovering",
		Routes: []*registry.RouteRule{typeRule("r", "evt", 0, false)},
	}, func(ctx context.Context, msg *Message) (any, error) {
		if failing.Load() {
			return nil, errors.New("not yet")
		}
		delivered.Add(1)
		return nil, nil
	}))

	_, err := h.Send(context.Background(), NewMessage("evt", "test", nil))
	require.NoError(t, err)
	require.Equal(t, 1, h.QueueLen(), "failed non-blocking delivery schedules a retry")

	// Module still failing: retry returns to the tail.
	require.Zero(t, h.ProcessQueue(context.Background()))
	require.Equal(t, 1, h.QueueLen())

	failing.Store(false)
	require.Equal(t, 1, h.ProcessQueue(context.Background()))
	require.Zero(t, h.QueueLen())
	require.Equal(t, int32(1), delivered.Load())
}

func TestSingleWriter_SerializesDeliveries(t *testing.T) {
	h := newTestHub(Options{})

	var active, violations atomic.Int32
	require.NoError(t, h.RegisterOutput(ModuleSpec{ID: "serial", SingleWriter: true},
		func(ctx context.Context, msg *Message) (any, error) {
			if active.Add(1) > 1 {
				violations.Add(1)
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return nil, nil
		}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.SendToModule(context.Background(), "serial", NewMessage("t", "s", nil))
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Zero(t, violations.Load(), "single-writer module must see one delivery at a time")
}

func TestSingleWriter_SenderHonorsContextCancel(t *testing.T) {
	h := newTestHub(Options{})

	release := make(chan struct{})
	require.NoError(t, h.RegisterOutput(ModuleSpec{ID: "serial", SingleWriter: true},
		func(ctx context.Context, msg *Message) (any, error) {
			<-release
			return nil, nil
		}))

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = h.SendToModule(context.Background(), "serial", NewMessage("t", "s", nil))
	}()
	<-started
	time.Sleep(10 * time.Millisecond) // let the first delivery take the slot

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := h.SendToModule(ctx, "serial", NewMessage("t", "s", nil))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.ErrorIs(t, res.Failure.Err, context.DeadlineExceeded)

	close(release)
}

func TestHandlerPanic_BecomesFailure(t *testing.T) {
	h := newTestHub(Options{})

	require.NoError(t, h.RegisterInput(ModuleSpec{ID: "bomb"}, func(ctx context.Context, msg *Message) (any, error) {
		panic("kaboom")
	}))

	res, err := h.SendToModule(context.Background(), "bomb", NewMessage("t", "s", nil))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.ErrorContains(t, res.Failure, "handler panic")
}

func TestQueue_FIFOOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := newTestHub(Options{})

		var mu sync.Mutex
		var got []string
		require.NoError(t, h.RegisterInput(ModuleSpec{ID: "sink"}, func(ctx context.Context, msg *Message) (any, error) {
			mu.Lock()
			got = append(got, msg.Source)
			mu.Unlock()
			return nil, nil
		}))

		n := rapid.IntRange(1, 30).Draw(t, "n")
		want := make([]string, 0, n)
		for i := 0; i < n; i++ {
			source := fmt.Sprintf("sender-%d", i)
			want = append(want, source)
			_, err := h.Send(context.Background(), NewMessage("evt", source, nil))
			require.NoError(t, err)
		}

		_, err := h.Registry().AddRoute(typeRule("r", "evt", 0, false, "sink"))
		require.NoError(t, err)

		require.Equal(t, n, h.ProcessQueue(context.Background()))
		require.Equal(t, want, got)
		require.Zero(t, h.QueueLen())
	})
}

func TestHub_StartSweepsQueue(t *testing.T) {
	h := newTestHub(Options{SweepInterval: 10 * time.Millisecond})

	var delivered atomic.Int32
	require.NoError(t, h.RegisterInput(ModuleSpec{ID: "sink"}, func(ctx context.Context, msg *Message) (any, error) {
		delivered.Add(1)
		return nil, nil
	}))

	_, err := h.Send(context.Background(), NewMessage("evt", "test", nil))
	require.NoError(t, err)
	require.Equal(t, 1, h.QueueLen())

	_, err = h.Registry().AddRoute(typeRule("r", "evt", 0, false, "sink"))
	require.NoError(t, err)

	h.Start(context.Background())
	defer h.Stop()

	require.Eventually(t, func() bool {
		return delivered.Load() == 1 && h.QueueLen() == 0
	}, 2*time.Second, 5*time.Millisecond, "sweep must drain the queue")
}
