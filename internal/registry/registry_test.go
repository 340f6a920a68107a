package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEntry(id string, typ EntryType) *Entry {
	return &Entry{ID: id, Type: typ, Kind: "test"}
}

func TestRegistry_PutEntry_StoresAndDefaults(t *testing.T) {
	r := New()

	err := r.PutEntry(newTestEntry("mod-a", TypeInput))
	require.NoError(t, err)

	got, found := r.GetEntry("mod-a")
	require.True(t, found)
	require.Equal(t, StatusActive, got.Status, "status defaults to active")
	require.NotZero(t, got.RegisteredAt, "registration time is stamped")
}

func TestRegistry_PutEntry_ReplacesExisting(t *testing.T) {
	r := New()

	require.NoError(t, r.PutEntry(&Entry{ID: "mod-a", Type: TypeInput, Kind: "first"}))
	require.NoError(t, r.PutEntry(&Entry{ID: "mod-a", Type: TypeOutput, Kind: "second"}))

	got, found := r.GetEntry("mod-a")
	require.True(t, found)
	require.Equal(t, TypeOutput, got.Type, "second register replaces the first")
	require.Equal(t, "second", got.Kind)
}

func TestRegistry_PutEntry_Rejections(t *testing.T) {
	r := New()

	require.Error(t, r.PutEntry(nil))
	require.Error(t, r.PutEntry(&Entry{ID: "", Type: TypeInput}))
	require.Error(t, r.PutEntry(&Entry{ID: "x", Type: "sideways"}))
}

func TestRegistry_GetEntry_ReturnsCopy(t *testing.T) {
	r := New()
	require.NoError(t, r.PutEntry(newTestEntry("mod-a", TypeInput)))

	got, _ := r.GetEntry("mod-a")
	got.Kind = "mutated"

	fresh, _ := r.GetEntry("mod-a")
	require.Equal(t, "test", fresh.Kind, "callers must not reach registry internals")
}

func TestRegistry_UpdateEntry(t *testing.T) {
	r := New()
	require.NoError(t, r.PutEntry(newTestEntry("mod-a", TypeInput)))

	err := r.UpdateEntry("mod-a", func(e *Entry) {
		e.Status = StatusPaused
		e.LastHeartbeat = 12345
	})
	require.NoError(t, err)

	got, _ := r.GetEntry("mod-a")
	require.Equal(t, StatusPaused, got.Status)
	require.Equal(t, int64(12345), got.LastHeartbeat)

	require.Error(t, r.UpdateEntry("ghost", func(*Entry) {}))
	require.Error(t, r.UpdateEntry("mod-a", nil))
}

func TestRegistry_RemoveEntry(t *testing.T) {
	r := New()
	require.NoError(t, r.PutEntry(newTestEntry("mod-a", TypeInput)))

	require.NoError(t, r.RemoveEntry("mod-a"))
	_, found := r.GetEntry("mod-a")
	require.False(t, found)

	require.Error(t, r.RemoveEntry("mod-a"))
}

func TestRegistry_ListEntries_Filters(t *testing.T) {
	r := New()
	require.NoError(t, r.PutEntry(&Entry{ID: "in-1", Type: TypeInput, Kind: "gateway"}))
	require.NoError(t, r.PutEntry(&Entry{ID: "in-2", Type: TypeInput, Kind: "agent", Status: StatusPaused}))
	require.NoError(t, r.PutEntry(&Entry{ID: "out-1", Type: TypeOutput, Kind: "gateway"}))

	require.Len(t, r.ListEntries(ListQuery{}), 3)
	require.Len(t, r.ListEntries(ListQuery{Types: []EntryType{TypeInput}}), 2)
	require.Len(t, r.ListEntries(ListQuery{Kind: "gateway"}), 2)
	require.Len(t, r.ListEntries(ListQuery{Statuses: []Status{StatusPaused}}), 1)
	require.Len(t, r.ListEntries(ListQuery{Types: []EntryType{TypeInput}, Kind: "gateway"}), 1)
}

func TestRegistry_ListEntries_Pagination(t *testing.T) {
	r := New()
	for i := 0; i < 5; i++ {
		require.NoError(t, r.PutEntry(&Entry{
			ID:           fmt.Sprintf("mod-%d", i),
			Type:         TypeInput,
			RegisteredAt: int64(1000 + i),
		}))
	}

	page := r.ListEntries(ListQuery{Limit: 2})
	require.Len(t, page, 2)
	require.Equal(t, "mod-4", page[0].ID, "newest first")

	rest := r.ListEntries(ListQuery{Offset: 4})
	require.Len(t, rest, 1)
	require.Equal(t, "mod-0", rest[0].ID)

	require.Nil(t, r.ListEntries(ListQuery{Offset: 99}))
}

func TestRegistry_CountByStatus(t *testing.T) {
	r := New()
	require.NoError(t, r.PutEntry(&Entry{ID: "a", Type: TypeInput}))
	require.NoError(t, r.PutEntry(&Entry{ID: "b", Type: TypeInput, Status: StatusError}))
	require.NoError(t, r.PutEntry(&Entry{ID: "c", Type: TypeOutput, Status: StatusError}))

	counts := r.CountByStatus()
	require.Equal(t, 1, counts[StatusActive])
	require.Equal(t, 2, counts[StatusError])
}

func TestRegistry_DirtyHook_FiresOnMutations(t *testing.T) {
	r := New()
	var fired int
	r.SetDirtyHook(func() { fired++ })

	require.NoError(t, r.PutEntry(newTestEntry("mod-a", TypeInput)))
	require.NoError(t, r.UpdateEntry("mod-a", func(e *Entry) { e.LastHeartbeat = 1 }))
	_, err := r.AddRoute(&RouteRule{Match: Match{Type: "ping"}, Dest: []string{"mod-a"}})
	require.NoError(t, err)
	require.NoError(t, r.RemoveEntry("mod-a"))

	require.Equal(t, 4, fired)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		id := fmt.Sprintf("mod-%d", i)
		go func() {
			defer wg.Done()
			_ = r.PutEntry(newTestEntry(id, TypeInput))
		}()
		go func() {
			defer wg.Done()
			r.ListEntries(ListQuery{})
			r.CountByStatus()
		}()
	}
	wg.Wait()

	require.Len(t, r.ListEntries(ListQuery{}), 20)
}

func TestRegistry_ExportRestore_RoundTrip(t *testing.T) {
	r := New()
	require.NoError(t, r.PutEntry(&Entry{ID: "in-1", Type: TypeInput, Kind: "gateway", RegisteredAt: 100}))
	require.NoError(t, r.PutEntry(&Entry{ID: "out-1", Type: TypeOutput, Kind: "agent", RegisteredAt: 200}))

	_, err := r.AddRoute(&RouteRule{ID: "route-1", Match: Match{Type: "task"}, Dest: []string{"out-1"}, Priority: 5})
	require.NoError(t, err)
	_, err = r.AddRoute(&RouteRule{ID: "route-fn", Match: Match{Fn: func([]byte) bool { return true }}, Dest: []string{"out-1"}})
	require.NoError(t, err)

	entries, routes := r.Export()
	require.Len(t, entries, 2)
	require.Len(t, routes, 1, "function routes are not persistable")

	fresh := New()
	require.NoError(t, fresh.Restore(entries, routes))

	restored, found := fresh.GetEntry("in-1")
	require.True(t, found)
	require.Equal(t, "gateway", restored.Kind)

	rules := fresh.Routes()
	require.Len(t, rules, 1)
	require.Equal(t, "route-1", rules[0].ID)
	require.Equal(t, 5, rules[0].Priority)
	require.True(t, rules[0].Match.Matches("task", "", "", nil), "restored rule still matches")
}
