package search_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wizmini/wizmini/pkg/wizmini/logging"
	"github.com/wizmini/wizmini/pkg/wizmini/search"
	"github.com/wizmini/wizmini/pkg/wizmini/store"
	"github.com/wizmini/wizmini/pkg/wizmini/types"
)

func buildStore(t *testing.T, paths []string) *store.Store {
	t.Helper()
	st := store.New(3)
	entries := make([]types.Entry, 0, len(paths))
	for i, p := range paths {
		entries = append(entries, types.Entry{Path: p, Size: uint64(i), MtimeMS: int64(1000 + i)})
	}
	st.AppendBulk(entries)
	for {
		if done, _ := st.BuildAcceleratorsStep(1000); done {
			break
		}
	}
	return st
}

// harness runs a worker against a store, collecting events.
type harness struct {
	worker *search.Worker
	events chan types.Event
	cancel context.CancelFunc
}

func newHarness(t *testing.T, st *store.Store, chunkSize int) *harness {
	t.Helper()
	events := make(chan types.Event, 1024)
	w := search.New(func(ev types.Event) { events <- ev }, chunkSize, logging.Get("test"))
	w.SetStore(st)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(cancel)

	return &harness{worker: w, events: events, cancel: cancel}
}

// collect gathers chunks until the matching done event arrives.
func (h *harness) collect(t *testing.T, requestID uint64) ([]types.SearchItem, types.Event) {
	t.Helper()
	var items []types.SearchItem
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.RequestID != requestID {
				continue
			}
			switch ev.Kind {
			case types.EventSearchChunk:
				items = append(items, ev.Items...)
			case types.EventSearchDone:
				return items, ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for search_done")
		}
	}
}

func TestLiteralSearchFindsNameAndPathHits(t *testing.T) {
	st := buildStore(t, []string{
		`C:\docs\readme.md`,
		`C:\readme\notes.txt`,
		`C:\src\main.go`,
	})
	h := newHarness(t, st, 1000)

	h.worker.Submit(types.SearchRequest{RequestID: 1, Query: "readme", Limit: 100})
	items, done := h.collect(t, 1)

	require.Len(t, items, 2)
	assert.Equal(t, 2, done.Total)
	assert.GreaterOrEqual(t, done.TookMS, int64(0))
}

func TestWildcardSemantics(t *testing.T) {
	st := buildStore(t, []string{
		`D:\logs\sraz1.log`,
		`D:\logs\sruzX.log`,
		`D:\logs\sraze.txt`,
	})
	h := newHarness(t, st, 1000)

	h.worker.Submit(types.SearchRequest{RequestID: 1, Query: `sr?z*.log`, Limit: 100})
	items, _ := h.collect(t, 1)

	var names []string
	for _, it := range items {
		names = append(names, it.DisplayName)
	}
	assert.ElementsMatch(t, []string{"sraz1.log", "sruzX.log"}, names)
}

func TestRelevanceOrdering(t *testing.T) {
	st := buildStore(t, []string{
		`C:\a\old-readme.md`, // name contains
		`C:\readme\plan.txt`, // path only
		`C:\b\readme`,        // exact
		`C:\c\readme.md`,     // name prefix
	})
	h := newHarness(t, st, 1000)

	h.worker.Submit(types.SearchRequest{RequestID: 1, Query: "readme", Sort: types.SortRelevance, Limit: 100})
	items, _ := h.collect(t, 1)
	require.Len(t, items, 4)

	// Chunks are individually sorted; the fast-path chunk carries the
	// exact and prefix hits and the scan chunk the rest, so the full
	// ordering holds: exact, prefix, contains, path-only.
	var names []string
	for _, it := range items {
		names = append(names, it.DisplayName)
	}
	assert.Equal(t, []string{"readme", "readme.md", "old-readme.md", "plan.txt"}, names)
}

func TestEmptyQueryReturnsHead(t *testing.T) {
	var paths []string
	for i := 0; i < 30; i++ {
		paths = append(paths, fmt.Sprintf(`C:\bulk\f%03d.dat`, i))
	}
	st := buildStore(t, paths)
	h := newHarness(t, st, 1000)

	h.worker.Submit(types.SearchRequest{RequestID: 1, Query: "", Limit: 10})
	items, done := h.collect(t, 1)

	assert.Len(t, items, 10)
	assert.Equal(t, 10, done.Total)
}

func TestSortModes(t *testing.T) {
	st := buildStore(t, []string{
		`C:\x\bbb.txt`,
		`C:\x\aaa.txt`,
		`C:\x\ccc.txt`,
	})
	h := newHarness(t, st, 1000)

	h.worker.Submit(types.SearchRequest{RequestID: 1, Query: "txt", Sort: types.SortName, Limit: 100})
	items, _ := h.collect(t, 1)
	require.Len(t, items, 3)
	assert.Equal(t, "aaa.txt", items[0].DisplayName)
	assert.Equal(t, "ccc.txt", items[2].DisplayName)

	h.worker.Submit(types.SearchRequest{RequestID: 2, Query: "txt", Sort: types.SortSize, Limit: 100})
	items, _ = h.collect(t, 2)
	require.Len(t, items, 3)
	assert.GreaterOrEqual(t, items[0].Size, items[1].Size)
}

func TestPreemptionEmitsOneDone(t *testing.T) {
	var paths []string
	for i := 0; i < 5000; i++ {
		paths = append(paths, fmt.Sprintf(`C:\corpus\abc%04d.txt`, i))
	}
	st := buildStore(t, paths)

	// The worker is not running yet, so all three submissions land
	// before any search starts: the debounce-window race in its purest
	// form.
	events := make(chan types.Event, 1024)
	w := search.New(func(ev types.Event) { events <- ev }, 100, logging.Get("test"))
	w.SetStore(st)

	w.Submit(types.SearchRequest{RequestID: 1, Query: "a", Limit: 50})
	w.Submit(types.SearchRequest{RequestID: 2, Query: "ab", Limit: 50})
	w.Submit(types.SearchRequest{RequestID: 3, Query: "abc", Limit: 50})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	var dones []uint64
	deadline := time.After(3 * time.Second)
loop:
	for {
		select {
		case ev := <-events:
			if ev.Kind == types.EventSearchDone {
				dones = append(dones, ev.RequestID)
			}
		case <-deadline:
			break loop
		}
		if len(dones) > 0 {
			// Drain a little longer to catch a stray second done.
			select {
			case ev := <-events:
				if ev.Kind == types.EventSearchDone {
					dones = append(dones, ev.RequestID)
				}
			case <-time.After(200 * time.Millisecond):
				break loop
			}
		}
	}

	require.Len(t, dones, 1, "exactly one search_done may fire")
	assert.Equal(t, uint64(3), dones[0])
}

func TestCancelledSearchEmitsNoDone(t *testing.T) {
	var paths []string
	for i := 0; i < 50000; i++ {
		paths = append(paths, fmt.Sprintf(`C:\corpus\deep\nested\dir\file%05d.dat`, i))
	}
	st := buildStore(t, paths)
	h := newHarness(t, st, 100)

	h.worker.Submit(types.SearchRequest{RequestID: 1, Query: "file", Limit: 1 << 30})

	// Wait for the first chunk so the scan is demonstrably running,
	// then cancel.
	deadline := time.After(5 * time.Second)
	for {
		var ev types.Event
		select {
		case ev = <-h.events:
		case <-deadline:
			t.Fatal("no first chunk")
		}
		if ev.Kind == types.EventSearchChunk && ev.RequestID == 1 {
			break
		}
		if ev.Kind == types.EventSearchDone && ev.RequestID == 1 {
			t.Skip("search finished before cancellation could land")
		}
	}
	h.worker.Cancel(1)

	select {
	case ev := <-h.events:
		for {
			if ev.Kind == types.EventSearchDone && ev.RequestID == 1 {
				t.Fatal("cancelled search emitted search_done")
			}
			select {
			case ev = <-h.events:
			case <-time.After(500 * time.Millisecond):
				return
			}
		}
	case <-time.After(500 * time.Millisecond):
	}
}

func TestLatestWindowUsesRecentRing(t *testing.T) {
	st := buildStore(t, []string{`C:\a\fresh.txt`, `C:\a\stale.txt`})
	now := time.Now().UnixMilli()

	idFresh, ok := st.IDByPath(`C:\a\fresh.txt`)
	require.True(t, ok)
	st.RecordEvent(idFresh, now)

	h := newHarness(t, st, 1000)
	h.worker.Submit(types.SearchRequest{
		RequestID:      1,
		Query:          "",
		Limit:          100,
		LatestWindowMS: time.Minute.Milliseconds(),
	})
	items, done := h.collect(t, 1)

	require.Len(t, items, 1)
	assert.Equal(t, "fresh.txt", items[0].DisplayName)
	assert.Equal(t, 1, done.Total)
}

func TestLatestFallsBackToMtime(t *testing.T) {
	now := time.Now().UnixMilli()
	st := store.New(3)
	st.AppendBulk([]types.Entry{
		{Path: `C:\a\recent.txt`, MtimeMS: now - 1000},
		{Path: `C:\a\ancient.txt`, MtimeMS: now - 24*3600*1000},
	})
	for {
		if done, _ := st.BuildAcceleratorsStep(100); done {
			break
		}
	}

	h := newHarness(t, st, 1000)
	h.worker.Submit(types.SearchRequest{
		RequestID:      1,
		Query:          "",
		Limit:          100,
		LatestWindowMS: time.Hour.Milliseconds(),
	})
	items, _ := h.collect(t, 1)

	require.Len(t, items, 1)
	assert.Equal(t, "recent.txt", items[0].DisplayName)
}

func TestFastPathAndScanAgree(t *testing.T) {
	// An exact-name query must return the same hits whether it lands
	// on the accelerator fast path or the linear scan.
	paths := []string{
		`C:\a\target.txt`,
		`C:\b\target.txt`,
		`C:\c\untargeted.txt`,
	}

	fast := buildStore(t, paths)
	hFast := newHarness(t, fast, 1000)
	hFast.worker.Submit(types.SearchRequest{RequestID: 1, Query: "target.txt", Limit: 100})
	fastItems, _ := hFast.collect(t, 1)

	slow := store.New(3)
	entries := make([]types.Entry, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, types.Entry{Path: p})
	}
	slow.AppendBulk(entries) // accelerators never built
	hSlow := newHarness(t, slow, 1000)
	hSlow.worker.Submit(types.SearchRequest{RequestID: 1, Query: "target.txt", Limit: 100})
	slowItems, _ := hSlow.collect(t, 1)

	var fastPaths, slowPaths []string
	for _, it := range fastItems {
		fastPaths = append(fastPaths, it.FullPath)
	}
	for _, it := range slowItems {
		slowPaths = append(slowPaths, it.FullPath)
	}
	assert.ElementsMatch(t, fastPaths, slowPaths)
}
