// Package search runs one query at a time against the path store,
// streaming chunked results with preemptive cancellation. A newly
// submitted request bumps the generation, which any in-flight search
// observes at its next chunk boundary and exits without a terminal
// event.
package search

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/wizmini/wizmini/pkg/wizmini/query"
	"github.com/wizmini/wizmini/pkg/wizmini/store"
	"github.com/wizmini/wizmini/pkg/wizmini/types"
)

// Defaults mirror the tuned production values: the scan budget bounds
// the time between cancellation checks, the limit bounds what the UI
// will ever render.
const (
	DefaultChunkSize = 12000
	DefaultLimit     = 600
)

// EmitFunc delivers events to the UI channel. Calls are ordered per
// worker.
type EmitFunc func(types.Event)

// Worker is the single-consumer, single-in-flight search executor.
type Worker struct {
	emit      EmitFunc
	logger    *log.Logger
	chunkSize int

	gen atomic.Uint64

	mu        sync.Mutex
	pending   *types.SearchRequest
	pendingGn uint64
	currentID uint64
	st        *store.Store

	wake chan struct{}
}

// New creates a worker emitting through emit. SetStore must run before
// the first Submit.
func New(emit EmitFunc, chunkSize int, logger *log.Logger) *Worker {
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}
	return &Worker{
		emit:      emit,
		logger:    logger,
		chunkSize: chunkSize,
		wake:      make(chan struct{}, 1),
	}
}

// SetStore swaps the store the worker reads, used on scope change and
// rebuild. In-flight work is cancelled because its results would carry
// ids from the discarded store.
func (w *Worker) SetStore(st *store.Store) {
	w.mu.Lock()
	w.st = st
	w.pending = nil
	w.mu.Unlock()
	w.gen.Add(1)
}

// Submit installs a new request, preempting any search in flight.
func (w *Worker) Submit(req types.SearchRequest) {
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	g := w.gen.Add(1)

	w.mu.Lock()
	w.pending = &req
	w.pendingGn = g
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Cancel clears the request if it matches the pending or running id.
// Cancelled work produces no terminal event.
func (w *Worker) Cancel(requestID uint64) {
	w.mu.Lock()
	match := (w.pending != nil && w.pending.RequestID == requestID) || w.currentID == requestID
	if w.pending != nil && w.pending.RequestID == requestID {
		w.pending = nil
	}
	w.mu.Unlock()

	if match {
		w.gen.Add(1)
	}
}

// Run is the worker loop. It exits when ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}

		for {
			w.mu.Lock()
			req := w.pending
			gen := w.pendingGn
			st := w.st
			w.pending = nil
			if req != nil {
				w.currentID = req.RequestID
			}
			w.mu.Unlock()

			if req == nil || st == nil {
				break
			}
			w.execute(ctx, st, *req, gen)
		}
	}
}

func (w *Worker) execute(ctx context.Context, st *store.Store, req types.SearchRequest, gen uint64) {
	start := time.Now()
	handle := st.Acquire()

	m := query.Compile(req.Query)
	if req.LatestWindowMS > 0 {
		m = m.WithLatest(&query.LatestFilter{Window: time.Duration(req.LatestWindowMS) * time.Millisecond})
	}

	cancelled := func() bool {
		return w.gen.Load() != gen || ctx.Err() != nil
	}

	total := 0
	if m.Latest != nil {
		total = w.runLatest(handle, m, req, cancelled)
	} else {
		total = w.runScan(handle, m, req, cancelled)
	}
	if total < 0 {
		w.logger.Debug("search preempted", "request", req.RequestID)
		return // cancelled, no terminal event
	}

	w.emit(types.Event{
		Kind:      types.EventSearchDone,
		RequestID: req.RequestID,
		Total:     total,
		TookMS:    time.Since(start).Milliseconds(),
	})
}

// runScan is the general path: optional accelerator-backed first chunk,
// then a chunked linear scan over the remaining entries. Returns -1
// when preempted.
func (w *Worker) runScan(handle *store.ReadHandle, m query.Matcher, req types.SearchRequest, cancelled func() bool) int {
	seen := make(map[types.EntryID]struct{})
	total := 0

	if m.FastPath(handle.PrefixLen()) && handle.AcceleratorsReady() {
		items := w.probeAccelerators(handle, m, seen)
		if len(items) > 0 {
			sortItems(items, req.Sort)
			if len(items) > req.Limit {
				items = items[:req.Limit]
			}
			total += len(items)
			w.emit(types.Event{Kind: types.EventSearchChunk, RequestID: req.RequestID, Items: items})
		}
		if cancelled() {
			return -1
		}
		if total >= req.Limit {
			return total
		}
	}

	cursor := 0
	for cursor < handle.Len() {
		if cancelled() {
			return -1
		}

		ids, next := handle.Matches(m, cursor, w.chunkSize)
		cursor = next

		var items []types.SearchItem
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			e, ok := handle.Entry(id)
			if !ok {
				continue
			}
			items = append(items, makeItem(id, e, m))
			if total+len(items) >= req.Limit {
				break
			}
		}

		if len(items) > 0 {
			sortItems(items, req.Sort)
			total += len(items)
			w.emit(types.Event{Kind: types.EventSearchChunk, RequestID: req.RequestID, Items: items})
		}
		if total >= req.Limit {
			break
		}
	}
	return total
}

// probeAccelerators collects exact-name hits and verified prefix
// candidates as the fast first chunk.
func (w *Worker) probeAccelerators(handle *store.ReadHandle, m query.Matcher, seen map[types.EntryID]struct{}) []types.SearchItem {
	var items []types.SearchItem

	for _, id := range handle.ProbeExact(m.Needle) {
		e, ok := handle.Entry(id)
		if !ok {
			continue
		}
		seen[id] = struct{}{}
		items = append(items, makeItem(id, e, m))
	}

	for _, id := range handle.ProbePrefix(m.Needle) {
		if _, dup := seen[id]; dup {
			continue
		}
		e, ok := handle.Entry(id)
		if !ok {
			continue
		}
		name := strings.ToLower(types.FileName(e.Path))
		if !m.MatchName(name) {
			continue
		}
		seen[id] = struct{}{}
		items = append(items, makeItem(id, e, m))
	}
	return items
}

// runLatest restricts results to the latest window. With tracking
// events in the ring the candidate set is tiny and served in one chunk;
// without them it degrades to a chunked scan against entry mtimes.
func (w *Worker) runLatest(handle *store.ReadHandle, m query.Matcher, req types.SearchRequest, cancelled func() bool) int {
	cutoff := m.Latest.CutoffMS(time.Now())

	events := handle.RecentSince(cutoff)
	if len(events) > 0 {
		type hit struct {
			item types.SearchItem
			at   int64
		}
		var hits []hit
		for id, at := range events {
			e, ok := handle.Entry(id)
			if !ok {
				continue
			}
			if !m.Match(types.FileName(e.Path), e.Path) {
				continue
			}
			hits = append(hits, hit{item: makeItem(id, e, m), at: at})
		}
		if cancelled() {
			return -1
		}

		sort.Slice(hits, func(i, j int) bool { return hits[i].at > hits[j].at })
		if len(hits) > req.Limit {
			hits = hits[:req.Limit]
		}
		items := make([]types.SearchItem, len(hits))
		for i := range hits {
			items[i] = hits[i].item
		}
		if len(items) > 0 {
			w.emit(types.Event{Kind: types.EventSearchChunk, RequestID: req.RequestID, Items: items})
		}
		return len(items)
	}

	// No tracked events: historical fallback on modification times.
	total := 0
	cursor := 0
	for cursor < handle.Len() {
		if cancelled() {
			return -1
		}

		ids, next := handle.Matches(m, cursor, w.chunkSize)
		cursor = next

		var items []types.SearchItem
		for _, id := range ids {
			e, ok := handle.Entry(id)
			if !ok || e.MtimeMS == types.UnknownTS || e.MtimeMS < cutoff {
				continue
			}
			items = append(items, makeItem(id, e, m))
			if total+len(items) >= req.Limit {
				break
			}
		}

		if len(items) > 0 {
			sort.Slice(items, func(i, j int) bool { return items[i].MtimeMS > items[j].MtimeMS })
			total += len(items)
			w.emit(types.Event{Kind: types.EventSearchChunk, RequestID: req.RequestID, Items: items})
		}
		if total >= req.Limit {
			break
		}
	}
	return total
}

// makeItem builds the UI row, collapsing the relevance ordering key
// into Score: the name rank in the high bits, path length below it, so
// lower scores sort first.
func makeItem(id types.EntryID, e types.Entry, m query.Matcher) types.SearchItem {
	name := types.FileName(e.Path)
	rank := int64(m.NameRank(strings.ToLower(name)))
	pathLen := int64(len(e.Path))
	if pathLen > 1<<20 {
		pathLen = 1 << 20
	}
	return types.SearchItem{
		EntryID:     id,
		DisplayName: name,
		FullPath:    e.Path,
		Size:        e.Size,
		MtimeMS:     e.MtimeMS,
		Score:       rank<<24 | pathLen,
	}
}

// sortItems orders one chunk. Relevance falls back to lexicographic
// path order after the collapsed score.
func sortItems(items []types.SearchItem, mode types.SortMode) {
	switch mode {
	case types.SortName:
		sort.Slice(items, func(i, j int) bool {
			return strings.ToLower(items[i].DisplayName) < strings.ToLower(items[j].DisplayName)
		})
	case types.SortPath:
		sort.Slice(items, func(i, j int) bool { return items[i].FullPath < items[j].FullPath })
	case types.SortDate:
		sort.Slice(items, func(i, j int) bool { return items[i].MtimeMS > items[j].MtimeMS })
	case types.SortSize:
		sort.Slice(items, func(i, j int) bool { return items[i].Size > items[j].Size })
	default:
		sort.Slice(items, func(i, j int) bool {
			if items[i].Score != items[j].Score {
				return items[i].Score < items[j].Score
			}
			return items[i].FullPath < items[j].FullPath
		})
	}
}
