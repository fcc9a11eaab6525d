// Package engine coordinates acquisition, snapshot I/O, delta replay,
// and search for the active scope. The coordinator goroutine is the
// only writer to the path store; the UI talks to the engine through the
// thread-safe API below and an ordered event channel.
package engine

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/sourcegraph/conc/panics"

	"github.com/wizmini/wizmini/pkg/wizmini/config"
	"github.com/wizmini/wizmini/pkg/wizmini/journal"
	"github.com/wizmini/wizmini/pkg/wizmini/logging"
	"github.com/wizmini/wizmini/pkg/wizmini/query"
	"github.com/wizmini/wizmini/pkg/wizmini/scope"
	"github.com/wizmini/wizmini/pkg/wizmini/search"
	"github.com/wizmini/wizmini/pkg/wizmini/snapshot"
	"github.com/wizmini/wizmini/pkg/wizmini/store"
	"github.com/wizmini/wizmini/pkg/wizmini/types"
	"github.com/wizmini/wizmini/pkg/wizmini/volume"
	"github.com/wizmini/wizmini/pkg/wizmini/walker"
)

// State is the coordinator's phase for the active scope.
type State int32

// Coordinator states.
const (
	StateIdle State = iota
	StateLoadingSnapshot
	StateAcquiring
	StateBuildingAccelerators
	StateLive
	StateRebuilding
)

// String names the state for logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoadingSnapshot:
		return "loading-snapshot"
	case StateAcquiring:
		return "acquiring"
	case StateBuildingAccelerators:
		return "building-accelerators"
	case StateLive:
		return "live"
	case StateRebuilding:
		return "rebuilding"
	default:
		return "unknown"
	}
}

// commandQueueLen bounds the coordinator's command queue.
const commandQueueLen = 64

// progressInterval throttles acquisition progress events.
const progressInterval = 50 * time.Millisecond

// Engine is the public face of the indexing core.
type Engine struct {
	cfg    *config.Config
	logger *log.Logger
	bus    *Broadcaster
	worker *search.Worker

	cmds chan func()
	wake chan struct{}

	// gen invalidates the running coordinator job; bumping it is the
	// cancellation signal.
	gen atomic.Uint64

	stateVal atomic.Int32
	st       atomic.Pointer[store.Store]

	latestWindowMS atomic.Int64
	reqID          atomic.Uint64

	pendingMu      sync.Mutex
	pendingScope   *scope.Scope
	pendingRebuild bool

	// Coordinator-owned; never touched off the coordinator goroutine.
	sc        scope.Scope
	hasScope  bool
	replayer  *journal.Replayer
	tracking  bool
	watchMode types.WatchMode

	// lastProgress is shared with acquisition batch callbacks.
	lastProgress atomic.Int64

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates an engine with the given configuration.
func New(cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		cfg:       cfg,
		logger:    logging.Get("coordinator"),
		bus:       NewBroadcaster(),
		cmds:      make(chan func(), commandQueueLen),
		wake:      make(chan struct{}, 1),
		tracking:  true,
		watchMode: types.WatchNone,
		stopped:   make(chan struct{}),
	}
	e.worker = search.New(e.bus.Publish, cfg.Search.ChunkSize, logging.Get("search"))
	e.st.Store(store.New(cfg.Index.PrefixLen))
	e.worker.SetStore(e.st.Load())
	return e
}

// Start launches the coordinator and search worker goroutines. A panic
// in either surfaces as a Fatal event and stops the engine.
func (e *Engine) Start(ctx context.Context) {
	go e.guard(ctx, "search worker", func() { e.worker.Run(ctx) })
	go e.guard(ctx, "coordinator", func() { e.run(ctx) })
}

func (e *Engine) guard(ctx context.Context, name string, fn func()) {
	if r := panics.Try(fn); r != nil {
		e.logger.Error("worker panicked", "worker", name, "panic", r.Value)
		e.bus.Publish(types.Event{Kind: types.EventFatal, Message: name + " failed: " + r.String()})
		e.stopOnce.Do(func() { close(e.stopped) })
	}
}

// Subscribe registers a UI event consumer.
func (e *Engine) Subscribe() *Subscriber { return e.bus.Subscribe() }

// Unsubscribe removes a consumer.
func (e *Engine) Unsubscribe(id string) { e.bus.Unsubscribe(id) }

// State returns the coordinator's current phase.
func (e *Engine) State() State { return State(e.stateVal.Load()) }

// ActivateScope begins loading or acquiring the scope, cancelling any
// job in flight.
func (e *Engine) ActivateScope(sc scope.Scope) {
	e.pendingMu.Lock()
	e.pendingScope = &sc
	e.pendingRebuild = false
	e.pendingMu.Unlock()

	e.gen.Add(1)
	e.kick()
}

// ReindexNow forces a rebuild of the current scope.
func (e *Engine) ReindexNow() {
	e.pendingMu.Lock()
	e.pendingRebuild = true
	e.pendingMu.Unlock()

	e.gen.Add(1)
	e.kick()
}

// CancelCurrent interrupts acquisition or accelerator building at the
// next batch boundary.
func (e *Engine) CancelCurrent() {
	e.gen.Add(1)
	e.kick()
}

// SetTracking attaches or detaches latest-changes tracking.
func (e *Engine) SetTracking(on bool) {
	e.enqueue(func() {
		e.tracking = on
		if e.replayer != nil {
			e.replayer.SetTracking(on)
		}
	})
}

// SetLatestWindow restricts subsequent searches to the trailing window;
// zero or negative disables the filter.
func (e *Engine) SetLatestWindow(d time.Duration) {
	if d <= 0 {
		e.latestWindowMS.Store(0)
		return
	}
	e.latestWindowMS.Store(d.Milliseconds())
}

// LatestWindow returns the active latest window, zero when off.
func (e *Engine) LatestWindow() time.Duration {
	return time.Duration(e.latestWindowMS.Load()) * time.Millisecond
}

// SubmitSearch preempts any in-flight search with req. A zero RequestID
// is assigned from the engine's counter; the id used is returned.
func (e *Engine) SubmitSearch(req types.SearchRequest) uint64 {
	if req.RequestID == 0 {
		req.RequestID = e.reqID.Add(1)
	}
	if req.Limit <= 0 {
		req.Limit = e.cfg.Search.Limit
	}
	if req.LatestWindowMS == 0 {
		req.LatestWindowMS = e.latestWindowMS.Load()
	}
	e.worker.Submit(req)
	return req.RequestID
}

// CancelSearch clears the current request if it matches.
func (e *Engine) CancelSearch(requestID uint64) { e.worker.Cancel(requestID) }

// DeltaCounts is a cheap read of the add/update/delete counters.
func (e *Engine) DeltaCounts() types.DeltaCounts { return e.st.Load().DeltaCounts() }

// MemoryEstimate is a cheap read of the index footprint in bytes.
func (e *Engine) MemoryEstimate() int64 { return e.st.Load().BytesEstimate() }

// ParseLatestWindow parses a latest-window token on behalf of the
// slash-command layer, which owns the string syntax.
func ParseLatestWindow(token string) (time.Duration, error) { return query.ParseWindow(token) }

func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) enqueue(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.stopped:
	}
}

// run is the coordinator loop: the only goroutine that mutates the
// path store.
func (e *Engine) run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Journal.PollInterval)
	defer ticker.Stop()

	for {
		if sc, rebuild, ok := e.takePending(); ok {
			e.activate(ctx, sc, rebuild)
			continue
		}

		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case <-e.stopped:
			e.shutdown()
			return
		case fn := <-e.cmds:
			fn()
		case <-e.wake:
		case <-ticker.C:
			e.pollJournal(ctx)
		}
	}
}

func (e *Engine) takePending() (scope.Scope, bool, bool) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()

	if e.pendingScope != nil {
		sc := *e.pendingScope
		e.pendingScope = nil
		e.pendingRebuild = false
		return sc, false, true
	}
	if e.pendingRebuild {
		e.pendingRebuild = false
		if e.hasScope {
			return e.sc, true, true
		}
	}
	return scope.Scope{}, false, false
}

func (e *Engine) setState(s State) { e.stateVal.Store(int32(s)) }

// activate runs one scope activation or rebuild to completion,
// abandoning cleanly when the generation moves on.
func (e *Engine) activate(ctx context.Context, sc scope.Scope, rebuild bool) {
	jobGen := e.gen.Load()
	cancelled := func() bool { return e.gen.Load() != jobGen || ctx.Err() != nil }

	e.detachReplayer()
	e.sc = sc
	e.hasScope = true
	e.watchMode = types.WatchNone

	st := store.New(e.cfg.Index.PrefixLen)
	e.st.Store(st)
	e.worker.SetStore(st)

	if rebuild {
		e.setState(StateRebuilding)
	} else {
		e.setState(StateLoadingSnapshot)
	}
	e.logger.Info("activating scope", "scope", sc.String(), "rebuild", rebuild)

	var startSeq uint64
	warm := false
	if !rebuild {
		warm, startSeq = e.loadSnapshot(st, sc, cancelled)
		if cancelled() {
			e.setState(StateIdle)
			return
		}
	}

	var sources []journal.Source
	if !warm {
		e.setState(StateAcquiring)
		var err error
		startSeq, sources, err = e.acquire(ctx, sc, st, cancelled)
		if err != nil {
			if errors.Is(err, types.ErrCancelled) || cancelled() {
				closeSources(sources)
				e.setState(StateIdle)
				return
			}
			closeSources(sources)
			e.logger.Error("acquisition failed", "scope", sc.String(), "error", err)
			e.bus.Publish(types.Event{Kind: types.EventScopeStatus, Message: "index failed: " + err.Error()})
			e.setState(StateIdle)
			return
		}
	}

	e.setState(StateBuildingAccelerators)
	if !e.buildAccelerators(st, cancelled) {
		closeSources(sources)
		e.setState(StateIdle)
		return
	}

	if !warm {
		e.writeSnapshot(st, sc, startSeq)
	}

	resume := startSeq
	if warm || len(sources) == 0 {
		if sc.Kind != scope.Volume {
			// Sequence numbers are per volume; only a single-volume
			// scope can resume exactly. Union scopes reattach at the
			// journals' current positions.
			resume = 0
		} else if path, pathErr := sc.CheckpointPath(); pathErr == nil {
			if ckpt := snapshot.ReadCheckpoint(path); ckpt > resume {
				resume = ckpt
			}
		}
		sources = e.openLiveSources(ctx, sc, warm, resume)
	}

	e.attachReplayer(sc, st, sources, resume)

	e.setState(StateLive)
	e.progress(types.PhaseLiveUpdates, uint64(st.Len()), uint64(st.Len()), true)
	e.progress(types.PhaseReady, uint64(st.Len()), uint64(st.Len()), true)
	e.publishWatchStatus()
	e.logger.Info("scope ready",
		"scope", sc.String(),
		"entries", st.Len(),
		"memory", humanize.IBytes(uint64(st.BytesEstimate())),
		"watch", string(e.watchMode))
}

// loadSnapshot attempts a warm start. Any decode failure discards the
// snapshot; the caller proceeds to full acquisition.
func (e *Engine) loadSnapshot(st *store.Store, sc scope.Scope, cancelled func() bool) (bool, uint64) {
	path, err := sc.SnapshotPath()
	if err != nil {
		return false, 0
	}

	entries, lastSeq, err := snapshot.Read(path, sc.Hash())
	if err != nil {
		// A discarded snapshot is not user-visible; the first phase
		// the UI sees is the acquisition starting over.
		if !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("snapshot discarded", "path", path, "error", err)
		}
		return false, 0
	}
	e.progress(types.PhaseReadingSnapshot, 0, uint64(len(entries)), true)

	batch := e.cfg.Index.BatchSize
	for off := 0; off < len(entries); off += batch {
		if cancelled() {
			return false, 0
		}
		end := off + batch
		if end > len(entries) {
			end = len(entries)
		}
		st.AppendBulk(entries[off:end])
		e.progress(types.PhaseReadingSnapshot, uint64(end), uint64(len(entries)), false)
	}

	e.logger.Info("snapshot loaded", "entries", len(entries), "seq", lastSeq)
	return true, lastSeq
}

// acquire populates the store from the volume reader where supported,
// falling back to the walker per root. It returns the journal
// checkpoint to resume from and any live sources already opened.
func (e *Engine) acquire(ctx context.Context, sc scope.Scope, st *store.Store, cancelled func() bool) (uint64, []journal.Source, error) {
	roots, err := sc.Roots()
	if err != nil {
		return 0, nil, err
	}

	var present []string
	for _, root := range roots {
		if _, statErr := os.Stat(root); statErr != nil {
			e.logger.Warn("root unavailable, dropping from scope", "root", root, "error", statErr)
			e.bus.Publish(types.Event{Kind: types.EventScopeStatus, Message: "drive unavailable: " + root})
			continue
		}
		present = append(present, root)
	}
	if len(present) == 0 {
		return 0, nil, types.ErrScopeUnavailable
	}

	e.progress(types.PhaseReadingIndex, 0, 0, true)

	onBatch := func(batch []types.Entry) error {
		if cancelled() {
			return types.ErrCancelled
		}
		st.AppendBulk(batch)
		e.progress(types.PhaseReadingIndex, uint64(st.Len()), 0, false)
		return nil
	}

	var sources []journal.Source
	var startSeq uint64
	var walkRoots []string

	if sc.WholeVolumes() {
		for _, root := range present {
			reader, openErr := volume.Open(root)
			if openErr != nil {
				e.logger.Info("volume reader unavailable, walking instead", "root", root, "error", openErr)
				walkRoots = append(walkRoots, root)
				continue
			}

			ckpt, enumErr := reader.Enumerate(ctx, onBatch, func(scanned, total uint64) {
				e.progress(types.PhaseReadingIndex, scanned, total, false)
			})
			if enumErr != nil {
				reader.Close()
				if errors.Is(enumErr, types.ErrCancelled) || errors.Is(enumErr, context.Canceled) {
					return 0, sources, types.ErrCancelled
				}
				e.logger.Warn("volume enumeration failed, walking instead", "root", root, "error", enumErr)
				walkRoots = append(walkRoots, root)
				continue
			}

			src, jErr := reader.Journal(volume.Checkpoint{JournalID: ckpt.JournalID, NextSeq: ckpt.NextSeq})
			if jErr != nil {
				e.logger.Warn("journal attach failed", "root", root, "error", jErr)
				reader.Close()
			} else {
				sources = append(sources, src)
			}
			startSeq = ckpt.NextSeq
		}
	} else {
		walkRoots = present
	}

	// USN sequences are per volume; one scalar can only be a resume
	// point when exactly one volume was enumerated. A union scope
	// snapshot carries no usable baseline.
	if len(sources) != 1 {
		startSeq = 0
	}

	if len(walkRoots) > 0 {
		w := walker.New(e.cfg.Index.BatchSize)
		stats, walkErr := w.Walk(ctx, walkRoots, onBatch)
		if walkErr != nil {
			if errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, types.ErrCancelled) {
				return 0, sources, types.ErrCancelled
			}
			return 0, sources, walkErr
		}
		e.logger.Info("walk complete",
			"dirs", stats.Dirs, "files", stats.Files, "skipped", stats.Skipped,
			"elapsed", stats.Elapsed)
	}

	return startSeq, sources, nil
}

// buildAccelerators populates the name maps in cooperative chunks.
func (e *Engine) buildAccelerators(st *store.Store, cancelled func() bool) bool {
	total := uint64(st.Len())
	for {
		if cancelled() {
			return false
		}
		done, covered := st.BuildAcceleratorsStep(e.cfg.Index.AcceleratorBatch)
		e.progress(types.PhaseFinalizing, uint64(covered), total, false)
		if done {
			e.progress(types.PhaseFinalizing, total, total, true)
			return true
		}
	}
}

// openLiveSources attaches delta observation after a warm start or a
// walker acquisition: the volume journal for whole-volume scopes, a
// poll watcher for directory scopes.
func (e *Engine) openLiveSources(ctx context.Context, sc scope.Scope, warm bool, resumeSeq uint64) []journal.Source {
	roots, err := sc.Roots()
	if err != nil {
		return nil
	}

	if sc.WholeVolumes() {
		var sources []journal.Source
		for _, root := range roots {
			reader, openErr := volume.Open(root)
			if openErr != nil {
				e.logger.Info("no live updates for root", "root", root, "error", openErr)
				continue
			}
			if warm {
				if primeErr := reader.PrimeDirectories(ctx); primeErr != nil {
					e.logger.Warn("priming directories failed", "root", root, "error", primeErr)
					reader.Close()
					continue
				}
			}
			src, jErr := reader.Journal(volume.Checkpoint{NextSeq: resumeSeq})
			if jErr != nil {
				reader.Close()
				continue
			}
			sources = append(sources, src)
		}
		return sources
	}

	src, err := journal.NewNotifySource(roots, logging.Get("watcher"))
	if err != nil {
		e.logger.Warn("poll watcher unavailable", "error", err)
		return nil
	}
	return []journal.Source{src}
}

// attachReplayer wires the delta sources into a replayer, or records
// that the scope has no live updates.
func (e *Engine) attachReplayer(sc scope.Scope, st *store.Store, sources []journal.Source, startSeq uint64) {
	if len(sources) == 0 {
		e.watchMode = types.WatchNone
		return
	}

	src := journal.Multi(sources...)
	ckptPath, err := sc.CheckpointPath()
	if err != nil {
		ckptPath = ""
	}
	if len(sources) > 1 || src.Mode() != types.WatchJournal {
		// A merged stream renumbers records from 1 and poll sequence
		// numbers are a local counter; in both cases a persisted
		// checkpoint or carried-over baseline would mark every record
		// as already applied. The replayer enforces the same rule via
		// Source.SessionLocal.
		ckptPath = ""
		startSeq = 0
	}

	e.replayer = journal.NewReplayer(src, st, startSeq, journal.Options{
		RenameWindow:   e.cfg.Journal.RenameWindow,
		CheckpointPath: ckptPath,
		Tracking:       e.tracking,
	}, logging.Get("replayer"))
	e.watchMode = src.Mode()
}

// pollJournal applies one replay step while live. Invalidation
// triggers an automatic rebuild.
func (e *Engine) pollJournal(ctx context.Context) {
	if e.replayer == nil || e.State() != StateLive {
		return
	}

	applied, err := e.replayer.Step(ctx, e.cfg.Journal.Batch)
	if err != nil {
		if errors.Is(err, types.ErrJournalInvalidated) {
			e.logger.Warn("journal invalidated, rebuilding", "scope", e.sc.String())
			e.bus.Publish(types.Event{Kind: types.EventScopeStatus, Message: "change journal wrapped, reindexing"})
			e.pendingMu.Lock()
			e.pendingRebuild = true
			e.pendingMu.Unlock()
			e.gen.Add(1)
			e.kick()
			return
		}
		e.publishWatchUnhealthy()
		return
	}
	if applied > 0 {
		e.logger.Debug("applied journal records", "count", applied)
	}
}

func (e *Engine) detachReplayer() {
	if e.replayer == nil {
		return
	}
	if err := e.replayer.Close(); err != nil {
		e.logger.Warn("replayer close failed", "error", err)
	}
	e.replayer = nil
}

// writeSnapshot persists the store after a fresh acquisition and on
// clean shutdown.
func (e *Engine) writeSnapshot(st *store.Store, sc scope.Scope, lastSeq uint64) {
	path, err := sc.SnapshotPath()
	if err != nil {
		return
	}
	if err := snapshot.Write(path, sc.Hash(), st.Export(), lastSeq); err != nil {
		e.logger.Warn("snapshot write failed", "path", path, "error", err)
		return
	}
	st.ResetDeltaCounts()
	e.logger.Info("snapshot written", "path", path, "entries", st.Len())
}

func (e *Engine) shutdown() {
	if e.hasScope && e.State() == StateLive {
		var nextSeq uint64
		if e.replayer != nil {
			nextSeq = e.replayer.NextSeq()
		}
		e.writeSnapshot(e.st.Load(), e.sc, nextSeq)
	}
	e.detachReplayer()
	e.setState(StateIdle)
	e.bus.Close()
}

func (e *Engine) publishWatchStatus() {
	e.bus.Publish(types.Event{
		Kind:    types.EventWatchStatus,
		Healthy: e.watchMode != types.WatchNone,
		Mode:    e.watchMode,
	})
}

func (e *Engine) publishWatchUnhealthy() {
	e.bus.Publish(types.Event{
		Kind:    types.EventWatchStatus,
		Healthy: false,
		Mode:    e.watchMode,
	})
}

// progress emits an index_progress event, throttled unless forced.
func (e *Engine) progress(phase types.Phase, scanned, total uint64, force bool) {
	now := time.Now().UnixNano()
	last := e.lastProgress.Load()
	if !force && now-last < int64(progressInterval) {
		return
	}
	if !e.lastProgress.CompareAndSwap(last, now) && !force {
		return
	}
	e.bus.Publish(types.Event{
		Kind:          types.EventIndexProgress,
		Phase:         phase,
		Scanned:       scanned,
		TotalEstimate: total,
	})
}

func closeSources(sources []journal.Source) {
	for _, src := range sources {
		src.Close()
	}
}
