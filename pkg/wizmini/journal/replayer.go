package journal

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/wizmini/wizmini/pkg/wizmini/snapshot"
	"github.com/wizmini/wizmini/pkg/wizmini/store"
	"github.com/wizmini/wizmini/pkg/wizmini/types"
)

// Replay tuning. The rename table is small and bounded; an old-name
// record whose partner never arrives inside the window is a delete.
const (
	DefaultRenameWindow   = 3 * time.Second
	maxPendingRenames     = 256
	checkpointEveryN      = 512
	checkpointEveryPeriod = 2 * time.Second
)

// Options tunes a Replayer.
type Options struct {
	// RenameWindow bounds how long an unpaired old-name record waits.
	RenameWindow time.Duration

	// CheckpointPath persists the applied sequence; empty disables.
	CheckpointPath string

	// Tracking controls whether applied deltas feed the
	// recent-changes ring for latest-window queries.
	Tracking bool
}

type pendingRename struct {
	rec Record
	at  time.Time
}

// Replayer applies journal records to the store. It runs on the
// coordinator's thread; nothing here is safe for concurrent use.
type Replayer struct {
	src    Source
	st     *store.Store
	logger *log.Logger

	renameWindow time.Duration
	ckptPath     string
	tracking     bool

	// nextSeq is the first sequence number not yet applied; records
	// below it are replays of work already in the store.
	nextSeq       uint64
	appliedSince  int
	lastCkptWrite time.Time

	renames map[uint64]pendingRename
}

// NewReplayer resumes replay from startSeq, the first sequence number
// not yet applied; warm start takes the larger of the snapshot header
// and the persisted checkpoint. Sources with session-local sequence
// numbers (merged multi-volume streams, poll watchers) get no baseline
// at all: their numbering restarts at 1, so any carried-over value
// would mark every record as already applied.
func NewReplayer(src Source, st *store.Store, startSeq uint64, opts Options, logger *log.Logger) *Replayer {
	if opts.RenameWindow <= 0 {
		opts.RenameWindow = DefaultRenameWindow
	}
	if src.SessionLocal() {
		startSeq = 0
		opts.CheckpointPath = ""
	}
	if ckpt := snapshot.ReadCheckpoint(opts.CheckpointPath); ckpt > startSeq {
		startSeq = ckpt
	}
	return &Replayer{
		src:           src,
		st:            st,
		logger:        logger,
		renameWindow:  opts.RenameWindow,
		ckptPath:      opts.CheckpointPath,
		tracking:      opts.Tracking,
		nextSeq:       startSeq,
		lastCkptWrite: time.Now(),
		renames:       make(map[uint64]pendingRename),
	}
}

// Mode reports the source's watch mode.
func (r *Replayer) Mode() types.WatchMode { return r.src.Mode() }

// NextSeq returns the first sequence number not yet applied, the value
// a snapshot or checkpoint should carry for resume.
func (r *Replayer) NextSeq() uint64 { return r.nextSeq }

// SetTracking toggles whether deltas feed the recent-changes ring.
func (r *Replayer) SetTracking(on bool) { r.tracking = on }

// Step reads up to batch records, applies them, sweeps the rename
// table, and persists the checkpoint at a low cadence. It returns the
// number of records applied. types.ErrJournalInvalidated propagates to
// the coordinator, which rebuilds.
func (r *Replayer) Step(ctx context.Context, batch int) (int, error) {
	recs, err := r.src.Read(ctx, batch)
	if err != nil {
		if errors.Is(err, types.ErrJournalInvalidated) {
			return 0, err
		}
		r.logger.Warn("journal read failed", "error", err)
		return 0, err
	}

	now := time.Now()
	applied := 0
	for i := range recs {
		if r.apply(&recs[i], now) {
			applied++
		}
	}

	r.sweepRenames(now)

	r.appliedSince += applied
	if r.appliedSince > 0 &&
		(r.appliedSince >= checkpointEveryN || now.Sub(r.lastCkptWrite) >= checkpointEveryPeriod) {
		r.persistCheckpoint()
	}
	return applied, nil
}

// Close flushes the checkpoint and releases the source.
func (r *Replayer) Close() error {
	r.persistCheckpoint()
	return r.src.Close()
}

// apply translates one record into store operations. Records below the
// next-to-apply cursor are skipped, which makes replay after a
// checkpoint reload or a re-delivered batch idempotent.
func (r *Replayer) apply(rec *Record, now time.Time) bool {
	if rec.Seq != 0 && rec.Seq < r.nextSeq {
		return false
	}
	if rec.Seq != 0 {
		r.nextSeq = rec.Seq + 1
	}

	switch rec.Op {
	case OpCreate, OpModify:
		r.upsert(rec, now)

	case OpRenameOld:
		if len(r.renames) >= maxPendingRenames {
			r.expireOldestRename()
		}
		r.renames[rec.Ref] = pendingRename{rec: *rec, at: now}

	case OpRenameNew:
		if old, ok := r.renames[rec.Ref]; ok {
			delete(r.renames, rec.Ref)
			r.applyRename(&old.rec, rec, now)
		} else {
			// Unpaired new name: the old name predates our
			// checkpoint, so this is effectively a create.
			r.upsert(rec, now)
		}

	case OpDelete:
		delete(r.renames, rec.Ref)
		removed := r.st.RemoveByPath(rec.Path)
		if rec.IsDir || !removed {
			r.st.RemoveSubtree(rec.Path)
		}
	}
	return true
}

func (r *Replayer) upsert(rec *Record, now time.Time) {
	if rec.IsDir {
		return
	}
	id := r.st.Insert(rec.Path, rec.Size, rec.MtimeMS, rec.Seq)
	r.recordEvent(id, rec.MtimeMS, now)
}

func (r *Replayer) applyRename(old, next *Record, now time.Time) {
	if old.IsDir || next.IsDir {
		r.st.RenameSubtree(old.Path, next.Path, next.Seq)
		return
	}
	if r.st.Rename(old.Path, next.Path, next.MtimeMS, next.Seq) {
		if id, ok := r.st.IDByPath(next.Path); ok {
			r.recordEvent(id, next.MtimeMS, now)
		}
		return
	}
	// The old path was never indexed; fall back to an insert.
	r.upsert(next, now)
}

// recordEvent feeds the recent-changes ring. An unknown mtime uses the
// arrival time so the entry still qualifies for latest windows.
func (r *Replayer) recordEvent(id types.EntryID, mtimeMS int64, now time.Time) {
	if !r.tracking {
		return
	}
	ts := mtimeMS
	if ts == types.UnknownTS {
		ts = now.UnixMilli()
	}
	r.st.RecordEvent(id, ts)
}

// sweepRenames times out unpaired old-name records as deletes.
func (r *Replayer) sweepRenames(now time.Time) {
	for ref, pending := range r.renames {
		if now.Sub(pending.at) < r.renameWindow {
			continue
		}
		delete(r.renames, ref)
		r.logger.Debug("rename pair timed out", "path", pending.rec.Path)
		if pending.rec.IsDir {
			r.st.RemoveSubtree(pending.rec.Path)
		} else {
			r.st.RemoveByPath(pending.rec.Path)
		}
	}
}

func (r *Replayer) expireOldestRename() {
	var oldestRef uint64
	var oldestAt time.Time
	first := true
	for ref, pending := range r.renames {
		if first || pending.at.Before(oldestAt) {
			first = false
			oldestRef = ref
			oldestAt = pending.at
		}
	}
	if !first {
		pending := r.renames[oldestRef]
		delete(r.renames, oldestRef)
		if pending.rec.IsDir {
			r.st.RemoveSubtree(pending.rec.Path)
		} else {
			r.st.RemoveByPath(pending.rec.Path)
		}
	}
}

func (r *Replayer) persistCheckpoint() {
	if r.ckptPath == "" {
		r.appliedSince = 0
		r.lastCkptWrite = time.Now()
		return
	}
	if err := snapshot.WriteCheckpoint(r.ckptPath, r.nextSeq); err != nil {
		r.logger.Warn("checkpoint write failed", "path", r.ckptPath, "error", err)
	}
	r.appliedSince = 0
	r.lastCkptWrite = time.Now()
}
