// Package journal replays filesystem change records into the path
// store. Records come from a Source: the volume change journal on
// supported volumes, or a poll-mode watcher fallback. Replay is
// cooperative: the coordinator calls Step with a batch budget and
// checks cancellation between calls.
package journal

import (
	"context"

	"github.com/wizmini/wizmini/pkg/wizmini/types"
)

// Op is the event kind carried by a journal record.
type Op uint8

// Record operations. Renames arrive as an old-name record paired with a
// new-name record carrying the same file reference.
const (
	OpCreate Op = iota
	OpModify
	OpRenameOld
	OpRenameNew
	OpDelete
)

// String names the op for logs.
func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpRenameOld:
		return "rename-old"
	case OpRenameNew:
		return "rename-new"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Record is one change-journal event translated to the store's terms.
type Record struct {
	// Seq is the monotonic journal sequence number.
	Seq uint64

	// Ref is the volume-level file reference used to pair rename
	// halves. Zero when the source cannot provide one.
	Ref uint64

	Path    string
	Size    uint64
	MtimeMS int64
	IsDir   bool
	Op      Op
}

// Source produces journal records in sequence order.
type Source interface {
	// Read returns up to max pending records without blocking beyond
	// a short poll. It returns types.ErrJournalInvalidated when the
	// journal wrapped past the reader's position, signaling a full
	// re-acquisition.
	Read(ctx context.Context, max int) ([]Record, error)

	// Mode reports how changes are being observed.
	Mode() types.WatchMode

	// SessionLocal reports whether the source's sequence numbers
	// restart each session. Session-local sequences must never be
	// compared against a persisted baseline or written to a
	// checkpoint file; the replayer zeroes both for such sources.
	SessionLocal() bool

	Close() error
}
