// Package volume is the primary acquisition strategy for whole-volume
// scopes: it enumerates the filesystem's file reference table directly
// instead of walking directories, and exposes the volume change journal
// for live replay. On platforms or filesystems without that support,
// Open reports ErrUnsupported and the coordinator falls back to the
// walker.
package volume

import (
	"context"
	"errors"

	"github.com/wizmini/wizmini/pkg/wizmini/journal"
	"github.com/wizmini/wizmini/pkg/wizmini/types"
)

// ErrUnsupported means this root has no file reference table the
// process can read, whether for lack of privilege or lack of filesystem
// support.
var ErrUnsupported = errors.New("volume enumeration unsupported")

// Checkpoint is the journal position recorded at enumeration time so
// replay starts where the enumeration left off.
type Checkpoint struct {
	// JournalID identifies the journal instance; a new id invalidates
	// every older sequence number.
	JournalID uint64

	// NextSeq is the first sequence number not covered by the
	// enumeration.
	NextSeq uint64
}

// BatchFunc receives one batch of enumerated entries.
type BatchFunc func(batch []types.Entry) error

// ProgressFunc receives enumeration progress in journal-offset units.
type ProgressFunc func(scanned, total uint64)

// Reader enumerates one volume and hands out its change journal.
type Reader interface {
	// Enumerate streams every file on the volume in batches and
	// returns the journal checkpoint taken before enumeration began.
	Enumerate(ctx context.Context, onBatch BatchFunc, onProgress ProgressFunc) (Checkpoint, error)

	// PrimeDirectories loads only the directory records, enough for
	// journal paths to materialize on a warm start that skipped
	// Enumerate.
	PrimeDirectories(ctx context.Context) error

	// Journal opens a live record source resuming at the checkpoint.
	// A zero JournalID means the volume's current journal; a zero
	// NextSeq resumes at the journal's current position. Requires a
	// prior Enumerate or PrimeDirectories on the same reader.
	Journal(ckpt Checkpoint) (journal.Source, error)

	// Close releases the volume handle. A source returned by Journal
	// reads through the same handle and releases it on its own Close;
	// closing the reader as well ends that source's reads.
	Close() error
}
