//go:build windows

package volume

import (
	"context"
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/wizmini/wizmini/pkg/wizmini/journal"
	"github.com/wizmini/wizmini/pkg/wizmini/types"
)

// usnSource reads the live USN journal from a checkpoint, translating
// raw records into journal records with materialized paths. It owns the
// node map built during enumeration so deletes and renames can recover
// the affected path.
type usnSource struct {
	r         *winReader
	journalID uint64
	nextUsn   int64
	buffer    []byte
}

func newUsnSource(r *winReader, ckpt Checkpoint) *usnSource {
	return &usnSource{
		r:         r,
		journalID: ckpt.JournalID,
		nextUsn:   int64(ckpt.NextSeq),
		buffer:    make([]byte, readBufferSize),
	}
}

// Mode reports journal-backed observation.
func (s *usnSource) Mode() types.WatchMode { return types.WatchJournal }

// SessionLocal is false: USN sequence numbers are the volume's own and
// survive across sessions, so checkpoint resume applies.
func (s *usnSource) SessionLocal() bool { return false }

// Close releases the volume handle.
func (s *usnSource) Close() error { return s.r.Close() }

// Read drains pending journal records. A journal id change or a
// checkpoint older than the journal's first valid sequence reports
// types.ErrJournalInvalidated; the coordinator rebuilds.
func (s *usnSource) Read(ctx context.Context, max int) ([]journal.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	read := readUsnJournalData{
		StartUsn:     s.nextUsn,
		ReasonMask:   ^uint32(0),
		UsnJournalID: s.journalID,
	}

	var out uint32
	err := windows.DeviceIoControl(
		s.r.handle,
		fsctlReadUsnJournal,
		(*byte)(unsafe.Pointer(&read)), uint32(unsafe.Sizeof(read)),
		&s.buffer[0], uint32(len(s.buffer)),
		&out, nil,
	)
	if err != nil {
		if err == windows.ERROR_HANDLE_EOF {
			return nil, nil
		}
		if err == windows.ERROR_JOURNAL_ENTRY_DELETED || err == windows.ERROR_JOURNAL_DELETE_IN_PROGRESS ||
			err == windows.ERROR_INVALID_PARAMETER {
			// Expired position or a journal recreated under a new id.
			return nil, fmt.Errorf("%w: usn %d expired", types.ErrJournalInvalidated, s.nextUsn)
		}
		return nil, fmt.Errorf("read usn journal: %w", err)
	}
	if out < 8 {
		return nil, nil
	}

	s.nextUsn = int64(binary.LittleEndian.Uint64(s.buffer[:8]))

	var recs []journal.Record
	offset := 8
	for offset < int(out) && len(recs) < max {
		rec, recLen := parseUsnRecord(s.buffer[offset:int(out)])
		if recLen == 0 {
			break
		}
		offset += recLen
		if rec == nil || rec.name == "" {
			continue
		}
		recs = append(recs, s.translate(rec)...)
	}
	return recs, nil
}

// translate maps one raw record onto store-facing records, keeping the
// node map coherent so later paths materialize correctly.
func (s *usnSource) translate(rec *parsedRecord) []journal.Record {
	seq := uint64(rec.usn)

	switch {
	case rec.reason&usnReasonFileDelete != 0:
		path := s.r.materialize(rec.ref)
		delete(s.r.nodes, rec.ref)
		s.invalidatePaths()
		return []journal.Record{{
			Seq: seq, Ref: rec.ref, Path: path, IsDir: rec.isDir, Op: journal.OpDelete,
		}}

	case rec.reason&usnReasonRenameOldName != 0:
		// Materialize before touching the node so the old path is
		// still reachable.
		path := s.r.materialize(rec.ref)
		return []journal.Record{{
			Seq: seq, Ref: rec.ref, Path: path, IsDir: rec.isDir, Op: journal.OpRenameOld,
		}}

	case rec.reason&usnReasonRenameNewName != 0:
		s.upsertNode(rec)
		s.invalidatePaths()
		return []journal.Record{{
			Seq: seq, Ref: rec.ref, Path: s.r.materialize(rec.ref),
			MtimeMS: rec.mtimeMS, IsDir: rec.isDir, Op: journal.OpRenameNew,
		}}

	case rec.reason&usnReasonFileCreate != 0:
		s.upsertNode(rec)
		return []journal.Record{{
			Seq: seq, Ref: rec.ref, Path: s.r.materialize(rec.ref),
			MtimeMS: rec.mtimeMS, IsDir: rec.isDir, Op: journal.OpCreate,
		}}

	case rec.reason&(usnReasonDataOverwrite|usnReasonDataExtend|usnReasonDataTruncation|usnReasonBasicInfoChange) != 0:
		s.upsertNode(rec)
		return []journal.Record{{
			Seq: seq, Ref: rec.ref, Path: s.r.materialize(rec.ref),
			MtimeMS: rec.mtimeMS, IsDir: rec.isDir, Op: journal.OpModify,
		}}
	}
	return nil
}

func (s *usnSource) upsertNode(rec *parsedRecord) {
	s.r.nodes[rec.ref] = &node{
		parent:  rec.parent,
		name:    rec.name,
		mtimeMS: rec.mtimeMS,
		isDir:   rec.isDir,
	}
}

// invalidatePaths drops the memoized path cache after any structural
// change; materialization rebuilds lazily.
func (s *usnSource) invalidatePaths() {
	clear(s.r.paths)
}
