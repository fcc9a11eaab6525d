//go:build windows

package volume

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf16"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/wizmini/wizmini/pkg/wizmini/journal"
	"github.com/wizmini/wizmini/pkg/wizmini/types"
)

// NTFS ioctl and reason constants not exported by x/sys/windows.
const (
	fsctlEnumUsnData     = 0x000900b3
	fsctlReadUsnJournal  = 0x000900bb
	fsctlQueryUsnJournal = 0x000900f4

	usnReasonDataOverwrite   = 0x00000001
	usnReasonDataExtend      = 0x00000002
	usnReasonDataTruncation  = 0x00000004
	usnReasonFileCreate      = 0x00000100
	usnReasonFileDelete      = 0x00000200
	usnReasonRenameOldName   = 0x00001000
	usnReasonRenameNewName   = 0x00002000
	usnReasonBasicInfoChange = 0x00008000

	enumBufferSize = 1 << 20
	readBufferSize = 512 << 10

	// filetimeEpochDelta converts FILETIME (100ns ticks since 1601)
	// to Unix time.
	filetimeEpochDelta = 116444736000000000
)

// usnJournalData mirrors USN_JOURNAL_DATA_V0.
type usnJournalData struct {
	UsnJournalID    uint64
	FirstUsn        int64
	NextUsn         int64
	LowestValidUsn  int64
	MaxUsn          int64
	MaximumSize     uint64
	AllocationDelta uint64
}

// mftEnumData mirrors MFT_ENUM_DATA_V0.
type mftEnumData struct {
	StartFileReferenceNumber uint64
	LowUsn                   int64
	HighUsn                  int64
}

// readUsnJournalData mirrors READ_USN_JOURNAL_DATA_V0.
type readUsnJournalData struct {
	StartUsn          int64
	ReasonMask        uint32
	ReturnOnlyOnClose uint32
	Timeout           uint64
	BytesToWaitFor    uint64
	UsnJournalID      uint64
}

// node is one file-reference-table record kept for path
// materialization.
type node struct {
	parent  uint64
	name    string
	mtimeMS int64
	isDir   bool
}

// winReader enumerates an NTFS volume through its USN machinery.
type winReader struct {
	drive  byte
	prefix string
	handle windows.Handle

	journal usnJournalData
	nodes   map[uint64]*node
	paths   map[uint64]string
}

// Open opens the volume backing root, e.g. `C:\`. Failure to open or to
// query the journal (insufficient privilege, non-NTFS volume) reports
// ErrUnsupported so the coordinator can fall back to the walker.
func Open(root string) (Reader, error) {
	if len(root) < 2 || root[1] != ':' {
		return nil, fmt.Errorf("%w: %s is not a drive root", ErrUnsupported, root)
	}
	drive := root[0] &^ 0x20 // uppercase

	volPath, err := windows.UTF16PtrFromString(`\\.\` + string(rune(drive)) + `:`)
	if err != nil {
		return nil, err
	}
	handle, err := windows.CreateFile(
		volPath,
		windows.GENERIC_READ,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		0,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: open volume %c: %v", ErrUnsupported, drive, err)
	}

	r := &winReader{
		drive:  drive,
		prefix: string(rune(drive)) + `:\`,
		handle: handle,
		nodes:  make(map[uint64]*node),
		paths:  make(map[uint64]string),
	}
	if err := r.queryJournal(); err != nil {
		windows.CloseHandle(handle)
		return nil, fmt.Errorf("%w: query journal %c: %v", ErrUnsupported, drive, err)
	}
	return r, nil
}

func (r *winReader) queryJournal() error {
	var out uint32
	return windows.DeviceIoControl(
		r.handle,
		fsctlQueryUsnJournal,
		nil, 0,
		(*byte)(unsafe.Pointer(&r.journal)), uint32(unsafe.Sizeof(r.journal)),
		&out, nil,
	)
}

// Enumerate walks the file reference table, building the node map and
// streaming file entries in batches.
func (r *winReader) Enumerate(ctx context.Context, onBatch BatchFunc, onProgress ProgressFunc) (Checkpoint, error) {
	enum := mftEnumData{HighUsn: r.journal.NextUsn}
	buffer := make([]byte, enumBufferSize)

	progressLow := r.journal.FirstUsn
	if progressLow < 0 {
		progressLow = 0
	}
	total := uint64(r.journal.NextUsn - progressLow)
	if total == 0 {
		total = 1
	}

	for {
		if err := ctx.Err(); err != nil {
			return Checkpoint{}, err
		}

		var out uint32
		err := windows.DeviceIoControl(
			r.handle,
			fsctlEnumUsnData,
			(*byte)(unsafe.Pointer(&enum)), uint32(unsafe.Sizeof(enum)),
			&buffer[0], uint32(len(buffer)),
			&out, nil,
		)
		if err != nil {
			if err == windows.ERROR_HANDLE_EOF {
				break
			}
			return Checkpoint{}, fmt.Errorf("enumerate volume %c: %w", r.drive, err)
		}
		if out < 8 {
			break
		}

		enum.StartFileReferenceNumber = binary.LittleEndian.Uint64(buffer[:8])

		offset := 8
		for offset < int(out) {
			rec, recLen := parseUsnRecord(buffer[offset:int(out)])
			if recLen == 0 {
				break
			}
			if rec != nil && rec.name != "" {
				r.nodes[rec.ref] = &node{
					parent:  rec.parent,
					name:    rec.name,
					mtimeMS: rec.mtimeMS,
					isDir:   rec.isDir,
				}
				if onProgress != nil && len(r.nodes)%5000 == 0 {
					scanned := uint64(rec.usn - progressLow)
					if scanned > total {
						scanned = total
					}
					onProgress(scanned, total)
				}
			}
			offset += recLen
		}
	}

	if err := r.emitFiles(ctx, onBatch); err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{JournalID: r.journal.UsnJournalID, NextSeq: uint64(r.journal.NextUsn)}, nil
}

func (r *winReader) emitFiles(ctx context.Context, onBatch BatchFunc) error {
	const batchSize = 1000
	batch := make([]types.Entry, 0, batchSize)

	for ref, n := range r.nodes {
		if n.isDir {
			continue
		}
		batch = append(batch, types.Entry{
			Path:    r.materialize(ref),
			MtimeMS: n.mtimeMS,
		})
		if len(batch) < batchSize {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onBatch(batch); err != nil {
			return err
		}
		batch = batch[:0]
	}
	if len(batch) > 0 {
		return onBatch(batch)
	}
	return nil
}

// materialize resolves a file reference to an absolute path by chasing
// parent references, memoizing intermediate directories.
func (r *winReader) materialize(ref uint64) string {
	if p, ok := r.paths[ref]; ok {
		return p
	}

	var parts []string
	cur := ref
	for depth := 0; depth < 128; depth++ {
		n, ok := r.nodes[cur]
		if !ok {
			break
		}
		if p, ok := r.paths[cur]; ok {
			full := p + `\` + strings.Join(reverse(parts), `\`)
			r.paths[ref] = full
			return full
		}
		parts = append(parts, n.name)
		if n.parent == cur {
			break
		}
		cur = n.parent
	}

	full := r.prefix + strings.Join(reverse(parts), `\`)
	r.paths[ref] = full
	return full
}

func reverse(parts []string) []string {
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return parts
}

// PrimeDirectories runs the reference-table enumeration keeping only
// directory records. Warm starts use it so journal records can resolve
// full paths without re-reading every file record into memory.
func (r *winReader) PrimeDirectories(ctx context.Context) error {
	enum := mftEnumData{HighUsn: r.journal.NextUsn}
	buffer := make([]byte, enumBufferSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var out uint32
		err := windows.DeviceIoControl(
			r.handle,
			fsctlEnumUsnData,
			(*byte)(unsafe.Pointer(&enum)), uint32(unsafe.Sizeof(enum)),
			&buffer[0], uint32(len(buffer)),
			&out, nil,
		)
		if err != nil {
			if err == windows.ERROR_HANDLE_EOF {
				return nil
			}
			return fmt.Errorf("prime directories %c: %w", r.drive, err)
		}
		if out < 8 {
			return nil
		}

		enum.StartFileReferenceNumber = binary.LittleEndian.Uint64(buffer[:8])

		offset := 8
		for offset < int(out) {
			rec, recLen := parseUsnRecord(buffer[offset:int(out)])
			if recLen == 0 {
				break
			}
			if rec != nil && rec.isDir && rec.name != "" {
				r.nodes[rec.ref] = &node{
					parent:  rec.parent,
					name:    rec.name,
					mtimeMS: rec.mtimeMS,
					isDir:   true,
				}
			}
			offset += recLen
		}
	}
}

// Journal hands the volume handle and node map to a live record source.
func (r *winReader) Journal(ckpt Checkpoint) (journal.Source, error) {
	if ckpt.JournalID == 0 {
		ckpt.JournalID = r.journal.UsnJournalID
	}
	if ckpt.NextSeq == 0 {
		ckpt.NextSeq = uint64(r.journal.NextUsn)
	}
	return newUsnSource(r, ckpt), nil
}

// Close releases the volume handle.
func (r *winReader) Close() error {
	if r.handle != windows.InvalidHandle {
		err := windows.CloseHandle(r.handle)
		r.handle = windows.InvalidHandle
		return err
	}
	return nil
}

// parsedRecord is the subset of USN_RECORD_V2 the reader consumes.
type parsedRecord struct {
	ref     uint64
	parent  uint64
	usn     int64
	mtimeMS int64
	reason  uint32
	attrs   uint32
	isDir   bool
	name    string
}

// parseUsnRecord decodes one USN_RECORD_V2 from buf. It returns nil for
// records of other major versions, with the record length so the caller
// can skip them; a zero length ends the buffer.
func parseUsnRecord(buf []byte) (*parsedRecord, int) {
	if len(buf) < 60 {
		return nil, 0
	}
	recLen := int(binary.LittleEndian.Uint32(buf[0:4]))
	if recLen == 0 || recLen > len(buf) {
		return nil, 0
	}
	major := binary.LittleEndian.Uint16(buf[4:6])
	if major != 2 {
		return nil, recLen
	}

	rec := &parsedRecord{
		ref:    binary.LittleEndian.Uint64(buf[8:16]),
		parent: binary.LittleEndian.Uint64(buf[16:24]),
		usn:    int64(binary.LittleEndian.Uint64(buf[24:32])),
		reason: binary.LittleEndian.Uint32(buf[40:44]),
		attrs:  binary.LittleEndian.Uint32(buf[52:56]),
	}
	rec.isDir = rec.attrs&windows.FILE_ATTRIBUTE_DIRECTORY != 0
	rec.mtimeMS = filetimeToUnixMS(int64(binary.LittleEndian.Uint64(buf[32:40])))

	nameLen := int(binary.LittleEndian.Uint16(buf[56:58]))
	nameOff := int(binary.LittleEndian.Uint16(buf[58:60]))
	if nameOff+nameLen <= recLen && nameLen%2 == 0 {
		u16s := make([]uint16, nameLen/2)
		for i := range u16s {
			u16s[i] = binary.LittleEndian.Uint16(buf[nameOff+2*i : nameOff+2*i+2])
		}
		rec.name = string(utf16.Decode(u16s))
	}
	return rec, recLen
}

func filetimeToUnixMS(ft int64) int64 {
	if ft <= filetimeEpochDelta {
		return types.UnknownTS
	}
	return (ft - filetimeEpochDelta) / 10000
}
