// Package snapshot reads and writes the per-scope binary index file
// used for warm starts, plus the journal checkpoint sidecar.
//
// Layout, little-endian throughout: magic "WZMN", u16 format version,
// u32 scope hash, u64 entry count, u64 journal resume sequence (the
// first sequence not yet applied, one past the last applied record),
// then per entry u32 path length, path bytes, u64 size, i64 mtime in
// Unix milliseconds, u64 change reference. A u64 xxhash of everything
// preceding it closes the file.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/wizmini/wizmini/pkg/wizmini/types"
)

// Magic identifies a wizmini snapshot file.
var Magic = [4]byte{'W', 'Z', 'M', 'N'}

// Version is the current format version. Any mismatch discards the
// snapshot; there is no cross-version migration.
const Version uint16 = 1

// maxPathLen rejects absurd length fields before allocating.
const maxPathLen = 64 * 1024

// ErrCorrupt wraps every decode failure: bad magic, version or scope
// mismatch, short read, or checksum mismatch. Callers discard the file
// and fall back to full acquisition.
var ErrCorrupt = errors.New("snapshot corrupt")

// Write serializes the entries atomically: the payload goes to a temp
// file in the target directory and is renamed into place.
func Write(path string, scopeHash uint32, entries []types.Entry, lastSeq uint64) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	digest := xxhash.New()
	w := bufio.NewWriterSize(io.MultiWriter(tmp, digest), 1<<20)

	if _, err := w.Write(Magic[:]); err != nil {
		return err
	}
	var scratch [8]byte
	binary.LittleEndian.PutUint16(scratch[:2], Version)
	if _, err := w.Write(scratch[:2]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(scratch[:4], scopeHash)
	if _, err := w.Write(scratch[:4]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(scratch[:], uint64(len(entries)))
	if _, err := w.Write(scratch[:]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(scratch[:], lastSeq)
	if _, err := w.Write(scratch[:]); err != nil {
		return err
	}

	for i := range entries {
		e := &entries[i]
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(e.Path)))
		if _, err := w.Write(scratch[:4]); err != nil {
			return err
		}
		if _, err := w.WriteString(e.Path); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(scratch[:], e.Size)
		if _, err := w.Write(scratch[:]); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(scratch[:], uint64(e.MtimeMS))
		if _, err := w.Write(scratch[:]); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(scratch[:], e.ChangeRef)
		if _, err := w.Write(scratch[:]); err != nil {
			return err
		}
	}

	if err := w.Flush(); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(scratch[:], digest.Sum64())
	if _, err := tmp.Write(scratch[:]); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Read deserializes a snapshot, verifying magic, version, scope hash,
// and checksum. All failures come back wrapped in ErrCorrupt; a missing
// file comes back as os.ErrNotExist.
func Read(path string, scopeHash uint32) ([]types.Entry, uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}

	// Header, entry area, trailing checksum.
	const headerLen = 4 + 2 + 4 + 8 + 8
	if len(data) < headerLen+8 {
		return nil, 0, fmt.Errorf("%w: short file (%d bytes)", ErrCorrupt, len(data))
	}

	body := data[:len(data)-8]
	sum := binary.LittleEndian.Uint64(data[len(data)-8:])
	if xxhash.Sum64(body) != sum {
		return nil, 0, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	if [4]byte(body[:4]) != Magic {
		return nil, 0, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(body[4:6]); v != Version {
		return nil, 0, fmt.Errorf("%w: version %d, want %d", ErrCorrupt, v, Version)
	}
	if h := binary.LittleEndian.Uint32(body[6:10]); h != scopeHash {
		return nil, 0, fmt.Errorf("%w: scope hash %08x, want %08x", ErrCorrupt, h, scopeHash)
	}
	count := binary.LittleEndian.Uint64(body[10:18])
	lastSeq := binary.LittleEndian.Uint64(body[18:26])

	entries := make([]types.Entry, 0, count)
	off := headerLen
	for i := uint64(0); i < count; i++ {
		if off+4 > len(body) {
			return nil, 0, fmt.Errorf("%w: truncated at entry %d", ErrCorrupt, i)
		}
		pathLen := int(binary.LittleEndian.Uint32(body[off : off+4]))
		off += 4
		if pathLen == 0 || pathLen > maxPathLen || off+pathLen+24 > len(body) {
			return nil, 0, fmt.Errorf("%w: bad path length %d at entry %d", ErrCorrupt, pathLen, i)
		}
		p := string(body[off : off+pathLen])
		off += pathLen
		entries = append(entries, types.Entry{
			Path:      p,
			Size:      binary.LittleEndian.Uint64(body[off : off+8]),
			MtimeMS:   int64(binary.LittleEndian.Uint64(body[off+8 : off+16])),
			ChangeRef: binary.LittleEndian.Uint64(body[off+16 : off+24]),
		})
		off += 24
	}
	if off != len(body) {
		return nil, 0, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(body)-off)
	}

	return entries, lastSeq, nil
}
