// Package store owns the canonical list of indexed entries for one scope
// and the derived accelerators that make literal queries cheap.
//
// The store has exactly one writer (the coordinator); all other
// consumers read through a ReadHandle under a reader-writer discipline
// with short critical sections. Entry ids are positions in the entry
// sequence and stay stable across delta application; they are
// invalidated only by snapshot reload or rebuild, which swap in a fresh
// store.
package store

import (
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring"
	radix "github.com/armon/go-radix"

	"github.com/wizmini/wizmini/pkg/wizmini/types"
)

// DefaultPrefixLen is the accelerator key length when config does not
// override it.
const DefaultPrefixLen = 3

// entryOverhead approximates the fixed per-entry footprint: the Entry
// struct plus string header plus id bookkeeping.
const entryOverhead = 56

// acceleratorOverhead approximates the per-entry cost of the exact and
// prefix maps once built.
const acceleratorOverhead = 18

// Store is the container of entries for one scope.
type Store struct {
	mu sync.RWMutex

	prefixLen int

	// entries is append-only; a removed entry keeps its slot (cleared
	// to release the path bytes) so ids stay stable.
	entries []types.Entry
	live    *roaring.Bitmap

	// byPath maps the canonical path to its entry id. The radix tree
	// gives O(k) removal and prefix walks for directory deletions.
	byPath *radix.Tree

	// exact and prefix are the accelerator maps, keyed by lowercased
	// filename and its first prefixLen bytes.
	exact      map[string]*roaring.Bitmap
	prefixByNm map[string]*roaring.Bitmap

	accelReady  bool
	accelCursor int

	recent *recentRing

	deltas        types.DeltaCounts
	bytesEstimate int64
}

// New creates an empty store. prefixLen is the accelerator key length;
// values below 1 fall back to DefaultPrefixLen.
func New(prefixLen int) *Store {
	if prefixLen < 1 {
		prefixLen = DefaultPrefixLen
	}
	return &Store{
		prefixLen:  prefixLen,
		live:       roaring.New(),
		byPath:     radix.New(),
		exact:      make(map[string]*roaring.Bitmap),
		prefixByNm: make(map[string]*roaring.Bitmap),
		recent:     newRecentRing(defaultRecentCapacity),
	}
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.live.GetCardinality())
}

// AppendBulk loads acquired entries without touching the delta counters
// or accelerators. Duplicate paths update in place so a re-enumerated
// record never creates a second live entry.
func (s *Store) AppendBulk(batch []types.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range batch {
		if prev, ok := s.byPath.Get(e.Path); ok {
			id := prev.(types.EntryID)
			s.bytesEstimate += int64(len(e.Path)) - int64(len(s.entries[id].Path))
			s.entries[id] = e
			continue
		}
		id := types.EntryID(len(s.entries))
		s.entries = append(s.entries, e)
		s.live.Add(id)
		s.byPath.Insert(e.Path, id)
		s.bytesEstimate += entryOverhead + int64(len(e.Path))
	}
}

// Insert appends a new entry, updating accelerators and counters. If the
// path is already live the existing entry is updated instead, keeping
// the no-duplicate-paths invariant.
func (s *Store) Insert(path string, size uint64, mtimeMS int64, changeRef uint64) types.EntryID {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.byPath.Get(path); ok {
		id := prev.(types.EntryID)
		s.entries[id].Size = size
		s.entries[id].MtimeMS = mtimeMS
		s.entries[id].ChangeRef = changeRef
		s.deltas.Updated++
		return id
	}

	id := types.EntryID(len(s.entries))
	e := types.Entry{Path: path, Size: size, MtimeMS: mtimeMS, ChangeRef: changeRef}
	s.entries = append(s.entries, e)
	s.live.Add(id)
	s.byPath.Insert(path, id)
	if s.accelReady {
		s.addAccelerators(id, path)
	}
	s.deltas.Added++
	s.bytesEstimate += entryOverhead + int64(len(path))
	if s.accelReady {
		s.bytesEstimate += acceleratorOverhead
	}
	return id
}

// Update mutates an entry in place. Accelerator keys are unchanged
// because the name is unchanged.
func (s *Store) Update(id types.EntryID, size uint64, mtimeMS int64, changeRef uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.live.Contains(id) {
		return false
	}
	s.entries[id].Size = size
	s.entries[id].MtimeMS = mtimeMS
	s.entries[id].ChangeRef = changeRef
	s.deltas.Updated++
	return true
}

// Rename moves a live entry to a new path, rewriting the path index and
// the accelerator keys. It reports false when oldPath is not live.
func (s *Store) Rename(oldPath, newPath string, mtimeMS int64, changeRef uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.byPath.Get(oldPath)
	if !ok {
		return false
	}
	id := prev.(types.EntryID)

	// A rename onto an existing live path replaces the target.
	if old, clash := s.byPath.Get(newPath); clash && old.(types.EntryID) != id {
		s.removeLocked(old.(types.EntryID))
	}

	if s.accelReady {
		s.dropAccelerators(id, oldPath)
	}
	s.byPath.Delete(oldPath)
	s.bytesEstimate += int64(len(newPath)) - int64(len(oldPath))
	s.entries[id].Path = newPath
	s.entries[id].MtimeMS = mtimeMS
	s.entries[id].ChangeRef = changeRef
	s.byPath.Insert(newPath, id)
	if s.accelReady {
		s.addAccelerators(id, newPath)
	}
	s.deltas.Updated++
	return true
}

// IDByPath resolves a live path to its entry id.
func (s *Store) IDByPath(path string) (types.EntryID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.byPath.Get(path)
	if !ok {
		return 0, false
	}
	return v.(types.EntryID), true
}

// RenameSubtree rewrites every live path under oldDir to sit under
// newDir, returning the number of entries moved. Used when a directory
// rename arrives from the journal.
func (s *Store) RenameSubtree(oldDir, newDir string, changeRef uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	sep := "\\"
	if strings.ContainsRune(oldDir, '/') {
		sep = "/"
	}
	oldPrefix := strings.TrimRight(oldDir, `\/`) + sep
	newPrefix := strings.TrimRight(newDir, `\/`) + sep

	type move struct {
		id       types.EntryID
		from, to string
	}
	var moves []move
	s.byPath.WalkPrefix(oldPrefix, func(k string, v interface{}) bool {
		moves = append(moves, move{id: v.(types.EntryID), from: k, to: newPrefix + k[len(oldPrefix):]})
		return false
	})

	for _, m := range moves {
		if s.accelReady {
			s.dropAccelerators(m.id, m.from)
		}
		s.byPath.Delete(m.from)
		s.bytesEstimate += int64(len(m.to)) - int64(len(m.from))
		s.entries[m.id].Path = m.to
		s.entries[m.id].ChangeRef = changeRef
		s.byPath.Insert(m.to, m.id)
		if s.accelReady {
			s.addAccelerators(m.id, m.to)
		}
	}
	s.deltas.Updated += uint64(len(moves))
	return len(moves)
}

// RemoveByPath deletes the entry with the exact path. The id is removed
// from every accelerator map; no tombstone survives beyond the cleared
// slot.
func (s *Store) RemoveByPath(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.byPath.Get(path)
	if !ok {
		return false
	}
	s.removeLocked(prev.(types.EntryID))
	s.deltas.Deleted++
	return true
}

// RemoveSubtree deletes every live entry whose path is the given
// directory or lies under it, returning the number removed. Used when a
// journal records a directory deletion.
func (s *Store) RemoveSubtree(dir string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	sep := "\\"
	if strings.ContainsRune(dir, '/') {
		sep = "/"
	}
	prefix := strings.TrimRight(dir, `\/`) + sep

	var ids []types.EntryID
	s.byPath.WalkPrefix(prefix, func(_ string, v interface{}) bool {
		ids = append(ids, v.(types.EntryID))
		return false
	})
	if v, ok := s.byPath.Get(dir); ok {
		ids = append(ids, v.(types.EntryID))
	}

	for _, id := range ids {
		s.removeLocked(id)
	}
	s.deltas.Deleted += uint64(len(ids))
	return len(ids)
}

// removeLocked clears one entry slot. Caller holds the write lock.
func (s *Store) removeLocked(id types.EntryID) {
	e := s.entries[id]
	if s.accelReady {
		s.dropAccelerators(id, e.Path)
		s.bytesEstimate -= acceleratorOverhead
	}
	s.byPath.Delete(e.Path)
	s.live.Remove(id)
	s.bytesEstimate -= entryOverhead + int64(len(e.Path))
	s.entries[id] = types.Entry{}
}

// RecordEvent pushes a change event into the bounded recent-changes
// ring for latest-window filtering.
func (s *Store) RecordEvent(id types.EntryID, eventMS int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent.push(id, eventMS)
}

// DeltaCounts returns the counters accumulated since the last reset.
func (s *Store) DeltaCounts() types.DeltaCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deltas
}

// ResetDeltaCounts zeroes the counters, typically after a snapshot
// write.
func (s *Store) ResetDeltaCounts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas = types.DeltaCounts{}
}

// BytesEstimate returns the running memory footprint estimate.
func (s *Store) BytesEstimate() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytesEstimate
}

// PrefixLen returns the accelerator key length.
func (s *Store) PrefixLen() int { return s.prefixLen }

// Export copies the live entries for snapshot serialization.
func (s *Store) Export() []types.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Entry, 0, s.live.GetCardinality())
	it := s.live.Iterator()
	for it.HasNext() {
		out = append(out, s.entries[it.Next()])
	}
	return out
}

// accelerator maintenance

func (s *Store) addAccelerators(id types.EntryID, path string) {
	name := strings.ToLower(types.FileName(path))
	if name == "" {
		return
	}
	bm, ok := s.exact[name]
	if !ok {
		bm = roaring.New()
		s.exact[name] = bm
	}
	bm.Add(id)

	key := name
	if len(key) > s.prefixLen {
		key = key[:s.prefixLen]
	}
	bm, ok = s.prefixByNm[key]
	if !ok {
		bm = roaring.New()
		s.prefixByNm[key] = bm
	}
	bm.Add(id)
}

func (s *Store) dropAccelerators(id types.EntryID, path string) {
	name := strings.ToLower(types.FileName(path))
	if name == "" {
		return
	}
	if bm, ok := s.exact[name]; ok {
		bm.Remove(id)
		if bm.IsEmpty() {
			delete(s.exact, name)
		}
	}
	key := name
	if len(key) > s.prefixLen {
		key = key[:s.prefixLen]
	}
	if bm, ok := s.prefixByNm[key]; ok {
		bm.Remove(id)
		if bm.IsEmpty() {
			delete(s.prefixByNm, key)
		}
	}
}

// AcceleratorsReady reports whether the exact and prefix maps cover the
// whole entry sequence.
func (s *Store) AcceleratorsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accelReady
}

// BuildAcceleratorsStep indexes up to budget entries into the
// accelerator maps and reports completion plus the number of entries
// covered so far. The coordinator calls it in a loop with cancellation
// checks between steps.
func (s *Store) BuildAcceleratorsStep(budget int) (done bool, covered int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accelReady {
		return true, len(s.entries)
	}

	end := s.accelCursor + budget
	if end > len(s.entries) {
		end = len(s.entries)
	}
	for i := s.accelCursor; i < end; i++ {
		id := types.EntryID(i)
		if !s.live.Contains(id) {
			continue
		}
		s.addAccelerators(id, s.entries[i].Path)
	}
	s.accelCursor = end

	if s.accelCursor >= len(s.entries) {
		s.accelReady = true
		s.bytesEstimate += acceleratorOverhead * int64(s.live.GetCardinality())
	}
	return s.accelReady, s.accelCursor
}
