package store

import (
	"strings"

	"github.com/wizmini/wizmini/pkg/wizmini/query"
	"github.com/wizmini/wizmini/pkg/wizmini/types"
)

// ReadHandle is a cheap read view acquired at the start of a search
// request. The scanned universe is fixed at acquisition (entries
// appended later are outside the id limit), every access takes the read
// lock for a short critical section, and a concurrently removed entry
// is observed as absent, never torn.
type ReadHandle struct {
	s     *Store
	limit types.EntryID
}

// Acquire returns a read handle over the current entry sequence.
func (s *Store) Acquire() *ReadHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &ReadHandle{s: s, limit: types.EntryID(len(s.entries))}
}

// Len returns the size of the scanned universe, including slots that
// have since been removed.
func (h *ReadHandle) Len() int { return int(h.limit) }

// PrefixLen returns the accelerator key length of the backing store.
func (h *ReadHandle) PrefixLen() int { return h.s.prefixLen }

// AcceleratorsReady reports whether accelerator probes are usable.
func (h *ReadHandle) AcceleratorsReady() bool { return h.s.AcceleratorsReady() }

// Entry returns the entry for id if it is live and inside the handle's
// universe.
func (h *ReadHandle) Entry(id types.EntryID) (types.Entry, bool) {
	if id >= h.limit {
		return types.Entry{}, false
	}
	h.s.mu.RLock()
	defer h.s.mu.RUnlock()
	if !h.s.live.Contains(id) {
		return types.Entry{}, false
	}
	return h.s.entries[id], true
}

// Matches scans up to budget entries starting at cursor and returns the
// ids satisfying the matcher plus the next cursor. The scan is complete
// when next == Len(). Bounding the scanned count (rather than the hit
// count) keeps the time between cancellation checks flat regardless of
// selectivity.
func (h *ReadHandle) Matches(m query.Matcher, cursor, budget int) (ids []types.EntryID, next int) {
	end := cursor + budget
	if end > int(h.limit) {
		end = int(h.limit)
	}
	if cursor >= end {
		return nil, int(h.limit)
	}

	h.s.mu.RLock()
	defer h.s.mu.RUnlock()

	for i := cursor; i < end; i++ {
		id := types.EntryID(i)
		if !h.s.live.Contains(id) {
			continue
		}
		e := &h.s.entries[i]
		if m.Match(types.FileName(e.Path), e.Path) {
			ids = append(ids, id)
		}
	}
	return ids, end
}

// ProbeExact returns the ids whose lowercased filename equals name.
func (h *ReadHandle) ProbeExact(nameLower string) []types.EntryID {
	h.s.mu.RLock()
	defer h.s.mu.RUnlock()

	bm, ok := h.s.exact[nameLower]
	if !ok {
		return nil
	}
	return h.clipLocked(bm.ToArray())
}

// ProbePrefix returns the candidate ids under the prefix accelerator
// key. Callers verify the full needle against each candidate's name.
func (h *ReadHandle) ProbePrefix(needleLower string) []types.EntryID {
	key := needleLower
	if len(key) > h.s.prefixLen {
		key = key[:h.s.prefixLen]
	}

	h.s.mu.RLock()
	defer h.s.mu.RUnlock()

	bm, ok := h.s.prefixByNm[key]
	if !ok {
		return nil
	}
	return h.clipLocked(bm.ToArray())
}

// RecentSince returns the newest change-event time per live entry id at
// or after cutoffMS.
func (h *ReadHandle) RecentSince(cutoffMS int64) map[types.EntryID]int64 {
	h.s.mu.RLock()
	defer h.s.mu.RUnlock()

	events := h.s.recent.since(cutoffMS, h.limit)
	for id := range events {
		if !h.s.live.Contains(id) {
			delete(events, id)
		}
	}
	return events
}

// Name returns the lowercased filename for id, empty if absent.
func (h *ReadHandle) Name(id types.EntryID) string {
	e, ok := h.Entry(id)
	if !ok {
		return ""
	}
	return strings.ToLower(types.FileName(e.Path))
}

// clipLocked filters probe results to live ids inside the universe.
// Caller holds the read lock.
func (h *ReadHandle) clipLocked(ids []uint32) []types.EntryID {
	out := ids[:0]
	for _, id := range ids {
		if id < uint32(h.limit) && h.s.live.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}
