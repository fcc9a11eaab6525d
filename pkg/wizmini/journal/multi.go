package journal

import (
	"context"
	"errors"

	"github.com/wizmini/wizmini/pkg/wizmini/types"
)

// multiSource merges the journals of a multi-volume scope into one
// record stream. Sequence numbers from different volumes do not compose
// into a single monotonic series, so merged records are renumbered
// locally and the stream reports itself session-local: no persisted
// baseline or checkpoint applies, and each session reattaches at the
// volumes' current positions.
type multiSource struct {
	sources []Source
	seq     uint64
}

// Multi combines sources into one. A single source passes through
// untouched.
func Multi(sources ...Source) Source {
	if len(sources) == 1 {
		return sources[0]
	}
	return &multiSource{sources: sources}
}

// Read round-robins the underlying sources. Invalidation of any volume
// invalidates the merged stream.
func (m *multiSource) Read(ctx context.Context, max int) ([]Record, error) {
	var out []Record
	for _, src := range m.sources {
		if len(out) >= max {
			break
		}
		recs, err := src.Read(ctx, max-len(out))
		if err != nil {
			if errors.Is(err, types.ErrJournalInvalidated) {
				return nil, err
			}
			return out, err
		}
		for i := range recs {
			m.seq++
			recs[i].Seq = m.seq
			out = append(out, recs[i])
		}
	}
	return out, nil
}

// SessionLocal is always true: merged records are renumbered from 1
// each session.
func (m *multiSource) SessionLocal() bool { return true }

// Mode reports journal observation when every member does.
func (m *multiSource) Mode() types.WatchMode {
	for _, src := range m.sources {
		if src.Mode() != types.WatchJournal {
			return src.Mode()
		}
	}
	return types.WatchJournal
}

// Close closes every member, returning the first error.
func (m *multiSource) Close() error {
	var first error
	for _, src := range m.sources {
		if err := src.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
