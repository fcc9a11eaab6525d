// Package walker is the fallback acquisition strategy: a parallel
// recursive traversal producing index entries in batches sized so the
// coordinator can report progress and apply cancellation between
// batches.
package walker

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charlievieth/fastwalk"

	"github.com/wizmini/wizmini/pkg/wizmini/types"
)

// DefaultBatchSize is the emission granularity when config does not
// override it.
const DefaultBatchSize = 1000

// Stats summarizes one traversal.
type Stats struct {
	Dirs    int64
	Files   int64
	Skipped int64
	Elapsed time.Duration
}

// BatchFunc receives one batch of entries. Calls are serialized; an
// error aborts the walk.
type BatchFunc func(batch []types.Entry) error

// Walker traverses directory trees with fastwalk.
type Walker struct {
	batchSize int

	dirs    atomic.Int64
	files   atomic.Int64
	skipped atomic.Int64

	mu      sync.Mutex
	pending []types.Entry
	onBatch BatchFunc
}

// New creates a walker emitting batches of the given size.
func New(batchSize int) *Walker {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return &Walker{batchSize: batchSize}
}

// Walk traverses each root in turn, delivering entries through onBatch.
// Enumeration errors on individual paths are counted and skipped;
// traversal continues. Symlinks and other reparse points that would
// leave the scope are not followed. Cancellation is observed at batch
// boundaries and surfaces as context.Canceled.
func (w *Walker) Walk(ctx context.Context, roots []string, onBatch BatchFunc) (Stats, error) {
	start := time.Now()
	w.onBatch = onBatch

	conf := fastwalk.Config{Follow: false}
	for _, root := range roots {
		if _, err := os.Stat(root); err != nil {
			return w.stats(start), err
		}
		err := fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, walkErr error) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if walkErr != nil {
				w.skipped.Add(1)
				return nil
			}

			if d.Type()&fs.ModeSymlink != 0 {
				return nil
			}
			if d.IsDir() {
				w.dirs.Add(1)
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				w.skipped.Add(1)
				return nil
			}

			w.files.Add(1)
			return w.add(types.Entry{
				Path:    path,
				Size:    uint64(info.Size()),
				MtimeMS: info.ModTime().UnixMilli(),
			})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return w.stats(start), err
		}
		if ctx.Err() != nil {
			return w.stats(start), context.Canceled
		}
	}

	if err := w.flush(); err != nil {
		return w.stats(start), err
	}
	return w.stats(start), nil
}

// Progress returns the running counters for progress events.
func (w *Walker) Progress() (dirs, files, skipped int64) {
	return w.dirs.Load(), w.files.Load(), w.skipped.Load()
}

func (w *Walker) add(e types.Entry) error {
	w.mu.Lock()
	w.pending = append(w.pending, e)
	if len(w.pending) < w.batchSize {
		w.mu.Unlock()
		return nil
	}
	batch := w.pending
	w.pending = nil
	err := w.onBatch(batch)
	w.mu.Unlock()
	return err
}

func (w *Walker) flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil
	}
	batch := w.pending
	w.pending = nil
	return w.onBatch(batch)
}

func (w *Walker) stats(start time.Time) Stats {
	return Stats{
		Dirs:    w.dirs.Load(),
		Files:   w.files.Load(),
		Skipped: w.skipped.Load(),
		Elapsed: time.Since(start),
	}
}
