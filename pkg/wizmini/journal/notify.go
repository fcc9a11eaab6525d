package journal

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/wizmini/wizmini/pkg/wizmini/types"
)

// notifyBuffer bounds the pending record queue. A burst past the bound
// drops events; poll mode promises second-granularity convergence, not
// lossless capture.
const notifyBuffer = 4096

// NotifySource adapts an fsnotify watcher into a journal Source for
// scopes without a volume change journal. Sequence numbers are local
// and restart at zero, so checkpoints are not meaningful in poll mode.
type NotifySource struct {
	watcher *fsnotify.Watcher
	logger  *log.Logger

	recs chan Record
	seq  atomic.Uint64

	mu      sync.Mutex
	watched map[string]bool
	closed  bool

	done chan struct{}
}

// NewNotifySource starts watching every directory under the roots.
func NewNotifySource(roots []string, logger *log.Logger) (*NotifySource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	n := &NotifySource{
		watcher: w,
		logger:  logger,
		recs:    make(chan Record, notifyBuffer),
		watched: make(map[string]bool),
		done:    make(chan struct{}),
	}

	for _, root := range roots {
		if err := n.watchTree(root); err != nil {
			w.Close()
			return nil, err
		}
	}

	go n.pump()
	return n, nil
}

// Read drains up to max buffered records.
func (n *NotifySource) Read(ctx context.Context, max int) ([]Record, error) {
	var out []Record
	for len(out) < max {
		select {
		case rec, ok := <-n.recs:
			if !ok {
				return out, nil
			}
			out = append(out, rec)
		case <-ctx.Done():
			return out, ctx.Err()
		default:
			return out, nil
		}
	}
	return out, nil
}

// Mode reports poll-mode observation.
func (n *NotifySource) Mode() types.WatchMode { return types.WatchPoll }

// SessionLocal is always true: poll sequence numbers are a local
// counter restarting at zero.
func (n *NotifySource) SessionLocal() bool { return true }

// Close stops the watcher.
func (n *NotifySource) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	err := n.watcher.Close()
	<-n.done
	return err
}

// watchTree adds the root and every subdirectory, skipping symlinks.
func (n *NotifySource) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // unreadable subtrees are skipped
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			return n.addWatch(path)
		}
		return nil
	})
}

func (n *NotifySource) addWatch(path string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.watched[path] {
		return nil
	}
	if err := n.watcher.Add(path); err != nil {
		n.logger.Warn("failed to add watch", "path", path, "error", err)
		return nil
	}
	n.watched[path] = true
	return nil
}

func (n *NotifySource) pump() {
	defer close(n.done)
	for {
		select {
		case event, ok := <-n.watcher.Events:
			if !ok {
				close(n.recs)
				return
			}
			n.handle(event)
		case err, ok := <-n.watcher.Errors:
			if !ok {
				close(n.recs)
				return
			}
			n.logger.Warn("watcher error", "error", err)
		}
	}
}

// handle translates one fsnotify event. A rename of the old name is a
// delete here; the new name arrives as its own create, so the replayer
// never sees poll-mode rename pairs.
func (n *NotifySource) handle(event fsnotify.Event) {
	switch {
	case event.Op&fsnotify.Create != 0:
		info, err := os.Lstat(event.Name)
		if err != nil {
			return
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return
		}
		if info.IsDir() {
			_ = n.addWatch(event.Name)
			n.emit(Record{Op: OpCreate, Path: event.Name, IsDir: true, MtimeMS: info.ModTime().UnixMilli()})
			return
		}
		n.emit(Record{
			Op:      OpCreate,
			Path:    event.Name,
			Size:    uint64(info.Size()),
			MtimeMS: info.ModTime().UnixMilli(),
		})

	case event.Op&fsnotify.Write != 0:
		info, err := os.Lstat(event.Name)
		if err != nil || info.IsDir() {
			return
		}
		n.emit(Record{
			Op:      OpModify,
			Path:    event.Name,
			Size:    uint64(info.Size()),
			MtimeMS: info.ModTime().UnixMilli(),
		})

	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		n.mu.Lock()
		wasDir := n.watched[event.Name]
		if wasDir {
			delete(n.watched, event.Name)
		}
		n.mu.Unlock()
		n.emit(Record{Op: OpDelete, Path: event.Name, IsDir: wasDir})
	}
}

func (n *NotifySource) emit(rec Record) {
	rec.Seq = n.seq.Add(1)
	select {
	case n.recs <- rec:
	default:
		n.logger.Warn("poll event buffer full, dropping", "path", rec.Path)
	}
}
