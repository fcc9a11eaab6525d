package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adrg/xdg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wizmini/wizmini/pkg/wizmini/config"
	"github.com/wizmini/wizmini/pkg/wizmini/engine"
	"github.com/wizmini/wizmini/pkg/wizmini/scope"
	"github.com/wizmini/wizmini/pkg/wizmini/types"
)

// isolateXDG points the xdg directories at a temp dir so snapshots and
// checkpoints never touch the real user profile.
func isolateXDG(t *testing.T) {
	t.Helper()
	base := t.TempDir()
	t.Setenv("XDG_DATA_HOME", filepath.Join(base, "data"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(base, "state"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(base, "config"))
	xdg.Reload()
	t.Cleanup(xdg.Reload)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Journal.PollInterval = 50 * time.Millisecond
	return cfg
}

func createTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

// startEngine activates the scope and returns once the ready phase has
// been observed, handing back the phases seen on the way.
func startEngine(t *testing.T, ctx context.Context, cfg *config.Config, sc scope.Scope) (*engine.Engine, *engine.Subscriber, []types.Phase) {
	t.Helper()

	eng := engine.New(cfg)
	sub := eng.Subscribe()
	eng.Start(ctx)
	eng.ActivateScope(sc)

	var phases []types.Phase
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events:
			require.True(t, ok, "event channel closed before ready")
			if ev.Kind != types.EventIndexProgress {
				continue
			}
			if len(phases) == 0 || phases[len(phases)-1] != ev.Phase {
				phases = append(phases, ev.Phase)
			}
			if ev.Phase == types.PhaseReady {
				return eng, sub, phases
			}
		case <-deadline:
			t.Fatalf("engine never became ready; phases so far: %v", phases)
		}
	}
}

// runSearch drives one query through the engine and waits for done.
func runSearch(t *testing.T, eng *engine.Engine, sub *engine.Subscriber, query string) []types.SearchItem {
	t.Helper()

	reqID := eng.SubmitSearch(types.SearchRequest{Query: query})
	var items []types.SearchItem
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events:
			require.True(t, ok)
			if ev.RequestID != reqID {
				continue
			}
			switch ev.Kind {
			case types.EventSearchChunk:
				items = append(items, ev.Items...)
			case types.EventSearchDone:
				return items
			}
		case <-deadline:
			t.Fatal("search never completed")
		}
	}
}

func TestColdStartWalksAndSearches(t *testing.T) {
	isolateXDG(t)
	root := createTree(t, map[string]string{
		"docs/readme.md":    "hello",
		"docs/notes.txt":    "x",
		"src/readme-old.md": "y",
		"src/main.go":       "z",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, sub, phases := startEngine(t, ctx, testConfig(), scope.Dir(root))

	assert.Contains(t, phases, types.PhaseReadingIndex)
	assert.Contains(t, phases, types.PhaseFinalizing)
	assert.Equal(t, types.PhaseReady, phases[len(phases)-1])
	assert.Equal(t, engine.StateLive, eng.State())
	assert.Greater(t, eng.MemoryEstimate(), int64(0))

	items := runSearch(t, eng, sub, "readme")
	var names []string
	for _, it := range items {
		names = append(names, it.DisplayName)
	}
	assert.ElementsMatch(t, []string{"readme.md", "readme-old.md"}, names)
}

func TestWarmStartReadsSnapshot(t *testing.T) {
	isolateXDG(t)
	root := createTree(t, map[string]string{"a/one.txt": "1", "b/two.txt": "2"})
	sc := scope.Dir(root)

	// First run acquires and writes the snapshot on shutdown.
	ctx1, cancel1 := context.WithCancel(context.Background())
	startEngine(t, ctx1, testConfig(), sc)
	cancel1()

	snapPath, err := sc.SnapshotPath()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, statErr := os.Stat(snapPath)
		return statErr == nil && info.Size() > 0
	}, 5*time.Second, 50*time.Millisecond, "snapshot never written")

	// Second run must warm-start from it.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	eng, sub, phases := startEngine(t, ctx2, testConfig(), sc)

	assert.Contains(t, phases, types.PhaseReadingSnapshot)
	assert.NotContains(t, phases, types.PhaseReadingIndex, "warm start must skip acquisition")

	items := runSearch(t, eng, sub, "two")
	require.Len(t, items, 1)
	assert.Equal(t, "two.txt", items[0].DisplayName)
}

func TestDirectoryScopeGoesPollMode(t *testing.T) {
	isolateXDG(t)
	root := createTree(t, map[string]string{"x.txt": "x"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.New(testConfig())
	sub := eng.Subscribe()
	eng.Start(ctx)
	eng.ActivateScope(scope.Dir(root))

	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events:
			require.True(t, ok)
			if ev.Kind == types.EventWatchStatus {
				assert.Equal(t, types.WatchPoll, ev.Mode)
				assert.True(t, ev.Healthy)
				return
			}
		case <-deadline:
			t.Fatal("no watch_status event")
		}
	}
}

func TestLiveInsertReachesIndex(t *testing.T) {
	isolateXDG(t)
	root := createTree(t, map[string]string{"seed.txt": "s"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, sub, _ := startEngine(t, ctx, testConfig(), scope.Dir(root))

	require.NoError(t, os.WriteFile(filepath.Join(root, "demo.txt"), []byte("d"), 0o644))

	require.Eventually(t, func() bool {
		return eng.DeltaCounts().Added >= 1
	}, 5*time.Second, 50*time.Millisecond, "journal delta never applied")

	items := runSearch(t, eng, sub, "demo.txt")
	require.NotEmpty(t, items)
	assert.Equal(t, "demo.txt", items[0].DisplayName)
}

func TestRenameUpdatesQueries(t *testing.T) {
	isolateXDG(t)
	root := createTree(t, map[string]string{"foo.txt": "f"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, sub, _ := startEngine(t, ctx, testConfig(), scope.Dir(root))

	require.NoError(t, os.Rename(filepath.Join(root, "foo.txt"), filepath.Join(root, "bar.txt")))

	// Poll mode reports a rename as a delete of the old name plus a
	// create of the new one.
	require.Eventually(t, func() bool {
		c := eng.DeltaCounts()
		return c.Added >= 1 && c.Deleted >= 1
	}, 5*time.Second, 50*time.Millisecond, "rename deltas never applied")

	items := runSearch(t, eng, sub, "bar.txt")
	require.Len(t, items, 1)

	items = runSearch(t, eng, sub, "foo.txt")
	assert.Empty(t, items, "old name must stop matching")
}

func TestReindexNow(t *testing.T) {
	isolateXDG(t)
	root := createTree(t, map[string]string{"a.txt": "a"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, sub, _ := startEngine(t, ctx, testConfig(), scope.Dir(root))

	// A file created while live is picked up again by the rebuild even
	// if the poll watcher had missed it.
	require.NoError(t, os.WriteFile(filepath.Join(root, "later.txt"), []byte("l"), 0o644))

	eng.ReindexNow()
	deadline := time.After(10 * time.Second)
	for ready := false; !ready; {
		select {
		case ev, ok := <-sub.Events:
			require.True(t, ok)
			if ev.Kind == types.EventIndexProgress && ev.Phase == types.PhaseReady {
				ready = true
			}
		case <-deadline:
			t.Fatal("rebuild never completed")
		}
	}

	items := runSearch(t, eng, sub, "later")
	require.Len(t, items, 1)
}

func TestLatestWindowFiltersSearches(t *testing.T) {
	isolateXDG(t)
	root := createTree(t, map[string]string{"old.txt": "o"})

	// Age the seed file well past the window.
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "old.txt"), past, past))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, sub, _ := startEngine(t, ctx, testConfig(), scope.Dir(root))

	require.NoError(t, os.WriteFile(filepath.Join(root, "fresh.txt"), []byte("f"), 0o644))
	require.Eventually(t, func() bool {
		return eng.DeltaCounts().Added >= 1
	}, 5*time.Second, 50*time.Millisecond)

	eng.SetLatestWindow(5 * time.Minute)
	items := runSearch(t, eng, sub, "")
	require.NotEmpty(t, items)
	for _, it := range items {
		assert.NotEqual(t, "old.txt", it.DisplayName, "aged entry must be outside the window")
	}

	eng.SetLatestWindow(0)
	items = runSearch(t, eng, sub, "")
	assert.GreaterOrEqual(t, len(items), 2, "with the filter off both entries return")
}

func TestDeltaCountsAndMemoryAreCheapReads(t *testing.T) {
	isolateXDG(t)
	eng := engine.New(testConfig())

	assert.Equal(t, types.DeltaCounts{}, eng.DeltaCounts())
	assert.GreaterOrEqual(t, eng.MemoryEstimate(), int64(0))
}
