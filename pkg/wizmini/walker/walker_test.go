package walker_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/wizmini/wizmini/pkg/wizmini/types"
	"github.com/wizmini/wizmini/pkg/wizmini/walker"
)

func createTestTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	dirs := []string{"a", "b", "a/nested"}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	files := map[string]int{
		"a/small.txt":      100,
		"a/large.txt":      10000,
		"a/nested/big.dat": 50000,
		"b/medium.txt":     5000,
		"top.md":           10,
	}
	for name, size := range files {
		path := filepath.Join(root, name)
		if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	return root
}

func TestWalkEmitsEveryFile(t *testing.T) {
	root := createTestTree(t)
	w := walker.New(2)

	var got []types.Entry
	stats, err := w.Walk(context.Background(), []string{root}, func(batch []types.Entry) error {
		got = append(got, batch...)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}

	if len(got) != 5 {
		t.Errorf("expected 5 entries, got %d", len(got))
	}
	if stats.Files != 5 {
		t.Errorf("stats.Files = %d, want 5", stats.Files)
	}
	if stats.Dirs < 3 {
		t.Errorf("stats.Dirs = %d, want at least 3", stats.Dirs)
	}

	for _, e := range got {
		if !filepath.IsAbs(e.Path) {
			t.Errorf("entry path not absolute: %s", e.Path)
		}
		if e.MtimeMS == 0 {
			t.Errorf("entry %s missing mtime", e.Path)
		}
		if e.Path == filepath.Join(root, "a", "large.txt") && e.Size != 10000 {
			t.Errorf("size = %d, want 10000", e.Size)
		}
	}
}

func TestWalkBatchSize(t *testing.T) {
	root := createTestTree(t)
	w := walker.New(2)

	batches := 0
	_, err := w.Walk(context.Background(), []string{root}, func(batch []types.Entry) error {
		batches++
		if len(batch) > 2 {
			t.Errorf("batch of %d exceeds configured size 2", len(batch))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if batches < 3 {
		t.Errorf("expected at least 3 batches for 5 files, got %d", batches)
	}
}

func TestWalkSkipsSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation needs privilege on windows")
	}

	root := createTestTree(t)
	if err := os.Symlink(filepath.Join(root, "a"), filepath.Join(root, "loop")); err != nil {
		t.Fatal(err)
	}

	w := walker.New(100)
	var got []types.Entry
	_, err := w.Walk(context.Background(), []string{root}, func(batch []types.Entry) error {
		got = append(got, batch...)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, e := range got {
		if filepath.Dir(e.Path) == filepath.Join(root, "loop") {
			t.Errorf("walked through symlink: %s", e.Path)
		}
	}
	if len(got) != 5 {
		t.Errorf("expected 5 entries, got %d", len(got))
	}
}

func TestWalkCancellation(t *testing.T) {
	root := createTestTree(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := walker.New(1)
	_, err := w.Walk(ctx, []string{root}, func(batch []types.Entry) error {
		t.Error("batch delivered after cancellation")
		return nil
	})
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestWalkMissingRoot(t *testing.T) {
	w := walker.New(10)
	_, err := w.Walk(context.Background(), []string{filepath.Join(t.TempDir(), "gone")}, func([]types.Entry) error {
		return nil
	})
	if err == nil {
		t.Error("expected error for missing root")
	}
}
