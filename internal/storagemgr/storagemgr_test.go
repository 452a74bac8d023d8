package storagemgr

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "recordings")
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if m.OutputDirectory() != dir {
		t.Errorf("OutputDirectory() = %q, want %q", m.OutputDirectory(), dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("directory not created: %v", err)
	}
}

func TestSetOutputDirectoryRejectsEmpty(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := m.SetOutputDirectory(""); err == nil {
		t.Error("SetOutputDirectory(\"\") should fail")
	}
}

func TestGenerateFilenameUnique(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	now := time.Date(2026, 3, 5, 10, 30, 0, 0, time.UTC)
	first, err := m.GenerateFilename(now)
	if err != nil {
		t.Fatalf("GenerateFilename() error = %v", err)
	}

	// Simulate the first path already being in use.
	if f, err := os.Create(first); err != nil {
		t.Fatalf("create staging file: %v", err)
	} else {
		_ = f.Close()
	}

	second, err := m.GenerateFilename(now)
	if err != nil {
		t.Fatalf("GenerateFilename() second call error = %v", err)
	}
	if second == first {
		t.Errorf("GenerateFilename() returned colliding path %q twice", first)
	}
	wantSuffix := "_001" + PartialSuffix
	if !strings.HasSuffix(second, wantSuffix) {
		t.Errorf("GenerateFilename() second = %q, want suffix %q", second, wantSuffix)
	}
}

func TestGenerateFilenameAvoidsFinalCollision(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	now := time.Date(2026, 3, 5, 10, 30, 0, 0, time.UTC)
	staging, err := m.GenerateFilename(now)
	if err != nil {
		t.Fatalf("GenerateFilename() error = %v", err)
	}
	final := PartialToFinal(staging)
	if f, err := os.Create(final); err != nil {
		t.Fatalf("create final file: %v", err)
	} else {
		_ = f.Close()
	}

	second, err := m.GenerateFilename(now)
	if err != nil {
		t.Fatalf("GenerateFilename() error = %v", err)
	}
	if second == staging {
		t.Error("GenerateFilename() should avoid a base whose final path already exists")
	}
}

func TestPartialToFinal(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/a/b/X.partial.mp4", "/a/b/X.mp4"},
		{"/a/b/X.mp4", "/a/b/X.mp4"},
	}
	for _, tt := range tests {
		if got := PartialToFinal(tt.in); got != tt.want {
			t.Errorf("PartialToFinal(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPartialToFinalIdempotent(t *testing.T) {
	p := "/a/b/X.partial.mp4"
	once := PartialToFinal(p)
	twice := PartialToFinal(once)
	if once != twice {
		t.Errorf("PartialToFinal not idempotent: %q vs %q", once, twice)
	}
}

func TestFreeBytesAndIsLow(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	free, err := m.FreeBytes()
	if err != nil {
		t.Fatalf("FreeBytes() error = %v", err)
	}
	if free == 0 {
		t.Error("FreeBytes() = 0, want > 0 on any real filesystem")
	}

	low, _, err := m.IsLow(1) // 1 byte threshold: essentially never low
	if err != nil {
		t.Fatalf("IsLow() error = %v", err)
	}
	if low {
		t.Error("IsLow(1) = true, want false")
	}

	low, _, err = m.IsLow(1 << 62) // absurd threshold: always low
	if err != nil {
		t.Fatalf("IsLow() error = %v", err)
	}
	if !low {
		t.Error("IsLow(huge) = false, want true")
	}
}

func TestFindOrphans(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, name := range []string{"X.partial.mp4", "Y.mp4", "Z.partial.mp4"} {
		if f, err := os.Create(filepath.Join(dir, name)); err != nil {
			t.Fatalf("create %s: %v", name, err)
		} else {
			_ = f.Close()
		}
	}

	orphans, err := m.FindOrphans()
	if err != nil {
		t.Fatalf("FindOrphans() error = %v", err)
	}
	if len(orphans) != 2 {
		t.Fatalf("FindOrphans() = %v, want 2 entries", orphans)
	}
	for _, o := range orphans {
		if filepath.Base(o) != "X.partial.mp4" && filepath.Base(o) != "Z.partial.mp4" {
			t.Errorf("unexpected orphan %q", o)
		}
	}
}

func TestStartStopPolling(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var calls atomic.Int32
	m.StartPolling(func(free uint64) {
		calls.Add(1)
	}, 5*time.Millisecond, 1<<62) // absurd threshold: always "low"

	time.Sleep(50 * time.Millisecond)
	m.StopPolling()

	if calls.Load() == 0 {
		t.Error("StartPolling() callback never fired")
	}

	afterStop := calls.Load()
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != afterStop {
		t.Error("polling continued after StopPolling()")
	}
}

func TestStopPollingIdempotent(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m.StopPolling() // no poll running
	m.StopPolling() // still fine
}

func TestStopPollingReentrant(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	m.StartPolling(func(free uint64) {
		defer wg.Done()
		m.StopPolling() // called from the polling goroutine itself
	}, 5*time.Millisecond, 1<<62)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant StopPolling() deadlocked")
	}
}

func TestWatchOrphansDetectsNewPartial(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	found := make(chan string, 1)
	go func() {
		_ = WatchOrphans(ctx, dir, func(path string) {
			select {
			case found <- path:
			default:
			}
		})
	}()

	time.Sleep(50 * time.Millisecond) // let the watcher attach
	path := filepath.Join(dir, "Crashed.partial.mp4")
	if f, err := os.Create(path); err != nil {
		t.Fatalf("create %s: %v", path, err)
	} else {
		_ = f.Close()
	}

	select {
	case got := <-found:
		if got != path {
			t.Errorf("WatchOrphans reported %q, want %q", got, path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WatchOrphans never reported the new orphan")
	}
}
