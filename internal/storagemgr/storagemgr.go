// Package storagemgr resolves the output directory, generates unique
// staging/final filenames, tracks free disk space, and recovers
// orphaned staging files left behind by a crashed session (§4.8).
package storagemgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
)

// PartialSuffix and FinalSuffix are the two filename suffixes a
// session's output file wears before and after finalization.
const (
	PartialSuffix = ".partial.mp4"
	FinalSuffix   = ".mp4"

	// DefaultLowDiskThreshold matches the specification's default.
	DefaultLowDiskThreshold = 500 * humanize.MiByte

	// DefaultPollInterval matches the specification's default.
	DefaultPollInterval = 5 * time.Second

	filenameTimestampLayout = "2006-01-02_15-04-05"
)

// ErrLowDisk is returned by callers that want a typed sentinel for a
// disk-low condition rather than string-matching a log line.
var ErrLowDisk = errors.New("storagemgr: free disk space below threshold")

// Manager implements the storage-management operations of §4.8. The
// zero value is not usable; construct with New.
type Manager struct {
	mu  sync.Mutex
	dir string

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New constructs a Manager rooted at dir. If dir is empty,
// DefaultDirectory is used.
func New(dir string) (*Manager, error) {
	m := &Manager{}
	if dir == "" {
		d, err := m.DefaultDirectory()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	if err := m.SetOutputDirectory(dir); err != nil {
		return nil, err
	}
	return m, nil
}

// DefaultDirectory resolves "<user-videos>/Recordings", creating it if
// missing. Falls back to a hard-coded path under the OS temp directory
// if the user's home directory cannot be determined or created.
func (m *Manager) DefaultDirectory() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		fallback := filepath.Join(os.TempDir(), "screenrec-recordings")
		if mkErr := os.MkdirAll(fallback, 0750); mkErr != nil {
			return "", fmt.Errorf("resolve fallback output directory: %w", mkErr)
		}
		return fallback, nil
	}

	dir := filepath.Join(home, "Videos", "Recordings")
	if err := os.MkdirAll(dir, 0750); err != nil {
		fallback := filepath.Join(os.TempDir(), "screenrec-recordings")
		if mkErr := os.MkdirAll(fallback, 0750); mkErr != nil {
			return "", fmt.Errorf("resolve fallback output directory: %w", mkErr)
		}
		return fallback, nil
	}
	return dir, nil
}

// SetOutputDirectory validates and creates dir, rejecting it if it
// cannot be written to.
func (m *Manager) SetOutputDirectory(dir string) error {
	if dir == "" {
		return fmt.Errorf("output directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	probe := filepath.Join(dir, ".write-probe")
	// #nosec G304 -- path is the configured output directory
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("output directory not writable: %w", err)
	}
	_ = f.Close()
	_ = os.Remove(probe)

	m.mu.Lock()
	m.dir = dir
	m.mu.Unlock()
	return nil
}

// OutputDirectory returns the currently configured output directory.
func (m *Manager) OutputDirectory() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dir
}

// GenerateFilename returns a unique staging path
// "ScreenRec_YYYY-MM-DD_HH-MM-SS.partial.mp4" in the output directory,
// appending "_001", "_002", … if either the staging or final path for
// a base name already exists.
func (m *Manager) GenerateFilename(now time.Time) (stagingPath string, err error) {
	dir := m.OutputDirectory()
	if dir == "" {
		return "", fmt.Errorf("no output directory configured")
	}

	base := "ScreenRec_" + now.Format(filenameTimestampLayout)
	candidate := base
	for suffix := 0; suffix <= 999; suffix++ {
		if suffix > 0 {
			candidate = fmt.Sprintf("%s_%03d", base, suffix)
		}
		staging := filepath.Join(dir, candidate+PartialSuffix)
		final := filepath.Join(dir, candidate+FinalSuffix)
		_, stagingErr := os.Stat(staging)
		_, finalErr := os.Stat(final)
		if os.IsNotExist(stagingErr) && os.IsNotExist(finalErr) {
			return staging, nil
		}
	}
	return "", fmt.Errorf("exhausted filename suffixes for %s", base)
}

// PartialToFinal is a pure string transformation: replace the
// ".partial.mp4" suffix with ".mp4". Idempotent if the suffix is
// already absent (P6).
func PartialToFinal(stagingPath string) string {
	if strings.HasSuffix(stagingPath, PartialSuffix) {
		return strings.TrimSuffix(stagingPath, PartialSuffix) + FinalSuffix
	}
	return stagingPath
}

// FreeBytes returns the bytes available to the calling process on the
// filesystem backing the output directory.
func (m *Manager) FreeBytes() (uint64, error) {
	dir := m.OutputDirectory()
	if dir == "" {
		return 0, fmt.Errorf("no output directory configured")
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	// #nosec G115 -- Bsize is always positive on Linux filesystems
	return stat.Bavail * uint64(stat.Bsize), nil
}

// IsLow reports whether free space has fallen below threshold bytes.
// threshold <= 0 defaults to DefaultLowDiskThreshold.
func (m *Manager) IsLow(threshold int64) (bool, uint64, error) {
	if threshold <= 0 {
		threshold = DefaultLowDiskThreshold
	}
	free, err := m.FreeBytes()
	if err != nil {
		return false, 0, err
	}
	return free < uint64(threshold), free, nil
}

// StartPolling launches a background goroutine that evaluates IsLow
// every interval and invokes callback once per tick it observes low.
// The callback may call StopPolling re-entrantly from the polling
// goroutine itself; that case is detected and the goroutine exits
// without deadlocking on its own done channel.
func (m *Manager) StartPolling(callback func(free uint64), interval time.Duration, threshold int64) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	m.pollMu.Lock()
	if m.pollCancel != nil {
		m.pollMu.Unlock()
		return // already polling
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.pollCancel = cancel
	done := make(chan struct{})
	m.pollDone = done
	m.pollMu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				low, free, err := m.IsLow(threshold)
				if err != nil || !low {
					continue
				}
				if callback != nil {
					callback(free)
				}
			}
		}
	}()
}

// StopPolling stops the background poller started by StartPolling.
// Idempotent: calling it when no poll is running, or calling it
// re-entrantly from inside the polling goroutine's own callback, both
// return without blocking.
func (m *Manager) StopPolling() {
	m.pollMu.Lock()
	cancel := m.pollCancel
	done := m.pollDone
	m.pollCancel = nil
	m.pollDone = nil
	m.pollMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		// The poller is presumably the caller of StopPolling (re-entrant
		// stop from its own callback) — don't join ourselves.
	}
}

// FindOrphans lists files in the output directory whose names end in
// ".partial.mp4": staging files left behind by a process that crashed
// before finalize() completed.
func (m *Manager) FindOrphans() ([]string, error) {
	dir := m.OutputDirectory()
	if dir == "" {
		return nil, fmt.Errorf("no output directory configured")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read output directory: %w", err)
	}

	var orphans []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), PartialSuffix) {
			orphans = append(orphans, filepath.Join(dir, entry.Name()))
		}
	}
	return orphans, nil
}

// WatchOrphans watches the output directory with fsnotify and invokes
// onOrphan for every *.partial.mp4 that is created while watching —
// complementing FindOrphans' poll with immediate notice of an orphan
// left by a process that crashes while this one is already running
// (e.g. a second recorder instance started in error). Blocks until ctx
// is cancelled or the watcher errors.
func WatchOrphans(ctx context.Context, dir string, onOrphan func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if strings.HasSuffix(event.Name, PartialSuffix) && onOrphan != nil {
				onOrphan(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("fsnotify watch error: %w", err)
		}
	}
}

// humanFreeBytes formats a free-space figure for log lines and the
// low-disk error message.
func humanFreeBytes(free uint64) string {
	return humanize.Bytes(free)
}

// LowDiskError formats ErrLowDisk as the disk-low error callback's
// message, with a human-readable free-space figure appended.
func LowDiskError(free uint64) error {
	return fmt.Errorf("⚠ Disk space critically low: %w: %s free", ErrLowDisk, humanFreeBytes(free))
}
