// Package diagnostics runs a small set of startup preflight checks for
// the recorder: is the output directory writable, is there enough free
// disk space, and is at least one H.264 encoder tier available. It
// keeps the reference daemon's report/summary shape but drops the
// audio/network/systemd checks that don't apply to this pipeline.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// CheckResult represents the result of a single diagnostic check.
type CheckResult struct {
	Name        string        `json:"name"`
	Category    string        `json:"category"`
	Status      CheckStatus   `json:"status"`
	Message     string        `json:"message"`
	Details     string        `json:"details,omitempty"`
	Duration    time.Duration `json:"duration"`
	Suggestions []string      `json:"suggestions,omitempty"`
}

// CheckStatus indicates the result of a check.
type CheckStatus string

const (
	StatusOK       CheckStatus = "OK"
	StatusWarning  CheckStatus = "WARNING"
	StatusCritical CheckStatus = "CRITICAL"
	StatusError    CheckStatus = "ERROR"
)

// DiagnosticReport contains results from all diagnostic checks.
type DiagnosticReport struct {
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration"`
	SystemInfo *SystemInfo   `json:"system_info"`
	Checks     []CheckResult `json:"checks"`
	Summary    *Summary      `json:"summary"`
	Healthy    bool          `json:"healthy"`
}

// SystemInfo contains basic system information, surfaced alongside the
// checks for support/bug-report purposes.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Kernel       string `json:"kernel"`
	Architecture string `json:"architecture"`
	CPUs         int    `json:"cpus"`
	Memory       int64  `json:"memory_bytes"`
	Uptime       string `json:"uptime"`
	GoVersion    string `json:"go_version"`
}

// Summary contains a summary of check results.
type Summary struct {
	Total    int `json:"total"`
	OK       int `json:"ok"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
	Error    int `json:"error"`
}

// DiskUsageCriticalPercent is the disk usage percentage that triggers critical status.
const DiskUsageCriticalPercent = 95

// DiskUsageWarningPercent is the disk usage percentage that triggers warning status.
const DiskUsageWarningPercent = 85

// EncoderProbe reports the committed tier name for a quick encoder
// initialize/flush cycle, or an error if every tier failed. Injected
// so diagnostics never imports the encoder package directly —
// cmd/screenrec's preflight wires encoder.ProbeTiers in.
type EncoderProbe func(ctx context.Context) (tier string, err error)

// Options configures the diagnostic run.
type Options struct {
	OutputDir          string
	LowDiskThresholdMB int64
	ProbeEncoder       EncoderProbe
	Output             io.Writer
}

// DefaultOptions returns default diagnostic options for the given
// output directory.
func DefaultOptions(outputDir string) Options {
	return Options{
		OutputDir:          outputDir,
		LowDiskThresholdMB: 500,
		Output:             os.Stdout,
	}
}

// Runner executes diagnostic checks.
type Runner struct {
	opts Options
}

// NewRunner creates a new diagnostic runner.
func NewRunner(opts Options) *Runner {
	return &Runner{opts: opts}
}

// Run executes all diagnostic checks and returns a report.
func (r *Runner) Run(ctx context.Context) (*DiagnosticReport, error) {
	start := time.Now()

	report := &DiagnosticReport{
		Timestamp:  start,
		SystemInfo: r.collectSystemInfo(),
		Summary:    &Summary{},
	}

	checks := []func(context.Context) CheckResult{
		r.checkOutputDirWritable,
		r.checkDiskSpace,
		r.checkEncoderAvailable,
	}

	// The checks touch disjoint resources (filesystem metadata, statfs,
	// a throwaway encoder probe) so they run concurrently via errgroup
	// rather than one after another.
	results := make([]CheckResult, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, check := range checks {
		i, check := i, check
		g.Go(func() error {
			results[i] = check(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	if ctx.Err() != nil {
		return report, ctx.Err()
	}

	for _, result := range results {
		report.Checks = append(report.Checks, result)
		report.Summary.Total++
		switch result.Status {
		case StatusOK:
			report.Summary.OK++
		case StatusWarning:
			report.Summary.Warning++
		case StatusCritical:
			report.Summary.Critical++
		case StatusError:
			report.Summary.Error++
		}
	}

	report.Duration = time.Since(start)
	report.Healthy = report.Summary.Critical == 0 && report.Summary.Error == 0

	return report, nil
}

func (r *Runner) collectSystemInfo() *SystemInfo {
	info := &SystemInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUs:         runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}

	if h, err := os.Hostname(); err == nil {
		info.Hostname = h
	}

	if data, err := os.ReadFile("/proc/version"); err == nil {
		parts := strings.Fields(string(data))
		if len(parts) >= 3 {
			info.Kernel = parts[2]
		}
	}

	if data, err := os.ReadFile("/proc/meminfo"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "MemTotal:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
						info.Memory = kb * 1024
					}
				}
				break
			}
		}
	}

	if data, err := os.ReadFile("/proc/uptime"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 1 {
			if secs, err := strconv.ParseFloat(fields[0], 64); err == nil {
				info.Uptime = formatDuration(time.Duration(secs) * time.Second)
			}
		}
	}

	return info
}

func (r *Runner) checkOutputDirWritable(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Output Directory", Category: "Storage"}

	dir := r.opts.OutputDir
	if dir == "" {
		result.Status = StatusError
		result.Message = "no output directory configured"
		result.Duration = time.Since(start)
		return result
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("cannot create output directory: %v", err)
		result.Suggestions = append(result.Suggestions, "choose a writable output directory")
		result.Duration = time.Since(start)
		return result
	}

	probe := filepath.Join(dir, ".write-probe")
	// #nosec G304 -- path is the configured output directory
	f, err := os.Create(probe)
	if err != nil {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("output directory not writable: %v", err)
		result.Duration = time.Since(start)
		return result
	}
	_ = f.Close()
	_ = os.Remove(probe)

	result.Status = StatusOK
	result.Message = fmt.Sprintf("%s is writable", dir)
	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkDiskSpace(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Disk Space", Category: "Storage"}

	dir := r.opts.OutputDir
	if dir == "" {
		dir = "/"
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		result.Status = StatusError
		result.Message = fmt.Sprintf("failed to check disk space: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	// #nosec G115 -- Bsize is always positive on Linux filesystems
	available := stat.Bavail * uint64(stat.Bsize)
	// #nosec G115 -- Bsize is always positive on Linux filesystems
	total := stat.Blocks * uint64(stat.Bsize)
	var usedPercent float64
	if total > 0 {
		usedPercent = 100.0 - (float64(available)/float64(total))*100.0
	}

	thresholdBytes := r.opts.LowDiskThresholdMB * 1024 * 1024
	switch {
	case thresholdBytes > 0 && int64(available) < thresholdBytes:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("only %s free, below the %s threshold", formatBytes(int64(available)), formatBytes(thresholdBytes))
		result.Suggestions = append(result.Suggestions, "free up disk space or lower the threshold")
	case usedPercent > DiskUsageCriticalPercent:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("disk usage critical: %.1f%%", usedPercent)
	case usedPercent > DiskUsageWarningPercent:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("disk usage high: %.1f%%", usedPercent)
	default:
		result.Status = StatusOK
		result.Message = fmt.Sprintf("%s available (%.1f%% used)", formatBytes(int64(available)), usedPercent)
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkEncoderAvailable(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Encoder", Category: "Pipeline"}

	if r.opts.ProbeEncoder == nil {
		result.Status = StatusError
		result.Message = "no encoder probe configured"
		result.Duration = time.Since(start)
		return result
	}

	tier, err := r.opts.ProbeEncoder(ctx)
	if err != nil {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("no encoder tier available: %v", err)
		result.Suggestions = append(result.Suggestions, "install libx264 or a supported hardware H.264 encoder")
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusOK
	result.Message = fmt.Sprintf("encoder tier %q available", tier)
	result.Duration = time.Since(start)
	return result
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// PrintReport prints a formatted diagnostic report.
func PrintReport(w io.Writer, report *DiagnosticReport) {
	_, _ = fmt.Fprintf(w, "Screen Recorder Preflight\n")
	_, _ = fmt.Fprintf(w, "==========================\n\n")

	_, _ = fmt.Fprintf(w, "System: %s (%s/%s)\n", report.SystemInfo.Hostname, report.SystemInfo.OS, report.SystemInfo.Architecture)
	_, _ = fmt.Fprintf(w, "Kernel: %s\n", report.SystemInfo.Kernel)
	_, _ = fmt.Fprintf(w, "Uptime: %s\n", report.SystemInfo.Uptime)
	_, _ = fmt.Fprintf(w, "Time: %s\n\n", report.Timestamp.Format(time.RFC3339))

	categories := make(map[string][]CheckResult)
	var order []string
	for _, check := range report.Checks {
		if _, seen := categories[check.Category]; !seen {
			order = append(order, check.Category)
		}
		categories[check.Category] = append(categories[check.Category], check)
	}

	for _, category := range order {
		_, _ = fmt.Fprintf(w, "\n%s\n%s\n", category, strings.Repeat("-", len(category)))
		for _, check := range categories[category] {
			status := "✓"
			switch check.Status {
			case StatusWarning:
				status = "⚠"
			case StatusCritical:
				status = "✗"
			case StatusError:
				status = "!"
			}
			_, _ = fmt.Fprintf(w, "[%s] %s: %s\n", status, check.Name, check.Message)
			for _, suggestion := range check.Suggestions {
				_, _ = fmt.Fprintf(w, "    → %s\n", suggestion)
			}
		}
	}

	_, _ = fmt.Fprintf(w, "\n\nSummary\n-------\n")
	_, _ = fmt.Fprintf(w, "Total: %d | OK: %d | Warning: %d | Critical: %d | Error: %d\n",
		report.Summary.Total, report.Summary.OK, report.Summary.Warning,
		report.Summary.Critical, report.Summary.Error)
	_, _ = fmt.Fprintf(w, "Duration: %v\n", report.Duration)

	if report.Healthy {
		_, _ = fmt.Fprintf(w, "\nStatus: HEALTHY\n")
	} else {
		_, _ = fmt.Fprintf(w, "\nStatus: ISSUES DETECTED\n")
	}
}

// ToJSON converts the report to JSON format.
func (r *DiagnosticReport) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
