package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions("/tmp/recordings")

	if opts.OutputDir != "/tmp/recordings" {
		t.Errorf("OutputDir = %q, want /tmp/recordings", opts.OutputDir)
	}
	if opts.LowDiskThresholdMB != 500 {
		t.Errorf("LowDiskThresholdMB = %d, want 500", opts.LowDiskThresholdMB)
	}
	if opts.Output == nil {
		t.Error("expected Output to be set by default")
	}
}

func TestCheckOutputDirWritableOK(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(Options{OutputDir: dir})

	result := r.checkOutputDirWritable(context.Background())
	if result.Status != StatusOK {
		t.Errorf("Status = %v, want OK: %s", result.Status, result.Message)
	}
}

func TestCheckOutputDirWritableCreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "recordings")
	r := NewRunner(Options{OutputDir: dir})

	result := r.checkOutputDirWritable(context.Background())
	if result.Status != StatusOK {
		t.Errorf("Status = %v, want OK: %s", result.Status, result.Message)
	}
}

func TestCheckOutputDirWritableEmptyPath(t *testing.T) {
	r := NewRunner(Options{})

	result := r.checkOutputDirWritable(context.Background())
	if result.Status != StatusError {
		t.Errorf("Status = %v, want Error", result.Status)
	}
}

func TestCheckDiskSpaceOK(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(Options{OutputDir: dir, LowDiskThresholdMB: 1})

	result := r.checkDiskSpace(context.Background())
	if result.Status != StatusOK {
		t.Errorf("Status = %v, want OK: %s", result.Status, result.Message)
	}
}

func TestCheckDiskSpaceBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	// An absurdly high threshold guarantees available space falls short.
	r := NewRunner(Options{OutputDir: dir, LowDiskThresholdMB: 1 << 40})

	result := r.checkDiskSpace(context.Background())
	if result.Status != StatusCritical {
		t.Errorf("Status = %v, want Critical: %s", result.Status, result.Message)
	}
}

func TestCheckEncoderAvailableNoProbe(t *testing.T) {
	r := NewRunner(Options{})

	result := r.checkEncoderAvailable(context.Background())
	if result.Status != StatusError {
		t.Errorf("Status = %v, want Error", result.Status)
	}
}

func TestCheckEncoderAvailableSuccess(t *testing.T) {
	r := NewRunner(Options{
		ProbeEncoder: func(ctx context.Context) (string, error) { return "sw-original", nil },
	})

	result := r.checkEncoderAvailable(context.Background())
	if result.Status != StatusOK {
		t.Errorf("Status = %v, want OK: %s", result.Status, result.Message)
	}
}

func TestCheckEncoderAvailableAllTiersFail(t *testing.T) {
	r := NewRunner(Options{
		ProbeEncoder: func(ctx context.Context) (string, error) { return "", errors.New("no transforms") },
	})

	result := r.checkEncoderAvailable(context.Background())
	if result.Status != StatusCritical {
		t.Errorf("Status = %v, want Critical", result.Status)
	}
}

func TestRunProducesHealthyReport(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(Options{
		OutputDir:          dir,
		LowDiskThresholdMB: 1,
		ProbeEncoder:       func(ctx context.Context) (string, error) { return "sw-original", nil },
	})

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !report.Healthy {
		t.Errorf("report.Healthy = false, want true: %+v", report.Summary)
	}
	if report.Summary.Total != 3 {
		t.Errorf("Summary.Total = %d, want 3", report.Summary.Total)
	}
}

func TestRunProducesUnhealthyReportOnFailure(t *testing.T) {
	r := NewRunner(Options{
		OutputDir:          "",
		LowDiskThresholdMB: 1,
	})

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Healthy {
		t.Error("report.Healthy = true, want false")
	}
}

func TestPrintReportDoesNotPanic(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(Options{
		OutputDir:          dir,
		LowDiskThresholdMB: 1,
		ProbeEncoder:       func(ctx context.Context) (string, error) { return "hw", nil },
	})
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var buf bytes.Buffer
	PrintReport(&buf, report)
	if buf.Len() == 0 {
		t.Error("PrintReport() wrote nothing")
	}
}

func TestReportToJSON(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(Options{
		OutputDir:          dir,
		LowDiskThresholdMB: 1,
		ProbeEncoder:       func(ctx context.Context) (string, error) { return "hw", nil },
	})
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	data, err := report.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}
	if len(data) == 0 {
		t.Error("ToJSON() returned empty output")
	}
}
