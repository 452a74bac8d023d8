package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeProvider struct{ snap Snapshot }

func (f fakeProvider) Snapshot() Snapshot { return f.snap }

func TestHealthzReportsSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.FramesCaptured.Add(3)

	h := NewHandler(fakeProvider{snap: Snapshot{
		Status:         "healthy",
		State:          "recording",
		FramesCaptured: 3,
		DiskFreeBytes:  1 << 30,
	}}, reg)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.FramesCaptured != 3 {
		t.Errorf("FramesCaptured = %d, want 3", got.FramesCaptured)
	}
	if got.DiskFreeHuman == "" {
		t.Error("DiskFreeHuman not populated")
	}
}

func TestHealthzDegradedReturns503(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	h := NewHandler(fakeProvider{snap: Snapshot{Status: "degraded"}}, reg)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.QueueDepthVideo.Set(2)

	h := NewHandler(fakeProvider{snap: Snapshot{Status: "healthy"}}, reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !containsSubstring(rec.Body.String(), "screenrec_queue_depth_video") {
		t.Error("metrics output missing screenrec_queue_depth_video")
	}
}

func containsSubstring(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestListenAndServeReadySignalsAndShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- ListenAndServeReady(ctx, "127.0.0.1:0", http.NewServeMux(), ready)
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server never signaled ready")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("ListenAndServeReady returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down after cancel")
	}
}
