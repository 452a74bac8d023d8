// Package telemetry exposes the recorder's live counters over HTTP: a
// JSON /healthz for process supervisors and a Prometheus /metrics for
// fleet monitoring, mirroring the daemon's health endpoint but backed
// by real prometheus/client_golang collectors instead of hand-rolled
// exposition text.
package telemetry

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter and gauge the pipeline publishes. All
// fields are safe for concurrent use — they are prometheus collectors,
// which are goroutine-safe by construction.
type Metrics struct {
	FramesCaptured    prometheus.Counter
	FramesEncoded     prometheus.Counter
	FramesDropped     prometheus.Counter
	FramesDuplicated  prometheus.Counter
	AudioPacketsMuxed prometheus.Counter

	QueueDepthVideo prometheus.Gauge
	QueueDepthAudio prometheus.Gauge
	EncoderTier     prometheus.Gauge // 0=hardware, 1=software-original, 2=software-720p30
	OnACPower       prometheus.Gauge // 1=AC, 0=battery
	DiskFreeBytes   prometheus.Gauge
}

// New constructs and registers every collector against reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		FramesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "screenrec", Name: "frames_captured_total",
			Help: "Video frames received from the capture adapter.",
		}),
		FramesEncoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "screenrec", Name: "frames_encoded_total",
			Help: "Video frames submitted to the encoder.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "screenrec", Name: "frames_dropped_total",
			Help: "Video frames dropped by the pacer due to backpressure.",
		}),
		FramesDuplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "screenrec", Name: "frames_duplicated_total",
			Help: "Video frames the pacer re-encoded to cover a capture gap.",
		}),
		AudioPacketsMuxed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "screenrec", Name: "audio_packets_muxed_total",
			Help: "Audio packets written to the MP4 container.",
		}),
		QueueDepthVideo: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "screenrec", Name: "queue_depth_video",
			Help: "Current occupancy of the video ring queue.",
		}),
		QueueDepthAudio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "screenrec", Name: "queue_depth_audio",
			Help: "Current occupancy of the audio ring queue.",
		}),
		EncoderTier: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "screenrec", Name: "encoder_tier",
			Help: "Active encoder fallback tier (0=hw, 1=sw-original, 2=sw-720p30).",
		}),
		OnACPower: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "screenrec", Name: "on_ac_power",
			Help: "1 when the host reports AC power, 0 on battery.",
		}),
		DiskFreeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "screenrec", Name: "disk_free_bytes",
			Help: "Free bytes on the output directory's filesystem.",
		}),
	}

	reg.MustRegister(
		m.FramesCaptured, m.FramesEncoded, m.FramesDropped, m.FramesDuplicated,
		m.AudioPacketsMuxed, m.QueueDepthVideo, m.QueueDepthAudio,
		m.EncoderTier, m.OnACPower, m.DiskFreeBytes,
	)
	return m
}

// Snapshot is the JSON body served at /healthz.
type Snapshot struct {
	Status            string `json:"status"`
	State             string `json:"state"`
	FramesCaptured    uint64 `json:"frames_captured"`
	FramesEncoded     uint64 `json:"frames_encoded"`
	FramesDropped     uint64 `json:"frames_dropped"`
	FramesDuplicated  uint64 `json:"frames_duplicated"`
	AudioPacketsMuxed uint64 `json:"audio_packets_muxed"`
	EncoderTier       string `json:"encoder_tier"`
	OnACPower         bool   `json:"on_ac_power"`
	DiskFreeBytes     uint64 `json:"disk_free_bytes"`
	DiskFreeHuman     string `json:"disk_free_human"`
}

// StatusProvider supplies the live snapshot. The controller implements
// this so the handler never reaches into pipeline internals directly.
type StatusProvider interface {
	Snapshot() Snapshot
}

// Handler serves /healthz (JSON) and delegates /metrics to the
// standard Prometheus exposition handler.
type Handler struct {
	provider    StatusProvider
	promHandler http.Handler
}

// NewHandler builds a combined handler. reg must be the same registry
// passed to New so /metrics reflects the collectors above.
func NewHandler(provider StatusProvider, reg *prometheus.Registry) *Handler {
	return &Handler{
		provider:    provider,
		promHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/metrics" {
		h.promHandler.ServeHTTP(w, r)
		return
	}
	h.serveHealthz(w, r)
}

func (h *Handler) serveHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	snap := h.provider.Snapshot()
	snap.DiskFreeHuman = humanize.Bytes(snap.DiskFreeBytes)
	if snap.Status == "" {
		snap.Status = "healthy"
	}

	w.Header().Set("Content-Type", "application/json")
	if snap.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(snap)
}

// ListenAndServeReady binds addr synchronously (so port-in-use errors
// surface before the caller proceeds), signals ready once listening,
// then serves until ctx is cancelled and shuts down gracefully.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
