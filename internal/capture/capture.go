// Package capture defines the video capture adapter contract consumed
// by the pipeline core (§6) and a synthetic adapter used in place of a
// real platform capture backend, which is explicitly out of scope for
// this core (§1).
package capture

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/screenrec/corepipe/internal/clock"
	"github.com/screenrec/corepipe/internal/ringqueue"
)

// Frame is a single captured video frame. Data holds the frame in the
// encoder's input layout (NV12); real adapters hand over a GPU-native
// image already converted to this layout. Duplicate is set by the
// pacer, never by the adapter.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	PTS       clock.HNS
	Duplicate bool
}

// Adapter is the capture adapter interface the controller drives.
// Implementations stamp Frame.PTS from the adapter's own clock as a
// raw, monotonic reading (not session- or pause-relative) — the
// controller rebases it through avsync.Manager.ToPTS before it reaches
// the pacer or the mux, per C3. Implementations must invoke the
// device-lost callback at most once.
type Adapter interface {
	Initialize(queue *ringqueue.Queue[Frame]) error
	Start() error
	Stop() error
	SetDeviceLostCallback(fn func())
	Width() int
	Height() int
	FramesCaptured() uint64
	FramesDropped() uint64
}

// PatternAdapter is a synthetic capture adapter that emits a solid
// test-pattern frame at a fixed cadence, standing in for a real
// display-capture backend so the pipeline can be exercised end to end
// without platform-specific graphics APIs.
type PatternAdapter struct {
	width, height int
	fps           int
	clk           *clock.Clock

	queue      *ringqueue.Queue[Frame]
	captured   atomic.Uint64
	deviceLost func()
	mu         sync.Mutex
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewPatternAdapter constructs a synthetic adapter that will emit
// width x height NV12-sized frames at fps once Start is called.
func NewPatternAdapter(clk *clock.Clock, width, height, fps int) *PatternAdapter {
	if fps <= 0 {
		fps = 30
	}
	return &PatternAdapter{width: width, height: height, fps: fps, clk: clk}
}

// Initialize binds the adapter to the video queue it will push into.
func (a *PatternAdapter) Initialize(queue *ringqueue.Queue[Frame]) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = queue
	return nil
}

// SetDeviceLostCallback registers the callback invoked on unrecoverable
// device loss. PatternAdapter never loses its synthetic device, so the
// callback is stored but never called in normal operation; tests may
// invoke SimulateDeviceLost directly.
func (a *PatternAdapter) SetDeviceLostCallback(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deviceLost = fn
}

// SimulateDeviceLost fires the registered device-lost callback exactly
// once, for exercising the controller's device-lost handling in tests.
func (a *PatternAdapter) SimulateDeviceLost() {
	a.mu.Lock()
	cb := a.deviceLost
	a.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Start begins pushing frames into the bound queue on a background
// goroutine until Stop is called.
func (a *PatternAdapter) Start() error {
	a.mu.Lock()
	if a.stopCh != nil {
		a.mu.Unlock()
		return nil // already running
	}
	a.stopCh = make(chan struct{})
	stopCh := a.stopCh
	a.mu.Unlock()

	interval := time.Second / time.Duration(a.fps)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		frameSize := a.width * a.height * 3 / 2 // NV12
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				frame := Frame{
					Data:   make([]byte, frameSize),
					Width:  a.width,
					Height: a.height,
					PTS:    a.clk.NowHNS(),
				}
				a.queue.TryPush(frame)
				a.captured.Add(1)
			}
		}
	}()
	return nil
}

// Stop halts frame production and waits for the producer goroutine to
// exit.
func (a *PatternAdapter) Stop() error {
	a.mu.Lock()
	stopCh := a.stopCh
	a.stopCh = nil
	a.mu.Unlock()

	if stopCh == nil {
		return nil
	}
	close(stopCh)
	a.wg.Wait()
	return nil
}

// Width returns the configured frame width.
func (a *PatternAdapter) Width() int { return a.width }

// Height returns the configured frame height.
func (a *PatternAdapter) Height() int { return a.height }

// FramesCaptured returns the number of frames produced so far.
func (a *PatternAdapter) FramesCaptured() uint64 { return a.captured.Load() }

// FramesDropped returns the number of frames the bound queue's drop
// policy discarded.
func (a *PatternAdapter) FramesDropped() uint64 {
	a.mu.Lock()
	q := a.queue
	a.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.Dropped()
}
