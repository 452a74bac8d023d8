// Package controller implements the SessionController (C9): the
// component the GUI shell drives directly. It wires every other
// package (C1-C8) together, runs the encode hot loop (§4.9.2), and
// mediates external callbacks (status, error, device-lost, disk-low).
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/screenrec/corepipe/internal/audiocap"
	"github.com/screenrec/corepipe/internal/avsync"
	"github.com/screenrec/corepipe/internal/capture"
	"github.com/screenrec/corepipe/internal/clock"
	"github.com/screenrec/corepipe/internal/encoder"
	"github.com/screenrec/corepipe/internal/logging"
	"github.com/screenrec/corepipe/internal/mux"
	"github.com/screenrec/corepipe/internal/pacer"
	"github.com/screenrec/corepipe/internal/pipeline"
	"github.com/screenrec/corepipe/internal/power"
	"github.com/screenrec/corepipe/internal/ringqueue"
	"github.com/screenrec/corepipe/internal/session"
	"github.com/screenrec/corepipe/internal/storagemgr"
	"github.com/screenrec/corepipe/internal/telemetry"
)

// Profile is the user-facing encoder configuration the GUI shell can
// override before a session starts.
type Profile struct {
	Width      int
	Height     int
	FPS        int
	BitrateBPS int64
}

// Callbacks are the external notifications the GUI shell registers at
// Initialize.
type Callbacks struct {
	OnStatus     func(state string)
	OnError      func(err error)
	OnDeviceLost func()
	OnDiskLow    func(freeBytes uint64)
}

const (
	diskPollInterval  = 5 * time.Second
	emptyQueueSleep   = time.Millisecond
	errCallbackBurst  = 4
	errCallbackPerSec = 1
	batteryMaxFPS     = 30
	batteryMaxBitrate = 8_000_000
)

// Controller owns C3-C8, the two queues, the encode task, and the
// external callback surface. The zero value is not usable; construct
// with New.
type Controller struct {
	log *slog.Logger
	clk *clock.Clock

	storage *storagemgr.Manager
	machine *session.Machine
	sync    *avsync.Manager
	pacer   *pacer.Pacer

	videoQueue *ringqueue.Queue[capture.Frame]
	audioQueue *ringqueue.Queue[audiocap.Packet]

	captureAdapter capture.Adapter
	audioAdapter   audiocap.Adapter
	enc            *encoder.Encoder
	muxw           *mux.MuxWriter
	sup            *pipeline.Supervisor

	deps       Deps
	callbacks  Callbacks
	errLimiter *rate.Limiter

	mu            sync.Mutex
	sessionID     string
	profile       Profile
	stagingPath   string
	finalPath     string
	muted         bool
	encodeRunning bool
	encodeDone    chan struct{}
	supCancel     context.CancelFunc

	cachedFrame    capture.Frame
	haveCached     bool
	lastSmoothed   clock.HNS
	haveLastSmooth bool

	audioPacketsMuxed uint64
	framesEncoded     uint64
	metrics           *telemetry.Metrics
}

// Deps bundles the adapter factories a real daemon supplies; tests
// substitute synthetic or fake implementations. Encoder and Mux default
// to the real astiav-backed implementations when nil.
type Deps struct {
	NewCaptureAdapter func(clk *clock.Clock, width, height, fps int) capture.Adapter
	NewAudioAdapter   func(clk *clock.Clock, sampleRate, channels int) audiocap.Adapter
	Metrics           *telemetry.Metrics
	Encoder           *encoder.Encoder
	Mux               *mux.MuxWriter
}

// New constructs a Controller bound to storage and logging. deps
// supplies the adapter factories (synthetic pattern/tone adapters for
// this core, per §1's scope).
func New(log *slog.Logger, clk *clock.Clock, storage *storagemgr.Manager, deps Deps) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	enc := deps.Encoder
	if enc == nil {
		enc = encoder.New(log.With("component", "encoder"))
	}
	muxw := deps.Mux
	if muxw == nil {
		muxw = mux.New(log.With("component", "mux"))
	}
	return &Controller{
		log:        log.With("component", "controller"),
		clk:        clk,
		storage:    storage,
		machine:    session.New(),
		sync:       avsync.New(clk),
		enc:        enc,
		muxw:       muxw,
		sup:        pipeline.New(log, "session-pipeline"),
		errLimiter: rate.NewLimiter(rate.Limit(errCallbackPerSec), errCallbackBurst),
		metrics:    deps.Metrics,
		deps:       deps,
	}
}

// Initialize registers the GUI shell's callbacks. Must be called once
// before Start.
func (c *Controller) Initialize(callbacks Callbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = callbacks
	c.machine.SetOnChange(func(old, newState session.State) {
		c.log.Info("state transition", "from", old, "to", newState)
		if c.callbacks.OnStatus != nil {
			c.callbacks.OnStatus(newState.String())
		}
	})
}

// State reports the current session-machine state.
func (c *Controller) State() session.State { return c.machine.State() }

// OutputPath returns the final path of the in-progress or most recently
// finalized session, "" if none has started yet.
func (c *Controller) OutputPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalPath
}

// IsMuted reports the current mute state.
func (c *Controller) IsMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// SetMuted forwards the mute flag to the audio adapter; no
// state-machine transition occurs (§4.9 Mute).
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	adapter := c.audioAdapter
	c.mu.Unlock()
	if adapter != nil {
		adapter.SetMuted(muted)
	}
}

// SetEncoderProfile stages the profile merged into the next Start. It
// has no effect on a session already in progress.
func (c *Controller) SetEncoderProfile(p Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profile = p
}

// Snapshot implements telemetry.StatusProvider.
func (c *Controller) Snapshot() telemetry.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	free, _ := c.storage.FreeBytes()
	onAC := power.OnAC()
	snap := telemetry.Snapshot{
		Status:            "healthy",
		State:             c.machine.State().String(),
		EncoderTier:       string(c.enc.Tier()),
		OnACPower:         onAC,
		DiskFreeBytes:     free,
		FramesEncoded:     c.framesEncoded,
		AudioPacketsMuxed: c.audioPacketsMuxed,
	}
	if c.captureAdapter != nil {
		snap.FramesCaptured = c.captureAdapter.FramesCaptured()
	}
	if c.pacer != nil {
		snap.FramesDropped = c.pacer.Drops()
		snap.FramesDuplicated = c.pacer.Duplicates()
	}

	if c.metrics != nil {
		if onAC {
			c.metrics.OnACPower.Set(1)
		} else {
			c.metrics.OnACPower.Set(0)
		}
		c.metrics.DiskFreeBytes.Set(float64(free))
		if c.videoQueue != nil {
			c.metrics.QueueDepthVideo.Set(float64(c.videoQueue.Size()))
		}
		if c.audioQueue != nil {
			c.metrics.QueueDepthAudio.Set(float64(c.audioQueue.Size()))
		}
		switch c.enc.Tier() {
		case encoder.TierHardware:
			c.metrics.EncoderTier.Set(0)
		case encoder.TierSoftwareOriginal:
			c.metrics.EncoderTier.Set(1)
		case encoder.TierSoftware720p30:
			c.metrics.EncoderTier.Set(2)
		}
	}

	return snap
}

// emitError logs err, rate-limits the external callback (a runaway
// producer can otherwise flood the GUI shell with identical errors),
// and invokes OnError if registered.
func (c *Controller) emitError(err error) {
	c.log.Error("pipeline error", "error", err)
	if c.callbacks.OnError == nil {
		return
	}
	if c.errLimiter.Allow() {
		c.callbacks.OnError(err)
	}
}

// Start implements §4.9's ten-step Start sequence.
func (c *Controller) Start() error {
	deps := c.deps
	if !c.machine.Transition(session.Start) {
		return fmt.Errorf("controller: cannot start from state %s", c.machine.State())
	}

	c.mu.Lock()
	c.sessionID = uuid.NewString()
	profile := c.profile
	c.mu.Unlock()

	staging, err := c.storage.GenerateFilename(time.Now())
	if err != nil {
		c.machine.Transition(session.Stop)
		c.machine.Transition(session.Finalized)
		return fmt.Errorf("controller: generate filename: %w", err)
	}
	final := storagemgr.PartialToFinal(staging)

	c.sync.Start()

	videoQueue := ringqueue.New[capture.Frame](ringqueue.VideoCapacity, ringqueue.DropNewest)
	audioQueue := ringqueue.New[audiocap.Packet](ringqueue.AudioCapacity, ringqueue.DropOldest)

	profile = mergeProfileDefaults(profile)
	profile = clampForPower(profile)

	captureAdapter := deps.NewCaptureAdapter(c.clk, profile.Width, profile.Height, profile.FPS)
	if err := captureAdapter.Initialize(videoQueue); err != nil {
		c.failStart(fmt.Errorf("controller: initialize capture adapter: %w", err))
		return err
	}

	audioAdapter := deps.NewAudioAdapter(c.clk, 48000, 2)
	if err := audioAdapter.Initialize(audioQueue); err != nil {
		// Non-fatal per §4.9 step 4: audio simply never produces.
		c.log.Warn("audio adapter initialize failed; continuing without audio", "error", err)
		audioAdapter = nil
	}

	tier, err := c.enc.Initialize(encoder.Profile{
		Width: profile.Width, Height: profile.Height, FPS: profile.FPS, BitrateBPS: profile.BitrateBPS,
	})
	if err != nil {
		c.machine.Transition(session.Stop)
		c.machine.Transition(session.Finalized)
		return fmt.Errorf("controller: initialize encoder: %w", err)
	}

	sampleRate, channels := 48000, 2
	if audioAdapter != nil {
		sampleRate, channels = audioAdapter.SampleRate(), audioAdapter.Channels()
	}
	if err := c.muxw.Initialize(staging, final, mux.Config{
		Width: profile.Width, Height: profile.Height, FPS: profile.FPS, VideoBitrateBPS: profile.BitrateBPS,
		SampleRate: sampleRate, Channels: channels, AudioBitrateBPS: 128_000,
	}); err != nil {
		c.enc.Close()
		c.machine.Transition(session.Stop)
		c.machine.Transition(session.Finalized)
		return fmt.Errorf("controller: initialize mux: %w", err)
	}

	c.mu.Lock()
	c.videoQueue = videoQueue
	c.audioQueue = audioQueue
	c.captureAdapter = captureAdapter
	c.audioAdapter = audioAdapter
	c.stagingPath = staging
	c.finalPath = final
	c.pacer = pacer.New(profile.FPS)
	c.haveCached = false
	c.haveLastSmooth = false
	c.audioPacketsMuxed = 0
	c.framesEncoded = 0
	c.mu.Unlock()

	c.log.Info("session starting", "session_id", c.sessionID, "tier", tier,
		"staging_path", staging, "final_path", final)

	captureAdapter.SetDeviceLostCallback(func() {
		c.log.Warn("device lost; stopping session")
		if c.callbacks.OnDeviceLost != nil {
			c.callbacks.OnDeviceLost()
		}
		if err := c.Stop(); err != nil {
			c.emitError(fmt.Errorf("controller: stop after device loss: %w", err))
		}
	})

	supCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.supCancel = cancel
	c.encodeRunning = true
	c.encodeDone = make(chan struct{})
	c.mu.Unlock()

	c.sup.AddFunc("storage-poll", func(ctx context.Context) error {
		c.storage.StartPolling(func(free uint64) {
			c.emitError(storagemgr.LowDiskError(free))
			if c.callbacks.OnDiskLow != nil {
				c.callbacks.OnDiskLow(free)
			}
			if err := c.Stop(); err != nil {
				c.emitError(fmt.Errorf("controller: stop after disk low: %w", err))
			}
		}, diskPollInterval, storagemgr.DefaultLowDiskThreshold)
		<-ctx.Done()
		c.storage.StopPolling()
		return nil
	})
	c.sup.ServeBackground(supCtx)

	logging.SafeGo(c.log, "encode", func() { c.encodeLoop() }, func(recovered any, stack []byte) {
		c.emitError(fmt.Errorf("controller: encode loop panicked: %v", recovered))
	})

	if err := captureAdapter.Start(); err != nil {
		c.emitError(fmt.Errorf("controller: start capture adapter: %w", err))
	}
	if audioAdapter != nil {
		if err := audioAdapter.Start(); err != nil {
			c.emitError(fmt.Errorf("controller: start audio adapter: %w", err))
		}
	}

	return nil
}

// failStart unwinds a Start attempt that failed after the state
// machine already accepted Start.
func (c *Controller) failStart(err error) {
	c.machine.Transition(session.Stop)
	c.machine.Transition(session.Finalized)
	c.emitError(err)
}

// mergeProfileDefaults implements §4.9 step 5: fields the caller left
// unset (zero) are filled from the default profile individually, so a
// SetEncoderProfile override of a single field never discards the
// others.
func mergeProfileDefaults(p Profile) Profile {
	const (
		defaultWidth   = 1920
		defaultHeight  = 1080
		defaultFPS     = 30
		defaultBitrate = 8_000_000
	)
	if p.Width == 0 {
		p.Width = defaultWidth
	}
	if p.Height == 0 {
		p.Height = defaultHeight
	}
	if p.FPS == 0 {
		p.FPS = defaultFPS
	}
	if p.BitrateBPS == 0 {
		p.BitrateBPS = defaultBitrate
	}
	return p
}

// clampForPower implements §4.9.1: on battery, clamp fps and bitrate;
// resolution is never clamped.
func clampForPower(p Profile) Profile {
	if power.OnAC() {
		return p
	}
	if p.FPS > batteryMaxFPS {
		p.FPS = batteryMaxFPS
	}
	if p.BitrateBPS > batteryMaxBitrate {
		p.BitrateBPS = batteryMaxBitrate
	}
	return p
}

// Stop implements §4.9's seven-step Stop sequence.
func (c *Controller) Stop() error {
	if !c.machine.Transition(session.Stop) {
		return fmt.Errorf("controller: cannot stop from state %s", c.machine.State())
	}

	c.mu.Lock()
	c.storage.StopPolling()
	captureAdapter := c.captureAdapter
	audioAdapter := c.audioAdapter
	cancel := c.supCancel
	done := c.encodeDone
	c.encodeRunning = false
	c.mu.Unlock()

	if captureAdapter != nil {
		_ = captureAdapter.Stop()
	}
	if audioAdapter != nil {
		_ = audioAdapter.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	samples, err := c.enc.Flush()
	if err != nil {
		c.emitError(fmt.Errorf("controller: flush encoder: %w", err))
	}
	for _, s := range samples {
		if err := c.muxw.WriteVideo(mux.VideoSample{Data: s.Data, PTS: s.PTS, Keyframe: s.Keyframe}); err != nil {
			c.emitError(fmt.Errorf("controller: write flushed sample: %w", err))
		}
	}
	c.enc.Close()

	if err := c.muxw.Finalize(); err != nil {
		c.emitError(fmt.Errorf("controller: finalize: %w", err))
	}

	c.machine.Transition(session.Finalized)
	return nil
}

// Pause implements §4.9's Pause sequence.
func (c *Controller) Pause() error {
	if !c.machine.Transition(session.Pause) {
		return fmt.Errorf("controller: cannot pause from state %s", c.machine.State())
	}
	c.sync.Pause()
	c.mu.Lock()
	if c.pacer != nil {
		c.pacer.Reset()
	}
	c.mu.Unlock()
	return nil
}

// Resume implements §4.9's Resume sequence.
func (c *Controller) Resume() error {
	if !c.machine.Transition(session.Resume) {
		return fmt.Errorf("controller: cannot resume from state %s", c.machine.State())
	}
	c.sync.Resume()
	c.mu.Lock()
	if c.pacer != nil {
		c.pacer.Reset()
	}
	c.mu.Unlock()
	c.enc.RequestKeyframe()
	return nil
}

// encodeLoop runs §4.9.2's hot loop until encodeRunning is cleared and
// both queues are empty.
func (c *Controller) encodeLoop() {
	defer func() {
		c.mu.Lock()
		done := c.encodeDone
		c.mu.Unlock()
		if done != nil {
			close(done)
		}
	}()

	for {
		c.mu.Lock()
		running := c.encodeRunning
		videoQueue := c.videoQueue
		audioQueue := c.audioQueue
		c.mu.Unlock()

		gotFrame := c.encodeOneVideoIteration(videoQueue)
		c.drainAudioQueue(audioQueue)

		if !running && videoQueue.Empty() {
			return
		}
		if !gotFrame && videoQueue.Empty() {
			time.Sleep(emptyQueueSleep)
		}
	}
}

func (c *Controller) encodeOneVideoIteration(videoQueue *ringqueue.Queue[capture.Frame]) bool {
	frame, ok := videoQueue.TryPop()
	if !ok {
		return false
	}
	if c.metrics != nil {
		c.metrics.FramesCaptured.Inc()
	}

	if c.machine.State() == session.Paused {
		return true
	}

	rebasedPTS := c.sync.ToPTS(frame.PTS)
	action, outPTS := c.pacer.Pace(rebasedPTS, false)
	switch action {
	case pacer.Drop:
		if c.metrics != nil {
			c.metrics.FramesDropped.Inc()
		}
		return true
	case pacer.Duplicate:
		if c.metrics != nil {
			c.metrics.FramesDuplicated.Inc()
		}
		c.mu.Lock()
		cached, have := c.cachedFrame, c.haveCached
		lastSmoothed, haveLast := c.lastSmoothed, c.haveLastSmooth
		c.mu.Unlock()
		if have && haveLast {
			mid := pacer.Midpoint(lastSmoothed, outPTS)
			if sample, emitted, err := c.enc.Encode(cached, mid); err != nil {
				c.emitError(fmt.Errorf("controller: duplicate re-encode: %w", err))
			} else if emitted {
				c.writeVideoSample(sample)
			}
		}
	}

	sample, emitted, err := c.enc.Encode(frame, outPTS)
	if err != nil {
		c.emitError(fmt.Errorf("controller: encode: %w", err))
		return true
	}
	if emitted {
		c.writeVideoSample(sample)
		c.mu.Lock()
		c.framesEncoded++
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.FramesEncoded.Inc()
		}
	}

	c.mu.Lock()
	c.cachedFrame = frame
	c.haveCached = true
	c.lastSmoothed = outPTS
	c.haveLastSmooth = true
	c.mu.Unlock()

	return true
}

func (c *Controller) writeVideoSample(s encoder.Sample) {
	if err := c.muxw.WriteVideo(mux.VideoSample{Data: s.Data, PTS: s.PTS, Keyframe: s.Keyframe}); err != nil {
		c.emitError(fmt.Errorf("controller: write video sample: %w", err))
	}
}

func (c *Controller) drainAudioQueue(audioQueue *ringqueue.Queue[audiocap.Packet]) {
	if audioQueue == nil {
		return
	}
	for {
		pkt, ok := audioQueue.TryPop()
		if !ok {
			return
		}
		if c.machine.State() == session.Paused {
			continue
		}
		rebasedPTS := c.sync.ToPTS(pkt.PTS)
		if err := c.muxw.WriteAudio(mux.AudioSample{
			PCM: pkt.PCM, FrameCount: pkt.FrameCount, PTS: rebasedPTS, Silence: pkt.Silence,
		}); err != nil {
			c.emitError(fmt.Errorf("controller: write audio sample: %w", err))
			continue
		}
		c.mu.Lock()
		c.audioPacketsMuxed++
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.AudioPacketsMuxed.Inc()
		}
	}
}
