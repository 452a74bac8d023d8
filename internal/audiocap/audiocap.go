// Package audiocap defines the audio capture adapter contract consumed
// by the pipeline core (§6) and a synthetic adapter that stands in for
// a real microphone backend, which is explicitly out of scope for this
// core (§1).
package audiocap

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/screenrec/corepipe/internal/clock"
	"github.com/screenrec/corepipe/internal/ringqueue"
)

// Packet is a single audio packet: interleaved 16-bit PCM samples,
// a frame count, a PTS, and a silence flag set when muted.
type Packet struct {
	PCM        []byte
	FrameCount int
	PTS        clock.HNS
	Silence    bool
	SampleRate int
	Channels   int
}

// Adapter is the audio adapter interface the controller drives. Like
// capture.Adapter, implementations stamp Packet.PTS from their own
// clock as a raw reading; the controller rebases it through
// avsync.Manager.ToPTS before writing it to the mux. On mute,
// implementations continue to emit packets at the same cadence with
// zeroed payload and Silence set true, rather than stopping.
type Adapter interface {
	Initialize(queue *ringqueue.Queue[Packet]) error
	Start() error
	Stop() error
	SetMuted(muted bool)
	SampleRate() int
	Channels() int
	BitsPerSample() int
	SetDeviceInvalidCallback(fn func())
}

const packetDurationMS = 20 // ~20ms packets is a common low-latency audio cadence

// ToneAdapter is a synthetic audio adapter that emits a continuous
// sine-wave tone (or silence, while muted) at a fixed sample rate,
// standing in for a real microphone backend.
type ToneAdapter struct {
	sampleRate int
	channels   int

	queue         *ringqueue.Queue[Packet]
	muted         atomic.Bool
	deviceInvalid func()

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup

	clk         *clock.Clock
	sampleIndex int64
}

// NewToneAdapter constructs a synthetic adapter at the given sample
// rate and channel count (48 kHz stereo matches the mux's default AAC
// configuration).
func NewToneAdapter(clk *clock.Clock, sampleRate, channels int) *ToneAdapter {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	if channels <= 0 {
		channels = 2
	}
	return &ToneAdapter{clk: clk, sampleRate: sampleRate, channels: channels}
}

// Initialize binds the adapter to the audio queue it will push into.
func (a *ToneAdapter) Initialize(queue *ringqueue.Queue[Packet]) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = queue
	return nil
}

// SetMuted toggles silence injection without affecting packet cadence.
func (a *ToneAdapter) SetMuted(muted bool) { a.muted.Store(muted) }

// SetDeviceInvalidCallback registers the callback for device
// invalidation. ToneAdapter's synthetic device never invalidates in
// normal operation.
func (a *ToneAdapter) SetDeviceInvalidCallback(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deviceInvalid = fn
}

// SampleRate returns the configured sample rate.
func (a *ToneAdapter) SampleRate() int { return a.sampleRate }

// Channels returns the configured channel count.
func (a *ToneAdapter) Channels() int { return a.channels }

// BitsPerSample returns the PCM bit depth (16-bit throughout).
func (a *ToneAdapter) BitsPerSample() int { return 16 }

// Start begins emitting packets on a background goroutine until Stop
// is called.
func (a *ToneAdapter) Start() error {
	a.mu.Lock()
	if a.stopCh != nil {
		a.mu.Unlock()
		return nil
	}
	a.stopCh = make(chan struct{})
	stopCh := a.stopCh
	a.sampleIndex = 0
	a.mu.Unlock()

	framesPerPacket := a.sampleRate * packetDurationMS / 1000
	interval := time.Duration(packetDurationMS) * time.Millisecond

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				a.queue.TryPush(a.nextPacket(framesPerPacket))
			}
		}
	}()
	return nil
}

// nextPacket synthesizes one packet's worth of PCM: a 440 Hz sine tone,
// or all-zero silence while muted.
func (a *ToneAdapter) nextPacket(frameCount int) Packet {
	muted := a.muted.Load()
	pcm := make([]byte, frameCount*a.channels*2) // 16-bit samples

	if !muted {
		const toneHz = 440.0
		for i := 0; i < frameCount; i++ {
			t := float64(a.sampleIndex+int64(i)) / float64(a.sampleRate)
			sample := int16(8000 * math.Sin(2*math.Pi*toneHz*t))
			for ch := 0; ch < a.channels; ch++ {
				off := (i*a.channels + ch) * 2
				pcm[off] = byte(sample)
				pcm[off+1] = byte(sample >> 8)
			}
		}
	}

	pts := a.clk.NowHNS()
	a.sampleIndex += int64(frameCount)

	return Packet{
		PCM:        pcm,
		FrameCount: frameCount,
		PTS:        pts,
		Silence:    muted,
		SampleRate: a.sampleRate,
		Channels:   a.channels,
	}
}

// Stop halts packet production and waits for the producer goroutine to
// exit.
func (a *ToneAdapter) Stop() error {
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
