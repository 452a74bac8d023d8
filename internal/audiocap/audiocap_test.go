package audiocap

import (
	"testing"
	"time"

	"github.com/screenrec/corepipe/internal/clock"
	"github.com/screenrec/corepipe/internal/ringqueue"
)

func TestToneAdapterProducesPackets(t *testing.T) {
	clk := clock.New()
	q := ringqueue.New[Packet](ringqueue.AudioCapacity, ringqueue.DropOldest)
	a := NewToneAdapter(clk, 48000, 2)
	if err := a.Initialize(q); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	pkt, ok := q.TryPop()
	if !ok {
		t.Fatal("expected at least one queued packet")
	}
	if pkt.Silence {
		t.Error("pkt.Silence = true, want false when not muted")
	}
	wantLen := pkt.FrameCount * a.Channels() * 2
	if len(pkt.PCM) != wantLen {
		t.Errorf("len(pkt.PCM) = %d, want %d", len(pkt.PCM), wantLen)
	}

	allZero := true
	for _, b := range pkt.PCM {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Error("pkt.PCM is all zero while unmuted, want a tone")
	}
}

func TestToneAdapterMutedEmitsSilence(t *testing.T) {
	clk := clock.New()
	q := ringqueue.New[Packet](ringqueue.AudioCapacity, ringqueue.DropOldest)
	a := NewToneAdapter(clk, 48000, 1)
	_ = a.Initialize(q)
	a.SetMuted(true)

	_ = a.Start()
	time.Sleep(80 * time.Millisecond)
	_ = a.Stop()

	count := 0
	for {
		pkt, ok := q.TryPop()
		if !ok {
			break
		}
		count++
		if !pkt.Silence {
			t.Error("pkt.Silence = false while muted, want true")
		}
		for _, b := range pkt.PCM {
			if b != 0 {
				t.Fatal("pkt.PCM has non-zero byte while muted")
			}
		}
	}
	if count == 0 {
		t.Error("expected packets to keep flowing while muted")
	}
}

func TestToneAdapterStopIdempotent(t *testing.T) {
	a := NewToneAdapter(clock.New(), 48000, 2)
	_ = a.Initialize(ringqueue.New[Packet](ringqueue.AudioCapacity, ringqueue.DropOldest))
	_ = a.Start()
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestToneAdapterDefaults(t *testing.T) {
	a := NewToneAdapter(clock.New(), 0, 0)
	if a.SampleRate() != 48000 {
		t.Errorf("SampleRate() = %d, want 48000 default", a.SampleRate())
	}
	if a.Channels() != 2 {
		t.Errorf("Channels() = %d, want 2 default", a.Channels())
	}
	if a.BitsPerSample() != 16 {
		t.Errorf("BitsPerSample() = %d, want 16", a.BitsPerSample())
	}
}

func TestToneAdapterDeviceInvalidCallbackStored(t *testing.T) {
	a := NewToneAdapter(clock.New(), 48000, 2)
	calls := 0
	a.SetDeviceInvalidCallback(func() { calls++ })
	if calls != 0 {
		t.Fatal("callback should not fire merely from registration")
	}
}

func TestToneAdapterPTSMonotonic(t *testing.T) {
	clk := clock.New()
	q := ringqueue.New[Packet](64, ringqueue.DropOldest)
	a := NewToneAdapter(clk, 48000, 2)
	_ = a.Initialize(q)
	_ = a.Start()
	time.Sleep(80 * time.Millisecond)
	_ = a.Stop()

	var last clock.HNS
	first := true
	for {
		pkt, ok := q.TryPop()
		if !ok {
			break
		}
		if !first && pkt.PTS < last {
			t.Errorf("PTS went backwards: %d after %d", pkt.PTS, last)
		}
		last = pkt.PTS
		first = false
	}
}
