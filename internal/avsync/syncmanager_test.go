package avsync

import (
	"testing"
	"time"

	"github.com/screenrec/corepipe/internal/clock"
)

func TestResumeWithoutPauseIsNoop(t *testing.T) {
	m := New(clock.New())
	m.Start()
	before := m.NowPTS()
	m.Resume() // no prior Pause
	after := m.NowPTS()
	if after < before {
		t.Fatalf("NowPTS went backwards after no-op Resume")
	}
}

func TestMonotonicOutsidePause(t *testing.T) {
	m := New(clock.New())
	m.Start()
	t1 := m.NowPTS()
	time.Sleep(2 * time.Millisecond)
	t2 := m.NowPTS()
	if t2 < t1 {
		t.Fatalf("ToPTS not monotonic outside pause: t1=%d t2=%d", t1, t2)
	}
}

// TestPauseExcludedFromPTS exercises S4: a pause of real duration does
// not advance the PTS presented to callers once resumed.
func TestPauseExcludedFromPTS(t *testing.T) {
	m := New(clock.New())
	m.Start()
	time.Sleep(50 * time.Millisecond)
	p1 := m.NowPTS()

	m.Pause()
	time.Sleep(100 * time.Millisecond)
	m.Resume()
	time.Sleep(10 * time.Millisecond)
	p2 := m.NowPTS()

	delta := (p2 - p1).Duration()
	if delta < 0 || delta >= 80*time.Millisecond {
		t.Fatalf("pause of 100ms not excluded: delta=%v, want in [0,80ms)", delta)
	}
}

func TestPausedAccumulatesAcrossMultiplePauses(t *testing.T) {
	m := New(clock.New())
	m.Start()

	m.Pause()
	time.Sleep(20 * time.Millisecond)
	m.Resume()

	m.Pause()
	time.Sleep(20 * time.Millisecond)
	m.Resume()

	// Two 20ms pauses should both be excluded; elapsed wall time was
	// ~40ms but PTS growth should be near zero.
	pts := m.NowPTS()
	if pts.Duration() >= 30*time.Millisecond {
		t.Fatalf("accumulated pause not fully excluded: pts=%v", pts.Duration())
	}
}

func TestPausedReportsState(t *testing.T) {
	m := New(clock.New())
	m.Start()
	if m.Paused() {
		t.Fatalf("Paused() true before any Pause()")
	}
	m.Pause()
	if !m.Paused() {
		t.Fatalf("Paused() false after Pause()")
	}
	m.Resume()
	if m.Paused() {
		t.Fatalf("Paused() true after Resume()")
	}
}
