// Package avsync anchors a recording session's presentation-time origin
// and tracks the cumulative time spent paused, so every PTS handed to
// the muxer is relative to "time actually recorded" rather than wall
// clock.
package avsync

import (
	"sync"

	"github.com/screenrec/corepipe/internal/clock"
)

// Manager maintains anchor, pause-start, and accumulated-pause state
// for a single session. The zero value is not usable; construct with
// New.
type Manager struct {
	clk *clock.Clock

	mu               sync.Mutex
	anchor           clock.HNS
	pauseStart       clock.HNS
	paused           bool
	pausedAccumHNS   clock.HNS
}

// New creates a SyncManager bound to the given clock.
func New(clk *clock.Clock) *Manager {
	return &Manager{clk: clk}
}

// Start captures the session anchor and clears any pause state. Must
// be called once per session, before any ToPTS/NowPTS call.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anchor = m.clk.NowHNS()
	m.pauseStart = 0
	m.paused = false
	m.pausedAccumHNS = 0
}

// Pause captures the moment recording stopped producing emittable
// samples. Calling Pause while already paused is a no-op.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return
	}
	m.pauseStart = m.clk.NowHNS()
	m.paused = true
}

// Resume folds the just-completed pause interval into the running
// accumulator. Calling Resume without a prior Pause is a no-op, per
// spec.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.paused {
		return
	}
	now := m.clk.NowHNS()
	m.pausedAccumHNS += now - m.pauseStart
	m.paused = false
	m.pauseStart = 0
}

// ToPTS converts a raw clock reading (in HNS, already on this Clock's
// timebase) to the session-relative presentation timestamp: elapsed
// time since anchor, minus total time spent paused.
func (m *Manager) ToPTS(ticksHNS clock.HNS) clock.HNS {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ticksHNS - m.anchor - m.pausedAccumHNS
}

// NowPTS returns ToPTS(now). While paused its growth rate is
// unspecified — callers must not emit samples observed during an
// active pause (I3).
func (m *Manager) NowPTS() clock.HNS {
	return m.ToPTS(m.clk.NowHNS())
}

// Paused reports whether a pause interval is currently open.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}
