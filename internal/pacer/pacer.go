// Package pacer absorbs jitter on inbound capture timestamps so the
// encoder always sees a smooth, strictly monotonic PTS sequence, per
// §4.4 of the pipeline specification.
package pacer

import (
	"sync"
	"sync/atomic"

	"github.com/screenrec/corepipe/internal/clock"
)

// Action is the pacer's verdict for a single raw capture PTS.
type Action int

const (
	// Accept: encode this frame at the returned out_pts.
	Accept Action = iota
	// Duplicate: the gap since the last raw PTS exceeded 1.5x the
	// target interval. The consumer must first re-encode the
	// previously-submitted frame at a synthesized midpoint PTS, then
	// encode the current frame at out_pts.
	Duplicate
	// Drop: the downstream queue was full when this frame arrived;
	// the frame is not encoded at all.
	Drop
)

func (a Action) String() string {
	switch a {
	case Accept:
		return "accept"
	case Duplicate:
		return "duplicate"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// Pacer smooths raw capture PTS values into a strictly increasing
// output sequence. Not safe for concurrent calls to Pace/Reset from
// multiple goroutines — the encode loop is its single caller, per the
// pipeline's single-writer discipline (§5).
type Pacer struct {
	target clock.HNS // T: target frame interval

	bootstrapped bool
	lastRaw      clock.HNS
	smoothed     clock.HNS

	dups  atomic.Uint64
	drops atomic.Uint64

	mu sync.Mutex // guards bootstrapped/lastRaw/smoothed for safe inspection from telemetry readers
}

// New constructs a Pacer targeting the given frames-per-second.
func New(fps int) *Pacer {
	if fps <= 0 {
		fps = 30
	}
	return &Pacer{target: clock.HNS(10_000_000 / fps)}
}

// Pace evaluates one raw capture PTS and returns the action to take
// plus the PTS to submit to the encoder. queueFull must reflect
// whether the downstream video queue was full for this frame.
func (p *Pacer) Pace(rawPTS clock.HNS, queueFull bool) (Action, clock.HNS) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if queueFull {
		p.drops.Add(1)
		return Drop, rawPTS
	}

	if !p.bootstrapped {
		p.bootstrapped = true
		p.lastRaw = rawPTS
		p.smoothed = rawPTS
		return Accept, rawPTS
	}

	gap := rawPTS - p.lastRaw
	action := Accept
	if gap > (p.target*3)/2 {
		p.dups.Add(1)
		action = Duplicate
	}

	step := gap
	if max := 2 * p.target; step > max {
		step = max
	}
	if step < 1 {
		// Guard against non-positive gaps (out-of-order or duplicate
		// raw timestamps): still advance by at least one tick so the
		// emitted sequence stays strictly increasing.
		step = 1
	}
	p.smoothed += step
	p.lastRaw = rawPTS

	return action, p.smoothed
}

// Reset re-bootstraps the pacer so the next Pace call anchors a fresh
// sequence instead of reading the gap against stale state. Called on
// Resume so the pause interval is never misread as a missed frame.
func (p *Pacer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bootstrapped = false
	p.lastRaw = 0
	p.smoothed = 0
}

// Duplicates returns the number of Duplicate verdicts issued so far.
func (p *Pacer) Duplicates() uint64 { return p.dups.Load() }

// Drops returns the number of Drop verdicts issued so far.
func (p *Pacer) Drops() uint64 { return p.drops.Load() }

// Midpoint returns the synthesized PTS a caller should use when
// re-encoding the cached previous frame after a Duplicate verdict:
// halfway between the previously smoothed PTS and the newly smoothed
// one.
func Midpoint(prevSmoothed, curSmoothed clock.HNS) clock.HNS {
	return prevSmoothed + (curSmoothed-prevSmoothed)/2
}
