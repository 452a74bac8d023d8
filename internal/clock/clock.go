// Package clock supplies a monotonic, high-resolution "now" in the
// pipeline's 100-nanosecond media timebase.
//
// A single process-wide Clock is all the pipeline ever needs: it is
// initialized once, lazily, and treated as immutable afterward. Callers
// must not assume the returned values share an epoch with wall-clock
// time (time.Now()) — only that two readings from the same Clock are
// comparable.
package clock

import (
	"sync"
	"time"
)

// HNS is a duration or timestamp expressed in 100-nanosecond units,
// matching the media timebase used throughout the pipeline (PTS,
// pause accumulators, frame intervals).
type HNS int64

const hnsPerSecond = HNS(time.Second / 100)

// FromDuration converts a time.Duration to the 100-ns timebase.
func FromDuration(d time.Duration) HNS {
	return HNS(d / 100)
}

// Duration converts an HNS value back to a time.Duration.
func (h HNS) Duration() time.Duration {
	return time.Duration(h) * 100
}

// Clock is a process-wide monotonic clock. The zero value is not
// usable; construct with New.
type Clock struct {
	// freqHz records the Clock's own tick frequency (nanoseconds, since
	// NowHNS is built on time.Now's monotonic reading). TicksToHNS does
	// not read it: callers converting raw ticks from some other source
	// (e.g. a capture adapter's own QPC-style counter) pass that
	// source's frequency explicitly.
	freqHz int64
	start  time.Time
}

var (
	once      sync.Once
	singleton *Clock
)

// New returns the process-wide Clock, initializing it on first call.
// Every subsequent call returns the same instance.
func New() *Clock {
	once.Do(func() {
		singleton = &Clock{
			freqHz: int64(time.Second),
			start:  time.Now(),
		}
	})
	return singleton
}

// NowHNS returns the current monotonic time in 100-ns units. The
// origin is unspecified (process start); only differences between
// calls are meaningful.
func (c *Clock) NowHNS() HNS {
	return FromDuration(time.Since(c.start))
}

// TicksToHNS converts a raw tick count, measured at the given
// frequency, to the 100-ns timebase. The conversion uses only
// tickFreqHz, so ticks from a source whose frequency differs from the
// Clock's own convert the same way; it serves adapters that hand in
// raw platform counters instead of calling NowHNS directly.
func (c *Clock) TicksToHNS(ticks int64, tickFreqHz int64) HNS {
	if tickFreqHz <= 0 {
		return 0
	}
	// Safe for multi-day sessions: split into whole seconds and a
	// sub-second remainder in integer arithmetic, so the multiply by
	// 1e7 only ever applies to the remainder, avoiding the overflow a
	// naive ticks*1e7/freq would hit for very large tick counts.
	whole := ticks / tickFreqHz
	rem := ticks % tickFreqHz
	return HNS(whole)*hnsPerSecond + HNS(rem*int64(hnsPerSecond)/tickFreqHz)
}
