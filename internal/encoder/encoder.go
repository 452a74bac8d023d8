// Package encoder implements the three-tier video encoder (§4.6): a
// hardware H.264 transform, falling back to software at the original
// resolution, falling back to a hard-coded 720p30 software profile.
// Once a tier commits for a session, it is never silently downgraded.
package encoder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/screenrec/corepipe/internal/capture"
	"github.com/screenrec/corepipe/internal/clock"
)

// Tier identifies which fallback level an Encoder committed to.
type Tier string

const (
	TierHardware         Tier = "hardware"
	TierSoftwareOriginal Tier = "software_original"
	TierSoftware720p30   Tier = "software_720p30"
)

// Profile is the encoder's requested configuration. FPS and BitrateBPS
// are clamped by the power policy (§4.9.1) before Initialize is
// called; Width/Height are never clamped by it.
type Profile struct {
	Width      int
	Height     int
	FPS        int
	BitrateBPS int64
}

// clamped720p30 is the hard-coded safe profile for the final fallback
// tier: the user's bitrate target survives, everything else is fixed.
func (p Profile) clamped720p30() Profile {
	return Profile{Width: 1280, Height: 720, FPS: 30, BitrateBPS: p.BitrateBPS}
}

// Sample is one compressed access unit emitted by encode() or flush().
type Sample struct {
	Data     []byte
	PTS      clock.HNS
	Keyframe bool
}

// transform is the narrow interface a concrete codec backend
// implements. Encoder's tier-selection and commit-once logic is pure
// with respect to this interface, so it can be exercised with fakes
// without linking against a real codec library.
type transform interface {
	// open commits the transform to profile. An error means this tier
	// is unavailable and the caller should try the next one.
	open(profile Profile) error
	// encode submits a frame and returns a compressed sample if one was
	// produced. ok=false without an error means "need more input".
	encode(frame capture.Frame, pts clock.HNS, forceKeyframe bool) (sample Sample, ok bool, err error)
	// flush drains any samples buffered inside the transform.
	flush() ([]Sample, error)
	// close releases the transform's resources.
	close()
}

// transformFactory builds an unopened transform for one tier.
type transformFactory func() transform

// Encoder drives the three-tier fallback chain and owns the committed
// transform for the lifetime of a session.
type Encoder struct {
	log *slog.Logger

	hardwareFactory         transformFactory
	softwareOriginalFactory transformFactory
	software720pFactory     transformFactory

	committed transform
	tier      Tier
	keyframe  bool
}

// New constructs an Encoder wired to the real astiav-backed transforms.
func New(log *slog.Logger) *Encoder {
	if log == nil {
		log = slog.Default()
	}
	return &Encoder{
		log:                     log,
		hardwareFactory:         newHardwareTransform,
		softwareOriginalFactory: newSoftwareTransform,
		software720pFactory:     newSoftware720pTransform,
	}
}

// Initialize attempts the hardware tier, then software at the original
// resolution, then the hard-coded 720p30 software profile, committing
// to the first that opens successfully. Returns the committed tier.
func (e *Encoder) Initialize(profile Profile) (Tier, error) {
	if e.committed != nil {
		return e.tier, fmt.Errorf("encoder: already initialized at tier %s", e.tier)
	}

	attempts := []struct {
		tier    Tier
		factory transformFactory
		profile Profile
	}{
		{TierHardware, e.hardwareFactory, profile},
		{TierSoftwareOriginal, e.softwareOriginalFactory, profile},
		{TierSoftware720p30, e.software720pFactory, profile.clamped720p30()},
	}

	var lastErr error
	for _, attempt := range attempts {
		if attempt.factory == nil {
			continue
		}
		t := attempt.factory()
		if err := t.open(attempt.profile); err != nil {
			e.log.Warn("encoder tier unavailable", "tier", attempt.tier, "error", err)
			lastErr = err
			continue
		}
		e.committed = t
		e.tier = attempt.tier
		e.log.Info("encoder tier committed", "tier", attempt.tier,
			"width", attempt.profile.Width, "height", attempt.profile.Height,
			"fps", attempt.profile.FPS, "bitrate_bps", attempt.profile.BitrateBPS)
		return e.tier, nil
	}

	return "", fmt.Errorf("encoder: all tiers failed, last error: %w", lastErr)
}

// Tier reports the committed tier, or "" if Initialize has not
// succeeded yet.
func (e *Encoder) Tier() Tier { return e.tier }

// RequestKeyframe sets a one-shot flag forcing the next Encode call to
// produce an IDR. The controller calls this on every resume() so the
// post-pause segment is independently decodable.
func (e *Encoder) RequestKeyframe() { e.keyframe = true }

// Encode submits frame at pts and returns any compressed sample the
// transform emits. A "need more input" signal is reported as ok=false
// with a nil error, not as an error.
func (e *Encoder) Encode(frame capture.Frame, pts clock.HNS) (Sample, bool, error) {
	if e.committed == nil {
		return Sample{}, false, fmt.Errorf("encoder: not initialized")
	}
	force := e.keyframe
	e.keyframe = false

	sample, ok, err := e.committed.encode(frame, pts, force)
	if err != nil && force {
		// Keyframe requests are one-shot; don't silently drop the
		// request to the next frame on a failed submission.
		e.keyframe = true
	}
	return sample, ok, err
}

// Flush drains the transform during shutdown.
func (e *Encoder) Flush() ([]Sample, error) {
	if e.committed == nil {
		return nil, nil
	}
	return e.committed.flush()
}

// Close releases the committed transform's resources. Safe to call
// more than once.
func (e *Encoder) Close() {
	if e.committed == nil {
		return
	}
	e.committed.close()
	e.committed = nil
}

// ProbeTiers attempts Initialize against a throwaway 1280x720x30
// profile purely to determine which tier is reachable on this host,
// then tears the probe transform down without committing it to a
// session. Its signature matches diagnostics.EncoderProbe so the
// preflight check can be wired without diagnostics importing this
// package.
func ProbeTiers(ctx context.Context) (string, error) {
	probe := New(slog.Default())
	tier, err := probe.Initialize(Profile{Width: 1280, Height: 720, FPS: 30, BitrateBPS: 4_000_000})
	if err != nil {
		return "", err
	}
	probe.Close()
	return string(tier), nil
}
