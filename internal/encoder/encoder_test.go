package encoder

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/screenrec/corepipe/internal/capture"
	"github.com/screenrec/corepipe/internal/clock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransform is a transform that never links against libavcodec, so
// the fallback chain in Initialize can be exercised deterministically.
type fakeTransform struct {
	openErr      error
	opened       bool
	closed       bool
	profile      Profile
	encodeErr    error
	lastForceKey bool
	frames       int
}

func (f *fakeTransform) open(profile Profile) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	f.profile = profile
	return nil
}

func (f *fakeTransform) encode(frame capture.Frame, pts clock.HNS, forceKeyframe bool) (Sample, bool, error) {
	f.frames++
	f.lastForceKey = forceKeyframe
	if f.encodeErr != nil {
		return Sample{}, false, f.encodeErr
	}
	return Sample{Data: []byte{0xAA}, PTS: pts, Keyframe: forceKeyframe}, true, nil
}

func (f *fakeTransform) flush() ([]Sample, error) { return nil, nil }
func (f *fakeTransform) close()                   { f.closed = true }

func newTestEncoder(hw, swOrig, sw720 *fakeTransform) *Encoder {
	factory := func(f *fakeTransform) transformFactory {
		if f == nil {
			return nil
		}
		return func() transform { return f }
	}
	return &Encoder{
		log:                     discardLogger(),
		hardwareFactory:         factory(hw),
		softwareOriginalFactory: factory(swOrig),
		software720pFactory:     factory(sw720),
	}
}

func TestEncoder_CommitsToHardwareWhenAvailable(t *testing.T) {
	hw := &fakeTransform{}
	swOrig := &fakeTransform{}
	sw720 := &fakeTransform{}
	e := newTestEncoder(hw, swOrig, sw720)

	profile := Profile{Width: 1920, Height: 1080, FPS: 30, BitrateBPS: 6_000_000}
	tier, err := e.Initialize(profile)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if tier != TierHardware {
		t.Fatalf("tier = %s, want %s", tier, TierHardware)
	}
	if !hw.opened {
		t.Fatal("hardware transform was never opened")
	}
	if swOrig.opened || sw720.opened {
		t.Fatal("fallback tiers should not be touched once hardware commits")
	}
	if hw.profile != profile {
		t.Fatalf("hardware profile = %+v, want %+v", hw.profile, profile)
	}
}

func TestEncoder_FallsBackToSoftwareOriginalWhenHardwareFails(t *testing.T) {
	hw := &fakeTransform{openErr: errors.New("vaapi not found")}
	swOrig := &fakeTransform{}
	sw720 := &fakeTransform{}
	e := newTestEncoder(hw, swOrig, sw720)

	profile := Profile{Width: 1920, Height: 1080, FPS: 30, BitrateBPS: 6_000_000}
	tier, err := e.Initialize(profile)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if tier != TierSoftwareOriginal {
		t.Fatalf("tier = %s, want %s", tier, TierSoftwareOriginal)
	}
	if !swOrig.opened {
		t.Fatal("software-original transform was never opened")
	}
	if sw720.opened {
		t.Fatal("720p30 tier should not be touched once software-original commits")
	}
	if swOrig.profile != profile {
		t.Fatalf("software-original profile = %+v, want original %+v", swOrig.profile, profile)
	}
}

func TestEncoder_FallsBackTo720p30WhenBothFail(t *testing.T) {
	hw := &fakeTransform{openErr: errors.New("vaapi not found")}
	swOrig := &fakeTransform{openErr: errors.New("libx264 refused original resolution")}
	sw720 := &fakeTransform{}
	e := newTestEncoder(hw, swOrig, sw720)

	profile := Profile{Width: 3840, Height: 2160, FPS: 60, BitrateBPS: 20_000_000}
	tier, err := e.Initialize(profile)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if tier != TierSoftware720p30 {
		t.Fatalf("tier = %s, want %s", tier, TierSoftware720p30)
	}
	want := Profile{Width: 1280, Height: 720, FPS: 30, BitrateBPS: profile.BitrateBPS}
	if sw720.profile != want {
		t.Fatalf("720p30 profile = %+v, want clamped %+v", sw720.profile, want)
	}
}

func TestEncoder_AllTiersFailingReturnsError(t *testing.T) {
	hw := &fakeTransform{openErr: errors.New("no hw")}
	swOrig := &fakeTransform{openErr: errors.New("no sw")}
	sw720 := &fakeTransform{openErr: errors.New("no sw720")}
	e := newTestEncoder(hw, swOrig, sw720)

	if _, err := e.Initialize(Profile{Width: 1920, Height: 1080, FPS: 30}); err == nil {
		t.Fatal("expected an error when every tier fails")
	}
	if e.committed != nil {
		t.Fatal("encoder should not commit to anything when every tier fails")
	}
}

func TestEncoder_CommitOnceInvariant(t *testing.T) {
	hw := &fakeTransform{}
	e := newTestEncoder(hw, &fakeTransform{}, &fakeTransform{})

	if _, err := e.Initialize(Profile{Width: 1280, Height: 720, FPS: 30}); err != nil {
		t.Fatalf("first Initialize: %v", err)
	}
	if _, err := e.Initialize(Profile{Width: 1280, Height: 720, FPS: 30}); err == nil {
		t.Fatal("second Initialize should fail once a tier has committed")
	}
}

func TestEncoder_RequestKeyframeIsOneShot(t *testing.T) {
	hw := &fakeTransform{}
	e := newTestEncoder(hw, nil, nil)
	if _, err := e.Initialize(Profile{Width: 1280, Height: 720, FPS: 30}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	e.RequestKeyframe()
	frame := capture.Frame{Width: 1280, Height: 720, Data: make([]byte, 1280*720*3/2)}

	if _, _, err := e.Encode(frame, clock.HNS(0)); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !hw.lastForceKey {
		t.Fatal("first encode after RequestKeyframe should force a keyframe")
	}

	if _, _, err := e.Encode(frame, clock.HNS(1)); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if hw.lastForceKey {
		t.Fatal("keyframe request should not persist past the first encode")
	}
}

func TestEncoder_KeyframeRequestSurvivesFailedSubmission(t *testing.T) {
	hw := &fakeTransform{encodeErr: errors.New("transient")}
	e := newTestEncoder(hw, nil, nil)
	if _, err := e.Initialize(Profile{Width: 1280, Height: 720, FPS: 30}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	e.RequestKeyframe()
	frame := capture.Frame{Width: 1280, Height: 720, Data: make([]byte, 1280*720*3/2)}
	if _, _, err := e.Encode(frame, clock.HNS(0)); err == nil {
		t.Fatal("expected encode error to propagate")
	}

	hw.encodeErr = nil
	if _, _, err := e.Encode(frame, clock.HNS(1)); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !hw.lastForceKey {
		t.Fatal("keyframe request should still be pending after the failed submission")
	}
}

func TestEncoder_CloseIsIdempotent(t *testing.T) {
	hw := &fakeTransform{}
	e := newTestEncoder(hw, nil, nil)
	if _, err := e.Initialize(Profile{Width: 1280, Height: 720, FPS: 30}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	e.Close()
	e.Close()
	if !hw.closed {
		t.Fatal("transform should have been closed")
	}
}
