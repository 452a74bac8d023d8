package encoder

import (
	"log/slog"

	"github.com/screenrec/corepipe/internal/capture"
	"github.com/screenrec/corepipe/internal/clock"
)

// stubTransform is a trivial transform that never links against
// libavcodec: it "encodes" a frame by emitting a fixed-size marker
// sample. It exists purely so packages that embed an Encoder (the
// controller) can exercise their own wiring in tests without a real
// codec library available in the test environment.
type stubTransform struct {
	profile Profile
	opened  bool
}

func (t *stubTransform) open(profile Profile) error {
	t.profile = profile
	t.opened = true
	return nil
}

func (t *stubTransform) encode(frame capture.Frame, pts clock.HNS, forceKeyframe bool) (Sample, bool, error) {
	return Sample{Data: []byte{0xDE, 0xAD, 0xBE, 0xEF}, PTS: pts, Keyframe: forceKeyframe}, true, nil
}

func (t *stubTransform) flush() ([]Sample, error) { return nil, nil }
func (t *stubTransform) close()                   {}

// NewStub constructs an Encoder whose hardware tier always "succeeds"
// via stubTransform, for exercising callers' wiring around Initialize/
// Encode/Flush/Close without a real codec backend present.
func NewStub(log *slog.Logger) *Encoder {
	if log == nil {
		log = slog.Default()
	}
	return &Encoder{
		log:                     log,
		hardwareFactory:         func() transform { return &stubTransform{} },
		softwareOriginalFactory: func() transform { return &stubTransform{} },
		software720pFactory:     func() transform { return &stubTransform{} },
	}
}
