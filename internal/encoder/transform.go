package encoder

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"

	"github.com/screenrec/corepipe/internal/capture"
	"github.com/screenrec/corepipe/internal/clock"
)

// gopSize returns the configured GOP length, 2·fps per the
// specification's constant-bitrate H.264 profile.
func gopSize(fps int) int {
	if fps <= 0 {
		fps = 30
	}
	return 2 * fps
}

// astiavTransform wraps a single libavcodec H.264 encoder context. The
// three tiers differ only in which encoder name they ask libavcodec
// for and which options dictionary they pass to Open.
type astiavTransform struct {
	encoderNames []string
	extraOpts    map[string]string

	codecCtx *astiav.CodecContext
	srcFrame *astiav.Frame
	pkt      *astiav.Packet
	profile  Profile
	frameNum int64
}

// newHardwareTransform tries, in order, the common vendor-specific
// hardware H.264 encoders exposed by libavcodec. The first name that
// libavcodec knows is the one opened; if opening it fails, the later
// names are not tried and the tier fails. VAAPI/NVENC/QSV
// availability is itself host-dependent, so failure here is routine
// and simply falls through to the software tier.
func newHardwareTransform() transform {
	return &astiavTransform{
		encoderNames: []string{"h264_vaapi", "h264_nvenc", "h264_qsv", "h264_v4l2m2m"},
	}
}

// newSoftwareTransform uses libx264 at the caller-supplied resolution.
func newSoftwareTransform() transform {
	return &astiavTransform{
		encoderNames: []string{"libx264"},
		extraOpts:    map[string]string{"preset": "veryfast", "tune": "zerolatency"},
	}
}

// newSoftware720pTransform is identical to the software tier; the
// clamp to 1280x720/30fps happens in the profile passed to open, not
// in the encoder selection itself.
func newSoftware720pTransform() transform {
	return &astiavTransform{
		encoderNames: []string{"libx264"},
		extraOpts:    map[string]string{"preset": "veryfast", "tune": "zerolatency"},
	}
}

func (t *astiavTransform) open(profile Profile) error {
	var codec *astiav.Codec
	var name string
	for _, n := range t.encoderNames {
		if c := astiav.FindEncoderByName(n); c != nil {
			codec, name = c, n
			break
		}
	}
	if codec == nil {
		return fmt.Errorf("no usable encoder among %v", t.encoderNames)
	}

	ctx := astiav.AllocCodecContext(codec)
	if ctx == nil {
		return fmt.Errorf("allocate codec context for %s", name)
	}

	ctx.SetWidth(profile.Width)
	ctx.SetHeight(profile.Height)
	ctx.SetTimeBase(astiav.NewRational(1, 10_000_000)) // 100ns units, matching the session clock
	ctx.SetFramerate(astiav.NewRational(profile.FPS, 1))
	ctx.SetBitRate(profile.BitrateBPS)
	ctx.SetGopSize(gopSize(profile.FPS))
	ctx.SetMaxBFrames(0)
	ctx.SetPixelFormat(astiav.PixelFormatNv12)
	ctx.SetProfile(astiav.ProfileH264Baseline)

	opts := astiav.NewDictionary()
	defer opts.Free()
	_ = opts.Set("rc", "cbr", 0)
	for k, v := range t.extraOpts {
		_ = opts.Set(k, v, 0)
	}

	if err := ctx.Open(codec, opts); err != nil {
		ctx.Free()
		return fmt.Errorf("open %s: %w", name, err)
	}

	t.codecCtx = ctx
	t.profile = profile
	t.srcFrame = astiav.AllocFrame()
	t.srcFrame.SetWidth(profile.Width)
	t.srcFrame.SetHeight(profile.Height)
	t.srcFrame.SetPixelFormat(astiav.PixelFormatNv12)
	t.pkt = astiav.AllocPacket()
	return nil
}

func (t *astiavTransform) encode(frame capture.Frame, pts clock.HNS, forceKeyframe bool) (Sample, bool, error) {
	if t.codecCtx == nil {
		return Sample{}, false, fmt.Errorf("transform not opened")
	}

	if err := t.srcFrame.AllocBuffer(0); err != nil {
		return Sample{}, false, fmt.Errorf("allocate frame buffer: %w", err)
	}
	copyPlanar(t.srcFrame, frame.Data, frame.Width, frame.Height)
	t.srcFrame.SetPts(int64(pts))

	if forceKeyframe {
		t.srcFrame.SetPictureType(astiav.PictureTypeI)
	} else {
		t.srcFrame.SetPictureType(astiav.PictureTypeNone)
	}
	t.frameNum++

	if err := t.codecCtx.SendFrame(t.srcFrame); err != nil {
		return Sample{}, false, fmt.Errorf("send frame: %w", err)
	}

	if err := t.codecCtx.ReceivePacket(t.pkt); err != nil {
		if errorsIsEagainOrEOF(err) {
			return Sample{}, false, nil
		}
		return Sample{}, false, fmt.Errorf("receive packet: %w", err)
	}
	defer t.pkt.Unref()

	data := make([]byte, len(t.pkt.Data()))
	copy(data, t.pkt.Data())

	sample := Sample{
		Data:     data,
		PTS:      pts,
		Keyframe: t.pkt.Flags().Has(astiav.PacketFlagKey),
	}
	return sample, true, nil
}

func (t *astiavTransform) flush() ([]Sample, error) {
	if t.codecCtx == nil {
		return nil, nil
	}
	var samples []Sample
	if err := t.codecCtx.SendFrame(nil); err != nil {
		return samples, fmt.Errorf("flush send: %w", err)
	}
	for {
		if err := t.codecCtx.ReceivePacket(t.pkt); err != nil {
			if errorsIsEagainOrEOF(err) {
				break
			}
			return samples, fmt.Errorf("flush receive: %w", err)
		}
		data := make([]byte, len(t.pkt.Data()))
		copy(data, t.pkt.Data())
		samples = append(samples, Sample{
			Data:     data,
			Keyframe: t.pkt.Flags().Has(astiav.PacketFlagKey),
		})
		t.pkt.Unref()
	}
	return samples, nil
}

func (t *astiavTransform) close() {
	if t.srcFrame != nil {
		t.srcFrame.Free()
		t.srcFrame = nil
	}
	if t.pkt != nil {
		t.pkt.Free()
		t.pkt = nil
	}
	if t.codecCtx != nil {
		t.codecCtx.Free()
		t.codecCtx = nil
	}
}

// copyPlanar copies an NV12 buffer into the frame's Y and interleaved
// UV planes at their native strides.
func copyPlanar(f *astiav.Frame, nv12 []byte, width, height int) {
	ySize := width * height
	if ySize > len(nv12) {
		ySize = len(nv12)
	}
	planes := f.Data()
	if len(planes) > 0 {
		copy(planes[0], nv12[:ySize])
	}
	if len(planes) > 1 && len(nv12) > ySize {
		copy(planes[1], nv12[ySize:])
	}
}

// errorsIsEagainOrEOF reports whether err is libavcodec's "need more
// input" or "no more output" signal, neither of which is a real error
// for encode()'s caller.
func errorsIsEagainOrEOF(err error) bool {
	return errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof)
}
