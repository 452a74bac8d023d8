package mux

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"

	"github.com/screenrec/corepipe/internal/clock"
)

// muxTimebase is the rational form of the pipeline's 100-ns media
// timebase (§4's PTS unit), used for every video packet and as the
// conversion source for audio frame PTS before resampling.
var muxTimebase = astiav.NewRational(1, 10_000_000)

// astiavContainer is the real libavformat-backed implementation of
// container. Video access units arrive pre-encoded (stream copy);
// audio arrives as raw PCM and is encoded to AAC here, mirroring the
// reference RTSP recorder's single AAC encoder living beside its
// muxer rather than upstream of it.
type astiavContainer struct {
	oc *astiav.FormatContext
	pb *astiav.IOContext

	videoStream *astiav.Stream
	audioStream *astiav.Stream
	videoPkt    *astiav.Packet

	aEncCtx   *astiav.CodecContext
	aSwr      *astiav.SoftwareResampleContext
	aSrcFrame *astiav.Frame
	aEncFrame *astiav.Frame

	cfg Config
}

func newAstiavContainer() container { return &astiavContainer{} }

func (c *astiavContainer) open(stagingPath string, cfg Config) error {
	c.cfg = cfg

	oc, err := astiav.AllocOutputFormatContext(nil, "mp4", stagingPath)
	if err != nil || oc == nil {
		return fmt.Errorf("allocate output format context: %w", err)
	}

	ioFlags := astiav.NewIOContextFlags(astiav.IOContextFlagWrite)
	pb, err := astiav.OpenIOContext(stagingPath, ioFlags, nil, nil)
	if err != nil {
		oc.Free()
		return fmt.Errorf("open io context: %w", err)
	}
	oc.SetPb(pb)

	vs := oc.NewStream(nil)
	if vs == nil {
		_ = pb.Close()
		pb.Free()
		oc.Free()
		return fmt.Errorf("allocate video stream")
	}
	vpar := vs.CodecParameters()
	vpar.SetMediaType(astiav.MediaTypeVideo)
	vpar.SetCodecID(astiav.CodecIDH264)
	vpar.SetWidth(cfg.Width)
	vpar.SetHeight(cfg.Height)
	vs.SetTimeBase(muxTimebase)
	vs.SetAvgFrameRate(astiav.NewRational(cfg.FPS, 1))

	if err := c.openAudio(oc, cfg); err != nil {
		_ = pb.Close()
		pb.Free()
		oc.Free()
		return fmt.Errorf("open audio encoder: %w", err)
	}

	if err := oc.WriteHeader(nil); err != nil {
		c.freeAudio()
		_ = pb.Close()
		pb.Free()
		oc.Free()
		return fmt.Errorf("write header: %w", err)
	}

	c.oc = oc
	c.pb = pb
	c.videoStream = vs
	c.videoPkt = astiav.AllocPacket()
	return nil
}

func (c *astiavContainer) openAudio(oc *astiav.FormatContext, cfg Config) error {
	enc := astiav.FindEncoder(astiav.CodecIDAac)
	if enc == nil {
		return fmt.Errorf("AAC encoder not available")
	}
	ctx := astiav.AllocCodecContext(enc)
	if ctx == nil {
		return fmt.Errorf("allocate AAC codec context")
	}

	sr := cfg.SampleRate
	if sr <= 0 {
		sr = 48000
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 2
	}
	bitrate := cfg.AudioBitrateBPS
	if bitrate <= 0 {
		bitrate = 128_000
	}

	ctx.SetSampleRate(sr)
	ctx.SetChannelLayout(astiav.ChannelLayoutDefault(channels))
	if formats := enc.SampleFormats(); len(formats) > 0 {
		ctx.SetSampleFormat(formats[0])
	}
	ctx.SetTimeBase(astiav.NewRational(1, sr))
	ctx.SetBitRate(bitrate)
	ctx.SetStrictStdCompliance(astiav.StrictStdComplianceExperimental)

	if err := ctx.Open(enc, nil); err != nil {
		ctx.Free()
		return fmt.Errorf("open AAC encoder: %w", err)
	}

	as := oc.NewStream(enc)
	if as == nil {
		ctx.Free()
		return fmt.Errorf("allocate audio stream")
	}
	if err := ctx.ToCodecParameters(as.CodecParameters()); err != nil {
		ctx.Free()
		return fmt.Errorf("copy AAC codec parameters: %w", err)
	}
	as.SetTimeBase(ctx.TimeBase())

	swr := astiav.AllocSoftwareResampleContext()
	if swr == nil {
		ctx.Free()
		return fmt.Errorf("allocate resample context")
	}

	c.aEncCtx = ctx
	c.audioStream = as
	c.aSwr = swr
	c.aEncFrame = astiav.AllocFrame()
	c.aSrcFrame = astiav.AllocFrame()
	return nil
}

func (c *astiavContainer) writeVideo(s VideoSample) error {
	if c.videoStream == nil {
		return fmt.Errorf("video stream not opened")
	}
	pkt := c.videoPkt
	pkt.Unref()

	if err := pkt.AllocBuffer(len(s.Data)); err != nil {
		return fmt.Errorf("allocate packet buffer: %w", err)
	}
	copy(pkt.Data(), s.Data)
	pkt.SetPts(int64(s.PTS))
	pkt.SetDts(int64(s.PTS))
	if s.Keyframe {
		pkt.SetFlags(pkt.Flags() | astiav.PacketFlagKey)
	}
	pkt.SetStreamIndex(c.videoStream.Index())
	pkt.RescaleTs(muxTimebase, c.videoStream.TimeBase())

	if err := c.oc.WriteInterleavedFrame(pkt); err != nil {
		return fmt.Errorf("write interleaved video frame: %w", err)
	}
	return nil
}

func (c *astiavContainer) writeAudio(s AudioSample) error {
	if c.audioStream == nil {
		return fmt.Errorf("audio stream not opened")
	}

	sr := c.cfg.SampleRate
	if sr <= 0 {
		sr = 48000
	}
	channels := c.cfg.Channels
	if channels <= 0 {
		channels = 2
	}

	c.aSrcFrame.Unref()
	c.aSrcFrame.SetSampleFormat(astiav.SampleFormatS16)
	c.aSrcFrame.SetChannelLayout(astiav.ChannelLayoutDefault(channels))
	c.aSrcFrame.SetSampleRate(sr)
	c.aSrcFrame.SetNbSamples(s.FrameCount)
	if err := c.aSrcFrame.AllocBuffer(0); err != nil {
		return fmt.Errorf("allocate source frame buffer: %w", err)
	}
	if planes := c.aSrcFrame.Data(); len(planes) > 0 {
		copy(planes[0], s.PCM)
	}
	c.aSrcFrame.SetPts(rescaleToSampleClock(s.PTS, sr))

	c.aEncFrame.Unref()
	c.aEncFrame.SetSampleFormat(c.aEncCtx.SampleFormat())
	c.aEncFrame.SetChannelLayout(c.aEncCtx.ChannelLayout())
	c.aEncFrame.SetSampleRate(c.aEncCtx.SampleRate())
	c.aEncFrame.SetNbSamples(c.aEncCtx.FrameSize())
	if err := c.aEncFrame.AllocBuffer(0); err != nil {
		return fmt.Errorf("allocate encode frame buffer: %w", err)
	}
	if err := c.aSwr.ConvertFrame(c.aSrcFrame, c.aEncFrame); err != nil {
		return fmt.Errorf("resample audio frame: %w", err)
	}

	if err := c.aEncCtx.SendFrame(c.aEncFrame); err != nil && !errorsIsEagain(err) {
		return fmt.Errorf("send audio frame: %w", err)
	}
	return c.drainAudioPackets()
}

func (c *astiavContainer) drainAudioPackets() error {
	for {
		pkt := astiav.AllocPacket()
		err := c.aEncCtx.ReceivePacket(pkt)
		if err != nil {
			pkt.Free()
			if errorsIsEagain(err) || errors.Is(err, astiav.ErrEof) {
				return nil
			}
			return fmt.Errorf("receive AAC packet: %w", err)
		}

		pkt.SetStreamIndex(c.audioStream.Index())
		pkt.RescaleTs(c.aEncCtx.TimeBase(), c.audioStream.TimeBase())
		writeErr := c.oc.WriteInterleavedFrame(pkt)
		pkt.Free()
		if writeErr != nil {
			return fmt.Errorf("write interleaved audio frame: %w", writeErr)
		}
	}
}

func (c *astiavContainer) flushAudio() error {
	if c.aEncCtx == nil {
		return nil
	}
	if err := c.aEncCtx.SendFrame(nil); err != nil && !errorsIsEagain(err) {
		return fmt.Errorf("flush audio encoder: %w", err)
	}
	return c.drainAudioPackets()
}

func (c *astiavContainer) close() error {
	if c.oc == nil {
		return nil
	}

	var errs []error
	if err := c.flushAudio(); err != nil {
		errs = append(errs, err)
	}
	if err := c.oc.WriteTrailer(); err != nil {
		errs = append(errs, fmt.Errorf("write trailer: %w", err))
	}

	c.freeAll()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (c *astiavContainer) freeAudio() {
	if c.aSrcFrame != nil {
		c.aSrcFrame.Free()
		c.aSrcFrame = nil
	}
	if c.aEncFrame != nil {
		c.aEncFrame.Free()
		c.aEncFrame = nil
	}
	if c.aSwr != nil {
		c.aSwr.Free()
		c.aSwr = nil
	}
	if c.aEncCtx != nil {
		c.aEncCtx.Free()
		c.aEncCtx = nil
	}
}

func (c *astiavContainer) freeAll() {
	c.freeAudio()
	if c.videoPkt != nil {
		c.videoPkt.Free()
		c.videoPkt = nil
	}
	if c.pb != nil {
		_ = c.pb.Close()
		c.pb.Free()
		c.pb = nil
	}
	if c.oc != nil {
		c.oc.Free()
		c.oc = nil
	}
}

// rescaleToSampleClock converts a 100-ns PTS into the AAC encoder's
// sample-counted timebase (1/sampleRate).
func rescaleToSampleClock(pts clock.HNS, sampleRate int) int64 {
	return int64(pts) * int64(sampleRate) / 10_000_000
}

func errorsIsEagain(err error) bool {
	return errors.Is(err, astiav.ErrEagain)
}
