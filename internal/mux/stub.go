package mux

import (
	"log/slog"
	"os"
)

// stubContainer is a trivial container that never links against
// libavformat: it appends every sample's bytes to the staging file
// directly, which is enough for callers' tests to verify the
// staging-then-rename protocol without a real muxer backend present.
type stubContainer struct {
	f *os.File
}

func (c *stubContainer) open(stagingPath string, cfg Config) error {
	f, err := os.Create(stagingPath)
	if err != nil {
		return err
	}
	c.f = f
	return nil
}

func (c *stubContainer) writeVideo(s VideoSample) error {
	_, err := c.f.Write(s.Data)
	return err
}

func (c *stubContainer) writeAudio(s AudioSample) error {
	_, err := c.f.Write(s.PCM)
	return err
}

func (c *stubContainer) close() error {
	if c.f == nil {
		return nil
	}
	return c.f.Close()
}

// NewStub constructs a MuxWriter backed by stubContainer, for
// exercising callers' wiring around Initialize/WriteVideo/WriteAudio/
// Finalize without a real libavformat backend present.
func NewStub(log *slog.Logger) *MuxWriter {
	if log == nil {
		log = slog.Default()
	}
	return &MuxWriter{log: log, newContainer: func() container { return &stubContainer{} }}
}
