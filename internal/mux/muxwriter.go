// Package mux implements the staging-then-rename MP4 writer of §4.7:
// a single H.264 video stream and one AAC audio stream, written under
// an advisory exclusive-write lock on the staging path and promoted to
// the final path by rename only after the container closes cleanly.
package mux

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/screenrec/corepipe/internal/clock"
	"github.com/screenrec/corepipe/internal/lock"
)

// Config describes the two streams declared at Initialize.
type Config struct {
	Width, Height, FPS int
	VideoBitrateBPS    int64

	SampleRate, Channels int
	AudioBitrateBPS      int64
}

// VideoSample is one compressed H.264 access unit, already produced by
// the encoder (C6) — MuxWriter never re-encodes video, only muxes it.
type VideoSample struct {
	Data     []byte
	PTS      clock.HNS
	Keyframe bool
}

// AudioSample is one raw interleaved-PCM packet from the audio
// adapter. Unlike video, MuxWriter owns the AAC encode for audio (the
// audio adapter only resamples to the mux's declared rate/channels),
// mirroring the reference recorder's single AAC encoder living beside
// the muxer rather than as a separate pipeline stage.
type AudioSample struct {
	PCM        []byte
	FrameCount int
	PTS        clock.HNS
	Silence    bool
}

// ErrAlreadyFinalized is returned by a second Finalize call for a
// session — enforcing I5 (at-most-once finalization).
var ErrAlreadyFinalized = errors.New("mux: finalize already ran for this session")

// ErrNotInitialized is returned by Write*/Finalize before Initialize
// has succeeded.
var ErrNotInitialized = errors.New("mux: not initialized")

// ErrClosed is returned by Write* calls made after Finalize.
var ErrClosed = errors.New("mux: write after finalize")

// container is the narrow interface a concrete libavformat-backed
// muxer implements. MuxWriter's lock/at-most-once-finalize protocol is
// pure with respect to this interface, so it is exercised with a fake
// in tests without linking against libavformat.
type container interface {
	open(stagingPath string, cfg Config) error
	writeVideo(s VideoSample) error
	writeAudio(s AudioSample) error
	// close flushes and finalizes the container (WriteTrailer
	// equivalent) and releases every resource it opened. Safe to call
	// exactly once; MuxWriter never calls it twice.
	close() error
}

type containerFactory func() container

// MuxWriter writes a single session's MP4 under the staging-then-
// rename protocol. The zero value is not usable; construct with New.
type MuxWriter struct {
	log          *slog.Logger
	newContainer containerFactory

	mu           sync.Mutex
	c            container
	fileLock     *lock.FileLock
	stagingPath  string
	finalPath    string
	finalized    bool
	bytesWritten uint64
}

// New constructs a MuxWriter backed by the real astiav/libavformat
// container.
func New(log *slog.Logger) *MuxWriter {
	if log == nil {
		log = slog.Default()
	}
	return &MuxWriter{log: log, newContainer: newAstiavContainer}
}

// Initialize creates the MP4 container at stagingPath (whose name must
// end in ".partial.mp4"), declares the video/audio streams per cfg,
// begins writing, and attempts to hold an exclusive advisory lock on
// stagingPath for the session's lifetime. A failure to acquire the
// lock is logged and treated as non-fatal per §4.7 step 2 — recording
// proceeds with weaker external-writer protection.
func (w *MuxWriter) Initialize(stagingPath, finalPath string, cfg Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.c != nil {
		return fmt.Errorf("mux: already initialized")
	}

	c := w.newContainer()
	if err := c.open(stagingPath, cfg); err != nil {
		return fmt.Errorf("mux: open container: %w", err)
	}

	fl, err := lock.NewContentFileLock(stagingPath)
	if err != nil {
		w.log.Warn("file lock unavailable; recovery guarantees weaker", "path", stagingPath, "error", err)
	} else if err := fl.Acquire(0); err != nil {
		w.log.Warn("file-lock acquisition failed; recovery guarantees weaker", "path", stagingPath, "error", err)
	} else {
		w.fileLock = fl
	}

	w.c = c
	w.stagingPath = stagingPath
	w.finalPath = finalPath
	w.log.Info("mux initialized", "staging_path", stagingPath, "final_path", finalPath,
		"width", cfg.Width, "height", cfg.Height, "fps", cfg.FPS)
	return nil
}

// WriteVideo forwards a compressed H.264 access unit to the
// container. The caller must have already ordered samples within the
// video stream (I1); cross-stream interleaving is the muxer's job.
func (w *MuxWriter) WriteVideo(s VideoSample) error {
	w.mu.Lock()
	c, closed := w.c, w.finalized
	w.mu.Unlock()

	if c == nil {
		return ErrNotInitialized
	}
	if closed {
		return ErrClosed
	}
	if err := c.writeVideo(s); err != nil {
		return fmt.Errorf("mux: write video: %w", err)
	}

	w.mu.Lock()
	w.bytesWritten += uint64(len(s.Data))
	w.mu.Unlock()
	return nil
}

// WriteAudio forwards a raw PCM packet, encoding it to AAC internally
// before muxing.
func (w *MuxWriter) WriteAudio(s AudioSample) error {
	w.mu.Lock()
	c, closed := w.c, w.finalized
	w.mu.Unlock()

	if c == nil {
		return ErrNotInitialized
	}
	if closed {
		return ErrClosed
	}
	if err := c.writeAudio(s); err != nil {
		return fmt.Errorf("mux: write audio: %w", err)
	}

	w.mu.Lock()
	w.bytesWritten += uint64(len(s.PCM))
	w.mu.Unlock()
	return nil
}

// Finalize closes the muxer, releases the lock, and renames
// stagingPath to finalPath, replacing any existing target. It runs at
// most once per session (I5): a second call returns ErrAlreadyFinalized
// without touching the filesystem again. If the container fails to
// close or the rename fails, the staging file remains on disk for the
// orphan-recovery flow and Finalize returns a non-nil error.
func (w *MuxWriter) Finalize() error {
	w.mu.Lock()
	if w.finalized {
		w.mu.Unlock()
		return ErrAlreadyFinalized
	}
	// Gate before doing any work: a concurrent second call always
	// observes finalized=true, even if this call's close/rename later
	// fails.
	w.finalized = true
	c := w.c
	fl := w.fileLock
	staging, final := w.stagingPath, w.finalPath
	w.mu.Unlock()

	var closeErr error
	if c != nil {
		closeErr = c.close()
	}

	if fl != nil {
		if err := fl.Release(); err != nil {
			w.log.Warn("release file lock", "path", staging, "error", err)
		}
	}

	if closeErr != nil {
		w.log.Error("finalize: container close failed; staging file remains for recovery",
			"staging_path", staging, "error", closeErr)
		return fmt.Errorf("mux: close container: %w", closeErr)
	}

	if err := os.Rename(staging, final); err != nil {
		w.log.Error("finalize: rename failed; staging file remains for recovery",
			"staging_path", staging, "final_path", final, "error", err)
		return fmt.Errorf("mux: rename staging to final: %w", err)
	}

	w.log.Info("finalize succeeded", "final_path", final, "bytes_written", w.BytesWritten())
	return nil
}

// BytesWritten returns the running byte counter (File context §3):
// total bytes handed to WriteVideo/WriteAudio so far.
func (w *MuxWriter) BytesWritten() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytesWritten
}

// StagingPath returns the path passed to Initialize.
func (w *MuxWriter) StagingPath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stagingPath
}

// FinalPath returns the path Finalize renames to on success.
func (w *MuxWriter) FinalPath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finalPath
}
