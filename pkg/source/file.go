package source

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// File is a video file source. It starts paused; the analysis loop plays it
// while running. Capture returns nil whenever playback is paused.
type File struct {
	dev    FileDevice
	path   string
	opts   options
	logger *slog.Logger

	mu        sync.Mutex
	closed    bool
	paused    bool
	offset    time.Duration // accumulated playback time before the current play
	playStart time.Time
	seq       uint64
	fps       float64
	frames    int
}

// CheckVideoMIME returns ErrNotVideo unless the file sniffs as video/*.
func CheckVideoMIME(path string) (string, error) {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("detect mime: %w", err)
	}
	if !strings.HasPrefix(m.String(), "video/") {
		return m.String(), fmt.Errorf("%w: %s", ErrNotVideo, m.String())
	}
	return m.String(), nil
}

// OpenFile validates and opens a video file.
func OpenFile(path string, open FileOpener, opts ...Option) (*File, error) {
	o := buildOptions(opts)
	logger := o.logger.With("component", "source.file", "path", path)

	mime, err := CheckVideoMIME(path)
	if err != nil {
		return nil, &AcquisitionError{Kind: KindFile, Err: err}
	}

	dev, err := open(path)
	if err != nil {
		if dev != nil {
			dev.Close()
		}
		return nil, &AcquisitionError{Kind: KindFile, Err: err}
	}
	o.tracker.acquire()

	fps := dev.FPS()
	if fps <= 0 {
		fps = 25
	}
	logger.Info("video loaded", "mime", mime, "fps", fps, "frames", dev.FrameCount())

	return &File{
		dev:    dev,
		path:   path,
		opts:   o,
		logger: logger,
		paused: true,
		fps:    fps,
		frames: dev.FrameCount(),
	}, nil
}

// Kind implements Source.
func (f *File) Kind() Kind { return KindFile }

// Path returns the file path.
func (f *File) Path() string { return f.path }

// Ready implements Source.
func (f *File) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

// Play resumes playback from the current position, or from the start
// when a previous run reached the end.
func (f *File) Play() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || !f.paused {
		return
	}
	if f.frames > 0 && f.offset >= f.duration() {
		f.offset = 0
	}
	f.paused = false
	f.playStart = f.opts.now()
}

// Pause freezes playback at the current position.
func (f *File) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauseLocked()
}

func (f *File) pauseLocked() {
	if f.paused {
		return
	}
	f.offset += f.opts.now().Sub(f.playStart)
	f.paused = true
}

// Paused reports whether playback is paused.
func (f *File) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

// Position returns the current playback position.
func (f *File) Position() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positionLocked()
}

func (f *File) positionLocked() time.Duration {
	if f.paused {
		return f.offset
	}
	return f.offset + f.opts.now().Sub(f.playStart)
}

func (f *File) duration() time.Duration {
	return time.Duration(float64(f.frames) / f.fps * float64(time.Second))
}

// Capture returns the frame at the current playback position.
// A paused file yields nil. When a non-looping clip reaches its end,
// playback pauses and the OnEnded callback fires.
func (f *File) Capture() *Frame {
	f.mu.Lock()
	if f.closed || f.paused {
		f.mu.Unlock()
		return nil
	}

	index := int(f.positionLocked().Seconds() * f.fps)
	if f.frames > 0 && index >= f.frames {
		if !f.opts.loop {
			f.pauseLocked()
			f.offset = f.duration()
			onEnded := f.opts.onEnded
			f.mu.Unlock()
			f.logger.Info("playback ended")
			if onEnded != nil {
				onEnded()
			}
			return nil
		}
		index %= f.frames
	}

	frame := f.readLocked(index)
	f.mu.Unlock()
	return frame
}

func (f *File) readLocked(index int) *Frame {
	if err := f.dev.Seek(index); err != nil {
		f.logger.Debug("seek failed", "frame", index, "error", err)
		return nil
	}
	img, err := f.dev.Read()
	if err != nil {
		f.logger.Debug("read skipped", "frame", index, "error", err)
		return nil
	}
	f.seq++
	frame, err := encodeFrame(img, f.opts.quality, f.seq, f.opts.now())
	if err != nil {
		f.logger.Warn("frame encode failed", "error", err)
		return nil
	}
	return frame
}

// Close releases the decoder. Only the first call releases the device.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.paused = true
	f.opts.tracker.release()
	f.logger.Info("video released")
	return f.dev.Close()
}

var (
	_ Source   = (*File)(nil)
	_ Playable = (*File)(nil)
)
