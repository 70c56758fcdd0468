// Package source provides the frame sources the analysis loop pulls from.
//
// A Source is either a live camera or a loaded video file. Capture is a
// synchronous pull that returns nil when no frame is available; callers
// treat nil as "skip this tick", never as an error.
package source

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"time"
)

// Kind distinguishes live and file sources. It also selects the loop delay.
type Kind string

// Source kinds.
const (
	KindLive Kind = "live"
	KindFile Kind = "file"
)

// DefaultQuality is the JPEG quality used for frames sent to the analyzer.
const DefaultQuality = 80

// Sentinel errors.
var (
	// ErrSourceAcquisition is wrapped by every AcquisitionError.
	ErrSourceAcquisition = errors.New("source: acquisition failed")

	// ErrNotVideo is returned when a file is not a video.
	ErrNotVideo = errors.New("source: file is not a video")

	// ErrNoFrame is returned by devices with nothing to read.
	ErrNoFrame = errors.New("source: no frame available")
)

// CameraErrorMessage is shown to the user when the camera cannot be opened.
const CameraErrorMessage = "Could not access camera. Please check permissions."

// AcquisitionError reports a failure to open a device.
type AcquisitionError struct {
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("source [%s]: acquisition failed: %v", e.Kind, e.Err)
}

// Unwrap returns both the sentinel and the device error.
func (e *AcquisitionError) Unwrap() []error {
	return []error{ErrSourceAcquisition, e.Err}
}

// UserMessage is the text surfaced on the dashboard.
func (e *AcquisitionError) UserMessage() string {
	if e.Kind == KindLive {
		return CameraErrorMessage
	}
	return "Could not load video file."
}

// Frame is one JPEG-encoded still sampled from a source.
type Frame struct {
	JPEG       []byte
	Width      int
	Height     int
	CapturedAt time.Time
	Seq        uint64
}

// Source produces frames on demand.
type Source interface {
	// Kind reports whether this is a live or file source.
	Kind() Kind

	// Ready is true once the device is attached and frames can be pulled.
	Ready() bool

	// Capture returns the current frame or nil if none is available.
	Capture() *Frame

	// Close releases the underlying device. Safe to call more than once.
	Close() error
}

// Playable is implemented by sources with a play/pause concept.
// Only file sources are playable; live sources cannot be paused.
type Playable interface {
	Play()
	Pause()
	Paused() bool
}

// Device is a capture backend (a camera or a decoded file).
type Device interface {
	Read() (image.Image, error)
	Close() error
}

// FileDevice is a seekable device backed by a video file.
type FileDevice interface {
	Device
	FPS() float64
	FrameCount() int
	Seek(frame int) error
}

// LiveOpener opens a camera device.
type LiveOpener func() (Device, error)

// FileOpener opens a video file device.
type FileOpener func(path string) (FileDevice, error)

// options shared by both source kinds.
type options struct {
	quality int
	tracker *Tracker
	logger  *slog.Logger
	now     func() time.Time
	loop    bool
	onEnded func()
}

// Option configures a source.
type Option func(*options)

// WithQuality sets the JPEG quality (1-100).
func WithQuality(q int) Option {
	return func(o *options) {
		if q > 0 && q <= 100 {
			o.quality = q
		}
	}
}

// WithTracker records acquisitions and releases on t.
func WithTracker(t *Tracker) Option {
	return func(o *options) { o.tracker = t }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the wall clock used for file playback.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLoop controls whether file playback wraps around at the end.
func WithLoop(loop bool) Option {
	return func(o *options) { o.loop = loop }
}

// WithOnEnded is called once each time non-looping playback reaches the end.
func WithOnEnded(fn func()) Option {
	return func(o *options) { o.onEnded = fn }
}

func buildOptions(opts []Option) options {
	o := options{
		quality: DefaultQuality,
		logger:  slog.Default(),
		now:     time.Now,
		loop:    true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// encodeFrame converts a decoded image into a Frame.
func encodeFrame(img image.Image, quality int, seq uint64, at time.Time) (*Frame, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	b := img.Bounds()
	return &Frame{
		JPEG:       buf.Bytes(),
		Width:      b.Dx(),
		Height:     b.Dy(),
		CapturedAt: at,
		Seq:        seq,
	}, nil
}
