package source

import (
	"log/slog"
	"sync"
)

// Live is a camera source. It is ready as soon as OpenLive returns and
// stays ready until Close.
type Live struct {
	dev    Device
	opts   options
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
	seq    uint64
}

// OpenLive acquires the camera. On failure any partially opened device is
// released and an *AcquisitionError is returned; no retry is attempted.
func OpenLive(open LiveOpener, opts ...Option) (*Live, error) {
	o := buildOptions(opts)
	logger := o.logger.With("component", "source.live")

	dev, err := open()
	if err != nil {
		if dev != nil {
			dev.Close()
		}
		logger.Warn("camera acquisition failed", "error", err)
		return nil, &AcquisitionError{Kind: KindLive, Err: err}
	}
	o.tracker.acquire()
	logger.Info("camera acquired")

	return &Live{dev: dev, opts: o, logger: logger}, nil
}

// Kind implements Source.
func (l *Live) Kind() Kind { return KindLive }

// Ready implements Source.
func (l *Live) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

// Capture reads the latest camera image. Read failures yield nil.
func (l *Live) Capture() *Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}

	img, err := l.dev.Read()
	if err != nil {
		l.logger.Debug("camera read skipped", "error", err)
		return nil
	}
	l.seq++
	frame, err := encodeFrame(img, l.opts.quality, l.seq, l.opts.now())
	if err != nil {
		l.logger.Warn("frame encode failed", "error", err)
		return nil
	}
	return frame
}

// Close stops the camera stream. Only the first call releases the device.
func (l *Live) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.opts.tracker.release()
	l.logger.Info("camera released")
	return l.dev.Close()
}

var _ Source = (*Live)(nil)
