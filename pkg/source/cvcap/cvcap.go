// Package cvcap opens cameras and video files with OpenCV (gocv) and adapts
// them to the source.Device interfaces.
package cvcap

import (
	"fmt"
	"image"
	"sync"

	"github.com/teslashibe/go-safeflow/pkg/source"
	"gocv.io/x/gocv"
)

// Requested camera resolution.
const (
	DefaultWidth  = 1280
	DefaultHeight = 720
)

// capture wraps a gocv.VideoCapture and a reusable Mat.
type capture struct {
	mu  sync.Mutex
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

// OpenCamera returns an opener for the camera at the given device index.
func OpenCamera(index, width, height int) source.LiveOpener {
	return func() (source.Device, error) {
		vc, err := gocv.OpenVideoCapture(index)
		if err != nil {
			return nil, fmt.Errorf("open camera %d: %w", index, err)
		}
		if !vc.IsOpened() {
			vc.Close()
			return nil, fmt.Errorf("camera %d not opened", index)
		}

		if width > 0 && height > 0 {
			vc.Set(gocv.VideoCaptureFrameWidth, float64(width))
			vc.Set(gocv.VideoCaptureFrameHeight, float64(height))
		}
		// Keep only the newest frame so a slow loop never reads stale ones
		vc.Set(gocv.VideoCaptureBufferSize, 1)

		return &capture{vc: vc, mat: gocv.NewMat()}, nil
	}
}

// Read grabs the next frame and converts it to an image.
func (c *capture) Read() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ok := c.vc.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, source.ErrNoFrame
	}
	return c.mat.ToImage()
}

// Close releases the Mat and the capture handle.
func (c *capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mat.Close()
	return c.vc.Close()
}

// fileCapture adds seeking on top of capture.
type fileCapture struct {
	capture
	fps    float64
	frames int
}

// OpenVideoFile is a source.FileOpener backed by OpenCV's file decoder.
func OpenVideoFile(path string) (source.FileDevice, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("open video %s: %w", path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("video %s not opened", path)
	}

	return &fileCapture{
		capture: capture{vc: vc, mat: gocv.NewMat()},
		fps:     vc.Get(gocv.VideoCaptureFPS),
		frames:  int(vc.Get(gocv.VideoCaptureFrameCount)),
	}, nil
}

// FPS returns the container frame rate.
func (f *fileCapture) FPS() float64 { return f.fps }

// FrameCount returns the number of frames, or 0 if unknown.
func (f *fileCapture) FrameCount() int { return f.frames }

// Seek positions the decoder at the given frame index.
func (f *fileCapture) Seek(frame int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if frame < 0 {
		return fmt.Errorf("seek: negative frame %d", frame)
	}
	f.vc.Set(gocv.VideoCapturePosFrames, float64(frame))
	return nil
}

var (
	_ source.Device     = (*capture)(nil)
	_ source.FileDevice = (*fileCapture)(nil)
)
