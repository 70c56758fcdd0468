package source

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeDevice is an in-memory Device/FileDevice.
type fakeDevice struct {
	mu      sync.Mutex
	fps     float64
	frames  int
	readErr error
	reads   int
	seeks   []int
	closes  int
}

func (d *fakeDevice) Read() (image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readErr != nil {
		return nil, d.readErr
	}
	d.reads++
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	return img, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *fakeDevice) FPS() float64    { return d.fps }
func (d *fakeDevice) FrameCount() int { return d.frames }

func (d *fakeDevice) Seek(frame int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seeks = append(d.seeks, frame)
	return nil
}

func (d *fakeDevice) lastSeek() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.seeks) == 0 {
		return -1
	}
	return d.seeks[len(d.seeks)-1]
}

// manualClock is a controllable time source.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// writeVideoFile writes a minimal MP4 header that sniffs as video/mp4.
func writeVideoFile(t *testing.T) string {
	t.Helper()
	header := []byte{
		0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p',
		'm', 'p', '4', '2', 0x00, 0x00, 0x00, 0x00,
		'm', 'p', '4', '2', 'i', 's', 'o', 'm',
	}
	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, header, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

var errBusy = errors.New("device busy")
