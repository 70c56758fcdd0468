package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/go-safeflow/pkg/crowd"
	"github.com/teslashibe/go-safeflow/pkg/source"
)

// fakeSource is a scripted source.
type fakeSource struct {
	kind  source.Kind
	ready bool

	mu      sync.Mutex
	nilNext bool // return nil frames
	seq     uint64
	plays   int
	pauses  int
	paused  bool
}

func newFakeSource(kind source.Kind) *fakeSource {
	return &fakeSource{kind: kind, ready: true, paused: kind == source.KindFile}
}

func (s *fakeSource) Kind() source.Kind { return s.kind }
func (s *fakeSource) Ready() bool       { return s.ready }
func (s *fakeSource) Close() error      { return nil }

func (s *fakeSource) Capture() *source.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nilNext {
		return nil
	}
	s.seq++
	return &source.Frame{JPEG: []byte{0xff, 0xd8}, Width: 640, Height: 480, Seq: s.seq}
}

func (s *fakeSource) setNil(v bool) {
	s.mu.Lock()
	s.nilNext = v
	s.mu.Unlock()
}

// playableSource adds play/pause to fakeSource.
type playableSource struct{ *fakeSource }

func (s playableSource) Play() {
	s.mu.Lock()
	s.plays++
	s.paused = false
	s.mu.Unlock()
}

func (s playableSource) Pause() {
	s.mu.Lock()
	s.pauses++
	s.paused = true
	s.mu.Unlock()
}

func (s playableSource) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// gatedAnalyzer blocks every call until released and tracks concurrency.
type gatedAnalyzer struct {
	gate chan struct{}

	errMu sync.Mutex
	err   error

	calls    atomic.Int32
	active   atomic.Int32
	maxSeen  atomic.Int32
	mu       sync.Mutex
	started  []time.Time
	finished []time.Time
}

func newGatedAnalyzer() *gatedAnalyzer {
	return &gatedAnalyzer{gate: make(chan struct{}, 64)}
}

// openAnalyzer never blocks.
func openAnalyzer(err error) *gatedAnalyzer {
	return &gatedAnalyzer{err: err}
}

func (a *gatedAnalyzer) Analyze(ctx context.Context, frame *source.Frame) (*crowd.AnalysisResult, error) {
	a.calls.Add(1)
	n := a.active.Add(1)
	for {
		m := a.maxSeen.Load()
		if n <= m || a.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	a.mu.Lock()
	a.started = append(a.started, time.Now())
	a.mu.Unlock()

	defer func() {
		a.active.Add(-1)
		a.mu.Lock()
		a.finished = append(a.finished, time.Now())
		a.mu.Unlock()
	}()

	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	a.errMu.Lock()
	err := a.err
	a.errMu.Unlock()
	if err != nil {
		return nil, err
	}
	return &crowd.AnalysisResult{
		People:    []crowd.Person{{Box: crowd.BoundingBox{X: 0.1, Y: 0.1, Width: 0.2, Height: 0.2}}},
		Metrics:   crowd.Metrics{Density: 0.1},
		Heatmap:   []crowd.HeatmapPoint{},
		RiskLevel: crowd.RiskSafe,
	}, nil
}

func (a *gatedAnalyzer) Close() error { return nil }

func (a *gatedAnalyzer) setErr(err error) {
	a.errMu.Lock()
	a.err = err
	a.errMu.Unlock()
}

func (a *gatedAnalyzer) release() { a.gate <- struct{}{} }

func (a *gatedAnalyzer) timeline() (started, finished []time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]time.Time(nil), a.started...), append([]time.Time(nil), a.finished...)
}

var errRemote = errors.New("remote unavailable")

// fastPolicy keeps tests quick while preserving the live/file ordering.
var fastPolicy = Policy{Live: 40 * time.Millisecond, File: 15 * time.Millisecond}

func newTestController(t *testing.T, src source.Source, a *gatedAnalyzer, opts ...Option) *Controller {
	t.Helper()
	opts = append([]Option{WithPolicy(fastPolicy)}, opts...)
	c, err := New(src, a, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
	})
	return c
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
