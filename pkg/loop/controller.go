// Package loop drives periodic crowd analysis of a frame source.
//
// The controller captures a frame, sends it to the analyzer and, only once
// the call has settled, arms a timer for the next cycle. There is never more
// than one analyzer call outstanding, including across stop and restart.
// Any analysis failure stops the loop.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-safeflow/pkg/crowd"
	"github.com/teslashibe/go-safeflow/pkg/inference"
	"github.com/teslashibe/go-safeflow/pkg/source"
)

// FailureMessage is the user-facing error stored when a cycle fails.
const FailureMessage = "Analysis failed. Check API key and network."

var (
	// ErrSourceNotReady is returned by Start when the source has no device attached.
	ErrSourceNotReady = errors.New("loop: source not ready")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("loop: controller closed")
)

// Outcome classifies a finished cycle.
type Outcome string

// Cycle outcomes.
const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDiscarded Outcome = "discarded"
)

// Hooks are optional callbacks for instrumentation.
type Hooks struct {
	// OnCycle is called after every tick that did not bail out early.
	OnCycle func(outcome Outcome, latency time.Duration)

	// OnInflight is called with 1 when a call starts and -1 when it settles.
	OnInflight func(delta int)
}

// Snapshot is the observable state of a controller. LastResult and LastFrame
// are shared and must be treated as read-only.
type Snapshot struct {
	Running     bool
	Pending     bool
	LastError   string
	LastResult  *crowd.AnalysisResult
	LastFrame   *source.Frame
	Source      source.Kind
	Cycle       uint64
	UpdatedAt   time.Time
	LastLatency time.Duration
}

// Controller runs the analysis loop for one source.
type Controller struct {
	src      source.Source
	analyzer inference.Analyzer
	policy   Policy
	hooks    Hooks
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	running     bool
	closed      bool
	run         uint64 // invalidated on every stop
	timer       *time.Timer
	inflight    bool // an analyzer call is outstanding, possibly from an older run
	resume      bool // a tick was deferred until the outstanding call settles
	pending     bool
	lastErr     string
	lastResult  *crowd.AnalysisResult
	lastFrame   *source.Frame
	cycle       uint64
	updatedAt   time.Time
	lastLatency time.Duration

	notifyMu sync.Mutex
	subs     map[int]func(Snapshot)
	nextSub  int
}

// Option configures a Controller.
type Option func(*Controller)

// WithPolicy overrides the delay policy.
func WithPolicy(p Policy) Option {
	return func(c *Controller) { c.policy = p }
}

// WithHooks installs instrumentation hooks.
func WithHooks(h Hooks) Option {
	return func(c *Controller) { c.hooks = h }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithContext sets the parent context for analyzer calls. Calls are
// cancelled only when it is done or the controller is closed.
func WithContext(ctx context.Context) Option {
	return func(c *Controller) { c.ctx = ctx }
}

// New creates a stopped controller. Both collaborators are required.
func New(src source.Source, analyzer inference.Analyzer, opts ...Option) (*Controller, error) {
	if src == nil {
		return nil, errors.New("loop: source required")
	}
	if analyzer == nil {
		return nil, errors.New("loop: analyzer required")
	}

	c := &Controller{
		src:      src,
		analyzer: analyzer,
		policy:   DefaultPolicy(),
		logger:   slog.Default(),
		ctx:      context.Background(),
		subs:     make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(c.ctx)
	c.logger = c.logger.With("component", "loop", "source", src.Kind())
	return c, nil
}

// Start begins analysis. It is a no-op when already running.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if !c.src.Ready() {
		c.mu.Unlock()
		return ErrSourceNotReady
	}
	c.running = true
	c.run++
	token := c.run
	c.mu.Unlock()

	if p, ok := c.src.(source.Playable); ok {
		p.Play()
	}
	c.logger.Info("analysis started", "delay", c.policy.DelayFor(c.src.Kind()))
	c.notify()

	c.tick(token)
	return nil
}

// Stop halts the loop. The last result and error stay visible.
// It is a no-op when already stopped.
func (c *Controller) Stop() {
	c.mu.Lock()
	stopped := c.stopLocked()
	c.mu.Unlock()

	if stopped {
		c.pauseSource()
		c.logger.Info("analysis stopped")
		c.notify()
	}
}

// stopLocked transitions to Stopped. Reports whether anything changed.
func (c *Controller) stopLocked() bool {
	if !c.running {
		return false
	}
	c.running = false
	c.run++
	c.pending = false
	c.resume = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return true
}

// Reset stops the loop and discards the last result and error.
func (c *Controller) Reset() {
	c.mu.Lock()
	stopped := c.stopLocked()
	// Bump the token even when already stopped so an outstanding
	// call from the previous run cannot repopulate the state.
	if !stopped {
		c.run++
	}
	c.lastResult = nil
	c.lastFrame = nil
	c.lastErr = ""
	c.lastLatency = 0
	c.updatedAt = time.Now()
	c.mu.Unlock()

	if stopped {
		c.pauseSource()
	}
	c.notify()
}

// Toggle starts a stopped loop or stops a running one.
func (c *Controller) Toggle() error {
	if c.Running() {
		c.Stop()
		return nil
	}
	return c.Start()
}

// Close stops the loop and cancels any outstanding analyzer call.
func (c *Controller) Close() {
	c.mu.Lock()
	c.stopLocked()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
}

// Running reports whether the loop is running.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Running:     c.running,
		Pending:     c.pending,
		LastError:   c.lastErr,
		LastResult:  c.lastResult,
		LastFrame:   c.lastFrame,
		Source:      c.src.Kind(),
		Cycle:       c.cycle,
		UpdatedAt:   c.updatedAt,
		LastLatency: c.lastLatency,
	}
}

// Subscribe registers fn to receive a snapshot after every state change.
// fn runs synchronously and must not call Start, Stop, Reset or Toggle.
// The returned function removes the subscription.
func (c *Controller) Subscribe(fn func(Snapshot)) (cancel func()) {
	c.notifyMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.notifyMu.Unlock()

	return func() {
		c.notifyMu.Lock()
		delete(c.subs, id)
		c.notifyMu.Unlock()
	}
}

func (c *Controller) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if len(c.subs) == 0 {
		return
	}
	snap := c.Snapshot()
	for _, fn := range c.subs {
		fn(snap)
	}
}

func (c *Controller) pauseSource() {
	if p, ok := c.src.(source.Playable); ok {
		p.Pause()
	}
}

// scheduleLocked arms the timer for the next cycle of run token.
func (c *Controller) scheduleLocked(token uint64) {
	delay := c.policy.DelayFor(c.src.Kind())
	c.timer = time.AfterFunc(delay, func() { c.tick(token) })
}

// tick runs one cycle for run token.
func (c *Controller) tick(token uint64) {
	c.mu.Lock()
	if !c.running || c.run != token {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	if c.inflight {
		// A call from a previous run has not settled yet.
		c.resume = true
		c.mu.Unlock()
		c.logger.Debug("tick deferred, previous call outstanding")
		return
	}
	c.mu.Unlock()

	// Capture may call back into Stop (file end), so no lock here.
	frame := c.src.Capture()

	c.mu.Lock()
	if !c.running || c.run != token {
		c.mu.Unlock()
		return
	}
	if frame == nil {
		c.scheduleLocked(token)
		c.mu.Unlock()
		c.logger.Debug("no frame, tick skipped")
		c.onCycle(OutcomeSkipped, 0)
		return
	}
	c.inflight = true
	c.pending = true
	c.lastErr = ""
	c.cycle++
	cycle := c.cycle
	c.mu.Unlock()

	c.onInflight(1)
	c.notify()
	go c.analyze(token, cycle, frame)
}

// analyze performs the remote call and settles the cycle.
func (c *Controller) analyze(token, cycle uint64, frame *source.Frame) {
	start := time.Now()
	result, err := c.analyzer.Analyze(c.ctx, frame)
	latency := time.Since(start)
	if err == nil && result == nil {
		err = inference.ErrEmptyResponse
	}
	c.onInflight(-1)

	c.mu.Lock()
	c.inflight = false

	if c.run != token {
		resume := c.resume && c.running
		c.resume = false
		current := c.run
		c.mu.Unlock()

		c.logger.Debug("discarding result of superseded run", "cycle", cycle, "error", err)
		c.onCycle(OutcomeDiscarded, latency)
		if resume {
			c.tick(current)
		}
		return
	}

	c.pending = false
	c.lastLatency = latency
	c.updatedAt = time.Now()

	if err != nil {
		c.lastErr = FailureMessage
		c.stopLocked()
		c.mu.Unlock()

		c.logger.Error("analysis failed, stopping",
			"cycle", cycle,
			"error", err,
			"retryable", inference.IsRetryable(err),
			"latency_ms", latency.Milliseconds(),
		)
		c.pauseSource()
		c.onCycle(OutcomeFailure, latency)
		c.notify()
		return
	}

	c.lastResult = result
	c.lastFrame = frame
	if c.running {
		c.scheduleLocked(token)
	}
	c.mu.Unlock()

	c.logger.Debug("cycle complete",
		"cycle", cycle,
		"people", result.PersonCount(),
		"risk", result.RiskLevel,
		"latency_ms", latency.Milliseconds(),
	)
	c.onCycle(OutcomeSuccess, latency)
	c.notify()
}

func (c *Controller) onCycle(o Outcome, latency time.Duration) {
	if c.hooks.OnCycle != nil {
		c.hooks.OnCycle(o, latency)
	}
}

func (c *Controller) onInflight(delta int) {
	if c.hooks.OnInflight != nil {
		c.hooks.OnInflight(delta)
	}
}
