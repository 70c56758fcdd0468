package source

import "sync/atomic"

// Tracker counts device acquisitions and releases so that pairing can be
// checked by tests and exported as metrics.
type Tracker struct {
	acquired atomic.Int64
	released atomic.Int64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) acquire() {
	if t != nil {
		t.acquired.Add(1)
	}
}

func (t *Tracker) release() {
	if t != nil {
		t.released.Add(1)
	}
}

// Acquired returns the number of devices opened.
func (t *Tracker) Acquired() int64 { return t.acquired.Load() }

// Released returns the number of devices closed.
func (t *Tracker) Released() int64 { return t.released.Load() }

// Open returns the number of devices currently held.
func (t *Tracker) Open() int64 { return t.Acquired() - t.Released() }
