package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-safeflow/pkg/crowd"
	"github.com/teslashibe/go-safeflow/pkg/loop"
)

// Recorder reports the density of every new analysis result.
type Recorder struct {
	store    *Store
	source   string
	location string
	timeout  time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	last *crowd.AnalysisResult
}

// NewRecorder creates a recorder that files reports under location.
func NewRecorder(store *Store, source, location string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:    store,
		source:   source,
		location: location,
		timeout:  5 * time.Second,
		logger:   logger.With("component", "events.recorder"),
	}
}

// Observe is a loop subscriber. Each result is reported once.
func (r *Recorder) Observe(snap loop.Snapshot) {
	r.mu.Lock()
	if snap.LastResult == nil || snap.LastResult == r.last {
		r.mu.Unlock()
		return
	}
	r.last = snap.LastResult
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	_, err := r.store.Report(ctx, Input{
		Source:    r.source + "/" + string(snap.Source),
		Location:  r.location,
		Density:   clampPercent(snap.LastResult.Metrics.Density * 100),
		RiskLevel: string(snap.LastResult.RiskLevel),
	})
	if err != nil {
		r.logger.Warn("report failed", "error", err)
	}
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
