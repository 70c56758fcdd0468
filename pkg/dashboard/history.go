package dashboard

import (
	"math"
	"sync"
	"time"

	"github.com/teslashibe/go-safeflow/pkg/crowd"
	"github.com/teslashibe/go-safeflow/pkg/loop"
)

// DefaultHistorySize is the number of points kept for the risk chart.
const DefaultHistorySize = 100

// Point is one sample on the risk chart.
type Point struct {
	Time        time.Time       `json:"time"`
	Cycle       uint64          `json:"cycle"`
	RiskLevel   crowd.RiskLevel `json:"riskLevel"`
	RiskScore   int             `json:"riskScore"` // 0-100
	Density     float64         `json:"density"`
	Pressure    float64         `json:"pressure"`
	PersonCount int             `json:"personCount"`
}

// RiskScore is the larger of density and pressure as a 0-100 score.
func RiskScore(m crowd.Metrics) int {
	return int(math.Round(math.Max(m.Density, m.Pressure) * 100))
}

// History is a bounded ring of recent results.
type History struct {
	mu     sync.RWMutex
	size   int
	points []Point
	last   *crowd.AnalysisResult
}

// NewHistory creates a history holding at most size points.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{size: size, points: make([]Point, 0, size)}
}

// Add appends a result. Nil results are ignored.
func (h *History) Add(cycle uint64, at time.Time, r *crowd.AnalysisResult) {
	if r == nil {
		return
	}
	p := Point{
		Time:        at,
		Cycle:       cycle,
		RiskLevel:   r.RiskLevel,
		RiskScore:   RiskScore(r.Metrics),
		Density:     r.Metrics.Density,
		Pressure:    r.Metrics.Pressure,
		PersonCount: r.PersonCount(),
	}

	h.mu.Lock()
	h.points = append(h.points, p)
	if len(h.points) > h.size {
		h.points = h.points[1:]
	}
	h.mu.Unlock()
}

// Points returns a copy of the history, oldest first.
func (h *History) Points() []Point {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Point, len(h.points))
	copy(out, h.points)
	return out
}

// Clear drops every point.
func (h *History) Clear() {
	h.mu.Lock()
	h.points = h.points[:0]
	h.mu.Unlock()
}

// Observe records the result carried by snap if it has not been seen yet.
// It is meant to be passed to loop.Controller.Subscribe.
func (h *History) Observe(snap loop.Snapshot) {
	h.mu.Lock()
	if snap.LastResult == nil || snap.LastResult == h.last {
		h.mu.Unlock()
		return
	}
	h.last = snap.LastResult
	h.mu.Unlock()

	h.Add(snap.Cycle, snap.UpdatedAt, snap.LastResult)
}
