package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/teslashibe/go-safeflow/pkg/crowd"
	"github.com/teslashibe/go-safeflow/pkg/events"
	"github.com/teslashibe/go-safeflow/pkg/loop"
	"github.com/teslashibe/go-safeflow/pkg/source"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMetrics(t *testing.T) {
	m := New(source.NewTracker())

	hooks := m.Hooks()
	hooks.OnInflight(1)
	hooks.OnCycle(loop.OutcomeSuccess, 1500*time.Millisecond)
	hooks.OnInflight(-1)
	hooks.OnCycle(loop.OutcomeSkipped, 0)

	m.Observe(loop.Snapshot{
		Running: true,
		LastResult: &crowd.AnalysisResult{
			People:    make([]crowd.Person, 3),
			Metrics:   crowd.Metrics{Density: 0.4},
			RiskLevel: crowd.RiskStampede,
		},
	})
	m.EventReported(events.LevelCritical)

	body := scrape(t, m)
	for _, want := range []string{
		`safeflow_analysis_cycles_total{outcome="success"} 1`,
		`safeflow_analysis_cycles_total{outcome="skipped"} 1`,
		`safeflow_analysis_latency_seconds_count 1`,
		`safeflow_analysis_running 1`,
		`safeflow_analysis_inflight 0`,
		`safeflow_crowd_people 3`,
		`safeflow_crowd_density_ratio 0.4`,
		`safeflow_crowd_risk_level{level="STAMPEDE"} 1`,
		`safeflow_crowd_risk_level{level="SAFE"} 0`,
		`safeflow_capacity_events_total{level="critical"} 1`,
		`safeflow_source_acquisitions_total 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q", want)
		}
	}
}
