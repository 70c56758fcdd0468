package safeflow

import (
	"context"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-safeflow/internal/config"
	"github.com/teslashibe/go-safeflow/pkg/crowd"
	"github.com/teslashibe/go-safeflow/pkg/events"
	"github.com/teslashibe/go-safeflow/pkg/inference"
	"github.com/teslashibe/go-safeflow/pkg/source"
)

type camera struct{}

func (camera) Read() (image.Image, error) { return image.NewRGBA(image.Rect(0, 0, 32, 24)), nil }
func (camera) Close() error               { return nil }

type topics struct {
	mu   sync.Mutex
	seen map[string]int
}

func (p *topics) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == nil {
		p.seen = make(map[string]int)
	}
	p.seen[topic]++
	return nil
}

func (p *topics) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[topic]
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Events.DSN = ":memory:"
	cfg.Events.Location = "North Stand"
	cfg.Loop.LiveDelay = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Video.UploadDir = t.TempDir()
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_RequiresCredentials(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	cfg := config.Default()
	cfg.Analyzer.APIKey = ""

	_, err := New(cfg, Devices{})
	var cerr *config.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("New = %v, want *config.ConfigError", err)
	}

	if _, err := New(cfg, Devices{}, WithAnalyzer(inference.NewMock())); err != nil {
		t.Errorf("mock analyzer should not need credentials: %v", err)
	}
}

func TestRun_RequiresInit(t *testing.T) {
	app, err := New(testConfig(t), Devices{}, WithAnalyzer(inference.NewMock()))
	if err != nil {
		t.Fatal(err)
	}
	if err := app.Run(context.Background()); err == nil {
		t.Error("Run before Init should fail")
	}
}

func TestShutdown_WithoutInit(t *testing.T) {
	app, err := New(testConfig(t), Devices{}, WithAnalyzer(inference.NewMock()))
	if err != nil {
		t.Fatal(err)
	}
	app.Shutdown()
}

func TestApp_RecordsAndAlerts(t *testing.T) {
	mock := inference.NewMock().WithResult(&crowd.AnalysisResult{
		People:    []crowd.Person{},
		Heatmap:   []crowd.HeatmapPoint{},
		Metrics:   crowd.Metrics{Density: 0.95, Pressure: 0.9},
		RiskLevel: crowd.RiskStampede,
	})
	pub := &topics{}

	app, err := New(testConfig(t), Devices{
		Camera: func() (source.Device, error) { return camera{}, nil },
	}, WithAnalyzer(mock), WithPublisher(pub))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer app.Shutdown()
	go app.dispatch(ctx)

	if err := app.Session().SelectLive(ctx); err != nil {
		t.Fatal(err)
	}
	if err := app.Session().Start(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "recorded event", func() bool {
		list, err := app.Store().Recent(ctx, 0)
		return err == nil && len(list) > 0
	})
	app.Session().Stop()

	list, _ := app.Store().Recent(ctx, 0)
	ev := list[0]
	if ev.Location != "North Stand" || ev.Density != 95 || ev.Level != events.LevelCritical {
		t.Errorf("event = %+v", ev)
	}
	if ev.Source != "safeflow/live" || ev.RiskLevel != "STAMPEDE" {
		t.Errorf("event source = %q risk = %q", ev.Source, ev.RiskLevel)
	}

	waitFor(t, "alerts", func() bool {
		return pub.count("safeflow/risk") >= 1 && pub.count("safeflow/events") >= 1
	})

	// The dashboard routes are served by the same app.
	resp, err := app.Server().App().Test(httptest.NewRequest("GET", "/api/history", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("history = %d", resp.StatusCode)
	}
}
