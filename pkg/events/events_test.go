package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/teslashibe/go-safeflow/pkg/crowd"
	"github.com/teslashibe/go-safeflow/pkg/loop"
	"github.com/teslashibe/go-safeflow/pkg/source"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestClassify(t *testing.T) {
	tests := []struct {
		density float64
		level   Level
		alert   string
	}{
		{50, LevelNone, ""},
		{70, LevelNone, ""},
		{70.5, LevelWarning, "Warning: Gate A nearing limit."},
		{90, LevelWarning, "Warning: Gate A nearing limit."},
		{95, LevelCritical, "Critical: Gate A overcrowded!"},
	}
	for _, tt := range tests {
		level, alert := Classify("Gate A", tt.density)
		if level != tt.level || alert != tt.alert {
			t.Errorf("Classify(%v) = %s %q, want %s %q", tt.density, level, alert, tt.level, tt.alert)
		}
	}
}

func TestInputValidate(t *testing.T) {
	bad := []Input{
		{Location: "x", Density: 10},
		{Source: "cam", Density: 10},
		{Source: "cam", Location: "x", Density: -1},
		{Source: "cam", Location: "x", Density: 101},
	}
	for _, in := range bad {
		if err := in.Validate(); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("Validate(%+v) = %v, want ErrInvalidEvent", in, err)
		}
	}
}

func TestReport(t *testing.T) {
	s := newTestStore(t)

	var alerts []Receipt
	reports := 0
	s.OnAlert(func(r Receipt) { alerts = append(alerts, r) })
	s.OnReport(func(Receipt) { reports++ })

	r, err := s.Report(context.Background(), Input{Source: "cam-1", Location: "Main Hall", Density: 92})
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if r.Status != "ok" || r.Alert != "Critical: Main Hall overcrowded!" {
		t.Errorf("receipt = %+v", r)
	}
	if r.Event.Level != LevelCritical {
		t.Errorf("Level = %s", r.Event.Level)
	}
	if len(alerts) != 1 {
		t.Errorf("alert hooks fired %d times, want 1", len(alerts))
	}

	if _, err := s.Report(context.Background(), Input{Source: "cam-1", Location: "Main Hall", Density: 20}); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if len(alerts) != 1 {
		t.Error("quiet report should not alert")
	}
	if reports != 2 {
		t.Errorf("report hooks fired %d times, want 2", reports)
	}
}

func TestRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, err := s.Report(ctx, Input{Source: "cam", Location: fmt.Sprintf("L%d", i), Density: float64(i)})
		if err != nil {
			t.Fatalf("Report %d: %v", i, err)
		}
	}

	events, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != DefaultRecent {
		t.Fatalf("len = %d, want %d", len(events), DefaultRecent)
	}
	if events[0].Location != "L5" || events[19].Location != "L24" {
		t.Errorf("window = %s..%s, want L5..L24", events[0].Location, events[19].Location)
	}

	few, _ := s.Recent(ctx, 3)
	if len(few) != 3 || few[2].Location != "L24" {
		t.Errorf("Recent(3) = %+v", few)
	}
}

func TestRecent_StableOrderWithFrozenClock(t *testing.T) {
	frozen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := Open(":memory:", WithClock(func() time.Time { return frozen }))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		s.Report(context.Background(), Input{Source: "cam", Location: fmt.Sprintf("L%d", i), Density: 1})
	}
	events, _ := s.Recent(context.Background(), 10)
	for i, ev := range events {
		if ev.Location != fmt.Sprintf("L%d", i) {
			t.Errorf("events[%d] = %s", i, ev.Location)
		}
	}
}

func TestRecorder(t *testing.T) {
	s := newTestStore(t)
	rec := NewRecorder(s, "safeflow", "North Gate", nil)

	r := &crowd.AnalysisResult{Metrics: crowd.Metrics{Density: 0.75}, RiskLevel: crowd.RiskElevated}
	rec.Observe(loop.Snapshot{Source: source.KindLive, Pending: true})
	rec.Observe(loop.Snapshot{Source: source.KindLive, LastResult: r})
	rec.Observe(loop.Snapshot{Source: source.KindLive, LastResult: r})

	events, err := s.Recent(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Density != 75 || ev.Source != "safeflow/live" || ev.Location != "North Gate" || ev.Level != LevelWarning {
		t.Errorf("event = %+v", ev)
	}
	if ev.RiskLevel != "RISK" {
		t.Errorf("RiskLevel = %q", ev.RiskLevel)
	}
}

func TestDialector(t *testing.T) {
	tests := []struct {
		dsn    string
		name   string
		sqlite bool
	}{
		{"safeflow.db", "sqlite", true},
		{"postgres://u:p@localhost/db", "postgres", false},
		{"mysql://u:p@tcp(localhost:3306)/db", "mysql", false},
	}
	for _, tt := range tests {
		d, isSQLite := Dialector(tt.dsn)
		if d.Name() != tt.name || isSQLite != tt.sqlite {
			t.Errorf("Dialector(%q) = %s %v", tt.dsn, d.Name(), isSQLite)
		}
	}
}

func TestGormLogsThroughSlog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	s, err := Open(":memory:", WithLogger(logger))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	// A query against a missing table is logged by GORM as an error.
	var n int64
	if err := s.db.Table("no_such_table").Count(&n).Error; err == nil {
		t.Fatal("expected query error")
	}
	out := buf.String()
	if !strings.Contains(out, "component=events.gorm") || !strings.Contains(out, "no_such_table") {
		t.Errorf("gorm log not routed through slog: %q", out)
	}
}
