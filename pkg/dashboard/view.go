// Package dashboard maps loop state onto what the analysis panel shows.
package dashboard

import (
	"fmt"
	"math"
	"strconv"

	"github.com/teslashibe/go-safeflow/pkg/crowd"
	"github.com/teslashibe/go-safeflow/pkg/loop"
	"github.com/teslashibe/go-safeflow/pkg/source"
)

// Placeholder is the panel state before a result is available.
type Placeholder string

// Panel states.
const (
	StateIdle    Placeholder = "idle"
	StateLoading Placeholder = "loading"
	StateWaiting Placeholder = "waiting"
	StateReady   Placeholder = "ready"
)

// Placeholder messages.
const (
	IdleMessage    = "Start analysis to view live crowd data."
	WaitingMessage = "Waiting for first analysis frame..."
)

// RiskStyle is the presentation of a risk level.
type RiskStyle struct {
	Text       string `json:"text"`
	Background string `json:"bg"`
	Border     string `json:"border"`
	Label      string `json:"label"`
}

var riskStyles = map[crowd.RiskLevel]RiskStyle{
	crowd.RiskSafe:     {Text: "text-green-300", Background: "bg-green-500/20", Border: "border-green-400", Label: "SAFE"},
	crowd.RiskElevated: {Text: "text-yellow-300", Background: "bg-yellow-500/20", Border: "border-yellow-400", Label: "RISK"},
	crowd.RiskStampede: {Text: "text-red-300", Background: "bg-red-500/20", Border: "border-red-400", Label: "STAMPEDE (CRITICAL)"},
}

// StyleFor returns the style for level. Unknown levels render with the
// RISK colors and their raw value as label.
func StyleFor(level crowd.RiskLevel) RiskStyle {
	if s, ok := riskStyles[level]; ok {
		return s
	}
	s := riskStyles[crowd.RiskElevated]
	s.Label = string(level)
	return s
}

// Card is one metric tile.
type Card struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

// RiskPanel is the headline risk assessment.
type RiskPanel struct {
	Heading string          `json:"heading"`
	Level   crowd.RiskLevel `json:"level"`
	Style   RiskStyle       `json:"style"`
}

// Control describes the start/stop button.
type Control struct {
	Label   string `json:"label"`
	Enabled bool   `json:"enabled"`
	Class   string `json:"class"`
}

// View is everything the analysis panel renders.
type View struct {
	Title       string      `json:"title"`
	SourceTitle string      `json:"sourceTitle,omitempty"`
	Loading     bool        `json:"loading"`
	Error       string      `json:"error,omitempty"`
	State       Placeholder `json:"state"`
	Message     string      `json:"message,omitempty"`
	Risk        *RiskPanel  `json:"risk,omitempty"`
	Cards       []Card      `json:"cards,omitempty"`
	Control     Control     `json:"control"`
}

// Percent formats a [0,1] value as a whole percentage, rounding halves up.
func Percent(v float64) string {
	return strconv.FormatFloat(math.Round(v*100), 'f', 0, 64)
}

// Cards returns the six metric tiles for a result.
func Cards(r *crowd.AnalysisResult) []Card {
	m := r.Metrics
	return []Card{
		{Title: "Person Count", Value: strconv.Itoa(r.PersonCount())},
		{Title: "Density", Value: Percent(m.Density), Unit: "%"},
		{Title: "Pressure", Value: Percent(m.Pressure), Unit: "%"},
		{Title: "Flow Variance", Value: Percent(m.FlowVariance), Unit: "%"},
		{Title: "Velocity Var", Value: Percent(m.VelocityVariance), Unit: "%"},
		{Title: "Velocity Spikes", Value: strconv.Itoa(m.VelocitySpikes)},
	}
}

// SourceTitle returns the video panel heading for a source kind.
func SourceTitle(kind source.Kind) string {
	switch kind {
	case source.KindLive:
		return "Live Video Feed"
	case source.KindFile:
		return "Video File Analysis"
	}
	return ""
}

// Build derives the view from a loop snapshot.
func Build(snap loop.Snapshot, sourceReady bool) View {
	v := View{
		Title:       "Live Analysis",
		SourceTitle: SourceTitle(snap.Source),
		Loading:     snap.Pending,
		Error:       snap.LastError,
		Control:     control(snap.Running, sourceReady),
	}

	r := snap.LastResult
	switch {
	case !snap.Running && r == nil:
		v.State, v.Message = StateIdle, IdleMessage
	case snap.Pending && r == nil:
		v.State = StateLoading
	case r == nil:
		v.State, v.Message = StateWaiting, WaitingMessage
	default:
		v.State = StateReady
		v.Risk = &RiskPanel{
			Heading: "StampedeRiskNet Assessment",
			Level:   r.RiskLevel,
			Style:   StyleFor(r.RiskLevel),
		}
		v.Cards = Cards(r)
	}
	return v
}

func control(running, ready bool) Control {
	if running {
		return Control{Label: "Stop Analysis", Enabled: ready, Class: "bg-red-600 hover:bg-red-500"}
	}
	return Control{Label: "Start Real-time Analysis", Enabled: ready, Class: "bg-green-600 hover:bg-green-500"}
}

// Summary is a one-line description used in logs and alerts.
func Summary(r *crowd.AnalysisResult) string {
	if r == nil {
		return "no result"
	}
	return fmt.Sprintf("%s: %d people, density %s%%", StyleFor(r.RiskLevel).Label, r.PersonCount(), Percent(r.Metrics.Density))
}
