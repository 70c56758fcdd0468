// Package overlay turns an analysis result into drawing commands for a
// target surface and rasterizes them.
//
// Render is pure: the same result and size always produce the same
// commands, and the first command always clears the surface so nothing
// accumulates between redraws.
package overlay

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/teslashibe/go-safeflow/pkg/crowd"
)

// Op identifies a drawing command.
type Op string

// Drawing operations.
const (
	OpClear Op = "clear"
	OpHeat  Op = "heat"
	OpBox   Op = "box"
)

// Color is a straight-alpha color with a fractional alpha, as used by CSS.
type Color struct {
	R, G, B uint8
	A       float64
}

// String formats the color as a CSS rgba() value.
func (c Color) String() string {
	return fmt.Sprintf("rgba(%d,%d,%d,%g)", c.R, c.G, c.B, c.A)
}

// MarshalText lets colors travel as CSS strings in JSON.
func (c Color) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses the rgba() form produced by MarshalText.
func (c *Color) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	body, ok := strings.CutPrefix(s, "rgba(")
	if ok {
		body, ok = strings.CutSuffix(body, ")")
	}
	parts := strings.Split(body, ",")
	if !ok || len(parts) != 4 {
		return fmt.Errorf("overlay: invalid color %q", s)
	}
	var rgb [3]uint8
	for i := range rgb {
		v, err := strconv.ParseUint(strings.TrimSpace(parts[i]), 10, 8)
		if err != nil {
			return fmt.Errorf("overlay: invalid color %q: %w", s, err)
		}
		rgb[i] = uint8(v)
	}
	a, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
	if err != nil || a < 0 || a > 1 {
		return fmt.Errorf("overlay: invalid alpha in color %q", s)
	}
	*c = Color{R: rgb[0], G: rgb[1], B: rgb[2], A: a}
	return nil
}

// GradientStop is one stop of a radial gradient.
type GradientStop struct {
	Offset float64 `json:"offset"`
	Color  Color   `json:"color"`
}

// Style constants.
var (
	BoxColor = Color{R: 45, G: 212, B: 191, A: 0.8}

	HeatGradient = []GradientStop{
		{Offset: 0, Color: Color{R: 255, G: 0, B: 0, A: 0.6}},
		{Offset: 0.5, Color: Color{R: 255, G: 165, B: 0, A: 0.3}},
		{Offset: 1, Color: Color{R: 255, G: 255, B: 0, A: 0}},
	}
)

const (
	// BoxLineWidth is the stroke width of person boxes, in pixels.
	BoxLineWidth = 2.0

	// heatRadiusFactor scales intensity*min(w,h) into a radius.
	heatRadiusFactor = 0.1
)

// Command is a single drawing instruction in target pixels.
// Heat commands use X,Y as the center; box commands use X,Y as the top-left.
type Command struct {
	Op        Op             `json:"op"`
	X         float64        `json:"x,omitempty"`
	Y         float64        `json:"y,omitempty"`
	Width     float64        `json:"width,omitempty"`
	Height    float64        `json:"height,omitempty"`
	Radius    float64        `json:"radius,omitempty"`
	Gradient  []GradientStop `json:"gradient,omitempty"`
	Stroke    *Color         `json:"stroke,omitempty"`
	LineWidth float64        `json:"lineWidth,omitempty"`
}

// Scale maps a normalized coordinate onto a dimension in pixels.
func Scale(coord float64, dim int) float64 {
	return coord * float64(dim)
}

// HeatRadius returns the gradient radius for an intensity on a w×h surface.
func HeatRadius(intensity float64, width, height int) float64 {
	return intensity * math.Min(float64(width), float64(height)) * heatRadiusFactor
}

// Render returns the commands that draw result on a width×height surface.
// A nil result yields only the clear command.
func Render(result *crowd.AnalysisResult, width, height int) []Command {
	cmds := []Command{{Op: OpClear, Width: float64(width), Height: float64(height)}}
	if result == nil {
		return cmds
	}

	for _, p := range result.Heatmap {
		cmds = append(cmds, Command{
			Op:       OpHeat,
			X:        Scale(p.X, width),
			Y:        Scale(p.Y, height),
			Radius:   HeatRadius(p.Intensity, width, height),
			Gradient: HeatGradient,
		})
	}

	stroke := BoxColor
	for _, person := range result.People {
		b := person.Box
		cmds = append(cmds, Command{
			Op:        OpBox,
			X:         Scale(b.X, width),
			Y:         Scale(b.Y, height),
			Width:     Scale(b.Width, width),
			Height:    Scale(b.Height, height),
			Stroke:    &stroke,
			LineWidth: BoxLineWidth,
		})
	}
	return cmds
}
