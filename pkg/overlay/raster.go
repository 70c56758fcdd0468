package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/vector"

	"github.com/teslashibe/go-safeflow/pkg/crowd"
)

// kappa places cubic control points for a quarter circle.
const kappa = 0.5522847498

// Rasterize draws cmds onto dst. The surface origin is dst.Bounds().Min.
func Rasterize(dst *image.RGBA, cmds []Command) {
	b := dst.Bounds()
	z := vector.NewRasterizer(b.Dx(), b.Dy())

	for _, cmd := range cmds {
		switch cmd.Op {
		case OpClear:
			draw.Draw(dst, b, image.Transparent, image.Point{}, draw.Src)

		case OpHeat:
			if cmd.Radius <= 0 {
				continue
			}
			z.Reset(b.Dx(), b.Dy())
			z.DrawOp = draw.Over
			circle(z, cmd.X, cmd.Y, cmd.Radius)
			src := &radialGradient{
				cx:    cmd.X,
				cy:    cmd.Y,
				r:     cmd.Radius,
				stops: cmd.Gradient,
			}
			z.Draw(dst, b, src, image.Point{})

		case OpBox:
			if cmd.Stroke == nil {
				continue
			}
			z.Reset(b.Dx(), b.Dy())
			z.DrawOp = draw.Over
			strokeRect(z, cmd.X, cmd.Y, cmd.Width, cmd.Height, cmd.LineWidth)
			z.Draw(dst, b, image.NewUniform(toNRGBA(*cmd.Stroke)), image.Point{})
		}
	}
}

// circle adds a closed circle path approximated by four cubic curves.
func circle(z *vector.Rasterizer, cx, cy, r float64) {
	k := r * kappa
	f := func(v float64) float32 { return float32(v) }

	z.MoveTo(f(cx+r), f(cy))
	z.CubeTo(f(cx+r), f(cy+k), f(cx+k), f(cy+r), f(cx), f(cy+r))
	z.CubeTo(f(cx-k), f(cy+r), f(cx-r), f(cy+k), f(cx-r), f(cy))
	z.CubeTo(f(cx-r), f(cy-k), f(cx-k), f(cy-r), f(cx), f(cy-r))
	z.CubeTo(f(cx+k), f(cy-r), f(cx+r), f(cy-k), f(cx+r), f(cy))
	z.ClosePath()
}

// strokeRect adds a rectangle outline of width lw centered on the edges.
// The inner contour winds the other way to cut the hole.
func strokeRect(z *vector.Rasterizer, x, y, w, h, lw float64) {
	half := lw / 2
	x0, y0 := float32(x-half), float32(y-half)
	x1, y1 := float32(x+w+half), float32(y+h+half)

	z.MoveTo(x0, y0)
	z.LineTo(x1, y0)
	z.LineTo(x1, y1)
	z.LineTo(x0, y1)
	z.ClosePath()

	if w <= lw || h <= lw {
		return
	}
	ix0, iy0 := float32(x+half), float32(y+half)
	ix1, iy1 := float32(x+w-half), float32(y+h-half)
	z.MoveTo(ix0, iy0)
	z.LineTo(ix0, iy1)
	z.LineTo(ix1, iy1)
	z.LineTo(ix1, iy0)
	z.ClosePath()
}

func toNRGBA(c Color) color.NRGBA {
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: alpha8(c.A)}
}

func alpha8(a float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, a)) * 255))
}

// radialGradient is an unbounded image colored by distance from a center.
type radialGradient struct {
	cx, cy, r float64
	stops     []GradientStop
}

func (g *radialGradient) ColorModel() color.Model { return color.NRGBAModel }

func (g *radialGradient) Bounds() image.Rectangle {
	return image.Rectangle{Min: image.Point{X: -1e9, Y: -1e9}, Max: image.Point{X: 1e9, Y: 1e9}}
}

func (g *radialGradient) At(x, y int) color.Color {
	d := math.Hypot(float64(x)+0.5-g.cx, float64(y)+0.5-g.cy) / g.r
	return colorAt(g.stops, d)
}

// colorAt linearly interpolates the stops at offset t.
func colorAt(stops []GradientStop, t float64) color.NRGBA {
	if len(stops) == 0 {
		return color.NRGBA{}
	}
	if t <= stops[0].Offset {
		return toNRGBA(stops[0].Color)
	}
	for i := 1; i < len(stops); i++ {
		a, b := stops[i-1], stops[i]
		if t > b.Offset {
			continue
		}
		span := b.Offset - a.Offset
		f := 0.0
		if span > 0 {
			f = (t - a.Offset) / span
		}
		lerp := func(p, q uint8) uint8 {
			return uint8(math.Round(float64(p) + (float64(q)-float64(p))*f))
		}
		return color.NRGBA{
			R: lerp(a.Color.R, b.Color.R),
			G: lerp(a.Color.G, b.Color.G),
			B: lerp(a.Color.B, b.Color.B),
			A: alpha8(a.Color.A + (b.Color.A-a.Color.A)*f),
		}
	}
	return toNRGBA(stops[len(stops)-1].Color)
}

// Annotate decodes a JPEG frame, draws the overlay for result on top and
// re-encodes it at the given quality.
func Annotate(frame []byte, result *crowd.AnalysisResult, quality int) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("overlay: decode frame: %w", err)
	}
	b := img.Bounds()

	base := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(base, base.Bounds(), img, b.Min, draw.Src)

	layer := image.NewRGBA(base.Bounds())
	Rasterize(layer, Render(result, b.Dx(), b.Dy()))
	draw.Draw(base, base.Bounds(), layer, image.Point{}, draw.Over)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, base, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("overlay: encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
