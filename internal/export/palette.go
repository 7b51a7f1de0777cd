package export

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"sort"

	"github.com/lucasb-eyer/go-colorful"
)

// PaletteSize is the number of precomputed palette entries.
const PaletteSize = 1024

// ErrInvalidPalette is returned for palettes without usable stops.
var ErrInvalidPalette = errors.New("export: invalid palette")

// Stop is a palette color at a position in [0, 1].
type Stop struct {
	Position float64
	Color    colorful.Color
}

// Palette maps a cyclic parameter in [0, 1) to a color.
type Palette struct {
	table [PaletteSize]color.RGBA
}

// NewPalette builds a palette that blends between stops in CIE L*a*b*.
// The last stop wraps around to the first.
func NewPalette(stops []Stop) (*Palette, error) {
	if len(stops) == 0 {
		return nil, fmt.Errorf("%w: no stops", ErrInvalidPalette)
	}
	sorted := append([]Stop(nil), stops...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })
	for _, s := range sorted {
		if s.Position < 0 || s.Position > 1 || math.IsNaN(s.Position) {
			return nil, fmt.Errorf("%w: stop position %v", ErrInvalidPalette, s.Position)
		}
	}
	wrap := Stop{Position: sorted[0].Position + 1, Color: sorted[0].Color}
	sorted = append(sorted, wrap)

	p := &Palette{}
	for i := range PaletteSize {
		t := float64(i) / PaletteSize
		if t < sorted[0].Position {
			t++
		}
		j := 0
		for j < len(sorted)-2 && t >= sorted[j+1].Position {
			j++
		}
		a, b := sorted[j], sorted[j+1]
		f := 0.0
		if span := b.Position - a.Position; span > 0 {
			f = (t - a.Position) / span
		}
		r, g, bl := a.Color.BlendLab(b.Color, f).Clamped().RGB255()
		p.table[i] = color.RGBA{R: r, G: g, B: bl, A: 255}
	}
	return p, nil
}

// ParsePalette builds a palette from hex colors spread evenly over one cycle.
func ParsePalette(hexes []string) (*Palette, error) {
	stops := make([]Stop, 0, len(hexes))
	for i, h := range hexes {
		c, err := colorful.Hex(h)
		if err != nil {
			return nil, fmt.Errorf("%w: color %q: %w", ErrInvalidPalette, h, err)
		}
		stops = append(stops, Stop{Position: float64(i) / float64(len(hexes)), Color: c})
	}
	return NewPalette(stops)
}

func rgb(r, g, b float64) colorful.Color {
	return colorful.Color{R: r / 255, G: g / 255, B: b / 255}
}

// DefaultPalette is the classic deep blue, white, orange and black cycle.
func DefaultPalette() *Palette {
	p, err := NewPalette([]Stop{
		{0, rgb(0, 7, 100)},
		{0.16, rgb(32, 107, 203)},
		{0.42, rgb(237, 255, 255)},
		{0.6425, rgb(255, 170, 0)},
		{0.8575, rgb(0, 2, 0)},
	})
	if err != nil {
		panic(err)
	}
	return p
}

// At returns the color at t, taken modulo 1.
func (p *Palette) At(t float64) color.RGBA {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return p.table[0]
	}
	t -= math.Floor(t)
	return p.table[min(int(t*PaletteSize), PaletteSize-1)]
}

// Shade darkens c towards black by s in [0, 1]; s = 1 keeps c.
func Shade(c color.RGBA, s float64) color.RGBA {
	s = min(max(s, 0), 1)
	src := colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}
	r, g, b := colorful.Color{}.BlendLab(src, s).Clamped().RGB255()
	return color.RGBA{R: r, G: g, B: b, A: c.A}
}
