// Package frame maps image pixels to offsets from the frame center in the
// extended range number system.
package frame

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gogpu/deepzoom/internal/floatexp"
)

// ErrInvalidZoom is returned by ParseZoom for non-positive or malformed input.
var ErrInvalidZoom = errors.New("frame: invalid zoom")

// Geometry describes how pixel coordinates map onto the complex plane,
// relative to the frame center.
type Geometry struct {
	Width  int
	Height int

	// Spacing is the distance between neighbouring pixels.
	Spacing floatexp.Float

	cos, sin float64
}

// New returns the geometry of a width×height image at the given zoom. The
// image height spans 4/zoom. rotation is in degrees, counter-clockwise.
func New(width, height int, zoom floatexp.Float, rotation float64) Geometry {
	rad := rotation * math.Pi / 180
	return Geometry{
		Width:   width,
		Height:  height,
		Spacing: floatexp.FromFloat64(4 / float64(height)).Div(zoom),
		cos:     math.Cos(rad),
		sin:     math.Sin(rad),
	}
}

// Offset returns the complex offset of image position (x, y) from the
// center. x grows to the right, y grows downwards.
func (g Geometry) Offset(x, y float64) floatexp.Complex {
	dx := x - float64(g.Width)/2
	dy := float64(g.Height)/2 - y
	re := (dx*g.cos - dy*g.sin) * g.Spacing.Mantissa
	im := (dx*g.sin + dy*g.cos) * g.Spacing.Mantissa
	return floatexp.NewComplex(complex(re, im), g.Spacing.Exponent)
}

// PixelOffset returns the offset of the pixel at column x, row y.
func (g Geometry) PixelOffset(x, y int) floatexp.Complex {
	return g.Offset(float64(x), float64(y))
}

// SpacingSquared returns Spacing².
func (g Geometry) SpacingSquared() floatexp.Float {
	return g.Spacing.Mul(g.Spacing)
}

// Radius returns the extent of the image width in the complex plane.
func (g Geometry) Radius() floatexp.Float {
	return g.Spacing.MulFloat64(float64(max(g.Width, g.Height)))
}

// Pixels returns Width × Height.
func (g Geometry) Pixels() int {
	return g.Width * g.Height
}

// ParseZoom parses zoom strings like "1E100", "2.5e-3" or "3". Decimal
// exponents beyond the float64 range are carried in the extended exponent.
func ParseZoom(s string) (floatexp.Float, error) {
	s = strings.TrimSpace(s)
	mant, exp := s, ""
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		mant, exp = s[:i], s[i+1:]
	}

	m, err := strconv.ParseFloat(mant, 64)
	if err != nil {
		return floatexp.Float{}, fmt.Errorf("%w %q: %w", ErrInvalidZoom, s, err)
	}
	d := 0.0
	if exp != "" {
		d, err = strconv.ParseFloat(exp, 64)
		if err != nil {
			return floatexp.Float{}, fmt.Errorf("%w %q: %w", ErrInvalidZoom, s, err)
		}
	}
	if m <= 0 || math.IsInf(m, 0) || math.IsNaN(d) {
		return floatexp.Float{}, fmt.Errorf("%w %q: must be positive", ErrInvalidZoom, s)
	}

	bits := d * math.Log2(10)
	whole := math.Floor(bits)
	return floatexp.NewFloat(m*math.Exp2(bits-whole), int(whole)), nil
}

// FormatZoom prints z in the mantissa/E-exponent form accepted by ParseZoom.
func FormatZoom(z floatexp.Float) string {
	if z.IsZero() {
		return "0E0"
	}
	dec := (math.Log10(z.Mantissa) + float64(z.Exponent)*math.Log10(2))
	e := math.Floor(dec)
	return strconv.FormatFloat(math.Pow(10, dec-e), 'f', 5, 64) + "E" + strconv.Itoa(int(e))
}
