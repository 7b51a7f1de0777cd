package frame

import (
	"errors"
	"math"
	"testing"
)

func TestParseZoom(t *testing.T) {
	tests := []struct {
		in   string
		want float64 // log10 of the value
	}{
		{"1", 0},
		{"1E0", 0},
		{"2.5e-3", math.Log10(2.5e-3)},
		{"1E100", 100},
		{"4.2E5000", 5000 + math.Log10(4.2)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			z, err := ParseZoom(tt.in)
			if err != nil {
				t.Fatalf("ParseZoom(%q) error: %v", tt.in, err)
			}
			got := math.Log10(z.Mantissa) + float64(z.Exponent)*math.Log10(2)
			if math.Abs(got-tt.want) > 1e-9*math.Max(1, math.Abs(tt.want)) {
				t.Errorf("log10(ParseZoom(%q)) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseZoom_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "0", "-1E5", "1Eabc"} {
		if _, err := ParseZoom(in); !errors.Is(err, ErrInvalidZoom) {
			t.Errorf("ParseZoom(%q) error = %v, want ErrInvalidZoom", in, err)
		}
	}
}

func TestFormatZoom_RoundTrip(t *testing.T) {
	z, err := ParseZoom("3.5E250")
	if err != nil {
		t.Fatal(err)
	}
	back, err := ParseZoom(FormatZoom(z))
	if err != nil {
		t.Fatalf("ParseZoom(FormatZoom) error: %v", err)
	}
	if back.Exponent != z.Exponent || math.Abs(back.Mantissa-z.Mantissa) > 1e-5 {
		t.Errorf("round trip = %+v, want %+v", back, z)
	}
}

func TestGeometry_Offsets(t *testing.T) {
	zoom, _ := ParseZoom("1")
	g := New(200, 100, zoom, 0)

	if got := g.Spacing.Float64(); math.Abs(got-0.04) > 1e-15 {
		t.Errorf("Spacing = %v, want 0.04", got)
	}

	center := g.PixelOffset(100, 50)
	if !center.IsZero() {
		t.Errorf("center offset = %v, want 0", center)
	}

	tl := g.PixelOffset(0, 0).Complex128()
	if math.Abs(real(tl)+4) > 1e-12 || math.Abs(imag(tl)-2) > 1e-12 {
		t.Errorf("top-left offset = %v, want (-4+2i)", tl)
	}
}

func TestGeometry_Rotation(t *testing.T) {
	zoom, _ := ParseZoom("1")
	g := New(100, 100, zoom, 90)

	right := g.Offset(100, 50).Complex128()
	if math.Abs(real(right)) > 1e-12 || math.Abs(imag(right)-2) > 1e-12 {
		t.Errorf("rotated right edge = %v, want (0+2i)", right)
	}
}

func TestGeometry_DeepZoomKeepsExponent(t *testing.T) {
	zoom, _ := ParseZoom("1E1000")
	g := New(64, 64, zoom, 0)
	if g.Spacing.Float64() != 0 {
		t.Fatal("spacing at 1E1000 should underflow float64")
	}
	off := g.PixelOffset(0, 0)
	if off.IsZero() || off.Exponent > -3300 {
		t.Errorf("offset = %+v, want a tiny nonzero extended value", off)
	}
}
