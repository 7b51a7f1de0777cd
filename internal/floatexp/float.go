// Package floatexp provides real and complex numbers with a float64 mantissa
// and a separate integer exponent.
//
// A value is Mantissa × 2^Exponent. Keeping the exponent outside the float64
// lets the renderer represent pixel offsets like 1e-5000 that are far below
// the smallest normal float64, while the mantissa arithmetic stays native.
//
// Values are small and passed by value. Every operation returns a reduced
// result: the mantissa magnitude lies in [0.5, 1) (for Complex, the larger of
// the two components) and zero is always stored with exponent 0.
package floatexp

import (
	"math"
	"math/big"
)

// Float is a real number with an extended exponent range.
type Float struct {
	Mantissa float64
	Exponent int
}

// NewFloat returns the reduced value mantissa × 2^exponent.
func NewFloat(mantissa float64, exponent int) Float {
	return Float{Mantissa: mantissa, Exponent: exponent}.Reduce()
}

// FromFloat64 converts a float64.
func FromFloat64(f float64) Float {
	return NewFloat(f, 0)
}

// FromBigFloat converts an arbitrary precision value, keeping its exponent.
func FromBigFloat(x *big.Float) Float {
	if x.Sign() == 0 {
		return Float{}
	}
	var mant big.Float
	exp := x.MantExp(&mant)
	m, _ := mant.Float64()
	return NewFloat(m, exp)
}

// Reduce normalizes the mantissa into [0.5, 1).
func (f Float) Reduce() Float {
	if f.Mantissa == 0 || math.IsNaN(f.Mantissa) || math.IsInf(f.Mantissa, 0) {
		if f.Mantissa == 0 {
			return Float{}
		}
		return f
	}
	m, e := math.Frexp(f.Mantissa)
	return Float{Mantissa: m, Exponent: f.Exponent + e}
}

// IsZero reports whether f is zero.
func (f Float) IsZero() bool {
	return f.Mantissa == 0
}

// Float64 converts f to a float64. Values outside the float64 range become
// ±Inf or 0.
func (f Float) Float64() float64 {
	return ldexp(f.Mantissa, f.Exponent)
}

// Neg returns -f.
func (f Float) Neg() Float {
	return Float{Mantissa: -f.Mantissa, Exponent: f.Exponent}
}

// Add returns f + g.
func (f Float) Add(g Float) Float {
	if f.Mantissa == 0 {
		return g.Reduce()
	}
	if g.Mantissa == 0 {
		return f.Reduce()
	}
	if f.Exponent >= g.Exponent {
		return NewFloat(f.Mantissa+ldexp(g.Mantissa, g.Exponent-f.Exponent), f.Exponent)
	}
	return NewFloat(ldexp(f.Mantissa, f.Exponent-g.Exponent)+g.Mantissa, g.Exponent)
}

// Sub returns f - g.
func (f Float) Sub(g Float) Float {
	return f.Add(g.Neg())
}

// Mul returns f × g.
func (f Float) Mul(g Float) Float {
	return NewFloat(f.Mantissa*g.Mantissa, f.Exponent+g.Exponent)
}

// Div returns f / g. Division by zero yields ±Inf in the mantissa.
func (f Float) Div(g Float) Float {
	return NewFloat(f.Mantissa/g.Mantissa, f.Exponent-g.Exponent)
}

// MulFloat64 returns f × s.
func (f Float) MulFloat64(s float64) Float {
	return NewFloat(f.Mantissa*s, f.Exponent)
}

// Cmp compares f and g and returns -1, 0 or +1.
func (f Float) Cmp(g Float) int {
	d := f.Sub(g)
	switch {
	case d.Mantissa < 0:
		return -1
	case d.Mantissa > 0:
		return 1
	default:
		return 0
	}
}

// Less reports whether f < g.
func (f Float) Less(g Float) bool {
	return f.Cmp(g) < 0
}

// ldexp is math.Ldexp with the exponent clamped so that huge shifts from
// exponent arithmetic cannot overflow the int conversion inside math.Ldexp.
func ldexp(frac float64, exp int) float64 {
	switch {
	case exp > 2100:
		exp = 2100
	case exp < -2100:
		exp = -2100
	}
	return math.Ldexp(frac, exp)
}

// Ldexp is the clamped ldexp used by the hot loops of the renderer.
func Ldexp(frac float64, exp int) float64 {
	return ldexp(frac, exp)
}
