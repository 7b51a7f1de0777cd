package floatexp

import (
	"math"
	"math/big"
)

// Complex is a complex number sharing one extended exponent between its
// real and imaginary parts.
type Complex struct {
	Mantissa complex128
	Exponent int
}

// NewComplex returns the reduced value mantissa × 2^exponent.
func NewComplex(mantissa complex128, exponent int) Complex {
	return Complex{Mantissa: mantissa, Exponent: exponent}.Reduce()
}

// FromComplex128 converts a complex128.
func FromComplex128(z complex128) Complex {
	return NewComplex(z, 0)
}

// FromBig converts an arbitrary precision complex value given as its parts.
func FromBig(re, im *big.Float) Complex {
	r := FromBigFloat(re)
	i := FromBigFloat(im)
	switch {
	case r.Mantissa == 0 && i.Mantissa == 0:
		return Complex{}
	case r.Mantissa == 0:
		return NewComplex(complex(0, i.Mantissa), i.Exponent)
	case i.Mantissa == 0:
		return NewComplex(complex(r.Mantissa, 0), r.Exponent)
	}
	e := max(r.Exponent, i.Exponent)
	return NewComplex(complex(ldexp(r.Mantissa, r.Exponent-e), ldexp(i.Mantissa, i.Exponent-e)), e)
}

// Reduce normalizes so that the larger component lies in [0.5, 1).
func (z Complex) Reduce() Complex {
	re, im := real(z.Mantissa), imag(z.Mantissa)
	m := math.Max(math.Abs(re), math.Abs(im))
	if m == 0 {
		return Complex{}
	}
	if math.IsNaN(m) || math.IsInf(m, 0) {
		return z
	}
	_, e := math.Frexp(m)
	if e == 0 {
		return z
	}
	return Complex{
		Mantissa: complex(math.Ldexp(re, -e), math.Ldexp(im, -e)),
		Exponent: z.Exponent + e,
	}
}

// IsZero reports whether z is zero.
func (z Complex) IsZero() bool {
	return z.Mantissa == 0
}

// Complex128 converts z to a complex128, flushing to zero or overflowing to
// Inf outside the float64 range.
func (z Complex) Complex128() complex128 {
	return complex(ldexp(real(z.Mantissa), z.Exponent), ldexp(imag(z.Mantissa), z.Exponent))
}

// Real returns the real part.
func (z Complex) Real() Float {
	return NewFloat(real(z.Mantissa), z.Exponent)
}

// Imag returns the imaginary part.
func (z Complex) Imag() Float {
	return NewFloat(imag(z.Mantissa), z.Exponent)
}

// Neg returns -z.
func (z Complex) Neg() Complex {
	return Complex{Mantissa: -z.Mantissa, Exponent: z.Exponent}
}

// Add returns z + w.
func (z Complex) Add(w Complex) Complex {
	if z.Mantissa == 0 {
		return w.Reduce()
	}
	if w.Mantissa == 0 {
		return z.Reduce()
	}
	if z.Exponent >= w.Exponent {
		return NewComplex(z.Mantissa+scale(w.Mantissa, w.Exponent-z.Exponent), z.Exponent)
	}
	return NewComplex(scale(z.Mantissa, z.Exponent-w.Exponent)+w.Mantissa, w.Exponent)
}

// Sub returns z - w.
func (z Complex) Sub(w Complex) Complex {
	return z.Add(w.Neg())
}

// Mul returns z × w.
func (z Complex) Mul(w Complex) Complex {
	return NewComplex(z.Mantissa*w.Mantissa, z.Exponent+w.Exponent)
}

// MulFloat64 returns z × s.
func (z Complex) MulFloat64(s float64) Complex {
	return NewComplex(z.Mantissa*complex(s, 0), z.Exponent)
}

// MulFloat returns z × f.
func (z Complex) MulFloat(f Float) Complex {
	return NewComplex(z.Mantissa*complex(f.Mantissa, 0), z.Exponent+f.Exponent)
}

// AddFloat64 returns z + s.
func (z Complex) AddFloat64(s float64) Complex {
	return z.Add(FromComplex128(complex(s, 0)))
}

// NormSqr returns |z|².
func (z Complex) NormSqr() Float {
	re, im := real(z.Mantissa), imag(z.Mantissa)
	return NewFloat(re*re+im*im, 2*z.Exponent)
}

// Scale multiplies z by 2^e.
func (z Complex) Scale(e int) Complex {
	if z.Mantissa == 0 {
		return z
	}
	return Complex{Mantissa: z.Mantissa, Exponent: z.Exponent + e}
}

// At returns the mantissa of z expressed at exponent e, that is z / 2^e as
// a complex128.
func (z Complex) At(e int) complex128 {
	return scale(z.Mantissa, z.Exponent-e)
}

// BigParts converts z into arbitrary precision parts at prec bits.
func (z Complex) BigParts(prec uint) (re, im *big.Float) {
	re = new(big.Float).SetPrec(prec).SetFloat64(real(z.Mantissa))
	im = new(big.Float).SetPrec(prec).SetFloat64(imag(z.Mantissa))
	re.SetMantExp(re, z.Exponent)
	im.SetMantExp(im, z.Exponent)
	return re, im
}

func scale(m complex128, e int) complex128 {
	return complex(ldexp(real(m), e), ldexp(imag(m), e))
}
