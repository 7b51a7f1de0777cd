package perturbation

import "github.com/gogpu/deepzoom/internal/floatexp"

// StripeSamples is the capacity of a pixel's stripe ring.
const StripeSamples = 4

// Ring keeps the last StripeSamples iterates of a pixel.
type Ring struct {
	values [StripeSamples]complex128
	next   int
	count  int
}

// Push records z, overwriting the oldest value when full.
func (r *Ring) Push(z complex128) {
	r.values[r.next] = z
	r.next = (r.next + 1) % StripeSamples
	if r.count < StripeSamples {
		r.count++
	}
}

// Len returns the number of stored values.
func (r *Ring) Len() int {
	return r.count
}

// At returns the i-th most recent value; At(0) is the newest.
func (r *Ring) At(i int) complex128 {
	idx := ((r.next-1-i)%StripeSamples + StripeSamples) % StripeSamples
	return r.values[idx]
}

// Reset empties the ring.
func (r *Ring) Reset() {
	*r = Ring{}
}

// Pixel is the per-pixel state of a perturbation pass. It is mutated in
// place by Iterator and by glitch recovery.
type Pixel struct {
	X, Y int

	// Iteration is the iteration DeltaCurrent belongs to. After a pass it
	// holds the escape or glitch iteration, or the maximum for pixels in the set.
	Iteration int

	// DeltaReference is the pixel's offset from the reference seed.
	DeltaReference floatexp.Complex

	// DeltaCurrent is the pixel's offset from the reference orbit at Iteration.
	DeltaCurrent floatexp.Complex

	// Derivative is dz/dc at Iteration.
	Derivative floatexp.Complex

	Glitched bool
	Escaped  bool

	// ZNorm is |z|² at escape, or at the glitch iteration for glitched pixels.
	ZNorm float64

	// Z is the full value at escape.
	Z complex128

	Stripe Ring
}

// NewPixel returns a pixel at (x, y) whose offset from the reference seed
// is delta, positioned at iteration 1.
func NewPixel(x, y int, delta floatexp.Complex) Pixel {
	return Pixel{
		X:              x,
		Y:              y,
		Iteration:      1,
		DeltaReference: delta,
		DeltaCurrent:   delta,
		Derivative:     floatexp.FromComplex128(1),
	}
}
