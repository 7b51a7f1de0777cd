// Package orbit computes high precision reference orbits of the Mandelbrot
// iteration z → z² + c.
//
// A Reference iterates one seed point with math/big at a configurable bit
// precision and stores what the perturbation loop needs for every pixel
// expressed relative to it:
//
//   - one float64 sample per iteration together with its glitch tolerance,
//   - extended range checkpoints every CheckpointInterval iterations, and at
//     any iteration whose value is too small for float64 to carry,
//   - arbitrary precision checkpoints every CheckpointInterval iterations,
//     used to seed secondary references during glitch recovery.
//
// A Reference is written by Run and read-only afterwards. Concurrent reads
// are safe.
package orbit

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"sync/atomic"

	"github.com/gogpu/deepzoom/internal/floatexp"
)

// Errors returned by Reference.
var (
	// ErrIterationOutOfRange is returned for iterations outside [Start, Current].
	ErrIterationOutOfRange = errors.New("orbit: iteration outside computed range")

	// ErrPrecisionExhausted is returned when a zoom needs more bits than allowed.
	ErrPrecisionExhausted = errors.New("orbit: required precision exceeds maximum")
)

// Defaults for Options.
const (
	DefaultCheckpointInterval  = 100
	DefaultGlitchTolerance     = 1.4e-6
	DefaultEscapeRadiusSquared = 1e16

	// MinPrecision is the smallest bit precision used for a reference.
	MinPrecision = 64

	// DefaultMaxPrecision caps automatic precision growth.
	DefaultMaxPrecision = 1 << 16
)

const (
	// pollInterval is how often Run checks the stop flag.
	pollInterval = 1000

	// tinyExponent marks samples that lose too much when stored as float64.
	tinyExponent = -400
)

// Options configures a Reference.
type Options struct {
	// Precision is the math/big precision in bits.
	Precision uint

	// CheckpointInterval is K, the spacing of extended and big checkpoints.
	CheckpointInterval int

	// GlitchTolerance scales |Z|² into the per-iteration glitch threshold.
	GlitchTolerance float64

	// EscapeRadiusSquared is the bailout on |z|².
	EscapeRadiusSquared float64
}

func (o Options) withDefaults() Options {
	if o.Precision < MinPrecision {
		o.Precision = MinPrecision
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = DefaultCheckpointInterval
	}
	if o.GlitchTolerance <= 0 {
		o.GlitchTolerance = DefaultGlitchTolerance
	}
	if o.EscapeRadiusSquared <= 0 {
		o.EscapeRadiusSquared = DefaultEscapeRadiusSquared
	}
	return o
}

// Sample is the float64 view of one orbit iteration.
type Sample struct {
	// Z is the orbit value.
	Z complex128

	// Tolerance is the squared magnitude below which a perturbed value at
	// this iteration is considered glitched.
	Tolerance float64
}

type bigPoint struct {
	iteration int
	re, im    *big.Float
}

// Reference is one computed orbit.
type Reference struct {
	// Start is the iteration of the seed value. 1 for primary orbits.
	Start int

	// Current is the last computed iteration. Start-1 before Run.
	Current int

	// Maximum is the iteration cap.
	Maximum int

	// Samples holds iterations Start..Current; Samples[n-Start] is iteration n.
	Samples []Sample

	opts Options

	cRe, cIm *big.Float
	zRe, zIm *big.Float

	extendedIterations []int
	extendedValues     []floatexp.Complex
	checkpoints        []bigPoint

	escaped bool
}

// New creates a primary reference for seed c = re + im·i. The orbit starts
// at iteration 1 with z = c.
func New(re, im *big.Float, maximum int, opts Options) *Reference {
	opts = opts.withDefaults()
	cRe := newFloat(opts.Precision).Set(re)
	cIm := newFloat(opts.Precision).Set(im)
	return newReference(cRe, cIm, newFloat(opts.Precision).Set(cRe), newFloat(opts.Precision).Set(cIm), 1, maximum, opts)
}

func newReference(cRe, cIm, zRe, zIm *big.Float, start, maximum int, opts Options) *Reference {
	return &Reference{
		Start:   start,
		Current: start - 1,
		Maximum: maximum,
		opts:    opts,
		cRe:     cRe,
		cIm:     cIm,
		zRe:     zRe,
		zIm:     zIm,
	}
}

// ParseCenter parses decimal coordinates at prec bits.
func ParseCenter(re, im string, prec uint) (*big.Float, *big.Float, error) {
	prec = max(prec, MinPrecision)
	r, _, err := big.ParseFloat(re, 10, prec, big.ToNearestEven)
	if err != nil {
		return nil, nil, fmt.Errorf("orbit: parse real part %q: %w", re, err)
	}
	i, _, err := big.ParseFloat(im, 10, prec, big.ToNearestEven)
	if err != nil {
		return nil, nil, fmt.Errorf("orbit: parse imaginary part %q: %w", im, err)
	}
	return r, i, nil
}

// RequiredPrecision returns the bits needed to resolve offsets within an
// image of the given radius (width × pixel spacing).
func RequiredPrecision(radius floatexp.Float) uint {
	bits := MinPrecision - radius.Exponent
	if bits < MinPrecision {
		return MinPrecision
	}
	return uint(bits)
}

// CheckPrecision returns ErrPrecisionExhausted when required > limit.
func CheckPrecision(required, limit uint) error {
	if limit > 0 && required > limit {
		return fmt.Errorf("%w: need %d bits, limit %d", ErrPrecisionExhausted, required, limit)
	}
	return nil
}

// Run iterates the orbit until it escapes, reaches Maximum, or stop is set.
// A stopped orbit can be resumed by calling Run again. counter, when not
// nil, is incremented once per computed iteration.
func (r *Reference) Run(stop *atomic.Bool, counter *atomic.Int64) {
	if r.escaped {
		return
	}

	prec := r.opts.Precision
	t1 := newFloat(prec)
	t2 := newFloat(prec)
	interval := r.opts.CheckpointInterval

	for n := r.Current + 1; n <= r.Maximum; n++ {
		if stop != nil && (n-r.Start)%pollInterval == 0 && stop.Load() {
			return
		}

		ext := floatexp.FromBig(r.zRe, r.zIm)
		z := ext.Complex128()
		norm := real(z)*real(z) + imag(z)*imag(z)

		r.Samples = append(r.Samples, Sample{Z: z, Tolerance: norm * r.opts.GlitchTolerance})
		r.Current = n

		if n%interval == 0 || (ext.Exponent < tinyExponent && !ext.IsZero()) {
			r.extendedIterations = append(r.extendedIterations, n)
			r.extendedValues = append(r.extendedValues, ext)
		}
		if n == r.Start || n%interval == 0 {
			r.checkpoints = append(r.checkpoints, bigPoint{
				iteration: n,
				re:        newFloat(prec).Set(r.zRe),
				im:        newFloat(prec).Set(r.zIm),
			})
		}
		if counter != nil {
			counter.Add(1)
		}

		if norm > r.opts.EscapeRadiusSquared {
			r.escaped = true
			return
		}
		if n == r.Maximum {
			return
		}

		step(r.zRe, r.zIm, r.cRe, r.cIm, t1, t2)
	}
}

// step advances z to z² + c in place using t1 and t2 as scratch.
func step(zRe, zIm, cRe, cIm, t1, t2 *big.Float) {
	t1.Mul(zRe, zRe)
	t2.Mul(zIm, zIm)
	t1.Sub(t1, t2)
	zIm.Mul(zRe, zIm)
	zIm.SetMantExp(zIm, 1)
	zIm.Add(zIm, cIm)
	zRe.Add(t1, cRe)
}

// GlitchResolvingReference returns a new, unrun reference whose seed is the
// point at deltaReference from this orbit's seed and whose iteration starts
// at the given iteration with value Z_iteration + deltaCurrent.
func (r *Reference) GlitchResolvingReference(iteration int, deltaReference, deltaCurrent floatexp.Complex) (*Reference, error) {
	if iteration < r.Start || iteration > r.Current {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrIterationOutOfRange, iteration, r.Start, r.Current)
	}
	prec := r.opts.Precision

	i := sort.Search(len(r.checkpoints), func(i int) bool {
		return r.checkpoints[i].iteration > iteration
	}) - 1
	cp := r.checkpoints[i]

	zRe := newFloat(prec).Set(cp.re)
	zIm := newFloat(prec).Set(cp.im)
	t1, t2 := newFloat(prec), newFloat(prec)
	for n := cp.iteration; n < iteration; n++ {
		step(zRe, zIm, r.cRe, r.cIm, t1, t2)
	}

	dzRe, dzIm := deltaCurrent.BigParts(prec)
	zRe.Add(zRe, dzRe)
	zIm.Add(zIm, dzIm)

	dcRe, dcIm := deltaReference.BigParts(prec)
	cRe := newFloat(prec).Add(r.cRe, dcRe)
	cIm := newFloat(prec).Add(r.cIm, dcIm)

	return newReference(cRe, cIm, zRe, zIm, iteration, r.Maximum, r.opts), nil
}

// Sample returns the float64 sample of iteration n.
func (r *Reference) Sample(n int) (Sample, error) {
	if n < r.Start || n > r.Current {
		return Sample{}, fmt.Errorf("%w: %d not in [%d, %d]", ErrIterationOutOfRange, n, r.Start, r.Current)
	}
	return r.Samples[n-r.Start], nil
}

// Extended returns iteration n in extended range: the stored checkpoint when
// there is one, otherwise the widened float64 sample. n must be in range.
func (r *Reference) Extended(n int) floatexp.Complex {
	i := sort.SearchInts(r.extendedIterations, n)
	if i < len(r.extendedIterations) && r.extendedIterations[i] == n {
		return r.extendedValues[i]
	}
	return floatexp.FromComplex128(r.Samples[n-r.Start].Z)
}

// IsExtended reports whether iteration n has an extended checkpoint.
func (r *Reference) IsExtended(n int) bool {
	i := sort.SearchInts(r.extendedIterations, n)
	return i < len(r.extendedIterations) && r.extendedIterations[i] == n
}

// NextExtended returns the first extended checkpoint at or after n, or
// math.MaxInt when there is none.
func (r *Reference) NextExtended(n int) int {
	i := sort.SearchInts(r.extendedIterations, n)
	if i < len(r.extendedIterations) {
		return r.extendedIterations[i]
	}
	return math.MaxInt
}

// Complete reports whether the orbit reached Maximum.
func (r *Reference) Complete() bool {
	return r.Current >= r.Maximum
}

// Escaped reports whether the orbit stopped on the bailout.
func (r *Reference) Escaped() bool {
	return r.escaped
}

// Precision returns the bit precision of the orbit.
func (r *Reference) Precision() uint {
	return r.opts.Precision
}

// Options returns the options the orbit was built with.
func (r *Reference) Options() Options {
	return r.opts
}

// Seed returns copies of the seed coordinates.
func (r *Reference) Seed() (re, im *big.Float) {
	return new(big.Float).Set(r.cRe), new(big.Float).Set(r.cIm)
}

// Len returns the number of stored samples.
func (r *Reference) Len() int {
	return len(r.Samples)
}

func newFloat(prec uint) *big.Float {
	return new(big.Float).SetPrec(prec)
}
