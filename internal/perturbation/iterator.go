// Package perturbation advances pixels relative to a reference orbit.
//
// Each pixel carries its offset from the reference seed (δc) and its
// current offset from the orbit (δ). One iteration is
//
//	δ' = δ·(2·Z + δ) + δc
//
// where Z is the reference value at the same iteration. Iterator runs this
// in scaled float64 batches, switching to full extended range arithmetic at
// the orbit's extended checkpoints, until each pixel escapes, glitches, or
// runs out of orbit.
package perturbation

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/deepzoom/internal/floatexp"
	"github.com/gogpu/deepzoom/internal/orbit"
	"github.com/gogpu/deepzoom/internal/parallel"
	"github.com/gogpu/deepzoom/internal/progress"
)

// Defaults for Config.
const (
	DefaultBatchCap  = 250
	DefaultChunkSize = 256
)

// checkExponent is the delta exponent at or below which escape and glitch
// tests are skipped: such a delta cannot move z away from Z in one batch.
const checkExponent = -500

// Sink receives finished chunks. Export is called with the chunk's pixels
// while the iterator holds its sink lock; the slice must not be retained.
type Sink interface {
	Export(pixels []Pixel)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(pixels []Pixel)

// Export calls f.
func (f SinkFunc) Export(pixels []Pixel) { f(pixels) }

// Approximation seeds pixels past the iterations shared with the orbit.
type Approximation interface {
	Skip(x, y, width, height int) int
	Evaluate(delta floatexp.Complex, iteration int) floatexp.Complex
	EvaluateDerivative(delta floatexp.Complex, iteration int) floatexp.Complex
}

// Config configures an Iterator.
type Config struct {
	// EscapeRadiusSquared is the bailout on |z|².
	EscapeRadiusSquared float64

	// BatchCap bounds the iterations between bookkeeping steps.
	BatchCap int

	// ChunkSize is the number of pixels per unit of parallel work.
	ChunkSize int

	// Width and Height locate pixels in the series skip map.
	Width, Height int

	// Derivative enables dz/dc tracking for distance estimation.
	Derivative bool

	// Stripe enables recording recent iterates for stripe averaging.
	Stripe bool

	// Maximum is the global iteration cap. Pixels that exhaust an orbit
	// that stopped short of it are flagged glitched. Zero means the
	// orbit's own Maximum.
	Maximum int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.EscapeRadiusSquared <= 0 {
		c.EscapeRadiusSquared = orbit.DefaultEscapeRadiusSquared
	}
	if c.BatchCap <= 0 {
		c.BatchCap = DefaultBatchCap
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Iterator runs perturbation passes over pixel slices.
type Iterator struct {
	cfg      Config
	pool     *parallel.WorkerPool
	sink     Sink
	counters *progress.Counters

	// mu serializes sink exports.
	mu sync.Mutex
}

// NewIterator returns an Iterator that runs chunks on pool and hands them
// to sink. pool, sink and counters may be nil.
func NewIterator(cfg Config, pool *parallel.WorkerPool, sink Sink, counters *progress.Counters) *Iterator {
	return &Iterator{
		cfg:      cfg.withDefaults(),
		pool:     pool,
		sink:     sink,
		counters: counters,
	}
}

// Config returns the effective configuration.
func (it *Iterator) Config() Config {
	return it.cfg
}

// Iterate advances every pixel against ref until it escapes, glitches or
// exhausts the orbit. When approx is not nil each pixel is first moved to
// its skip iteration. A set stop flag abandons the remaining pixels of every
// chunk; pixels already processed keep their state and unfinished chunks
// are not exported.
func (it *Iterator) Iterate(pixels []Pixel, ref *orbit.Reference, approx Approximation, stop *atomic.Bool) {
	if len(pixels) == 0 {
		return
	}
	it.cfg.Logger.Debug("perturbation pass",
		"pixels", len(pixels),
		"start", ref.Start,
		"current", ref.Current)

	chunk := func(lo, hi int) {
		for i := lo; i < hi; i++ {
			if stop != nil && stop.Load() {
				return
			}
			p := &pixels[i]
			if approx != nil {
				it.seed(p, ref, approx)
			}
			if !it.iteratePixel(p, ref, stop) {
				return
			}
			if !p.Glitched && it.counters != nil {
				it.counters.PixelsComplete.Add(1)
			}
		}
		if it.sink != nil {
			it.mu.Lock()
			it.sink.Export(pixels[lo:hi])
			it.mu.Unlock()
		}
	}

	if it.pool == nil {
		for lo := 0; lo < len(pixels); lo += it.cfg.ChunkSize {
			chunk(lo, min(lo+it.cfg.ChunkSize, len(pixels)))
		}
		return
	}
	it.pool.ForEachChunk(len(pixels), it.cfg.ChunkSize, stop, chunk)
}

// seed moves p to its series skip iteration.
func (it *Iterator) seed(p *Pixel, ref *orbit.Reference, approx Approximation) {
	skip := min(approx.Skip(p.X, p.Y, it.cfg.Width, it.cfg.Height), ref.Current)
	if skip <= 1 {
		return
	}
	p.Iteration = skip
	p.DeltaCurrent = approx.Evaluate(p.DeltaReference, skip)
	p.Derivative = approx.EvaluateDerivative(p.DeltaReference, skip)
}

// iteratePixel runs one pixel to a final state. It returns false when the
// stop flag interrupted it.
func (it *Iterator) iteratePixel(p *Pixel, ref *orbit.Reference, stop *atomic.Bool) bool {
	p.Glitched = false
	p.Escaped = false

	last := ref.Current
	if p.Iteration < ref.Start || p.Iteration > last {
		p.Glitched = true
		p.Iteration = min(max(p.Iteration, ref.Start), last)
		return true
	}

	for {
		n := p.Iteration
		if n == last {
			it.finish(p, ref)
			return true
		}
		if ref.IsExtended(n) {
			if it.extendedStep(p, ref, n) {
				return true
			}
			continue
		}
		if stop != nil && stop.Load() {
			return false
		}
		to := min(last, ref.NextExtended(n), n+it.cfg.BatchCap)
		if it.batch(p, ref, n, to) {
			return true
		}
	}
}

// batch iterates p from iteration from to iteration to in float64 with the
// delta scaled by its exponent at batch start. It returns true when the
// pixel reached a final state.
func (it *Iterator) batch(p *Pixel, ref *orbit.Reference, from, to int) bool {
	e := p.DeltaCurrent.Exponent
	if p.DeltaCurrent.IsZero() {
		e = p.DeltaReference.Exponent
	}
	checks := e > checkExponent
	s := complex(floatexp.Ldexp(1, e), 0)
	d := p.DeltaCurrent.At(e)
	dc := p.DeltaReference.At(e)

	de := p.Derivative.Exponent
	dd := p.Derivative.Mantissa
	one := complex(floatexp.Ldexp(1, -de), 0)

	samples := ref.Samples[from-ref.Start : to-ref.Start]
	bailout := it.cfg.EscapeRadiusSquared

	for i, sample := range samples {
		Z := sample.Z
		if checks {
			z := Z + d*s
			norm := real(z)*real(z) + imag(z)*imag(z)
			if norm < sample.Tolerance || norm > bailout {
				p.Iteration = from + i
				p.DeltaCurrent = floatexp.NewComplex(d, e)
				p.Derivative = floatexp.NewComplex(dd, de)
				p.ZNorm = norm
				if norm < sample.Tolerance {
					p.Glitched = true
				} else {
					p.Escaped = true
					p.Z = z
				}
				return true
			}
			if it.cfg.Stripe {
				p.Stripe.Push(z)
			}
		}
		if it.cfg.Derivative {
			dd = 2*(Z+d*s)*dd + one
		}
		d = d*(2*Z+d*s) + dc
	}

	p.Iteration = to
	p.DeltaCurrent = floatexp.NewComplex(d, e)
	if it.cfg.Derivative {
		p.Derivative = floatexp.NewComplex(dd, de)
	}
	return false
}

// extendedStep performs iteration n in extended range using the orbit's
// checkpoint value. It returns true when the pixel reached a final state.
func (it *Iterator) extendedStep(p *Pixel, ref *orbit.Reference, n int) bool {
	Z := ref.Extended(n)
	delta := p.DeltaCurrent
	z := Z.Add(delta)

	if delta.Exponent > checkExponent && it.check(p, ref, Z, z) {
		p.Iteration = n
		return true
	}

	if it.cfg.Derivative {
		p.Derivative = z.Mul(p.Derivative).MulFloat64(2).AddFloat64(1)
	}
	p.DeltaCurrent = delta.Mul(Z.MulFloat64(2).Add(delta)).Add(p.DeltaReference)
	p.Iteration = n + 1
	return false
}

// finish classifies a pixel that reached the last computed orbit iteration.
func (it *Iterator) finish(p *Pixel, ref *orbit.Reference) {
	Z := ref.Extended(p.Iteration)
	if it.check(p, ref, Z, Z.Add(p.DeltaCurrent)) {
		return
	}
	maximum := it.cfg.Maximum
	if maximum <= 0 {
		maximum = ref.Maximum
	}
	if !ref.Complete() || ref.Current < maximum {
		p.Glitched = true
		p.ZNorm = Z.Add(p.DeltaCurrent).NormSqr().Float64()
	}
}

// check applies the glitch and escape tests in extended range.
func (it *Iterator) check(p *Pixel, ref *orbit.Reference, Z, z floatexp.Complex) bool {
	norm := z.NormSqr()
	tolerance := Z.NormSqr().MulFloat64(ref.Options().GlitchTolerance)
	switch {
	case norm.Less(tolerance):
		p.Glitched = true
		p.ZNorm = norm.Float64()
		return true
	case norm.Float64() > it.cfg.EscapeRadiusSquared:
		p.Escaped = true
		p.ZNorm = norm.Float64()
		p.Z = z.Complex128()
		return true
	}
	if it.cfg.Stripe {
		p.Stripe.Push(z.Complex128())
	}
	return false
}
