// Package series implements the series approximation that lets every pixel
// skip the first iterations shared with the reference orbit.
//
// The n-th orbit-relative value of a pixel with offset δ is predicted by the
// polynomial A_n·δ + B_n·δ² + C_n·δ³ + ...; the coefficients follow from the
// reference orbit alone. Probes spread over the image then measure how far
// the prediction stays within a pixel of the directly iterated value.
package series

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/deepzoom/internal/floatexp"
	"github.com/gogpu/deepzoom/internal/frame"
	"github.com/gogpu/deepzoom/internal/orbit"
)

// Defaults for Options.
const (
	DefaultOrder               = 16
	DefaultProbeSampling       = 15
	DefaultProbeMultiplier     = 0.01
	DefaultMinimumTestDistance = 1000
	DefaultCornerAllowance     = 10
)

// Options configures an Approximation. The probe constants are heuristics.
type Options struct {
	// Order is the number of series terms.
	Order int

	// MaximumIteration caps coefficient generation and probe iteration.
	MaximumIteration int

	// CheckpointInterval is K: one coefficient snapshot every K iterations.
	CheckpointInterval int

	// ProbeSampling is P, the probes per image side.
	ProbeSampling int

	// Tiled enables the per-tile skip map.
	Tiled bool

	// Enabled turns the approximation on. When off every pixel starts at 1.
	Enabled bool

	// ProbeMultiplier scales the back-off distance from the last valid skip.
	ProbeMultiplier float64

	// MinimumTestDistance is the smallest back-off distance in iterations.
	MinimumTestDistance int

	// CornerAllowance multiplies the early-failure window of the corner pass.
	CornerAllowance int
}

func (o Options) withDefaults() Options {
	if o.Order < 1 {
		o.Order = DefaultOrder
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = orbit.DefaultCheckpointInterval
	}
	if o.ProbeSampling < 2 {
		o.ProbeSampling = DefaultProbeSampling
	}
	if o.ProbeMultiplier <= 0 {
		o.ProbeMultiplier = DefaultProbeMultiplier
	}
	if o.MinimumTestDistance <= 0 {
		o.MinimumTestDistance = DefaultMinimumTestDistance
	}
	if o.CornerAllowance <= 0 {
		o.CornerAllowance = DefaultCornerAllowance
	}
	return o
}

// Approximation holds the coefficients and the validated skip depths.
// After Check it is read-only and safe for concurrent use.
type Approximation struct {
	opts Options

	// GeneratedOrder is Order once Generate completed, 0 otherwise.
	GeneratedOrder int

	// DeltaPixelSquare is the squared pixel spacing of the last Check.
	DeltaPixelSquare floatexp.Float

	// MinValid is the smallest accepted skip depth over all probes.
	MinValid int

	// MaxValid is the largest skip depth any pixel may use.
	MaxValid int

	// ValidIterations holds the accepted depth of each probe, row-major.
	ValidIterations []int

	// ValidInterpolation holds the per-tile minimum, (P-1)×(P-1) row-major.
	ValidInterpolation []int

	coefficients [][]floatexp.Complex
	probeStart   []floatexp.Complex
}

// New returns an empty approximation.
func New(opts Options) *Approximation {
	return &Approximation{
		opts:     opts.withDefaults(),
		MinValid: 1,
		MaxValid: 1,
	}
}

// Options returns the effective options.
func (a *Approximation) Options() Options {
	return a.opts
}

// Usable reports whether the approximation can skip iterations.
func (a *Approximation) Usable() bool {
	return a.opts.Enabled && a.GeneratedOrder > 0
}

// Generate computes the coefficients from a primary reference. counter is
// set to 1 when disabled and otherwise advanced once per iteration. A set
// stop flag leaves GeneratedOrder at 0.
func (a *Approximation) Generate(ref *orbit.Reference, counter *atomic.Int64, stop *atomic.Bool) {
	a.GeneratedOrder = 0
	a.coefficients = nil

	if !a.opts.Enabled {
		if counter != nil {
			counter.Store(1)
		}
		return
	}
	if counter != nil {
		counter.Store(0)
	}

	order := a.opts.Order
	interval := a.opts.CheckpointInterval
	one := floatexp.FromComplex128(1)

	first := make([]floatexp.Complex, order+1)
	first[0] = ref.Extended(ref.Start)
	first[1] = one
	a.coefficients = [][]floatexp.Complex{first}

	prev := make([]floatexp.Complex, order+1)
	next := make([]floatexp.Complex, order+1)
	copy(prev, first)

	limit := min(a.opts.MaximumIteration, ref.Current)
	for i := ref.Start; i < limit; i++ {
		if stop != nil && stop.Load() {
			return
		}

		next[0] = ref.Extended(i + 1)
		next[1] = prev[0].Mul(prev[1]).MulFloat64(2).Add(one)

		for k := 2; k <= order; k++ {
			sum := prev[0].Mul(prev[k])
			for j := 1; j <= (k-1)/2; j++ {
				sum = sum.Add(prev[j].Mul(prev[k-j]))
			}
			sum = sum.MulFloat64(2)
			if k%2 == 0 {
				sum = sum.Add(prev[k/2].Mul(prev[k/2]))
			}
			next[k] = sum
		}

		prev, next = next, prev

		if counter != nil {
			counter.Add(1)
		}
		if i%interval == 0 {
			snapshot := make([]floatexp.Complex, order+1)
			copy(snapshot, prev)
			a.coefficients = append(a.coefficients, snapshot)
		}
	}

	a.GeneratedOrder = order
}

// lastSnapshot returns the iteration of the newest coefficient snapshot.
func (a *Approximation) lastSnapshot() int {
	return (len(a.coefficients)-1)*a.opts.CheckpointInterval + 1
}

func (a *Approximation) snapshot(iteration int) []floatexp.Complex {
	idx := min((iteration-1)/a.opts.CheckpointInterval, len(a.coefficients)-1)
	return a.coefficients[idx]
}

// Evaluate predicts the orbit-relative value at iteration for offset delta,
// using the newest snapshot at or before iteration. Iteration 1 returns delta.
func (a *Approximation) Evaluate(delta floatexp.Complex, iteration int) floatexp.Complex {
	if iteration <= 1 || len(a.coefficients) == 0 {
		return delta
	}
	c := a.snapshot(iteration)
	order := len(c) - 1

	approx := c[order]
	for k := order - 1; k >= 1; k-- {
		approx = approx.Mul(delta).Add(c[k])
	}
	return approx.Mul(delta)
}

// EvaluateDerivative returns d/dδ of Evaluate. Iteration 1 returns 1.
func (a *Approximation) EvaluateDerivative(delta floatexp.Complex, iteration int) floatexp.Complex {
	if iteration <= 1 || len(a.coefficients) == 0 {
		return floatexp.FromComplex128(1)
	}
	c := a.snapshot(iteration)
	order := len(c) - 1

	approx := c[order].MulFloat64(float64(order))
	for k := order - 1; k >= 1; k-- {
		approx = approx.Mul(delta).Add(c[k].MulFloat64(float64(k)))
	}
	return approx
}

// CalculateProbes places a P×P grid of probes across the image, corners
// included, stored row-major.
func (a *Approximation) CalculateProbes(g frame.Geometry) {
	p := a.opts.ProbeSampling
	a.probeStart = a.probeStart[:0]
	a.ValidInterpolation = nil

	for j := range p {
		for i := range p {
			x := float64(g.Width) * float64(i) / float64(p-1)
			y := float64(g.Height) * float64(j) / float64(p-1)
			a.probeStart = append(a.probeStart, g.Offset(x, y))
		}
	}
}

// Probes returns the probe offsets of the last CalculateProbes.
func (a *Approximation) Probes() []floatexp.Complex {
	return a.probeStart
}

// Check validates the skip depth against the probes of geometry g. counter
// is set to 2 when done, advancing by one per probe pass.
func (a *Approximation) Check(ref *orbit.Reference, g frame.Geometry, counter *atomic.Int64) {
	bump := func() {
		if counter != nil {
			counter.Add(1)
		}
	}

	if !a.Usable() {
		a.MinValid, a.MaxValid = 1, 1
		a.ValidIterations, a.ValidInterpolation = nil, nil
		if counter != nil {
			counter.Store(2)
		}
		return
	}
	if counter != nil {
		counter.Store(0)
	}

	a.DeltaPixelSquare = g.SpacingSquared()
	a.CalculateProbes(g)

	p := a.opts.ProbeSampling
	interval := a.opts.CheckpointInterval
	valid := make([]int, p*p)

	corners := []int{0, p - 1, p * (p - 1), p*p - 1}
	test := a.testDistance(a.MinValid, a.opts.MinimumTestDistance)
	a.iterateProbes(ref, valid, corners, test, a.opts.CornerAllowance*test)
	bump()

	a.MinValid = interval*((a.MinValid-1)/interval) + 1

	if len(corners) != len(valid) {
		lo, hi := valid[corners[0]], valid[corners[0]]
		for _, c := range corners[1:] {
			lo, hi = min(lo, valid[c]), max(hi, valid[c])
		}

		// Uniform corners suggest a uniform interior, so a tighter
		// early-failure window is enough there.
		test = a.testDistance(a.MinValid, a.opts.MinimumTestDistance)
		check := test
		if lo != hi {
			check = a.opts.CornerAllowance * test
		}

		interior := make([]int, 0, len(valid)-len(corners))
		for i := range valid {
			if i != corners[0] && i != corners[1] && i != corners[2] && i != corners[3] {
				interior = append(interior, i)
			}
		}
		a.iterateProbes(ref, valid, interior, test, check)
	}

	a.ValidIterations = valid
	a.interpolate()

	a.MaxValid = a.MinValid
	if a.opts.Tiled {
		for _, v := range a.ValidInterpolation {
			a.MaxValid = max(a.MaxValid, v)
		}
	}
	bump()
}

// testDistance returns the back-off distance for a skip of minValid,
// rounded down to whole checkpoints and at least floor.
func (a *Approximation) testDistance(minValid, floor int) int {
	interval := a.opts.CheckpointInterval
	scaled := int(float64(minValid)*a.opts.ProbeMultiplier) / interval * interval
	return max(scaled, floor/interval*interval, interval)
}

// iterateProbes advances the selected probes from a backed-off start and
// records the last checkpoint at which each still matched the series.
// When a probe fails within checkVal of the start, the start itself is
// suspect and the whole selection restarts further back.
func (a *Approximation) iterateProbes(ref *orbit.Reference, valid []int, selected []int, testVal, checkVal int) {
	current := 1
	if a.MinValid > testVal {
		current = a.MinValid - testVal
	}
	next := 1
	if current > testVal {
		next = current - testVal
	}
	for _, i := range selected {
		valid[i] = current
	}

	limit := min(a.opts.MaximumIteration, ref.Current, a.lastSnapshot())

	for {
		var g errgroup.Group
		g.SetLimit(runtime.GOMAXPROCS(0))
		for _, idx := range selected {
			if valid[idx] != current {
				continue
			}
			start, back := current, next
			g.Go(func() error {
				valid[idx] = a.iterateProbe(ref, a.probeStart[idx], start, back, checkVal, limit)
				return nil
			})
		}
		_ = g.Wait()

		a.MinValid = minPositive(valid)

		if a.MinValid != next || next == 1 {
			return
		}

		current = next
		testVal = a.testDistance(a.MinValid, a.opts.CheckpointInterval)
		next = 1
		if current > testVal {
			next = current - testVal
		}
	}
}

// iterateProbe perturbs one probe from start and returns its accepted depth.
func (a *Approximation) iterateProbe(ref *orbit.Reference, dc floatexp.Complex, start, back, checkVal, limit int) int {
	interval := a.opts.CheckpointInterval
	level := start
	probe := a.Evaluate(dc, level)

	for level < limit {
		probe = probe.Mul(ref.Extended(level).MulFloat64(2).Add(probe)).Add(dc)

		if level%interval == 0 {
			series := a.Evaluate(dc, level+1)
			derivative := a.EvaluateDerivative(dc, level+1).NormSqr()
			if derivative.Float64() < 1 {
				derivative = floatexp.FromFloat64(1)
			}

			diff := probe.Sub(series).NormSqr()
			if a.DeltaPixelSquare.Less(diff.Div(derivative)) || diff.Exponent > 0 {
				if level <= start+checkVal+1 && back != 1 {
					return back
				}
				if level > interval {
					return level - interval + 1
				}
				return 1
			}
		}
		level++
	}

	return ((level-1)/interval)*interval + 1
}

// interpolate fills ValidInterpolation with the minimum of each tile's four
// bounding probes.
func (a *Approximation) interpolate() {
	p := a.opts.ProbeSampling
	a.ValidInterpolation = make([]int, 0, (p-1)*(p-1))
	for j := range p - 1 {
		for i := range p - 1 {
			idx := j*p + i
			a.ValidInterpolation = append(a.ValidInterpolation, min(
				a.ValidIterations[idx],
				a.ValidIterations[idx+1],
				a.ValidIterations[idx+p],
				a.ValidIterations[idx+p+1],
			))
		}
	}
}

// Skip returns the iteration at which the pixel (x, y) of a width×height
// image starts perturbation.
func (a *Approximation) Skip(x, y, width, height int) int {
	if !a.Usable() {
		return 1
	}
	if !a.opts.Tiled || len(a.ValidInterpolation) == 0 {
		return a.MinValid
	}
	tiles := a.opts.ProbeSampling - 1
	tx := min(max(x*tiles/width, 0), tiles-1)
	ty := min(max(y*tiles/height, 0), tiles-1)
	return a.ValidInterpolation[ty*tiles+tx]
}

func minPositive(values []int) int {
	m := 0
	for _, v := range values {
		if v > 0 && (m == 0 || v < m) {
			m = v
		}
	}
	if m == 0 {
		return 1
	}
	return m
}
