package deepzoom

import (
	"github.com/gogpu/deepzoom/internal/glitch"
	"github.com/gogpu/deepzoom/internal/orbit"
	"github.com/gogpu/deepzoom/internal/series"
)

// Option configures a Renderer during creation.
//
// Example:
//
//	r, err := deepzoom.NewRenderer(1920, 1080,
//	    deepzoom.WithIterations(100000),
//	    deepzoom.WithSeriesOrder(32),
//	    deepzoom.WithDerivative(),
//	)
type Option func(*options)

type options struct {
	iterations         int
	order              int
	approximation      bool
	probeSampling      int
	tiled              bool
	checkpointInterval int
	glitchTolerance    float64
	glitchPercentage   float64
	maxGlitchDepth     int
	maxPrecision       uint
	derivative         bool
	stripe             bool
	rotation           float64
	workers            int
	cacheSize          int
}

func defaultOptions() options {
	return options{
		iterations:         10000,
		order:              series.DefaultOrder,
		approximation:      true,
		probeSampling:      series.DefaultProbeSampling,
		tiled:              true,
		checkpointInterval: orbit.DefaultCheckpointInterval,
		glitchTolerance:    orbit.DefaultGlitchTolerance,
		glitchPercentage:   0.001,
		maxGlitchDepth:     glitch.DefaultMaxDepth,
		maxPrecision:       orbit.DefaultMaxPrecision,
		cacheSize:          4,
	}
}

// WithIterations sets the maximum iteration count.
func WithIterations(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.iterations = n
		}
	}
}

// WithSeriesOrder sets the number of series approximation terms.
func WithSeriesOrder(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.order = n
		}
	}
}

// WithoutApproximation disables the series approximation; every pixel is
// iterated from the first iteration.
func WithoutApproximation() Option {
	return func(o *options) {
		o.approximation = false
	}
}

// WithProbeSampling sets the number of probes per image side used to
// validate the series approximation.
func WithProbeSampling(n int) Option {
	return func(o *options) {
		if n >= 2 {
			o.probeSampling = n
		}
	}
}

// WithTiling enables or disables per-tile skip depths.
func WithTiling(enabled bool) Option {
	return func(o *options) {
		o.tiled = enabled
	}
}

// WithCheckpointInterval sets the spacing of orbit checkpoints and series
// snapshots.
func WithCheckpointInterval(k int) Option {
	return func(o *options) {
		if k > 0 {
			o.checkpointInterval = k
		}
	}
}

// WithGlitchTolerance sets the factor on |Z|² below which a pixel is
// treated as glitched.
func WithGlitchTolerance(t float64) Option {
	return func(o *options) {
		if t > 0 {
			o.glitchTolerance = t
		}
	}
}

// WithGlitchPercentage stops glitch recovery once at most this percentage
// of the frame is still glitched.
func WithGlitchPercentage(p float64) Option {
	return func(o *options) {
		if p >= 0 && p <= 100 {
			o.glitchPercentage = p
		}
	}
}

// WithMaxGlitchDepth caps the nesting of secondary orbits.
func WithMaxGlitchDepth(d int) Option {
	return func(o *options) {
		if d > 0 {
			o.maxGlitchDepth = d
		}
	}
}

// WithMaxPrecision caps the bit precision of reference orbits. Deeper zooms
// fail with orbit.ErrPrecisionExhausted.
func WithMaxPrecision(bits uint) Option {
	return func(o *options) {
		o.maxPrecision = bits
	}
}

// WithDerivative tracks dz/dc for distance estimation.
func WithDerivative() Option {
	return func(o *options) {
		o.derivative = true
	}
}

// WithStripe records the last iterates of every pixel for stripe averages.
func WithStripe() Option {
	return func(o *options) {
		o.stripe = true
	}
}

// WithRotation rotates the view counter-clockwise by deg degrees.
func WithRotation(deg float64) Option {
	return func(o *options) {
		o.rotation = deg
	}
}

// WithWorkers sets the number of pixel workers. Zero uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.workers = n
		}
	}
}

// WithCacheSize sets how many reference orbits are kept between frames.
func WithCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.cacheSize = n
		}
	}
}
