package deepzoom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/deepzoom/internal/cache"
	"github.com/gogpu/deepzoom/internal/floatexp"
	"github.com/gogpu/deepzoom/internal/frame"
	"github.com/gogpu/deepzoom/internal/glitch"
	"github.com/gogpu/deepzoom/internal/orbit"
	"github.com/gogpu/deepzoom/internal/parallel"
	"github.com/gogpu/deepzoom/internal/perturbation"
	"github.com/gogpu/deepzoom/internal/progress"
	"github.com/gogpu/deepzoom/internal/series"
)

// Errors returned by Renderer.
var (
	ErrInvalidSize     = errors.New("deepzoom: invalid image size")
	ErrInvalidLocation = errors.New("deepzoom: invalid location")
)

// Pixel is the state of one image pixel handed to a Sink.
type Pixel = perturbation.Pixel

// Sink receives finished pixels.
type Sink = perturbation.Sink

// SinkFunc adapts a function to Sink.
type SinkFunc = perturbation.SinkFunc

// Result describes a rendered frame.
type Result struct {
	// Zoom is the frame zoom in mantissa/E-exponent form.
	Zoom string

	// Spacing is the distance between neighbouring pixels.
	Spacing floatexp.Float

	// Precision is the bit precision of the reference orbit.
	Precision uint

	// ReferenceIterations is the length of the reference orbit.
	ReferenceIterations int

	// ReferenceEscaped reports that the frame center is outside the set.
	ReferenceEscaped bool

	// Cached reports that the orbit and series came from an earlier frame.
	Cached bool

	// MinSkipped and MaxSkipped bound the iterations skipped by the series.
	MinSkipped, MaxSkipped int

	// Glitched is the number of pixels still glitched after recovery.
	Glitched int

	GlitchRounds int
	GlitchOrbits int

	Elapsed time.Duration
}

// Renderer renders frames of one location. Render calls are serialized.
type Renderer struct {
	width, height int
	opts          options

	mu     sync.Mutex
	re, im string
	zoom   floatexp.Float

	counters atomic.Pointer[progress.Counters]
	cache    *cache.Cache
	pool     *parallel.WorkerPool
}

// NewRenderer returns a renderer for width×height images centered on -0.75
// at zoom 1.
func NewRenderer(width, height int, opts ...Option) (*Renderer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	r := &Renderer{
		width:  width,
		height: height,
		opts:   o,
		re:     "-0.75",
		im:     "0.0",
		zoom:   floatexp.FromFloat64(1),
		cache:  cache.New(o.cacheSize),
		pool:   parallel.NewWorkerPool(o.workers),
	}
	r.counters.Store(new(progress.Counters))
	return r, nil
}

// Close stops the worker goroutines. The renderer must not be used after.
func (r *Renderer) Close() {
	r.pool.Close()
}

// Size returns the image size.
func (r *Renderer) Size() (width, height int) {
	return r.width, r.height
}

// SetLocation sets the frame center from decimal strings of any length.
func (r *Renderer) SetLocation(re, im string) error {
	if _, _, err := orbit.ParseCenter(re, im, orbit.MinPrecision); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidLocation, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.re, r.im = re, im
	return nil
}

// Location returns the frame center as set.
func (r *Renderer) Location() (re, im string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.re, r.im
}

// SetZoom sets the zoom from a string such as "1E100". At zoom 1 the image
// height spans 4 units.
func (r *Renderer) SetZoom(zoom string) error {
	z, err := frame.ParseZoom(zoom)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidLocation, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.zoom = z
	return nil
}

// ZoomBy multiplies the zoom by factor.
func (r *Renderer) ZoomBy(factor float64) error {
	if !(factor > 0) {
		return fmt.Errorf("%w: zoom factor %v", ErrInvalidLocation, factor)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.zoom = r.zoom.MulFloat64(factor).Reduce()
	return nil
}

// Zoom returns the current zoom.
func (r *Renderer) Zoom() floatexp.Float {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zoom
}

// Progress returns the counters of the frame being rendered, or of the last
// frame when idle.
func (r *Renderer) Progress() *progress.Counters {
	return r.counters.Load()
}

// CacheStats returns statistics of the orbit cache.
func (r *Renderer) CacheStats() cache.Stats {
	return r.cache.Stats()
}

// Render renders one frame at the current location and zoom, exporting
// pixels to sink as they finish. On cancellation it returns the context
// error.
func (r *Renderer) Render(ctx context.Context, sink Sink) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.render(ctx, sink)
}

func (r *Renderer) render(ctx context.Context, sink Sink) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	logger := Logger()

	counters := new(progress.Counters)
	counters.PixelsTotal.Store(int64(r.width * r.height))
	r.counters.Store(counters)

	stop := new(atomic.Bool)
	release := context.AfterFunc(ctx, func() { stop.Store(true) })
	defer release()

	geometry := frame.New(r.width, r.height, r.zoom, r.opts.rotation)
	precision := orbit.RequiredPrecision(geometry.Radius())
	if err := orbit.CheckPrecision(precision, r.opts.maxPrecision); err != nil {
		return nil, err
	}

	res := &Result{
		Zoom:      frame.FormatZoom(r.zoom),
		Spacing:   geometry.Spacing,
		Precision: precision,
	}

	key := cache.Key{
		Re:       r.re,
		Im:       r.im,
		Maximum:  r.opts.iterations,
		Interval: r.opts.checkpointInterval,
		Order:    r.opts.order,
	}
	entry, ok := r.cache.Get(key, precision)
	if ok {
		res.Cached = true
		res.Precision = entry.Reference.Precision()
		counters.ReferenceIterations.Store(int64(entry.Reference.Len()))
		counters.SeriesIterations.Store(int64(entry.Reference.Len()))
	} else {
		var err error
		entry, err = r.prepare(ctx, precision, stop, counters)
		if err != nil {
			return nil, err
		}
		r.cache.Put(key, entry)
	}
	ref, approx := entry.Reference, entry.Series
	res.ReferenceIterations = ref.Current
	res.ReferenceEscaped = ref.Escaped()

	logger.Debug("reference ready",
		"precision", res.Precision,
		"iterations", ref.Current,
		"escaped", ref.Escaped(),
		"cached", res.Cached)

	approx.Check(ref, geometry, &counters.SeriesValidation)
	res.MinSkipped, res.MaxSkipped = approx.MinValid, approx.MaxValid

	logger.Debug("series checked",
		"min_valid", approx.MinValid,
		"max_valid", approx.MaxValid)

	pixels := make([]Pixel, 0, r.width*r.height)
	for y := range r.height {
		for x := range r.width {
			pixels = append(pixels, perturbation.NewPixel(x, y, geometry.PixelOffset(x, y)))
		}
	}

	it := perturbation.NewIterator(perturbation.Config{
		EscapeRadiusSquared: ref.Options().EscapeRadiusSquared,
		Width:               r.width,
		Height:              r.height,
		Derivative:          r.opts.derivative,
		Stripe:              r.opts.stripe,
		Maximum:             r.opts.iterations,
		Logger:              logger,
	}, r.pool, sink, counters)

	var skip perturbation.Approximation
	if approx.Usable() {
		skip = approx
	}
	it.Iterate(pixels, ref, skip, stop)
	if stop.Load() {
		return nil, cancelled(ctx)
	}

	resolver := glitch.New(glitch.Config{
		MaxDepth:          r.opts.maxGlitchDepth,
		Parallel:          r.pool.Workers(),
		RemainingFraction: r.opts.glitchPercentage / 100,
	}, it, counters, logger)
	stats, err := resolver.Resolve(ctx, ref, pixels, stop)
	if err != nil {
		if stop.Load() || ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		return nil, err
	}
	res.Glitched = stats.Remaining
	res.GlitchRounds = stats.Rounds
	res.GlitchOrbits = stats.Orbits
	res.Elapsed = time.Since(start)

	attrs := []any{
		"zoom", res.Zoom,
		"elapsed", res.Elapsed.Round(time.Millisecond),
		"skipped", res.MinSkipped,
		"glitch_orbits", res.GlitchOrbits,
	}
	if res.Glitched > 0 {
		logger.Warn("frame finished with glitches", append(attrs, "glitched", res.Glitched)...)
	} else {
		logger.Info("frame finished", attrs...)
	}
	return res, nil
}

// prepare computes a new reference orbit and its series coefficients.
func (r *Renderer) prepare(ctx context.Context, precision uint, stop *atomic.Bool, counters *progress.Counters) (cache.Entry, error) {
	re, im, err := orbit.ParseCenter(r.re, r.im, precision)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("%w: %w", ErrInvalidLocation, err)
	}

	ref := orbit.New(re, im, r.opts.iterations, orbit.Options{
		Precision:          precision,
		CheckpointInterval: r.opts.checkpointInterval,
		GlitchTolerance:    r.opts.glitchTolerance,
	})
	ref.Run(stop, &counters.ReferenceIterations)
	if stop.Load() {
		return cache.Entry{}, cancelled(ctx)
	}

	approx := series.New(series.Options{
		Order:              r.opts.order,
		MaximumIteration:   r.opts.iterations,
		CheckpointInterval: r.opts.checkpointInterval,
		ProbeSampling:      r.opts.probeSampling,
		Tiled:              r.opts.tiled,
		Enabled:            r.opts.approximation,
	})
	approx.Generate(ref, &counters.SeriesIterations, stop)
	if stop.Load() {
		return cache.Entry{}, cancelled(ctx)
	}
	return cache.Entry{Reference: ref, Series: approx}, nil
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

// Frame describes the frame a Render call is about to produce.
type Frame struct {
	// Index is the position in a sequence, 0 for single renders.
	Index int

	Width, Height int

	// Zoom is the zoom in mantissa/E-exponent form.
	Zoom string

	// Spacing is the distance between neighbouring pixels.
	Spacing floatexp.Float
}

func (r *Renderer) frame(index int) Frame {
	g := frame.New(r.width, r.height, r.zoom, r.opts.rotation)
	return Frame{
		Index:   index,
		Width:   r.width,
		Height:  r.height,
		Zoom:    frame.FormatZoom(r.zoom),
		Spacing: g.Spacing,
	}
}

// Frame returns the frame the next Render call produces.
func (r *Renderer) Frame() Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frame(0)
}

// FrameSink receives the pixels of one frame of a sequence and is told
// when the frame is done.
type FrameSink interface {
	Sink

	// Finish is called after the frame rendered successfully. A non-nil
	// error stops the sequence.
	Finish(index int, res *Result) error
}

// minimumZoom ends a sequence; below it the whole set fits the frame.
const minimumZoom = 0.5

// RenderSequence renders up to frames frames, dividing the zoom by scale
// after each one. The reference orbit and series of the first frame are
// reused by the later, shallower frames. sinkFor returns the sink of
// frame f. The sequence ends early once the zoom drops below 0.5.
func (r *Renderer) RenderSequence(ctx context.Context, frames int, scale float64, sinkFor func(f Frame) FrameSink) ([]*Result, error) {
	if frames > 1 && !(scale > 1) {
		return nil, fmt.Errorf("%w: zoom scale %v must exceed 1", ErrInvalidLocation, scale)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	results := make([]*Result, 0, frames)
	for i := range frames {
		if i > 0 && r.zoom.Less(floatexp.FromFloat64(minimumZoom)) {
			break
		}
		sink := sinkFor(r.frame(i))
		res, err := r.render(ctx, sink)
		if err != nil {
			return results, fmt.Errorf("frame %d: %w", i, err)
		}
		results = append(results, res)
		if err := sink.Finish(i, res); err != nil {
			return results, fmt.Errorf("frame %d: %w", i, err)
		}
		r.zoom = r.zoom.MulFloat64(1 / scale).Reduce()
	}
	return results, nil
}
