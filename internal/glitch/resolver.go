// Package glitch repairs pixels whose perturbation against a reference orbit
// lost precision.
//
// Glitched pixels are grouped by the iteration at which they glitched. Each
// group gets a secondary reference orbit anchored at its most representative
// pixel, is rebased onto it and iterated again. Pixels that glitch against
// the secondary orbit recurse with that orbit as their new baseline.
package glitch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/deepzoom/internal/orbit"
	"github.com/gogpu/deepzoom/internal/perturbation"
	"github.com/gogpu/deepzoom/internal/progress"
)

// DefaultMaxDepth caps the nesting of secondary orbits.
const DefaultMaxDepth = 16

// Config configures a Resolver.
type Config struct {
	// MaxDepth caps the recursion depth.
	MaxDepth int

	// Parallel is the number of buckets resolved concurrently.
	Parallel int

	// RemainingFraction stops recovery once at most this fraction of the
	// pixels passed to Resolve is still glitched.
	RemainingFraction float64
}

func (c Config) withDefaults() Config {
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.Parallel <= 0 {
		c.Parallel = runtime.GOMAXPROCS(0)
	}
	if c.RemainingFraction < 0 {
		c.RemainingFraction = 0
	}
	return c
}

// Stats summarizes one Resolve call.
type Stats struct {
	// Rounds is the deepest recursion level reached.
	Rounds int

	// Orbits is the number of secondary orbits computed.
	Orbits int

	// Remaining is the number of pixels still glitched.
	Remaining int
}

// Resolver runs glitch recovery rounds through an Iterator.
type Resolver struct {
	cfg      Config
	it       *perturbation.Iterator
	counters *progress.Counters
	logger   *slog.Logger
}

// New returns a Resolver. counters and logger may be nil.
func New(cfg Config, it *perturbation.Iterator, counters *progress.Counters, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{
		cfg:      cfg.withDefaults(),
		it:       it,
		counters: counters,
		logger:   logger,
	}
}

// state is shared by all rounds of one Resolve call.
type state struct {
	stop      *atomic.Bool
	threshold int64
	remaining atomic.Int64
	orbits    atomic.Int64
	rounds    atomic.Int64
}

// Resolve repairs the glitched pixels in place. ref is the orbit the pixels
// were last iterated against. Without glitched pixels it does nothing.
// Resolve returns the context error when cancelled; pixel state stays
// consistent either way.
func (r *Resolver) Resolve(ctx context.Context, ref *orbit.Reference, pixels []perturbation.Pixel, stop *atomic.Bool) (Stats, error) {
	glitched := countGlitched(pixels)
	if glitched == 0 {
		return Stats{}, nil
	}
	if stop == nil {
		stop = new(atomic.Bool)
	}

	s := &state{
		stop:      stop,
		threshold: int64(r.cfg.RemainingFraction * float64(len(pixels))),
	}
	s.remaining.Store(int64(glitched))

	r.logger.Debug("glitch recovery",
		"glitched", glitched,
		"pixels", len(pixels),
		"threshold", s.threshold)

	err := r.resolveSet(ctx, s, ref, pixels, 1)

	stats := Stats{
		Rounds:    int(s.rounds.Load()),
		Orbits:    int(s.orbits.Load()),
		Remaining: countGlitched(pixels),
	}
	r.logger.Debug("glitch recovery done",
		"rounds", stats.Rounds,
		"orbits", stats.Orbits,
		"remaining", stats.Remaining)
	return stats, err
}

// resolveSet buckets the glitched pixels of set by glitch iteration and
// resolves every bucket.
func (r *Resolver) resolveSet(ctx context.Context, s *state, ref *orbit.Reference, set []perturbation.Pixel, depth int) error {
	if depth > r.cfg.MaxDepth {
		return nil
	}

	buckets := make(map[int][]int)
	for i := range set {
		if set[i].Glitched {
			buckets[set[i].Iteration] = append(buckets[set[i].Iteration], i)
		}
	}
	if len(buckets) == 0 {
		return nil
	}
	iterations := make([]int, 0, len(buckets))
	for n := range buckets {
		iterations = append(iterations, n)
	}
	sort.Ints(iterations)

	for {
		old := s.rounds.Load()
		if int64(depth) <= old || s.rounds.CompareAndSwap(old, int64(depth)) {
			break
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallel)
	for _, n := range iterations {
		idx := buckets[n]
		g.Go(func() error {
			return r.resolveBucket(gctx, s, ref, set, idx, depth)
		})
	}
	return g.Wait()
}

// resolveBucket computes a secondary orbit for the pixels set[idx], which
// all glitched at the same iteration, and iterates them against it.
func (r *Resolver) resolveBucket(ctx context.Context, s *state, ref *orbit.Reference, set []perturbation.Pixel, idx []int, depth int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.stop.Load() {
		return context.Canceled
	}
	if s.remaining.Load() <= s.threshold {
		return nil
	}

	rep := idx[0]
	for _, i := range idx[1:] {
		if set[i].ZNorm < set[rep].ZNorm {
			rep = i
		}
	}
	anchor := set[rep]

	secondary, err := ref.GlitchResolvingReference(anchor.Iteration, anchor.DeltaReference, anchor.DeltaCurrent)
	if err != nil {
		return fmt.Errorf("glitch: bucket at iteration %d: %w", anchor.Iteration, err)
	}
	secondary.Run(s.stop, nil)
	s.orbits.Add(1)
	if r.counters != nil {
		r.counters.GlitchOrbits.Add(1)
	}
	if s.stop.Load() {
		return context.Canceled
	}

	local := make([]perturbation.Pixel, len(idx))
	for k, i := range idx {
		p := set[i]
		p.DeltaReference = p.DeltaReference.Sub(anchor.DeltaReference)
		p.DeltaCurrent = p.DeltaCurrent.Sub(anchor.DeltaCurrent)
		p.Glitched = false
		local[k] = p
	}

	r.it.Iterate(local, secondary, nil, s.stop)
	if s.stop.Load() {
		return context.Canceled
	}

	again := countGlitched(local)
	s.remaining.Add(int64(again - len(local)))

	r.logger.Debug("glitch bucket",
		"iteration", anchor.Iteration,
		"depth", depth,
		"pixels", len(local),
		"glitched", again)

	var nested error
	switch {
	case again == 0:
	case stalled(local, anchor.Iteration):
		r.logger.Debug("glitch bucket stalled",
			"iteration", anchor.Iteration,
			"depth", depth,
			"pixels", len(local))
	default:
		nested = r.resolveSet(ctx, s, secondary, local, depth+1)
	}

	for k, i := range idx {
		set[i] = local[k]
	}
	return nested
}

// stalled reports that no pixel of a bucket got past the iteration at
// which the bucket glitched.
func stalled(pixels []perturbation.Pixel, at int) bool {
	for i := range pixels {
		if !pixels[i].Glitched || pixels[i].Iteration > at {
			return false
		}
	}
	return len(pixels) > 0
}

func countGlitched(pixels []perturbation.Pixel) int {
	n := 0
	for i := range pixels {
		if pixels[i].Glitched {
			n++
		}
	}
	return n
}
