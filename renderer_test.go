package deepzoom

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/gogpu/deepzoom/internal/frame"
	"github.com/gogpu/deepzoom/internal/orbit"
)

const (
	cuspWidth      = 32
	cuspHeight     = 24
	cuspIterations = 2000
)

// cuspRenderer looks at the cusp of the main cardioid, where a small frame
// holds both escaping pixels and pixels in the set.
func cuspRenderer(t testing.TB, opts ...Option) *Renderer {
	t.Helper()
	opts = append([]Option{WithIterations(cuspIterations), WithWorkers(4)}, opts...)
	r, err := NewRenderer(cuspWidth, cuspHeight, opts...)
	if err != nil {
		t.Fatalf("NewRenderer() = %v", err)
	}
	t.Cleanup(r.Close)
	if err := r.SetLocation("0.25", "0"); err != nil {
		t.Fatalf("SetLocation() = %v", err)
	}
	if err := r.SetZoom("1E2"); err != nil {
		t.Fatalf("SetZoom() = %v", err)
	}
	return r
}

// collector keeps the latest export of every pixel.
type collector struct {
	mu       sync.Mutex
	pixels   map[[2]int]Pixel
	exports  int
	finished []int
}

func newCollector() *collector {
	return &collector{pixels: make(map[[2]int]Pixel)}
}

func (c *collector) Export(pixels []Pixel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range pixels {
		c.pixels[[2]int{p.X, p.Y}] = p
		c.exports++
	}
}

func (c *collector) Finish(index int, _ *Result) error {
	c.finished = append(c.finished, index)
	return nil
}

func escapeIteration(c complex128, maximum int) (bool, int) {
	z := c
	for n := 1; ; n++ {
		if real(z)*real(z)+imag(z)*imag(z) > orbit.DefaultEscapeRadiusSquared {
			return true, n
		}
		if n == maximum {
			return false, n
		}
		z = z*z + c
	}
}

func TestNewRenderer_InvalidSize(t *testing.T) {
	for _, size := range [][2]int{{0, 10}, {10, 0}, {-1, -1}} {
		if _, err := NewRenderer(size[0], size[1]); !errors.Is(err, ErrInvalidSize) {
			t.Errorf("NewRenderer(%d, %d) = %v, want ErrInvalidSize", size[0], size[1], err)
		}
	}
}

func TestRenderer_Location(t *testing.T) {
	r, err := NewRenderer(8, 8)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if re, im := r.Location(); re != "-0.75" || im != "0.0" {
		t.Errorf("default location = %s, %s", re, im)
	}
	if err := r.SetLocation("-1.7499", "1e-30"); err != nil {
		t.Errorf("SetLocation() = %v", err)
	}
	if err := r.SetLocation("west", "0"); !errors.Is(err, ErrInvalidLocation) {
		t.Errorf("SetLocation(west) = %v, want ErrInvalidLocation", err)
	}
	if re, _ := r.Location(); re != "-1.7499" {
		t.Errorf("failed SetLocation changed the center to %s", re)
	}
}

func TestRenderer_Zoom(t *testing.T) {
	r, err := NewRenderer(8, 8)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for _, bad := range []string{"", "x", "-1E5", "0"} {
		if err := r.SetZoom(bad); !errors.Is(err, ErrInvalidLocation) {
			t.Errorf("SetZoom(%q) = %v, want ErrInvalidLocation", bad, err)
		}
	}

	if err := r.SetZoom("1E300"); err != nil {
		t.Fatal(err)
	}
	if err := r.ZoomBy(1e300); err != nil {
		t.Fatal(err)
	}
	want, _ := frame.ParseZoom("1E600")
	if ratio := r.Zoom().Div(want).Float64(); ratio < 1-1e-9 || ratio > 1+1e-9 {
		t.Errorf("zoom = %v, want %v", r.Zoom(), want)
	}

	for _, f := range []float64{0, -2} {
		if err := r.ZoomBy(f); !errors.Is(err, ErrInvalidLocation) {
			t.Errorf("ZoomBy(%v) = %v, want ErrInvalidLocation", f, err)
		}
	}
}

func TestRender_AgreesWithDirectIteration(t *testing.T) {
	r := cuspRenderer(t)
	sink := newCollector()
	next := r.Frame()

	res, err := r.Render(context.Background(), sink)
	if err != nil {
		t.Fatalf("Render() = %v", err)
	}
	if len(sink.pixels) != cuspWidth*cuspHeight {
		t.Fatalf("exported %d distinct pixels, want %d", len(sink.pixels), cuspWidth*cuspHeight)
	}
	if res.Cached {
		t.Error("first frame reported a cached orbit")
	}
	if res.ReferenceEscaped || res.ReferenceIterations != cuspIterations {
		t.Errorf("reference: escaped=%v iterations=%d", res.ReferenceEscaped, res.ReferenceIterations)
	}
	if next.Zoom != res.Zoom || next.Spacing != res.Spacing {
		t.Errorf("Frame() = %+v, result zoom %s spacing %v", next, res.Zoom, res.Spacing)
	}
	if res.Precision < orbit.MinPrecision {
		t.Errorf("precision = %d", res.Precision)
	}

	zoom, _ := frame.ParseZoom("1E2")
	g := frame.New(cuspWidth, cuspHeight, zoom, 0)
	agree, escaped := 0, 0
	for key, p := range sink.pixels {
		c := 0.25 + g.PixelOffset(key[0], key[1]).Complex128()
		wantEscaped, wantIteration := escapeIteration(c, cuspIterations)
		if wantEscaped {
			escaped++
		}
		if p.Escaped == wantEscaped && !p.Glitched {
			if d := p.Iteration - wantIteration; d >= -1 && d <= 1 {
				agree++
			}
		}
	}
	total := cuspWidth * cuspHeight
	if escaped == 0 || escaped == total {
		t.Fatalf("%d of %d pixels escape; want a mix", escaped, total)
	}
	if agree < total*95/100 {
		t.Errorf("%d of %d pixels agree with direct iteration", agree, total)
	}
	if res.Glitched > total/100 {
		t.Errorf("%d pixels left glitched", res.Glitched)
	}

	s := r.Progress().Snapshot()
	if s.PixelsTotal != int64(total) {
		t.Errorf("PixelsTotal = %d, want %d", s.PixelsTotal, total)
	}
	if s.PixelsComplete < int64(total-res.Glitched) {
		t.Errorf("PixelsComplete = %d, want at least %d", s.PixelsComplete, total-res.Glitched)
	}
	if s.ReferenceIterations != cuspIterations || s.SeriesValidation != 2 {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestRender_WithoutApproximationMatches(t *testing.T) {
	with := newCollector()
	if _, err := cuspRenderer(t).Render(context.Background(), with); err != nil {
		t.Fatal(err)
	}
	without := newCollector()
	res, err := cuspRenderer(t, WithoutApproximation()).Render(context.Background(), without)
	if err != nil {
		t.Fatal(err)
	}
	if res.MinSkipped != 1 || res.MaxSkipped != 1 {
		t.Errorf("skipped %d..%d without approximation", res.MinSkipped, res.MaxSkipped)
	}

	agree := 0
	for key, p := range with.pixels {
		q := without.pixels[key]
		if p.Escaped == q.Escaped {
			if d := p.Iteration - q.Iteration; d >= -1 && d <= 1 {
				agree++
			}
		}
	}
	if total := cuspWidth * cuspHeight; agree < total*95/100 {
		t.Errorf("%d of %d pixels agree", agree, total)
	}
}

func TestRender_DerivativeAndStripe(t *testing.T) {
	sink := newCollector()
	r := cuspRenderer(t, WithDerivative(), WithStripe())
	if _, err := r.Render(context.Background(), sink); err != nil {
		t.Fatal(err)
	}
	for _, p := range sink.pixels {
		if !p.Escaped || p.Glitched {
			continue
		}
		if p.Derivative.IsZero() {
			t.Errorf("pixel (%d, %d) escaped without a derivative", p.X, p.Y)
		}
		if p.Stripe.Len() == 0 {
			t.Errorf("pixel (%d, %d) escaped without stripe samples", p.X, p.Y)
		}
		return
	}
	t.Fatal("no escaped pixel")
}

func TestRender_ReusesCachedOrbit(t *testing.T) {
	r := cuspRenderer(t)
	if _, err := r.Render(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	res, err := r.Render(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cached {
		t.Error("second frame did not reuse the orbit")
	}
	if s := r.CacheStats(); s.Hits != 1 || s.Misses != 1 {
		t.Errorf("cache stats = %+v", s)
	}

	// A new center needs a new orbit.
	if err := r.SetLocation("0.2500001", "0"); err != nil {
		t.Fatal(err)
	}
	res, err = r.Render(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Cached {
		t.Error("frame at a new center reported a cached orbit")
	}
}

// bigEscapeIteration iterates c = re + im·i directly at prec bits.
func bigEscapeIteration(re, im *big.Float, maximum int, prec uint) (bool, int) {
	zRe := new(big.Float).SetPrec(prec).Set(re)
	zIm := new(big.Float).SetPrec(prec).Set(im)
	rr := new(big.Float).SetPrec(prec)
	ii := new(big.Float).SetPrec(prec)
	ri := new(big.Float).SetPrec(prec)
	norm := new(big.Float).SetPrec(prec)
	for n := 1; ; n++ {
		rr.Mul(zRe, zRe)
		ii.Mul(zIm, zIm)
		if f, _ := norm.Add(rr, ii).Float64(); f > orbit.DefaultEscapeRadiusSquared {
			return true, n
		}
		if n == maximum {
			return false, n
		}
		ri.Mul(zRe, zIm)
		zRe.Sub(rr, ii).Add(zRe, re)
		zIm.Add(ri, ri).Add(zIm, im)
	}
}

func TestRender_BeyondFloat64Range(t *testing.T) {
	const (
		width, height = 32, 24
		iterations    = 2000
	)
	r, err := NewRenderer(width, height, WithIterations(iterations), WithWorkers(4))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if err := r.SetLocation("0", "1"); err != nil {
		t.Fatal(err)
	}
	if err := r.SetZoom("1E320"); err != nil {
		t.Fatal(err)
	}

	sink := newCollector()
	res, err := r.Render(context.Background(), sink)
	if err != nil {
		t.Fatalf("Render() = %v", err)
	}
	if res.Precision < 1000 {
		t.Errorf("Precision = %d, want more than 1000 bits", res.Precision)
	}
	if res.MinSkipped <= 1 {
		t.Errorf("MinSkipped = %d, want a series skip", res.MinSkipped)
	}

	zoom, _ := frame.ParseZoom("1E320")
	g := frame.New(width, height, zoom, 0)
	prec := res.Precision + 64
	cRe, cIm, err := orbit.ParseCenter("0", "1", prec)
	if err != nil {
		t.Fatal(err)
	}

	escapes := 0
	for _, xy := range [][2]int{{0, 0}, {31, 0}, {0, 23}, {31, 23}, {16, 12}, {7, 17}} {
		p, ok := sink.pixels[xy]
		if !ok {
			t.Fatalf("pixel %v not exported", xy)
		}
		if p.Glitched {
			t.Errorf("pixel %v left glitched", xy)
			continue
		}
		dRe, dIm := g.PixelOffset(xy[0], xy[1]).BigParts(prec)
		escaped, n := bigEscapeIteration(dRe.Add(dRe, cRe), dIm.Add(dIm, cIm), iterations, prec)
		if escaped {
			escapes++
		}
		if p.Escaped != escaped || p.Iteration < n-1 || p.Iteration > n+1 {
			t.Errorf("pixel %v: escaped %v at %d, direct %v at %d", xy, p.Escaped, p.Iteration, escaped, n)
		}
	}
	if escapes == 0 {
		t.Error("no checked pixel escaped")
	}
}

func TestRender_Cancelled(t *testing.T) {
	r := cuspRenderer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := newCollector()
	if _, err := r.Render(ctx, sink); !errors.Is(err, context.Canceled) {
		t.Errorf("Render(cancelled) = %v, want context.Canceled", err)
	}
	if sink.exports != 0 {
		t.Errorf("cancelled render exported %d pixels", sink.exports)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 0)
	defer cancel()
	if _, err := r.Render(ctx, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Render(expired) = %v, want context.DeadlineExceeded", err)
	}
}

func TestRender_PrecisionExhausted(t *testing.T) {
	r := cuspRenderer(t, WithMaxPrecision(orbit.MinPrecision))
	if err := r.SetZoom("1E40"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Render(context.Background(), nil); !errors.Is(err, orbit.ErrPrecisionExhausted) {
		t.Errorf("Render() = %v, want ErrPrecisionExhausted", err)
	}
}

func TestRenderSequence(t *testing.T) {
	r := cuspRenderer(t)
	sinks := map[int]*collector{}
	var spacings []float64
	sinkFor := func(f Frame) FrameSink {
		sinks[f.Index] = newCollector()
		spacings = append(spacings, f.Spacing.Float64())
		return sinks[f.Index]
	}

	results, err := r.RenderSequence(context.Background(), 3, 10, sinkFor)
	if err != nil {
		t.Fatalf("RenderSequence() = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("rendered %d frames, want 3", len(results))
	}
	if results[0].Cached || !results[1].Cached || !results[2].Cached {
		t.Errorf("cached = %v %v %v, want false true true",
			results[0].Cached, results[1].Cached, results[2].Cached)
	}
	for i, s := range sinks {
		if len(s.pixels) != cuspWidth*cuspHeight {
			t.Errorf("frame %d exported %d pixels", i, len(s.pixels))
		}
		if len(s.finished) != 1 || s.finished[0] != i {
			t.Errorf("frame %d finished = %v", i, s.finished)
		}
	}
	if !results[1].Spacing.Less(results[2].Spacing) {
		t.Error("spacing did not grow while zooming out")
	}
	for i, res := range results {
		if got := res.Spacing.Float64(); got != spacings[i] {
			t.Errorf("frame %d: sink spacing %v, result spacing %v", i, spacings[i], got)
		}
	}
	// 100 / 10³
	if z := r.Zoom().Float64(); z < 0.0999 || z > 0.1001 {
		t.Errorf("zoom after sequence = %v, want 0.1", z)
	}
}

func TestRenderSequence_StopsAtMinimumZoom(t *testing.T) {
	r := cuspRenderer(t)
	if err := r.SetZoom("1"); err != nil {
		t.Fatal(err)
	}
	results, err := r.RenderSequence(context.Background(), 5, 4, func(Frame) FrameSink { return newCollector() })
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Errorf("rendered %d frames, want 1", len(results))
	}
}

func TestRenderSequence_InvalidScale(t *testing.T) {
	r := cuspRenderer(t)
	_, err := r.RenderSequence(context.Background(), 2, 1, func(Frame) FrameSink { return newCollector() })
	if !errors.Is(err, ErrInvalidLocation) {
		t.Errorf("RenderSequence(scale 1) = %v, want ErrInvalidLocation", err)
	}
}

type failingSink struct{ *collector }

func (failingSink) Finish(int, *Result) error { return errors.New("disk full") }

func TestRenderSequence_FinishError(t *testing.T) {
	r := cuspRenderer(t)
	results, err := r.RenderSequence(context.Background(), 3, 2, func(Frame) FrameSink {
		return failingSink{newCollector()}
	})
	if err == nil {
		t.Fatal("RenderSequence() succeeded with a failing sink")
	}
	if len(results) != 1 {
		t.Errorf("results = %d, want 1", len(results))
	}
}

func BenchmarkRender(b *testing.B) {
	r := cuspRenderer(b)
	b.ReportAllocs()
	for b.Loop() {
		if _, err := r.Render(context.Background(), nil); err != nil {
			b.Fatal(err)
		}
	}
}
