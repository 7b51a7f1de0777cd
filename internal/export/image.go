// Package export turns finished pixels into data buffers and colored images.
//
// Image implements perturbation.Sink. Every exported pixel updates the raw
// buffers (iteration count, smooth fraction, distance estimate, stripe
// average) and its color in the RGBA image, so a partially rendered frame
// can be saved at any time.
package export

import (
	"image"
	"image/color"
	"math"
	"math/cmplx"
	"strings"
	"sync"

	"github.com/gogpu/deepzoom/internal/floatexp"
	"github.com/gogpu/deepzoom/internal/orbit"
	"github.com/gogpu/deepzoom/internal/perturbation"
)

// Coloring selects how escaped pixels are colored.
type Coloring int

const (
	// ColorSmooth uses the continuous escape count.
	ColorSmooth Coloring = iota
	// ColorIteration uses the integer escape count.
	ColorIteration
	// ColorDistance shades the smooth color by the distance estimate.
	ColorDistance
	// ColorStripe uses the stripe average of the last iterates.
	ColorStripe
)

// ParseColoring maps a configuration name to a Coloring. Unknown names
// select ColorSmooth.
func ParseColoring(name string) Coloring {
	switch strings.ToLower(name) {
	case "iteration":
		return ColorIteration
	case "distance":
		return ColorDistance
	case "stripe":
		return ColorStripe
	default:
		return ColorSmooth
	}
}

// Raw buffer markers.
const (
	GlitchedIteration uint32 = 0
	InSetIteration    uint32 = math.MaxUint32
)

// stripeDensity is the angular frequency of the stripe average.
const stripeDensity = 5

// Options configures an Image.
type Options struct {
	Width, Height int

	// Maximum is the iteration cap; pixels reaching it are in the set.
	Maximum int

	Coloring        Coloring
	DisplayGlitches bool

	// Palette defaults to DefaultPalette.
	Palette *Palette

	// PaletteSpan is the number of iterations per palette cycle.
	PaletteSpan   float64
	PaletteOffset float64
	PaletteCyclic bool

	// EscapeRadiusSquared must match the iterator's bailout.
	EscapeRadiusSquared float64

	// Spacing is the pixel spacing, used to express distance in pixels.
	Spacing floatexp.Float
}

// Image collects pixel data for one frame.
type Image struct {
	opts      Options
	logBail   float64
	glitchRed color.RGBA

	mu         sync.Mutex
	Iterations []uint32
	Smooth     []float32
	Distance   []float32
	Stripe     []float32
	rgba       *image.RGBA
}

// NewImage returns an empty image buffer.
func NewImage(opts Options) *Image {
	if opts.Palette == nil {
		opts.Palette = DefaultPalette()
	}
	if opts.PaletteSpan <= 0 {
		opts.PaletteSpan = PaletteSize / 10.0
	}
	if opts.EscapeRadiusSquared <= 1 {
		opts.EscapeRadiusSquared = orbit.DefaultEscapeRadiusSquared
	}
	n := opts.Width * opts.Height
	return &Image{
		opts:       opts,
		logBail:    math.Log(opts.EscapeRadiusSquared),
		glitchRed:  color.RGBA{R: 255, A: 255},
		Iterations: make([]uint32, n),
		Smooth:     make([]float32, n),
		Distance:   make([]float32, n),
		Stripe:     make([]float32, n),
		rgba:       image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height)),
	}
}

// Options returns the image options.
func (img *Image) Options() Options {
	return img.opts
}

// Export implements perturbation.Sink.
func (img *Image) Export(pixels []perturbation.Pixel) {
	img.mu.Lock()
	defer img.mu.Unlock()

	for i := range pixels {
		img.set(&pixels[i])
	}
}

func (img *Image) set(p *perturbation.Pixel) {
	if p.X < 0 || p.Y < 0 || p.X >= img.opts.Width || p.Y >= img.opts.Height {
		return
	}
	k := p.Y*img.opts.Width + p.X
	img.Smooth[k], img.Distance[k], img.Stripe[k] = 0, 0, 0

	switch {
	case p.Glitched:
		img.Iterations[k] = GlitchedIteration
		c := img.glitchRed
		if !img.opts.DisplayGlitches {
			c = img.paletteAt(float64(p.Iteration))
		}
		img.rgba.SetRGBA(p.X, p.Y, c)

	case !p.Escaped:
		img.Iterations[k] = InSetIteration
		img.rgba.SetRGBA(p.X, p.Y, color.RGBA{A: 255})

	default:
		smooth := SmoothFraction(p.ZNorm, img.logBail)
		distance := DistancePixels(p.ZNorm, p.Derivative, img.opts.Spacing)
		stripe := StripeAverage(&p.Stripe)

		img.Iterations[k] = uint32(min(p.Iteration, math.MaxUint32-1))
		img.Smooth[k] = float32(smooth)
		img.Distance[k] = float32(distance)
		img.Stripe[k] = float32(stripe)

		var c color.RGBA
		switch img.opts.Coloring {
		case ColorIteration:
			c = img.paletteAt(float64(p.Iteration))
		case ColorDistance:
			c = Shade(img.paletteAt(float64(p.Iteration)+smooth), math.Sqrt(min(distance, 1)))
		case ColorStripe:
			c = img.opts.Palette.At(stripe)
		default:
			c = img.paletteAt(float64(p.Iteration) + smooth)
		}
		img.rgba.SetRGBA(p.X, p.Y, c)
	}
}

// paletteAt maps a continuous iteration count to a palette color.
func (img *Image) paletteAt(v float64) color.RGBA {
	v += img.opts.PaletteOffset
	if img.opts.PaletteCyclic || img.opts.Maximum <= 0 {
		return img.opts.Palette.At(v / img.opts.PaletteSpan)
	}
	t := min(max(v/float64(img.opts.Maximum), 0), 0.999)
	return img.opts.Palette.At(t)
}

// RGBA returns the colored image. It must not be modified while pixels
// are still being exported.
func (img *Image) RGBA() *image.RGBA {
	return img.rgba
}

// Counts returns the number of escaped, in-set and glitched pixels among
// the exported ones. Pixels never exported count as glitched.
func (img *Image) Counts() (escaped, inSet, glitched int) {
	img.mu.Lock()
	defer img.mu.Unlock()

	for _, n := range img.Iterations {
		switch n {
		case GlitchedIteration:
			glitched++
		case InSetIteration:
			inSet++
		default:
			escaped++
		}
	}
	return escaped, inSet, glitched
}

// Clear resets all buffers for the next frame.
func (img *Image) Clear() {
	img.mu.Lock()
	defer img.mu.Unlock()

	clear(img.Iterations)
	clear(img.Smooth)
	clear(img.Distance)
	clear(img.Stripe)
	clear(img.rgba.Pix)
}

// SmoothFraction returns the fractional escape count 1 - log2(ln|z|² / ln R²)
// for a pixel that escaped with squared magnitude norm. logBail is ln R².
func SmoothFraction(norm, logBail float64) float64 {
	if norm <= 1 || logBail <= 0 {
		return 0
	}
	return 1 - math.Log2(math.Log(norm)/logBail)
}

// DistancePixels returns the exterior distance estimate |z|·ln|z| / |dz/dc|
// in units of spacing.
func DistancePixels(norm float64, derivative floatexp.Complex, spacing floatexp.Float) float64 {
	if norm <= 1 || derivative.IsZero() || spacing.IsZero() {
		return 0
	}
	abs := math.Sqrt(norm)
	d := derivative.NormSqr()
	log2 := math.Log2(abs*math.Log(abs)) -
		0.5*(math.Log2(d.Mantissa)+float64(d.Exponent)) -
		(math.Log2(spacing.Mantissa) + float64(spacing.Exponent))
	return math.Exp2(log2)
}

// StripeAverage returns the mean of 0.5 + 0.5·sin(density·arg z) over the
// stored iterates, in [0, 1].
func StripeAverage(r *perturbation.Ring) float64 {
	n := r.Len()
	if n == 0 {
		return 0
	}
	sum := 0.0
	for i := range n {
		sum += 0.5 + 0.5*math.Sin(stripeDensity*cmplx.Phase(r.At(i)))
	}
	return sum / float64(n)
}
