// Package config loads render settings from a YAML file and DEEPZOOM_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Validation errors.
var (
	ErrInvalidImage    = errors.New("config: invalid image settings")
	ErrInvalidLocation = errors.New("config: invalid location")
	ErrInvalidRender   = errors.New("config: invalid render settings")
	ErrInvalidOutput   = errors.New("config: invalid output settings")
)

type Config struct {
	Image    ImageConfig    `yaml:"image"`
	Location LocationConfig `yaml:"location"`
	Render   RenderConfig   `yaml:"render"`
	Output   OutputConfig   `yaml:"output"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type ImageConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	// Supersample renders at this multiple of the size and downscales.
	Supersample int `yaml:"supersample"`
}

type LocationConfig struct {
	Real       string  `yaml:"real"`
	Imag       string  `yaml:"imag"`
	Zoom       string  `yaml:"zoom"`
	Iterations int     `yaml:"iterations"`
	Rotation   float64 `yaml:"rotation"`
}

type RenderConfig struct {
	ApproximationOrder int     `yaml:"approximation_order"`
	Approximation      bool    `yaml:"approximation"`
	ProbeSampling      int     `yaml:"probe_sampling"`
	Tiled              bool    `yaml:"tiled"`
	GlitchTolerance    float64 `yaml:"glitch_tolerance"`
	GlitchPercentage   float64 `yaml:"glitch_percentage"`
	DataStorage        int     `yaml:"data_storage_interval"`
	MaxGlitchDepth     int     `yaml:"max_glitch_depth"`
	MaxPrecision       uint    `yaml:"max_precision"`
	Derivative         bool    `yaml:"analytic_derivative"`
	Stripe             bool    `yaml:"stripe"`
	Frames             int     `yaml:"frames"`
	ZoomScale          float64 `yaml:"zoom_scale"`
	Workers            int     `yaml:"workers"`
}

type OutputConfig struct {
	Path            string  `yaml:"path"`
	Format          string  `yaml:"format"`
	Coloring        string  `yaml:"coloring"`
	DisplayGlitches bool    `yaml:"display_glitches"`
	PaletteSpan     float64 `yaml:"palette_iteration_span"`
	PaletteOffset   float64 `yaml:"iteration_offset"`
	PaletteCyclic   bool    `yaml:"palette_cyclic"`

	// Palette lists hex colors spread evenly over one palette cycle.
	// Empty selects the built-in palette.
	Palette []string `yaml:"palette"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Image: ImageConfig{Width: 1280, Height: 720, Supersample: 1},
		Location: LocationConfig{
			Real:       "-0.75",
			Imag:       "0.0",
			Zoom:       "1E0",
			Iterations: 10000,
		},
		Render: RenderConfig{
			ApproximationOrder: 16,
			Approximation:      true,
			ProbeSampling:      15,
			Tiled:              true,
			GlitchTolerance:    1.4e-6,
			GlitchPercentage:   0.001,
			DataStorage:        100,
			MaxGlitchDepth:     16,
			MaxPrecision:       1 << 16,
			Frames:             1,
			ZoomScale:          2,
		},
		Output: OutputConfig{
			Path:          "output",
			Format:        "png",
			Coloring:      "smooth",
			PaletteSpan:   102.4,
			PaletteCyclic: true,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (when not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Image.Width = getEnvInt("DEEPZOOM_WIDTH", c.Image.Width)
	c.Image.Height = getEnvInt("DEEPZOOM_HEIGHT", c.Image.Height)
	c.Image.Supersample = getEnvInt("DEEPZOOM_SUPERSAMPLE", c.Image.Supersample)

	c.Location.Real = getEnv("DEEPZOOM_REAL", c.Location.Real)
	c.Location.Imag = getEnv("DEEPZOOM_IMAG", c.Location.Imag)
	c.Location.Zoom = getEnv("DEEPZOOM_ZOOM", c.Location.Zoom)
	c.Location.Iterations = getEnvInt("DEEPZOOM_ITERATIONS", c.Location.Iterations)
	c.Location.Rotation = getEnvFloat("DEEPZOOM_ROTATION", c.Location.Rotation)

	c.Render.ApproximationOrder = getEnvInt("DEEPZOOM_APPROXIMATION_ORDER", c.Render.ApproximationOrder)
	c.Render.Approximation = getEnvBool("DEEPZOOM_APPROXIMATION", c.Render.Approximation)
	c.Render.ProbeSampling = getEnvInt("DEEPZOOM_PROBE_SAMPLING", c.Render.ProbeSampling)
	c.Render.GlitchTolerance = getEnvFloat("DEEPZOOM_GLITCH_TOLERANCE", c.Render.GlitchTolerance)
	c.Render.GlitchPercentage = getEnvFloat("DEEPZOOM_GLITCH_PERCENTAGE", c.Render.GlitchPercentage)
	c.Render.Frames = getEnvInt("DEEPZOOM_FRAMES", c.Render.Frames)
	c.Render.ZoomScale = getEnvFloat("DEEPZOOM_ZOOM_SCALE", c.Render.ZoomScale)
	c.Render.Workers = getEnvInt("DEEPZOOM_WORKERS", c.Render.Workers)

	c.Output.Path = getEnv("DEEPZOOM_OUTPUT", c.Output.Path)
	c.Output.Format = getEnv("DEEPZOOM_FORMAT", c.Output.Format)

	c.Log.Level = getEnv("DEEPZOOM_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("DEEPZOOM_LOG_FORMAT", c.Log.Format)
	c.Metrics.Addr = getEnv("DEEPZOOM_METRICS_ADDR", c.Metrics.Addr)
}

// Validate checks the settings for values the renderer cannot work with.
func (c *Config) Validate() error {
	if c.Image.Width <= 0 || c.Image.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidImage, c.Image.Width, c.Image.Height)
	}
	if c.Image.Supersample < 1 {
		return fmt.Errorf("%w: supersample %d", ErrInvalidImage, c.Image.Supersample)
	}
	if c.Location.Real == "" || c.Location.Imag == "" {
		return fmt.Errorf("%w: center is required", ErrInvalidLocation)
	}
	if c.Location.Zoom == "" {
		return fmt.Errorf("%w: zoom is required", ErrInvalidLocation)
	}
	if c.Location.Iterations < 1 {
		return fmt.Errorf("%w: iterations %d", ErrInvalidLocation, c.Location.Iterations)
	}
	if c.Render.ApproximationOrder < 1 || c.Render.ApproximationOrder > 64 {
		return fmt.Errorf("%w: approximation order %d", ErrInvalidRender, c.Render.ApproximationOrder)
	}
	if c.Render.ProbeSampling < 2 {
		return fmt.Errorf("%w: probe sampling %d", ErrInvalidRender, c.Render.ProbeSampling)
	}
	if c.Render.GlitchTolerance <= 0 {
		return fmt.Errorf("%w: glitch tolerance %g", ErrInvalidRender, c.Render.GlitchTolerance)
	}
	if c.Render.GlitchPercentage < 0 || c.Render.GlitchPercentage > 100 {
		return fmt.Errorf("%w: glitch percentage %g", ErrInvalidRender, c.Render.GlitchPercentage)
	}
	if c.Render.DataStorage < 1 {
		return fmt.Errorf("%w: data storage interval %d", ErrInvalidRender, c.Render.DataStorage)
	}
	if c.Render.Frames < 1 {
		return fmt.Errorf("%w: frames %d", ErrInvalidRender, c.Render.Frames)
	}
	if c.Render.Frames > 1 && c.Render.ZoomScale <= 1 {
		return fmt.Errorf("%w: zoom scale %g must exceed 1", ErrInvalidRender, c.Render.ZoomScale)
	}
	switch strings.ToLower(c.Output.Format) {
	case "png", "tiff":
	default:
		return fmt.Errorf("%w: format %q", ErrInvalidOutput, c.Output.Format)
	}
	switch strings.ToLower(c.Output.Coloring) {
	case "smooth", "iteration", "distance", "stripe":
	default:
		return fmt.Errorf("%w: coloring %q", ErrInvalidOutput, c.Output.Coloring)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
