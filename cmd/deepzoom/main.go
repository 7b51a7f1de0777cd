// Command deepzoom renders deep Mandelbrot zooms to PNG or TIFF images.
//
// Settings come from an optional YAML file (-config) and DEEPZOOM_*
// environment variables; a few common ones can also be given as flags.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/deepzoom"
	"github.com/gogpu/deepzoom/internal/config"
	"github.com/gogpu/deepzoom/internal/export"
	"github.com/gogpu/deepzoom/internal/metrics"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML options file")
		width      = flag.Int("width", 0, "image width (overrides config)")
		height     = flag.Int("height", 0, "image height (overrides config)")
		zoom       = flag.String("zoom", "", "zoom such as 1E100 (overrides config)")
		output     = flag.String("output", "", "output path without extension (overrides config)")
		quiet      = flag.Bool("quiet", false, "do not print progress")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *width > 0 {
		cfg.Image.Width = *width
	}
	if *height > 0 {
		cfg.Image.Height = *height
	}
	if *zoom != "" {
		cfg.Location.Zoom = *zoom
	}
	if *output != "" {
		cfg.Output.Path = *output
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	deepzoom.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, !*quiet); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("render cancelled")
			os.Exit(130)
		}
		logger.Error("render failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func rendererOptions(cfg *config.Config) []deepzoom.Option {
	opts := []deepzoom.Option{
		deepzoom.WithIterations(cfg.Location.Iterations),
		deepzoom.WithRotation(cfg.Location.Rotation),
		deepzoom.WithSeriesOrder(cfg.Render.ApproximationOrder),
		deepzoom.WithProbeSampling(cfg.Render.ProbeSampling),
		deepzoom.WithTiling(cfg.Render.Tiled),
		deepzoom.WithCheckpointInterval(cfg.Render.DataStorage),
		deepzoom.WithGlitchTolerance(cfg.Render.GlitchTolerance),
		deepzoom.WithGlitchPercentage(cfg.Render.GlitchPercentage),
		deepzoom.WithMaxGlitchDepth(cfg.Render.MaxGlitchDepth),
		deepzoom.WithMaxPrecision(cfg.Render.MaxPrecision),
		deepzoom.WithWorkers(cfg.Render.Workers),
	}
	if !cfg.Render.Approximation {
		opts = append(opts, deepzoom.WithoutApproximation())
	}
	coloring := export.ParseColoring(cfg.Output.Coloring)
	if cfg.Render.Derivative || coloring == export.ColorDistance {
		opts = append(opts, deepzoom.WithDerivative())
	}
	if cfg.Render.Stripe || coloring == export.ColorStripe {
		opts = append(opts, deepzoom.WithStripe())
	}
	return opts
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, showProgress bool) error {
	palette := export.DefaultPalette()
	if len(cfg.Output.Palette) > 0 {
		p, err := export.ParsePalette(cfg.Output.Palette)
		if err != nil {
			return err
		}
		palette = p
	}

	ss := cfg.Image.Supersample
	r, err := deepzoom.NewRenderer(cfg.Image.Width*ss, cfg.Image.Height*ss, rendererOptions(cfg)...)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := r.SetLocation(cfg.Location.Real, cfg.Location.Imag); err != nil {
		return err
	}
	if err := r.SetZoom(cfg.Location.Zoom); err != nil {
		return err
	}

	logger.Info("starting deepzoom",
		"width", cfg.Image.Width,
		"height", cfg.Image.Height,
		"supersample", ss,
		"zoom", cfg.Location.Zoom,
		"iterations", cfg.Location.Iterations,
		"frames", cfg.Render.Frames)

	frameMetrics := metrics.NewFrames()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg, metrics.NewCollector(r.Progress), frameMetrics); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	renderCtx, finish := context.WithCancel(gctx)

	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return runMetricsServer(renderCtx, cfg.Metrics.Addr, reg, logger)
		})
	}
	if showProgress {
		g.Go(func() error {
			printProgress(renderCtx, r)
			return nil
		})
	}

	g.Go(func() error {
		defer finish()
		sinkFor := func(f deepzoom.Frame) deepzoom.FrameSink {
			return newImageSink(cfg, f, palette, frameMetrics, logger)
		}
		results, err := r.RenderSequence(renderCtx, cfg.Render.Frames, cfg.Render.ZoomScale, sinkFor)
		if err != nil {
			frameMetrics.Observe(0, 0, err)
			return err
		}
		logger.Info("sequence finished", "frames", len(results), "cache", r.CacheStats())
		return nil
	})
	return g.Wait()
}

// imageSink colors one frame and saves it when the frame finishes.
type imageSink struct {
	*export.Image

	cfg     *config.Config
	metrics *metrics.Frames
	logger  *slog.Logger
}

func newImageSink(cfg *config.Config, f deepzoom.Frame, palette *export.Palette, m *metrics.Frames, logger *slog.Logger) *imageSink {
	img := export.NewImage(export.Options{
		Width:           f.Width,
		Height:          f.Height,
		Maximum:         cfg.Location.Iterations,
		Coloring:        export.ParseColoring(cfg.Output.Coloring),
		DisplayGlitches: cfg.Output.DisplayGlitches,
		Palette:         palette,
		PaletteSpan:     cfg.Output.PaletteSpan,
		PaletteOffset:   cfg.Output.PaletteOffset,
		PaletteCyclic:   cfg.Output.PaletteCyclic,
		Spacing:         f.Spacing,
	})
	return &imageSink{Image: img, cfg: cfg, metrics: m, logger: logger}
}

// Finish implements deepzoom.FrameSink.
func (s *imageSink) Finish(index int, res *deepzoom.Result) error {
	s.metrics.Observe(res.Elapsed, res.Glitched, nil)

	out := s.RGBA()
	if s.cfg.Image.Supersample > 1 {
		out = export.Downscale(out, s.cfg.Image.Width, s.cfg.Image.Height)
	}

	base := s.cfg.Output.Path
	path := base + "." + strings.ToLower(s.cfg.Output.Format)
	if s.cfg.Render.Frames > 1 {
		path = export.FrameName(base, index, s.cfg.Output.Format)
	}
	if err := export.Save(path, out, s.cfg.Output.Format); err != nil {
		return err
	}

	escaped, inSet, glitched := s.Counts()
	s.logger.Info("frame saved",
		"path", filepath.Clean(path),
		"zoom", res.Zoom,
		"escaped", escaped,
		"in_set", inSet,
		"glitched", glitched)
	return nil
}

func printProgress(ctx context.Context, r *deepzoom.Renderer) {
	p := message.NewPrinter(language.English)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr)
			return
		case <-ticker.C:
			s := r.Progress().Snapshot()
			p.Fprintf(os.Stderr, "\rreference %d  series %d  probes %d/2  pixels %d/%d (%.1f%%)  glitch orbits %d   ",
				s.ReferenceIterations,
				s.SeriesIterations,
				s.SeriesValidation,
				s.PixelsComplete,
				s.PixelsTotal,
				100*s.Fraction(),
				s.GlitchOrbits)
		}
	}
}

func runMetricsServer(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown error", "error", err)
		}
	}()

	logger.Info("metrics server started", "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
