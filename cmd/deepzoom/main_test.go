package main

import (
	"context"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/deepzoom/internal/config"
)

func smallConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Image.Width = 16
	cfg.Image.Height = 12
	cfg.Location.Iterations = 200
	cfg.Render.Workers = 2
	cfg.Output.Path = filepath.Join(t.TempDir(), "out", "frame")
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewLogger(t *testing.T) {
	ctx := context.Background()

	l := newLogger(config.LogConfig{Level: "debug", Format: "json"})
	assert.True(t, l.Enabled(ctx, slog.LevelDebug))
	_, ok := l.Handler().(*slog.JSONHandler)
	assert.True(t, ok)

	l = newLogger(config.LogConfig{Level: "warn"})
	assert.False(t, l.Enabled(ctx, slog.LevelInfo))
	assert.True(t, l.Enabled(ctx, slog.LevelWarn))

	l = newLogger(config.LogConfig{Level: "nonsense"})
	assert.True(t, l.Enabled(ctx, slog.LevelInfo))
}

func TestRun_SingleFrame(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Image.Supersample = 2
	cfg.Output.Coloring = "distance"

	require.NoError(t, run(context.Background(), cfg, slog.New(slog.DiscardHandler), false))

	f, err := os.Open(cfg.Output.Path + ".png")
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
	assert.Equal(t, 12, img.Bounds().Dy())
}

func TestRun_Sequence(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Render.Frames = 2
	cfg.Render.ZoomScale = 2
	cfg.Output.Format = "tiff"

	require.NoError(t, run(context.Background(), cfg, slog.New(slog.DiscardHandler), false))

	assert.FileExists(t, cfg.Output.Path+"_00000.tiff")
	assert.FileExists(t, cfg.Output.Path+"_00001.tiff")
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := run(ctx, smallConfig(t), slog.New(slog.DiscardHandler), false)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_BadPalette(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Output.Palette = []string{"not-a-color"}
	assert.Error(t, run(context.Background(), cfg, slog.New(slog.DiscardHandler), false))
}
