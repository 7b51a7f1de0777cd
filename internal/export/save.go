package export

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/tiff"
)

// ErrUnknownFormat is returned for output formats other than png and tiff.
var ErrUnknownFormat = errors.New("export: unknown image format")

// Downscale resamples src to width×height with a Catmull-Rom filter.
// It is used to reduce supersampled frames.
func Downscale(src image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if src.Bounds().Dx() == width && src.Bounds().Dy() == height {
		xdraw.Copy(dst, image.Point{}, src, src.Bounds(), xdraw.Src, nil)
		return dst
	}
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// Encode writes img in the given format ("png" or "tiff").
func Encode(w io.Writer, img image.Image, format string) error {
	switch strings.ToLower(format) {
	case "png":
		return png.Encode(w, img)
	case "tiff", "tif":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Save writes img to path, creating parent directories.
func Save(path string, img image.Image, format string) error {
	switch strings.ToLower(format) {
	case "png", "tiff", "tif":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("export: %w", err)
		}
	}
	f, err := os.Create(path) //nolint:gosec // path is user-provided intentionally
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := Encode(f, img, format); err != nil {
		_ = f.Close()
		return fmt.Errorf("export: encode %s: %w", path, err)
	}
	return f.Close()
}

// FrameName returns the file name of frame index in a sequence, e.g.
// "output_00003.png".
func FrameName(base string, index int, format string) string {
	ext := strings.ToLower(format)
	if ext == "tif" {
		ext = "tiff"
	}
	return fmt.Sprintf("%s_%05d.%s", base, index, ext)
}
