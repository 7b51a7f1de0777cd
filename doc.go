// Package deepzoom renders deep zooms into the Mandelbrot set.
//
// # Overview
//
// Pixels are not iterated directly. One reference point, the frame center,
// is iterated at whatever arbitrary precision the zoom requires; every pixel
// then only tracks its small difference from that reference orbit in fast
// extended range arithmetic. A truncated power series lets all pixels skip
// the first iterations they share with the reference, and pixels whose
// difference loses precision ("glitches") are repaired against secondary
// reference orbits.
//
// # Quick Start
//
//	r, err := deepzoom.NewRenderer(1280, 720, deepzoom.WithIterations(50000))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Close()
//
//	_ = r.SetLocation("-1.99999911758766165543764649311537154663", "-4.2402439547240753390707694210131039e-13")
//	_ = r.SetZoom("5.22601E29")
//
//	res, err := r.Render(ctx, deepzoom.SinkFunc(func(pixels []deepzoom.Pixel) {
//	    // color pixels
//	}))
//
// # Sinks
//
// Finished pixels are handed to a [Sink] one chunk at a time, possibly from
// several goroutines but never concurrently. Pixels repaired by glitch
// recovery are exported again; the latest export of a pixel wins.
//
// # Cancellation
//
// Render stops promptly when its context is cancelled and returns the
// context error. Pixels exported before cancellation stay valid.
package deepzoom
