// Package progress holds the frame-scoped counters a render publishes for
// polling by a reporting layer.
//
// A Counters value is created at the start of a frame and handed to every
// subsystem explicitly. Subsystems only ever add to the counters; readers
// take a Snapshot. No locking is involved.
package progress

import "sync/atomic"

// Counters tracks the work completed in one frame.
type Counters struct {
	// ReferenceIterations counts orbit iterations of the primary reference.
	ReferenceIterations atomic.Int64

	// SeriesIterations counts coefficient steps of the series approximation.
	SeriesIterations atomic.Int64

	// SeriesValidation counts finished probe passes (0, 1 or 2).
	SeriesValidation atomic.Int64

	// PixelsComplete counts pixels that reached a final state.
	PixelsComplete atomic.Int64

	// GlitchOrbits counts secondary orbits computed for glitch recovery.
	GlitchOrbits atomic.Int64

	// PixelsTotal is the number of pixels in the frame.
	PixelsTotal atomic.Int64
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	ReferenceIterations int64
	SeriesIterations    int64
	SeriesValidation    int64
	PixelsComplete      int64
	GlitchOrbits        int64
	PixelsTotal         int64
}

// Reset zeroes every counter for a new frame.
func (c *Counters) Reset() {
	c.ReferenceIterations.Store(0)
	c.SeriesIterations.Store(0)
	c.SeriesValidation.Store(0)
	c.PixelsComplete.Store(0)
	c.GlitchOrbits.Store(0)
	c.PixelsTotal.Store(0)
}

// Snapshot reads all counters. Individual fields are read atomically; the
// snapshot as a whole is not.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		ReferenceIterations: c.ReferenceIterations.Load(),
		SeriesIterations:    c.SeriesIterations.Load(),
		SeriesValidation:    c.SeriesValidation.Load(),
		PixelsComplete:      c.PixelsComplete.Load(),
		GlitchOrbits:        c.GlitchOrbits.Load(),
		PixelsTotal:         c.PixelsTotal.Load(),
	}
}

// Fraction returns completed pixels over total pixels, or 0 when the total
// is unknown.
func (s Snapshot) Fraction() float64 {
	if s.PixelsTotal <= 0 {
		return 0
	}
	f := float64(s.PixelsComplete) / float64(s.PixelsTotal)
	return min(f, 1)
}
