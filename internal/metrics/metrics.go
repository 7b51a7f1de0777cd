// Package metrics exposes render progress to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gogpu/deepzoom/internal/progress"
)

const namespace = "deepzoom"

// Source returns the counters of the frame currently rendering.
type Source func() *progress.Counters

// Collector reports the progress counters of the active frame as gauges.
type Collector struct {
	source Source

	referenceIterations *prometheus.Desc
	seriesIterations    *prometheus.Desc
	seriesValidation    *prometheus.Desc
	pixelsComplete      *prometheus.Desc
	pixelsTotal         *prometheus.Desc
	glitchOrbits        *prometheus.Desc
	fraction            *prometheus.Desc
}

// NewCollector returns a collector reading counters from source.
func NewCollector(source Source) *Collector {
	desc := func(subsystem, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil)
	}
	return &Collector{
		source:              source,
		referenceIterations: desc("reference", "iterations", "Iterations of the primary reference orbit in the current frame"),
		seriesIterations:    desc("series", "iterations", "Series coefficient steps in the current frame"),
		seriesValidation:    desc("series", "validation_passes", "Finished probe passes (0, 1 or 2)"),
		pixelsComplete:      desc("pixels", "complete", "Pixels that reached a final state"),
		pixelsTotal:         desc("pixels", "total", "Pixels in the current frame"),
		glitchOrbits:        desc("glitch", "orbits", "Secondary orbits computed for glitch recovery"),
		fraction:            desc("frame", "progress_ratio", "Completed over total pixels"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.referenceIterations
	ch <- c.seriesIterations
	ch <- c.seriesValidation
	ch <- c.pixelsComplete
	ch <- c.pixelsTotal
	ch <- c.glitchOrbits
	ch <- c.fraction
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var s progress.Snapshot
	if counters := c.source(); counters != nil {
		s = counters.Snapshot()
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	gauge(c.referenceIterations, float64(s.ReferenceIterations))
	gauge(c.seriesIterations, float64(s.SeriesIterations))
	gauge(c.seriesValidation, float64(s.SeriesValidation))
	gauge(c.pixelsComplete, float64(s.PixelsComplete))
	gauge(c.pixelsTotal, float64(s.PixelsTotal))
	gauge(c.glitchOrbits, float64(s.GlitchOrbits))
	gauge(c.fraction, s.Fraction())
}

// Frames records finished frames and their wall time.
type Frames struct {
	Rendered prometheus.Counter
	Failed   prometheus.Counter
	Duration prometheus.Histogram
	Glitched prometheus.Gauge
}

// NewFrames returns the frame metrics. They are not registered.
func NewFrames() *Frames {
	return &Frames{
		Rendered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frame",
			Name:      "rendered_total",
			Help:      "Total frames rendered",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frame",
			Name:      "failed_total",
			Help:      "Total frames that ended with an error or were cancelled",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "frame",
			Name:      "duration_seconds",
			Help:      "Frame render duration",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		Glitched: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "frame",
			Name:      "glitched_pixels",
			Help:      "Pixels left glitched in the last frame",
		}),
	}
}

// Observe records one frame.
func (f *Frames) Observe(elapsed time.Duration, glitched int, err error) {
	if err != nil {
		f.Failed.Inc()
		return
	}
	f.Rendered.Inc()
	f.Duration.Observe(elapsed.Seconds())
	f.Glitched.Set(float64(glitched))
}

// Register adds the collector and the frame metrics to reg.
func Register(reg prometheus.Registerer, c *Collector, f *Frames) error {
	for _, m := range []prometheus.Collector{c, f.Rendered, f.Failed, f.Duration, f.Glitched} {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}
