package pavementscan

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts pipeline activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	FramesRead        prometheus.Counter
	FramesWritten     prometheus.Counter
	SamplingPoints    prometheus.Counter
	DetectionFailures prometheus.Counter
	DetectionDuration prometheus.Histogram
	RunsTotal         *prometheus.CounterVec
}

// NewMetrics creates the pipeline metrics and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pavementscan_frames_read_total",
			Help: "Frames read from input videos",
		}),
		FramesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pavementscan_frames_written_total",
			Help: "Annotated frames written to output videos",
		}),
		SamplingPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pavementscan_sampling_points_total",
			Help: "Frames that were corrected and sent to the detector",
		}),
		DetectionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pavementscan_detection_failures_total",
			Help: "Sampling points where correction or detection failed",
		}),
		DetectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pavementscan_detection_duration_seconds",
			Help:    "Time spent correcting and annotating one sampled frame",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pavementscan_runs_total",
			Help: "Completed pipeline runs by outcome",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.FramesRead, m.FramesWritten, m.SamplingPoints, m.DetectionFailures, m.DetectionDuration, m.RunsTotal)
	}
	return m
}

func (m *Metrics) frameRead() {
	if m != nil {
		m.FramesRead.Inc()
	}
}

func (m *Metrics) frameWritten() {
	if m != nil {
		m.FramesWritten.Inc()
	}
}

func (m *Metrics) sampled(seconds float64) {
	if m != nil {
		m.SamplingPoints.Inc()
		m.DetectionDuration.Observe(seconds)
	}
}

func (m *Metrics) detectionFailed() {
	if m != nil {
		m.DetectionFailures.Inc()
	}
}

func (m *Metrics) finished(outcome string) {
	if m != nil {
		m.RunsTotal.WithLabelValues(outcome).Inc()
	}
}
