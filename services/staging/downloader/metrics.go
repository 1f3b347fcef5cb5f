package downloader

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records staging outcomes as Prometheus series. It implements Observer.
type Metrics struct {
	stages    *prometheus.CounterVec
	durations *prometheus.HistogramVec
	inflight  prometheus.Gauge
	downloads *prometheus.CounterVec
}

// NewMetrics creates the staging collectors and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildstage_artifact_stage_total",
			Help: "Artifacts staged, by kind, mode and result.",
		}, []string{"kind", "mode", "result"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "buildstage_artifact_stage_seconds",
			Help:    "Time spent staging a single artifact.",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 9),
		}, []string{"kind", "mode"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buildstage_background_inflight",
			Help: "Background artifacts dispatched and not yet finished.",
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildstage_downloads_total",
			Help: "Download calls, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.stages, m.durations, m.inflight, m.downloads)
	}
	return m
}

func (m *Metrics) Observe(_ context.Context, ev Event) {
	if m == nil {
		return
	}
	switch ev.Type {
	case EventArtifactStaged:
		m.stages.WithLabelValues(ev.Kind, ev.Mode, "ok").Inc()
		m.durations.WithLabelValues(ev.Kind, ev.Mode).Observe(ev.Duration.Seconds())
	case EventArtifactFailed:
		m.stages.WithLabelValues(ev.Kind, ev.Mode, "error").Inc()
		m.durations.WithLabelValues(ev.Kind, ev.Mode).Observe(ev.Duration.Seconds())
	case EventBackgroundDispatched:
		m.inflight.Add(float64(len(ev.Artifacts)))
	case EventBackgroundFinished:
		m.inflight.Sub(float64(len(ev.Artifacts)))
	case EventDownloadFinished:
		m.downloads.WithLabelValues("ok").Inc()
	case EventDownloadFailed:
		m.downloads.WithLabelValues("error").Inc()
	}
}
