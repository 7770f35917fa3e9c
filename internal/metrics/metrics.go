// Package metrics provides Prometheus metrics for the editor core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProjectLoadDuration observes full project loads, gate wait included.
	ProjectLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "slopedit_project_load_duration_seconds",
		Help:    "Duration of project loads.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// ProjectLoadTotal counts project loads by result (ok, parse_error, canceled).
	ProjectLoadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slopedit_project_load_total",
		Help: "Total number of project loads, by result.",
	}, []string{"result"})

	// ProjectSaveTotal counts project saves by result.
	ProjectSaveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slopedit_project_save_total",
		Help: "Total number of project saves, by result.",
	}, []string{"result"})

	// MediaMissingTotal counts media bank entries that could not be resolved.
	MediaMissingTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slopedit_media_missing_total",
		Help: "Total number of media items restored as invalid.",
	})

	// EncodeTotal counts finished encode jobs by final state.
	EncodeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slopedit_encode_total",
		Help: "Total number of encode jobs, by final state.",
	}, []string{"state"})

	// EncodeConfigErrorsTotal counts rejected encoder configurations.
	EncodeConfigErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slopedit_encode_config_errors_total",
		Help: "Total number of rejected encoder configurations.",
	})

	// EncodeProgress is the progress fraction of the running encode.
	EncodeProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slopedit_encode_progress_ratio",
		Help: "Progress of the running encode job (0-1).",
	})

	// PreviewRendersTotal counts frames recomposed by preview sync.
	PreviewRendersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slopedit_preview_renders_total",
		Help: "Total number of preview frames recomposed.",
	})

	// PreviewSkipsTotal counts ticks where nothing had to be recomposed.
	PreviewSkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slopedit_preview_skips_total",
		Help: "Total number of preview ticks that reused the last frame.",
	})

	// PlaybackClampsTotal counts cursor positions pulled back into the active range.
	PlaybackClampsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slopedit_playback_clamps_total",
		Help: "Total number of cursor clamps to the active playback range.",
	})

	// MeterReadMissesTotal counts metering reads skipped because the render path held the levels.
	MeterReadMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slopedit_meter_read_misses_total",
		Help: "Total number of skipped peak meter reads.",
	})
)

// RecordLoad observes one project load.
func RecordLoad(result string, d time.Duration) {
	ProjectLoadTotal.WithLabelValues(result).Inc()
	ProjectLoadDuration.Observe(d.Seconds())
}

// RecordSave counts one project save.
func RecordSave(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ProjectSaveTotal.WithLabelValues(result).Inc()
}

// RecordEncode counts one encode job reaching state.
func RecordEncode(state string) {
	EncodeTotal.WithLabelValues(state).Inc()
	if state != "running" {
		EncodeProgress.Set(0)
	}
}
