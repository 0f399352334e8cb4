// Package metrics exports engine health to Prometheus
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/educast/studio/internal/engine"
)

// Register installs engine gauges on the default registry. Call once
// after the engine exists.
func Register(eng *engine.Engine) {
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "studio_compositor_fps",
			Help: "Composite output frame rate over the rolling window.",
		}, func() float64 {
			return eng.Stats().Compositor.FPS
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "studio_compositor_dropped_frames_total",
			Help: "Frames dropped because the recorder could not keep up.",
		}, func() float64 {
			return float64(eng.Stats().Compositor.DroppedFrames)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "studio_compositor_cpu_percent",
			Help: "Process CPU usage sampled by the performance monitor.",
		}, func() float64 {
			return eng.Stats().Compositor.CPUPercent
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "studio_recording_duration_ms",
			Help: "Presentation timestamp of the last written payload.",
		}, func() float64 {
			return float64(eng.Stats().Recorder.DurationMs)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "studio_recording_bytes",
			Help: "Bytes buffered for the active recording.",
		}, func() float64 {
			return float64(eng.Stats().Recorder.ApproxBytes)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "studio_recording_active",
			Help: "Whether a recording is in progress.",
		}, func() float64 {
			if eng.Recording() {
				return 1
			}
			return 0
		}),
	)
}

// Handler serves the Prometheus scrape endpoint
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
