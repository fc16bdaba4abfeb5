package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	Loads        prometheus.Counter
	LoadFailures *prometheus.CounterVec // kind label: transport|status|payload
	LoadDuration prometheus.Histogram

	DeriveDuration prometheus.Histogram

	Samples            prometheus.Gauge
	Stoppages          prometheus.Gauge
	DwellMinutes       prometheus.Gauge
	SnapshotsPublished prometheus.Counter

	StageFailures *prometheus.CounterVec // stage label: archive|annotate|notify
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Loads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stoppagemap_loads_total",
			Help: "Telemetry load attempts.",
		}),
		LoadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stoppagemap_load_failures_total",
			Help: "Failed telemetry loads by error kind.",
		}, []string{"kind"}),
		LoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stoppagemap_load_duration_seconds",
			Help:    "Duration of telemetry loads.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		DeriveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stoppagemap_derive_duration_seconds",
			Help:    "Duration of path and stoppage derivation.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 15),
		}),
		Samples: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stoppagemap_snapshot_samples",
			Help: "Samples in the published snapshot.",
		}),
		Stoppages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stoppagemap_snapshot_stoppages",
			Help: "Stoppages in the published snapshot.",
		}),
		DwellMinutes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stoppagemap_snapshot_dwell_minutes",
			Help: "Total dwell minutes in the published snapshot.",
		}),
		SnapshotsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stoppagemap_snapshots_published_total",
			Help: "Snapshots published, including empty fallbacks.",
		}),
		StageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stoppagemap_stage_failures_total",
			Help: "Non-fatal pipeline stage failures.",
		}, []string{"stage"}),
	}

	reg.MustRegister(
		c.Loads, c.LoadFailures, c.LoadDuration,
		c.DeriveDuration,
		c.Samples, c.Stoppages, c.DwellMinutes, c.SnapshotsPublished,
		c.StageFailures,
	)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// ObserveLoad records one load. kind is empty on success.
func (c *Collector) ObserveLoad(d time.Duration, kind string) {
	c.Loads.Inc()
	c.LoadDuration.Observe(d.Seconds())
	if kind != "" {
		c.LoadFailures.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) ObserveDerive(d time.Duration) {
	c.DeriveDuration.Observe(d.Seconds())
}

func (c *Collector) ObserveSnapshot(samples, stoppages int, dwellMinutes float64) {
	c.SnapshotsPublished.Inc()
	c.Samples.Set(float64(samples))
	c.Stoppages.Set(float64(stoppages))
	c.DwellMinutes.Set(dwellMinutes)
}

func (c *Collector) StageFailed(stage string) {
	c.StageFailures.WithLabelValues(stage).Inc()
}

// Serve starts a standalone /metrics listener on addr.
func (c *Collector) Serve(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()
	logger.Info("metrics listening", slog.String("addr", addr))
	return srv
}
