package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the feed service.
type Metrics struct {
	FeedUpdates       *prometheus.CounterVec   // labels: outcome={ok,error}
	FetchDuration     prometheus.Histogram     // seconds per feed fetch
	FeedEntries       *prometheus.GaugeVec     // labels: installation
	FeedEvents        *prometheus.CounterVec   // labels: kind={added,updated,removed}
	EntityEvents      *prometheus.CounterVec   // labels: kind={created,updated,removed}
	EntitiesActive    *prometheus.GaugeVec     // labels: installation
	InstallationsLive prometheus.Gauge         // installations with a running manager
	PublishErrors     prometheus.Counter       // entity events the sink failed to accept
	SetupResults      *prometheus.CounterVec   // labels: step={user,options}, result={form,create_entry,abort,invalid}
	APIRequests       *prometheus.HistogramVec // labels: route
}

// NewMetrics creates and registers all service metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.FeedUpdates,
		m.FetchDuration,
		m.FeedEntries,
		m.FeedEvents,
		m.EntityEvents,
		m.EntitiesActive,
		m.InstallationsLive,
		m.PublishErrors,
		m.SetupResults,
		m.APIRequests,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		FeedUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seismoi",
			Name:      "feed_updates_total",
			Help:      "Feed update cycles by outcome.",
		}, []string{"outcome"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "seismoi",
			Name:      "feed_fetch_duration_seconds",
			Help:      "Duration of a single feed fetch including decode.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		FeedEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "seismoi",
			Name:      "feed_entries",
			Help:      "Entries held after the last successful update.",
		}, []string{"installation"}),
		FeedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seismoi",
			Name:      "feed_events_total",
			Help:      "Reconciliation events dispatched to observers.",
		}, []string{"kind"}),
		EntityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seismoi",
			Name:      "entity_events_total",
			Help:      "Geolocation entity lifecycle changes.",
		}, []string{"kind"}),
		EntitiesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "seismoi",
			Name:      "entities_active",
			Help:      "Geolocation entities currently surfaced.",
		}, []string{"installation"}),
		InstallationsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "seismoi",
			Name:      "installations_loaded",
			Help:      "Installations with a running feed manager.",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seismoi",
			Name:      "publish_errors_total",
			Help:      "Entity events that could not be published.",
		}),
		SetupResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seismoi",
			Name:      "setup_results_total",
			Help:      "Configuration wizard step results.",
		}, []string{"step", "result"}),
		APIRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "seismoi",
			Name:      "api_request_duration_seconds",
			Help:      "API request duration by route.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"route"}),
	}
}
