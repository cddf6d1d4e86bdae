package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector for Prometheus.
type PrometheusCollector struct {
	providerCalls   *prometheus.CounterVec
	providerErrors  *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec

	circuitOpens *prometheus.CounterVec
	circuitState *prometheus.GaugeVec

	syncs       *prometheus.CounterVec
	syncLatency *prometheus.HistogramVec
	syncRows    *prometheus.CounterVec

	links *prometheus.CounterVec
}

func NewPrometheusCollector(namespace string) *PrometheusCollector {
	return &PrometheusCollector{
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Upstream API calls per provider and endpoint",
		}, []string{"provider", "endpoint"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Failed upstream API calls per provider and endpoint",
		}, []string{"provider", "endpoint"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Upstream API call latency",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}, []string{"provider"}),
		circuitOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_opens_total",
			Help:      "Times the per-provider circuit breaker opened",
		}, []string{"provider"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per provider (0=closed, 1=open, 2=half-open)",
		}, []string{"provider"}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "syncs_total",
			Help:      "Connection syncs per provider and status",
		}, []string{"provider", "status"}),
		syncLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Wall time of one connection sync",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider"}),
		syncRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_transactions_total",
			Help:      "Transaction rows changed by syncs",
		}, []string{"provider", "change"}),
		links: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "links_total",
			Help:      "Link completions per provider and outcome",
		}, []string{"provider", "outcome"}),
	}
}

// Register registers all metrics with registry.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pc.providerCalls,
		pc.providerErrors,
		pc.providerLatency,
		pc.circuitOpens,
		pc.circuitState,
		pc.syncs,
		pc.syncLatency,
		pc.syncRows,
		pc.links,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (pc *PrometheusCollector) RecordProviderCall(provider, endpoint string, success bool, duration time.Duration) {
	pc.providerCalls.WithLabelValues(provider, endpoint).Inc()
	if !success {
		pc.providerErrors.WithLabelValues(provider, endpoint).Inc()
	}
	pc.providerLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) RecordCircuitState(provider string, state CircuitState) {
	pc.circuitState.WithLabelValues(provider).Set(float64(state))
	if state == CircuitOpen {
		pc.circuitOpens.WithLabelValues(provider).Inc()
	}
}

func (pc *PrometheusCollector) RecordSync(provider string, success bool, duration time.Duration, rows SyncRows) {
	status := "success"
	if !success {
		status = "error"
	}
	pc.syncs.WithLabelValues(provider, status).Inc()
	pc.syncLatency.WithLabelValues(provider).Observe(duration.Seconds())
	if !success {
		return
	}
	pc.syncRows.WithLabelValues(provider, "added").Add(float64(rows.Added))
	pc.syncRows.WithLabelValues(provider, "modified").Add(float64(rows.Modified))
	pc.syncRows.WithLabelValues(provider, "removed").Add(float64(rows.Removed))
}

func (pc *PrometheusCollector) RecordLink(provider, outcome string) {
	pc.links.WithLabelValues(provider, outcome).Inc()
}
