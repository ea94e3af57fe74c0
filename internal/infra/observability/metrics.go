package observability

import (
	"time"

	"github.com/petgourmet/storefront-api/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the storefront API.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	externalErrors  *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	webhooks        *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	reconciles      *prometheus.CounterVec
	emails          *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storefront_operation_duration_seconds",
				Help:    "Duration of service operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		webhooks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_webhooks_total",
				Help: "MercadoPago notifications by type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_subscription_transitions_total",
				Help: "Applied subscription status transitions.",
			},
			[]string{"from", "to"},
		),
		reconciles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_reconcile_results_total",
				Help: "Subscription reconcile outcomes.",
			},
			[]string{"action"},
		),
		emails: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_emails_total",
				Help: "Transactional emails by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// IncrWebhook counts a notification outcome.
func (m *Metrics) IncrWebhook(webhookType, outcome string) {
	m.webhooks.WithLabelValues(webhookType, outcome).Inc()
}

// IncrTransition counts an applied subscription status change.
func (m *Metrics) IncrTransition(from, to domain.SubscriptionStatus) {
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// IncrReconcile counts a reconcile action.
func (m *Metrics) IncrReconcile(action string) {
	m.reconciles.WithLabelValues(action).Inc()
}

// IncrEmail counts an email send attempt.
func (m *Metrics) IncrEmail(kind, outcome string) {
	m.emails.WithLabelValues(kind, outcome).Inc()
}

// Snapshot returns the counters shown on GET /api/admin/stats.
func (m *Metrics) Snapshot() *domain.StatsSnapshot {
	snap := &domain.StatsSnapshot{
		ReconcileActions: map[string]float64{},
		ExternalErrors:   map[string]float64{},
	}

	for _, f := range m.gather("storefront_webhooks_total") {
		switch labelValue(f, "outcome") {
		case "processed":
			snap.WebhooksProcessed += f.GetCounter().GetValue()
		case "duplicate":
			snap.WebhooksDuplicated += f.GetCounter().GetValue()
		case "failed":
			snap.WebhooksFailed += f.GetCounter().GetValue()
		}
	}
	for _, f := range m.gather("storefront_reconcile_results_total") {
		snap.ReconcileActions[labelValue(f, "action")] += f.GetCounter().GetValue()
	}
	for _, f := range m.gather("storefront_external_errors_total") {
		snap.ExternalErrors[labelValue(f, "service")] += f.GetCounter().GetValue()
	}

	var hits, misses float64
	for _, f := range m.gather("storefront_cache_hits_total") {
		hits += f.GetCounter().GetValue()
	}
	for _, f := range m.gather("storefront_cache_misses_total") {
		misses += f.GetCounter().GetValue()
	}
	if hits+misses > 0 {
		snap.CacheHitRate = hits / (hits + misses)
	}

	return snap
}

// gather returns the metric series of one family from the private registry.
func (m *Metrics) gather(name string) []*dto.Metric {
	families, err := m.Registry.Gather()
	if err != nil {
		return nil
	}
	for _, fam := range families {
		if fam.GetName() == name {
			return fam.GetMetric()
		}
	}
	return nil
}

func labelValue(metric *dto.Metric, name string) string {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
