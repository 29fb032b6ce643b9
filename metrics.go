package gcalnotify

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the observability sink of the sync and notification pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	syncTotal         *prometheus.CounterVec
	syncDuration      *prometheus.HistogramVec
	changesTotal      *prometheus.CounterVec
	notificationTotal *prometheus.CounterVec
	renewalTotal      *prometheus.CounterVec
	webhookTotal      *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		syncTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gcalnotify_sync_total",
			Help: "Total number of sync passes",
		}, []string{"calendar_id", "result"}),
		syncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gcalnotify_sync_duration_seconds",
			Help:    "Sync pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"calendar_id"}),
		changesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gcalnotify_changes_total",
			Help: "Total number of applied changes",
		}, []string{"calendar_id", "kind"}),
		notificationTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gcalnotify_notifications_total",
			Help: "Total number of notifications by delivery result",
		}, []string{"calendar_id", "result"}),
		renewalTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gcalnotify_subscription_renewals_total",
			Help: "Total number of subscription renewals",
		}, []string{"calendar_id", "result"}),
		webhookTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gcalnotify_webhook_requests_total",
			Help: "Total number of webhook deliveries by resource state",
		}, []string{"resource_state", "status"}),
	}
}

// Handler serves the Prometheus exposition of this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveSync(calendarID string, result *SyncResult, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.syncDuration.WithLabelValues(calendarID).Observe(d.Seconds())
	if err != nil {
		m.syncTotal.WithLabelValues(calendarID, "error").Inc()
		return
	}
	switch {
	case result.FullResync:
		m.syncTotal.WithLabelValues(calendarID, "full_resync").Inc()
	case result.Suppressed:
		m.syncTotal.WithLabelValues(calendarID, "suppressed").Inc()
	default:
		m.syncTotal.WithLabelValues(calendarID, "ok").Inc()
	}
	m.changesTotal.WithLabelValues(calendarID, "created").Add(float64(result.Created))
	m.changesTotal.WithLabelValues(calendarID, "updated").Add(float64(result.Updated))
	m.changesTotal.WithLabelValues(calendarID, "deleted").Add(float64(result.Deleted))
}

// IncNotification counts one notification outcome: sent, skipped, failed, dropped or filtered.
func (m *Metrics) IncNotification(calendarID, result string) {
	if m == nil {
		return
	}
	m.notificationTotal.WithLabelValues(calendarID, result).Inc()
}

// IncRenewal counts one subscription renewal outcome: renewed, failed or cancel_failed.
func (m *Metrics) IncRenewal(calendarID, result string) {
	if m == nil {
		return
	}
	m.renewalTotal.WithLabelValues(calendarID, result).Inc()
}

func (m *Metrics) IncWebhook(resourceState string, status int) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(coalesce(resourceState, "-"), httpStatusBucket(status)).Inc()
}

func httpStatusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
