package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all paygate metrics.
type Registry struct {
	// Remote firewall
	FirewallCalls   *prometheus.CounterVec
	FirewallRetries *prometheus.CounterVec
	FirewallLatency *prometheus.HistogramVec

	// Payments
	PaymentsVerified *prometheus.CounterVec
	ProofsQueued     prometheus.Gauge

	// Grants and cleanup
	GrantsTotal       *prometheus.CounterVec
	CleanupsScheduled prometheus.Gauge
	CleanupsTotal     *prometheus.CounterVec
	CleanupRetries    prometheus.Counter
	GrantsPruned      prometheus.Counter

	// Trigger monitor
	TriggersTotal  *prometheus.CounterVec
	CallbackErrors *prometheus.CounterVec

	// Alerting
	AlertsSent *prometheus.CounterVec

	// HTTP API
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func newRegistry() *Registry {
	r := &Registry{}

	// Remote firewall
	r.FirewallCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_firewall_calls_total",
		Help: "Remote access-rule API calls by operation and outcome",
	}, []string{"operation", "outcome"})

	r.FirewallRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_firewall_retries_total",
		Help: "Retried remote access-rule API requests by operation",
	}, []string{"operation"})

	r.FirewallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paygate_firewall_call_duration_seconds",
		Help:    "Remote access-rule API call latency including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// Payments
	r.PaymentsVerified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_payments_verified_total",
		Help: "Payment verifications by result",
	}, []string{"result"})

	r.ProofsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paygate_proofs_queued",
		Help: "Payment proofs waiting for a trigger",
	})

	// Grants and cleanup
	r.GrantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_grants_total",
		Help: "Grant attempts by outcome",
	}, []string{"outcome"})

	r.CleanupsScheduled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paygate_cleanups_scheduled",
		Help: "Pending cleanup timers",
	})

	r.CleanupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_cleanups_total",
		Help: "Cleanup executions by outcome",
	}, []string{"outcome"})

	r.CleanupRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paygate_cleanup_retries_total",
		Help: "Cleanup retry attempts",
	})

	r.GrantsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paygate_grants_pruned_total",
		Help: "Cleaned-up grant entries removed by the retention sweep",
	})

	// Trigger monitor
	r.TriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_triggers_total",
		Help: "Trigger events by signal",
	}, []string{"signal"})

	r.CallbackErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_trigger_callback_errors_total",
		Help: "Trigger callbacks that returned an error or panicked",
	}, []string{"callback"})

	// Alerting
	r.AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_alerts_sent_total",
		Help: "Administrator alerts by channel and outcome",
	}, []string{"channel", "outcome"})

	// HTTP API
	r.APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_api_requests_total",
		Help: "HTTP API requests by method, route and status",
	}, []string{"method", "route", "status"})

	r.APILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paygate_api_request_duration_seconds",
		Help:    "HTTP API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	return r
}
