package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svctree",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "svctree",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	lifecycleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svctree",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Service start and stop transitions.",
		},
		[]string{"path", "transition"},
	)
	servicesRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "svctree",
			Subsystem: "lifecycle",
			Name:      "running",
			Help:      "1 while the service at path is running.",
		},
		[]string{"path"},
	)
	capabilityCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svctree",
			Subsystem: "capability",
			Name:      "calls_total",
			Help:      "Capability invocations through services.Call.",
		},
		[]string{"path", "capability", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, lifecycleTransitions, servicesRunning, capabilityCalls)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordTransition(path string, running bool) {
	RegisterMetrics()
	transition, gauge := "stop", 0.0
	if running {
		transition, gauge = "start", 1.0
	}
	lifecycleTransitions.WithLabelValues(path, transition).Inc()
	servicesRunning.WithLabelValues(path).Set(gauge)
}

func RecordCapabilityCall(path, capability string, success bool) {
	RegisterMetrics()
	capabilityCalls.WithLabelValues(path, capability, strconv.FormatBool(success)).Inc()
}
