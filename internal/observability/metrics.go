package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	bridgeCallTotal    *prometheus.CounterVec
	bridgeCallDuration *prometheus.HistogramVec
	bridgeTimeoutTotal *prometheus.CounterVec
	connected          prometheus.Gauge

	toolInvocationTotal    *prometheus.CounterVec
	toolInvocationDuration *prometheus.HistogramVec
	toolErrorsTotal        *prometheus.CounterVec

	modelTurnTotal    *prometheus.CounterVec
	modelTurnDuration *prometheus.HistogramVec

	processRounds prometheus.Histogram

	catalogRefreshTotal *prometheus.CounterVec
	gatewayClients      prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			bridgeCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bridge_call_total",
					Help: "Total bridged session calls by operation and status.",
				},
				[]string{"op", "status"},
			),
			bridgeCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "bridge_call_duration_seconds",
					Help:    "Bridged call duration in seconds by operation.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"op"},
			),
			bridgeTimeoutTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bridge_timeout_total",
					Help: "Total bridged calls that exceeded their deadline by operation.",
				},
				[]string{"op"},
			),
			connected: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "session_connected",
					Help: "Whether an MCP session is live (1 connected, 0 disconnected).",
				},
			),
			toolInvocationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_invocation_total",
					Help: "Total tool invocations by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolInvocationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_invocation_duration_seconds",
					Help:    "Tool invocation duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool invocation errors by tool.",
				},
				[]string{"tool"},
			),
			modelTurnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_turn_total",
					Help: "Total model turns by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelTurnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "model_turn_duration_seconds",
					Help:    "Model turn duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			processRounds: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "process_rounds",
					Help:    "Model turn rounds used per processed query.",
					Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20},
				},
			),
			catalogRefreshTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "catalog_refresh_total",
					Help: "Total tool catalog refreshes by status.",
				},
				[]string{"status"},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gateway_clients",
					Help: "Currently connected gateway clients.",
				},
			),
		}

		prometheus.MustRegister(
			m.bridgeCallTotal,
			m.bridgeCallDuration,
			m.bridgeTimeoutTotal,
			m.connected,
			m.toolInvocationTotal,
			m.toolInvocationDuration,
			m.toolErrorsTotal,
			m.modelTurnTotal,
			m.modelTurnDuration,
			m.processRounds,
			m.catalogRefreshTotal,
			m.gatewayClients,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordBridgeCall(op string, duration time.Duration, success bool) {
	m := getMetrics()
	m.bridgeCallTotal.WithLabelValues(op, statusLabel(success)).Inc()
	m.bridgeCallDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordBridgeTimeout(op string) {
	getMetrics().bridgeTimeoutTotal.WithLabelValues(op).Inc()
}

func SetConnected(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	getMetrics().connected.Set(value)
}

func RecordToolInvocation(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolInvocationTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolInvocationDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordModelTurn(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.modelTurnTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.modelTurnDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func ObserveProcessRounds(rounds int) {
	getMetrics().processRounds.Observe(float64(rounds))
}

func RecordCatalogRefresh(success bool) {
	getMetrics().catalogRefreshTotal.WithLabelValues(statusLabel(success)).Inc()
}

func SetGatewayClients(count int) {
	getMetrics().gatewayClients.Set(float64(count))
}
