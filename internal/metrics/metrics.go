package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the facilitator.
type Metrics struct {
	// Verify metrics
	VerifyTotal         *prometheus.CounterVec
	VerifyRejectedTotal *prometheus.CounterVec
	VerifyDuration      *prometheus.HistogramVec

	// Settle metrics
	SettleTotal         *prometheus.CounterVec
	SettleDuration      *prometheus.HistogramVec
	BroadcastDuration   *prometheus.HistogramVec
	InclusionDuration   *prometheus.HistogramVec
	InFlightSettlements prometheus.Gauge

	// RPC call metrics
	RPCCallsTotal   *prometheus.CounterVec
	RPCCallDuration *prometheus.HistogramVec
	RPCErrorsTotal  *prometheus.CounterVec

	// Rate limiting / backpressure metrics
	RateLimitHitsTotal    *prometheus.CounterVec
	BackpressureHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge

	// Circuit breaker metrics
	CircuitBreakerStateChanges *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		VerifyTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_facilitator_verify_total",
				Help: "Total number of passed verifications in the settlement path by outcome",
			},
			[]string{"network", "outcome"},
		),
		VerifyRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_facilitator_verify_rejected_total",
				Help: "Total number of rejected verifications by reason code",
			},
			[]string{"network", "reason"},
		),
		VerifyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_facilitator_verify_duration_seconds",
				Help:    "Time taken to verify a payment payload",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"network"},
		),

		SettleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_facilitator_settle_total",
				Help: "Total number of broadcast settlements by inclusion outcome",
			},
			[]string{"network", "outcome"},
		),
		SettleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_facilitator_settle_duration_seconds",
				Help:    "Time from settlement request to terminal state",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"network"},
		),
		BroadcastDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_facilitator_broadcast_duration_seconds",
				Help:    "Time taken to broadcast a transaction to the chain RPC",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"network"},
		),
		InclusionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_facilitator_inclusion_duration_seconds",
				Help:    "Time from broadcast to on-chain inclusion",
				Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"network"},
		),
		InFlightSettlements: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "x402_facilitator_in_flight_settlements",
				Help: "Number of settlements currently awaiting inclusion",
			},
		),

		RPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_facilitator_rpc_calls_total",
				Help: "Total number of RPC calls to the chain",
			},
			[]string{"method", "network"},
		),
		RPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_facilitator_rpc_call_duration_seconds",
				Help:    "Duration of RPC calls to the chain",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "network"},
		),
		RPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_facilitator_rpc_errors_total",
				Help: "Total number of RPC errors",
			},
			[]string{"method", "network", "error_type"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_facilitator_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type", "identifier"},
		),
		BackpressureHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_facilitator_backpressure_hits_total",
				Help: "Total number of requests rejected due to in-flight settlement backpressure",
			},
			[]string{"network"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_facilitator_db_query_duration_seconds",
				Help:    "Database query duration",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "x402_facilitator_db_connections_active",
				Help: "Number of active database connections",
			},
		),

		CircuitBreakerStateChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_facilitator_circuit_breaker_state_changes_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"service", "from", "to"},
		),
	}
}

// ObserveVerify records a verify outcome.
func (m *Metrics) ObserveVerify(network, outcome string, duration time.Duration) {
	m.VerifyTotal.WithLabelValues(network, outcome).Inc()
	m.VerifyDuration.WithLabelValues(network).Observe(duration.Seconds())
}

// ObserveVerifyRejected records a verify rejection by reason code.
func (m *Metrics) ObserveVerifyRejected(network, reason string) {
	m.VerifyRejectedTotal.WithLabelValues(network, reason).Inc()
}

// ObserveSettle records a settlement outcome and its total duration.
func (m *Metrics) ObserveSettle(network, outcome string, duration time.Duration) {
	m.SettleTotal.WithLabelValues(network, outcome).Inc()
	m.SettleDuration.WithLabelValues(network).Observe(duration.Seconds())
}

// ObserveBroadcast records time spent submitting a transaction to the RPC endpoint.
func (m *Metrics) ObserveBroadcast(network string, duration time.Duration) {
	m.BroadcastDuration.WithLabelValues(network).Observe(duration.Seconds())
}

// ObserveInclusion records time from broadcast to on-chain inclusion.
func (m *Metrics) ObserveInclusion(network string, duration time.Duration) {
	m.InclusionDuration.WithLabelValues(network).Observe(duration.Seconds())
}

// SetInFlightSettlements updates the in-flight settlement gauge.
func (m *Metrics) SetInFlightSettlements(count int) {
	m.InFlightSettlements.Set(float64(count))
}

// ObserveRPCCall records an RPC call to the chain.
func (m *Metrics) ObserveRPCCall(method, network string, duration time.Duration, err error) {
	m.RPCCallsTotal.WithLabelValues(method, network).Inc()
	m.RPCCallDuration.WithLabelValues(method, network).Observe(duration.Seconds())

	if err != nil {
		errorType := classifyRPCError(err)
		m.RPCErrorsTotal.WithLabelValues(method, network, errorType).Inc()
	}
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}

// ObserveBackpressure records a settlement request rejected for backpressure.
func (m *Metrics) ObserveBackpressure(network string) {
	m.BackpressureHitsTotal.WithLabelValues(network).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// ObserveCircuitBreakerStateChange records a breaker transition.
func (m *Metrics) ObserveCircuitBreakerStateChange(service, from, to string) {
	m.CircuitBreakerStateChanges.WithLabelValues(service, from, to).Inc()
}

func classifyRPCError(err error) string {
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"):
		return "timeout"
	case strings.Contains(errStr, "rate limit"):
		return "rate_limit"
	case strings.Contains(errStr, "connection"):
		return "connection"
	case strings.Contains(errStr, "not found"):
		return "not_found"
	default:
		return "other"
	}
}
