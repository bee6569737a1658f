package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"CryptoPull/internal/domain/models"
)

const namespace = "cryptopull"

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	transportRequests *prometheus.CounterVec
	transportLatency  *prometheus.HistogramVec
	retries           *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec

	cacheLookups   *prometheus.CounterVec
	cacheDedup     prometheus.Counter
	cacheEvictions prometheus.Counter

	pipelineRows     *prometheus.CounterVec
	pipelineFailures *prometheus.CounterVec
	stageLatency     *prometheus.HistogramVec
	qualityScore     *prometheus.GaugeVec

	varValue   *prometheus.GaugeVec
	varLatency *prometheus.HistogramVec
	trsCoeff   *prometheus.GaugeVec
	trsStatus  *prometheus.GaugeVec

	orders        *prometheus.CounterVec
	slippage      *prometheus.HistogramVec
	execLatency   *prometheus.HistogramVec
	emergencyStop prometheus.Gauge

	errorsTotal *prometheus.CounterVec
	lastPrice   *prometheus.GaugeVec
	latency     *prometheus.HistogramVec
}

// New creates a recorder registered with the default Prometheus registry.
// Call it once per process.
func New() *Recorder {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a recorder registered with reg.
func NewWithRegistry(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		transportRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "requests_total",
			Help: "Outbound requests by host and outcome",
		}, []string{"host", "outcome"}),
		transportLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "transport", Name: "request_duration_seconds",
			Help: "Outbound request duration", Buckets: prometheus.DefBuckets,
		}, []string{"host"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "retries_total",
			Help: "Retried attempts by host",
		}, []string{"host"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "rate_limited_total",
			Help: "Requests refused by the provider rate limiter",
		}, []string{"provider"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "transport", Name: "breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"host"}),

		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "lookups_total",
			Help: "Content cache lookups by result",
		}, []string{"result"}),
		cacheDedup: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "dedup_bytes_total",
			Help: "Bytes not written because an identical blob existed",
		}),
		cacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Evicted cache entries",
		}),

		pipelineRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "rows_persisted_total",
			Help: "Bars persisted by symbol and source",
		}, []string{"symbol", "source"}),
		pipelineFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "failures_total",
			Help: "Pipeline failures by stage",
		}, []string{"stage"}),
		stageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "stage_duration_seconds",
			Help: "Pipeline stage duration", Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		qualityScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "quality", Name: "score",
			Help: "Latest quality score per table and symbol",
		}, []string{"table", "symbol"}),

		varValue: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "risk", Name: "var_pct",
			Help: "Latest VaR as a fraction of portfolio value",
		}, []string{"method"}),
		varLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "risk", Name: "var_duration_seconds",
			Help:    "VaR computation time",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"method"}),
		trsCoeff: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "trs", Name: "correlation",
			Help: "Predicted vs realized correlation per window",
		}, []string{"window_days"}),
		trsStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "trs", Name: "status",
			Help: "TRS status per window (0 compliant, 1 warning, 2 critical, 3 insufficient)",
		}, []string{"window_days"}),

		orders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "transitions_total",
			Help: "Order state transitions by exchange and status",
		}, []string{"exchange", "status"}),
		slippage: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "orders", Name: "slippage_bps",
			Help:    "Execution slippage in basis points",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}, []string{"exchange"}),
		execLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "orders", Name: "execution_latency_seconds",
			Help: "Submit to fill latency", Buckets: prometheus.DefBuckets,
		}, []string{"exchange"}),
		emergencyStop: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "risk", Name: "emergency_stop",
			Help: "1 while the emergency stop is active",
		}),

		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total",
			Help: "Total number of errors encountered",
		}, []string{"type"}),
		lastPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_price",
			Help: "Last recorded price for a symbol",
		}, []string{"symbol"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "operation_duration_seconds",
			Help: "Duration of operations in seconds", Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (r *Recorder) RecordTransportRequest(host, outcome string, seconds float64) {
	r.transportRequests.WithLabelValues(host, outcome).Inc()
	r.transportLatency.WithLabelValues(host).Observe(seconds)
}

func (r *Recorder) RecordRetry(host string) { r.retries.WithLabelValues(host).Inc() }

func (r *Recorder) RecordRateLimited(provider string) { r.rateLimited.WithLabelValues(provider).Inc() }

func (r *Recorder) RecordBreakerState(host string, state models.BreakerState) {
	r.breakerState.WithLabelValues(host).Set(float64(state))
}

func (r *Recorder) RecordCacheLookup(hit bool) {
	if hit {
		r.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	r.cacheLookups.WithLabelValues("miss").Inc()
}

func (r *Recorder) RecordCacheDedup(bytes int64) { r.cacheDedup.Add(float64(bytes)) }

func (r *Recorder) RecordCacheEvictions(n int) { r.cacheEvictions.Add(float64(n)) }

func (r *Recorder) RecordPipelineRows(symbol, source string, n int) {
	r.pipelineRows.WithLabelValues(symbol, source).Add(float64(n))
}

func (r *Recorder) RecordPipelineFailure(stage string) {
	r.pipelineFailures.WithLabelValues(stage).Inc()
}

func (r *Recorder) RecordStageLatency(stage string, seconds float64) {
	r.stageLatency.WithLabelValues(stage).Observe(seconds)
}

func (r *Recorder) RecordQualityScore(table, symbol string, score float64) {
	r.qualityScore.WithLabelValues(table, symbol).Set(score)
}

func (r *Recorder) RecordVaR(method string, valuePct, seconds float64) {
	r.varValue.WithLabelValues(method).Set(valuePct)
	r.varLatency.WithLabelValues(method).Observe(seconds)
}

func (r *Recorder) RecordTRS(windowDays int, coefficient float64, status models.TRSStatus) {
	w := windowLabel(windowDays)
	r.trsCoeff.WithLabelValues(w).Set(coefficient)
	r.trsStatus.WithLabelValues(w).Set(trsStatusValue(status))
}

func (r *Recorder) RecordOrder(exchange string, status models.OrderStatus) {
	r.orders.WithLabelValues(exchange, status.String()).Inc()
}

func (r *Recorder) RecordExecution(exchange string, slippageBps, latencySeconds float64) {
	r.slippage.WithLabelValues(exchange).Observe(slippageBps)
	r.execLatency.WithLabelValues(exchange).Observe(latencySeconds)
}

func (r *Recorder) SetEmergency(active bool) {
	if active {
		r.emergencyStop.Set(1)
		return
	}
	r.emergencyStop.Set(0)
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLastPrice records the last price for a symbol.
func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

func windowLabel(days int) string { return strconv.Itoa(days) }

func trsStatusValue(s models.TRSStatus) float64 {
	switch s {
	case models.TRSCompliant:
		return 0
	case models.TRSWarning:
		return 1
	case models.TRSCritical:
		return 2
	default:
		return 3
	}
}
