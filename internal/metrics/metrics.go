package metrics

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "backoffice_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	paymentsTotal   *prometheus.CounterVec
	paymentsLatency *prometheus.HistogramVec

	challengesTotal  *prometheus.CounterVec
	dispatchLatency  *prometheus.HistogramVec
	validationsTotal *prometheus.CounterVec

	codesPurgedTotal prometheus.Counter
)

// Init registers the service metrics. When pool is non-nil, connection pool gauges are exported too.
func Init(pool *pgxpool.Pool, logger *slog.Logger) {
	registerOnce.Do(func() {
		paymentsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "payments_total",
				Help: "Total recorded payment attempts by status",
			},
			[]string{"status"},
		)
		paymentsLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "payment_latency_seconds",
				Help:    "Payment processing latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		)
		challengesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "auth_challenges_total",
				Help: "Total authentication challenges by result",
			},
			[]string{"result"},
		)
		dispatchLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "auth_dispatch_latency_seconds",
				Help:    "Latency of publishing a code to a device in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		validationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "auth_code_validations_total",
				Help: "Total authentication code validations by result",
			},
			[]string{"result"},
		)
		codesPurgedTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "auth_codes_purged_total",
				Help: "Total expired authentication codes removed by the cleanup job",
			},
		)

		prometheus.MustRegister(
			paymentsTotal,
			paymentsLatency,
			challengesTotal,
			dispatchLatency,
			validationsTotal,
			codesPurgedTotal,
		)

		if pool != nil {
			registerPoolMetrics(pool, logger)
		}
	})
}

func registerPoolMetrics(pool *pgxpool.Pool, logger *slog.Logger) {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: metricPrefix + "db_pool_total_conns",
			Help: "Total connections in the database pool",
		}, func() float64 { return float64(pool.Stat().TotalConns()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: metricPrefix + "db_pool_acquired_conns",
			Help: "Connections currently acquired from the database pool",
		}, func() float64 { return float64(pool.Stat().AcquiredConns()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: metricPrefix + "db_pool_idle_conns",
			Help: "Idle connections in the database pool",
		}, func() float64 { return float64(pool.Stat().IdleConns()) }),
	}
	for _, gauge := range gauges {
		if err := prometheus.Register(gauge); err != nil && logger != nil {
			logger.Warn("failed to register db pool metric", "error", err)
		}
	}
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePayment records one payment attempt outcome.
func ObservePayment(status string, duration time.Duration) {
	if status == "" {
		status = "unknown"
	}
	if paymentsTotal != nil {
		paymentsTotal.WithLabelValues(status).Inc()
	}
	if paymentsLatency != nil {
		paymentsLatency.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// IncChallenge records the outcome of a begin-challenge call.
func IncChallenge(result string) {
	if result == "" {
		result = resultSuccess
	}
	if challengesTotal != nil {
		challengesTotal.WithLabelValues(result).Inc()
	}
}

// ObserveDispatch records how long publishing a code took.
func ObserveDispatch(err error, duration time.Duration) {
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	if dispatchLatency != nil {
		dispatchLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncCodeValidation records the outcome of a code validation.
func IncCodeValidation(result string) {
	if result == "" {
		result = "unknown"
	}
	if validationsTotal != nil {
		validationsTotal.WithLabelValues(result).Inc()
	}
}

// AddCodesPurged records codes removed by the cleanup job.
func AddCodesPurged(count int64) {
	if count <= 0 {
		return
	}
	if codesPurgedTotal != nil {
		codesPurgedTotal.Add(float64(count))
	}
}
