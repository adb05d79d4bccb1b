// Package metrics exposes Prometheus instrumentation for the margin core.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	once     sync.Once

	opLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coordinator_op_seconds",
		Help:    "Latency of account coordinator operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	ordersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_placed_total",
			Help: "Total number of orders accepted by the venue.",
		},
		[]string{"market", "type"},
	)
	ordersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_rejected_total",
			Help: "Total number of placements refused, by error code.",
		},
		[]string{"code"},
	)
	fillsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fills_applied_total",
			Help: "Total number of venue fills applied.",
		},
		[]string{"market"},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "venue_events_dropped_total",
			Help: "Venue events dropped as duplicate or late.",
		},
		[]string{"reason"},
	)
	invariantViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invariant_violations_total",
			Help: "Internal consistency faults detected.",
		},
		[]string{"op"},
	)
	ackTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "venue_ack_timeouts_total",
		Help: "Placements rejected because the venue did not ack in time.",
	})
	accounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "accounts_loaded",
		Help: "Number of accounts held in memory.",
	})
)

// Init registers metrics with the registry once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			opLatency,
			ordersPlaced,
			ordersRejected,
			fillsApplied,
			eventsDropped,
			invariantViolations,
			ackTimeouts,
			accounts,
		)
	})
}

// Handler exposes the Prometheus metrics endpoint handler.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveOp records how long a coordinator operation took.
func ObserveOp(op string, d time.Duration) {
	Init()
	opLatency.WithLabelValues(op).Observe(d.Seconds())
}

func IncOrdersPlaced(market, orderType string) {
	Init()
	ordersPlaced.WithLabelValues(market, orderType).Inc()
}

func IncOrdersRejected(code string) {
	Init()
	ordersRejected.WithLabelValues(code).Inc()
}

func IncFillsApplied(market string) {
	Init()
	fillsApplied.WithLabelValues(market).Inc()
}

func IncEventsDropped(reason string) {
	Init()
	eventsDropped.WithLabelValues(reason).Inc()
}

// IncInvariantViolations counts a consistency fault raised by op.
func IncInvariantViolations(op string) {
	Init()
	invariantViolations.WithLabelValues(op).Inc()
}

func IncAckTimeouts() {
	Init()
	ackTimeouts.Inc()
}

func SetAccounts(n int) {
	Init()
	accounts.Set(float64(n))
}
