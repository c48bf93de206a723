// Package metrics holds the Prometheus collectors of the marketplace service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// offerWrites tracks offer mutations by operation and outcome.
	offerWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_offer_writes_total",
		Help: "Total number of offer writes by operation and result",
	}, []string{"op", "result"}) // op: create, update, delete; result: ok, noop, error

	// historyRecords tracks appended price history rows.
	historyRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketplace_offer_history_records_total",
		Help: "Total number of offer history records appended",
	})

	// lowestRecomputes tracks lowest-price marker recomputations.
	lowestRecomputes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_lowest_price_recomputes_total",
		Help: "Total number of lowest-price marker recomputations by trigger",
	}, []string{"trigger"}) // trigger: write, reconcile

	// categoryMutations tracks category tree mutations.
	categoryMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_category_mutations_total",
		Help: "Total number of category mutations by operation and result",
	}, []string{"op", "result"})

	// cascadeSize tracks how many nodes a re-parent shifted.
	cascadeSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketplace_category_cascade_nodes",
		Help:    "Number of categories whose level shifted in one re-parent",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 500},
	})

	// subtreeCache tracks descendant cache lookups.
	subtreeCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_subtree_cache_lookups_total",
		Help: "Descendant id cache lookups by result",
	}, []string{"result"}) // result: hit, miss, error

	// reconcileRuns tracks reconciliation passes.
	reconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_reconcile_runs_total",
		Help: "Total number of reconciliation passes by job and result",
	}, []string{"job", "result"})

	// reconcileDuration tracks how long a reconciliation pass takes.
	reconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketplace_reconcile_duration_seconds",
		Help:    "Duration of reconciliation passes by job",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
	}, []string{"job"})

	// reconcileFixed tracks rows corrected by reconciliation.
	reconcileFixed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_reconcile_fixed_total",
		Help: "Rows corrected by reconciliation passes by job",
	}, []string{"job"})

	// breakerState tracks circuit breaker states: 0 closed, 1 open, 2 half-open.
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketplace_circuit_breaker_state",
		Help: "Circuit breaker state by name (0 closed, 1 open, 2 half-open)",
	}, []string{"name"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_http_requests_total",
		Help: "Total number of HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketplace_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Recorder provides methods to record service metrics. The zero value and a
// nil *Recorder are both usable.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordOfferWrite records an offer mutation. noop marks updates that
// changed nothing.
func (m *Recorder) RecordOfferWrite(op string, noop bool, err error) {
	r := result(err)
	if err == nil && noop {
		r = "noop"
	}
	offerWrites.WithLabelValues(op, r).Inc()
}

// RecordHistoryRecord records one appended price history row.
func (m *Recorder) RecordHistoryRecord() {
	historyRecords.Inc()
}

// RecordLowestRecompute records a marker recomputation.
func (m *Recorder) RecordLowestRecompute(trigger string) {
	lowestRecomputes.WithLabelValues(trigger).Inc()
}

// RecordCategoryMutation records a category create, update or delete.
func (m *Recorder) RecordCategoryMutation(op string, err error) {
	categoryMutations.WithLabelValues(op, result(err)).Inc()
}

// RecordCascade records the size of a level cascade.
func (m *Recorder) RecordCascade(nodes int) {
	cascadeSize.Observe(float64(nodes))
}

// RecordSubtreeCache records a descendant cache lookup.
func (m *Recorder) RecordSubtreeCache(hit bool, err error) {
	switch {
	case err != nil:
		subtreeCache.WithLabelValues("error").Inc()
	case hit:
		subtreeCache.WithLabelValues("hit").Inc()
	default:
		subtreeCache.WithLabelValues("miss").Inc()
	}
}

// RecordBreakerState records a circuit breaker transition.
func (m *Recorder) RecordBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordReconcile records a reconciliation pass.
func (m *Recorder) RecordReconcile(job string, duration time.Duration, fixed int, err error) {
	reconcileRuns.WithLabelValues(job, result(err)).Inc()
	reconcileDuration.WithLabelValues(job).Observe(duration.Seconds())
	if fixed > 0 {
		reconcileFixed.WithLabelValues(job).Add(float64(fixed))
	}
}

// RecordHTTPRequest records one served request.
func (m *Recorder) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
