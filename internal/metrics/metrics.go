package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Conversation metrics
	ConversationsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clarifier_conversations_started_total",
			Help: "Total number of conversations started",
		},
		[]string{"mode"},
	)

	ConversationsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clarifier_conversations_completed_total",
			Help: "Total number of conversations that produced a final answer",
		},
		[]string{"mode", "loop_guard"},
	)

	ConversationResumes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clarifier_conversation_resumes_total",
			Help: "Total number of continue requests by result",
		},
		[]string{"result"},
	)

	ConversationRunErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clarifier_conversation_run_errors_total",
			Help: "Total number of runs aborted by an unrecovered error",
		},
		[]string{"phase"},
	)

	// Engine metrics
	Suspensions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clarifier_suspensions_total",
			Help: "Total number of clarification suspensions",
		},
		[]string{"stage"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clarifier_stage_duration_seconds",
			Help:    "Stage handler duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clarifier_run_duration_seconds",
			Help:    "Duration of one engine run until suspension or completion",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	RefinementRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clarifier_refinement_rounds",
			Help:    "Refinement rounds used per completed conversation",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		},
	)

	LoopGuardTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clarifier_loop_guard_trips_total",
			Help: "Total number of forced transitions by loop guard",
		},
		[]string{"kind"},
	)

	// Port metrics
	PortFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clarifier_port_failures_total",
			Help: "Port failures recovered inside a stage",
		},
		[]string{"port", "stage"},
	)

	PortCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clarifier_port_call_duration_seconds",
			Help:    "Adapter call latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"adapter", "operation", "status"},
	)

	RateLimitWaits = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clarifier_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate limit token",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
		},
		[]string{"port"},
	)

	// Store metrics
	StoreSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clarifier_store_conversations",
			Help: "Conversations currently held by the store",
		},
		[]string{"backend"},
	)

	StoreEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clarifier_store_evictions_total",
			Help: "Expired conversations evicted from the store",
		},
		[]string{"backend"},
	)

	ArchiveWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clarifier_archive_writes_total",
			Help: "Completed conversations written to the archive",
		},
		[]string{"status"},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clarifier_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clarifier_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
)

// RecordCompletion records a finished conversation
func RecordCompletion(mode string, loopGuardTripped bool, refinementRounds int, durationSeconds float64) {
	guard := "false"
	if loopGuardTripped {
		guard = "true"
	}
	ConversationsCompleted.WithLabelValues(mode, guard).Inc()
	RefinementRounds.Observe(float64(refinementRounds))
	RunDuration.WithLabelValues("completed").Observe(durationSeconds)
}

// RecordSuspension records a run that stopped to ask the user
func RecordSuspension(stage string, durationSeconds float64) {
	Suspensions.WithLabelValues(stage).Inc()
	RunDuration.WithLabelValues("suspended").Observe(durationSeconds)
}

// RecordPortCall records adapter call latency
func RecordPortCall(adapter, operation string, err error, durationSeconds float64) {
	status := "success"
	if err != nil {
		status = "error"
	}
	PortCallDuration.WithLabelValues(adapter, operation, status).Observe(durationSeconds)
}

// RecordHTTPRequest records HTTP boundary traffic
func RecordHTTPRequest(endpoint, code string, durationSeconds float64) {
	HTTPRequests.WithLabelValues(endpoint, code).Inc()
	HTTPRequestDuration.WithLabelValues(endpoint).Observe(durationSeconds)
}
