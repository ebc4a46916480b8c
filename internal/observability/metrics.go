package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flow_engine_active_sessions",
		Help: "Number of active conversation sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow_engine_sessions_total",
		Help: "Total number of sessions processed",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flow_engine_session_duration_seconds",
		Help:    "Duration of conversation sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	turnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow_engine_turns_total",
		Help: "Total number of conversation turns processed",
	})

	// Detector metrics
	detectorEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_engine_detector_events_total",
		Help: "Total speech-boundary detector events emitted",
	}, []string{"type"}) // speech_started, utterance_complete, interrupted

	// Transition metrics
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_engine_transitions_total",
		Help: "Total node transitions selected by the evaluator",
	}, []string{"outcome"}) // matched, default, none

	retriesForced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow_engine_retry_ceiling_total",
		Help: "Total forced fallback transitions after the retry ceiling",
	})

	// STT metrics
	sttRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_engine_stt_requests_total",
		Help: "Total number of STT requests",
	}, []string{"status"})

	sttLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flow_engine_stt_latency_seconds",
		Help:    "STT processing latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// LLM metrics
	llmRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_engine_llm_requests_total",
		Help: "Total number of LLM requests",
	}, []string{"operation", "status"}) // extract, generate, condition

	llmLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flow_engine_llm_latency_seconds",
		Help:    "LLM processing latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	// TTS metrics
	ttsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_engine_tts_requests_total",
		Help: "Total number of TTS requests",
	}, []string{"status"}) // success, error, cancelled

	ttsLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flow_engine_tts_latency_seconds",
		Help:    "TTS processing latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Function registry metrics
	functionCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_engine_function_calls_total",
		Help: "Total registered function invocations",
	}, []string{"function", "status"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_engine_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flow_engine_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_engine_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_engine_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Metrics tracks metrics for a single conversation session
type Metrics struct {
	sessionID    string
	startTime    time.Time
	sttStartTime time.Time
	llmStartTime time.Time
	ttsStartTime time.Time
	mu           sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordTurn records one completed conversation turn
func (m *Metrics) RecordTurn() {
	turnsTotal.Inc()
}

// RecordDetectorEvent records a detector event by type
func RecordDetectorEvent(eventType string) {
	detectorEvents.WithLabelValues(eventType).Inc()
}

// RecordTransition records a transition evaluator outcome
func RecordTransition(outcome string) {
	transitionsTotal.WithLabelValues(outcome).Inc()
}

// RecordRetryCeiling records a forced fallback transition
func RecordRetryCeiling() {
	retriesForced.Inc()
}

// RecordSTTStart records the start of STT processing
func (m *Metrics) RecordSTTStart() {
	m.mu.Lock()
	m.sttStartTime = time.Now()
	m.mu.Unlock()
}

// RecordSTTEnd records the end of STT processing
func (m *Metrics) RecordSTTEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.sttStartTime.IsZero() {
		sttLatency.Observe(time.Since(m.sttStartTime).Seconds())
	}

	status := "success"
	if !success {
		status = "error"
	}
	sttRequests.WithLabelValues(status).Inc()
}

// RecordLLMStart records the start of an LLM call
func (m *Metrics) RecordLLMStart() {
	m.mu.Lock()
	m.llmStartTime = time.Now()
	m.mu.Unlock()
}

// RecordLLMEnd records the end of an LLM call
func (m *Metrics) RecordLLMEnd(operation string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.llmStartTime.IsZero() {
		llmLatency.Observe(time.Since(m.llmStartTime).Seconds())
	}

	status := "success"
	if !success {
		status = "error"
	}
	llmRequests.WithLabelValues(operation, status).Inc()
}

// RecordTTSStart records the start of TTS processing
func (m *Metrics) RecordTTSStart() {
	m.mu.Lock()
	m.ttsStartTime = time.Now()
	m.mu.Unlock()
}

// RecordTTSEnd records the end of TTS processing
func (m *Metrics) RecordTTSEnd(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ttsStartTime.IsZero() {
		ttsLatency.Observe(time.Since(m.ttsStartTime).Seconds())
	}

	ttsRequests.WithLabelValues(status).Inc()
}

// RecordFunctionCall records a registered function invocation
func RecordFunctionCall(name string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	functionCalls.WithLabelValues(name, status).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
