package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ema"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	executionTotal    *prometheus.CounterVec
	executionDuration prometheus.Histogram
	runningAgents     prometheus.Gauge

	slotsInUse       prometheus.Gauge
	slotWaitDuration prometheus.Histogram
	tasksTotal       *prometheus.CounterVec
	activeTasks      *prometheus.GaugeVec

	llmCallTotal     *prometheus.CounterVec
	llmCallDuration  *prometheus.HistogramVec
	providerCooldown *prometheus.GaugeVec

	actorInputsTotal prometheus.Counter
	actorEventsTotal prometheus.Counter
	actorErrorsTotal prometheus.Counter
	activeActors     prometheus.Gauge
	subscribers      prometheus.Gauge

	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram
	memoryQueryDuration prometheus.Histogram
	memoryWriteDuration prometheus.Histogram
	memoryEntriesTotal  prometheus.Gauge

	httpRequestsTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_size",
				Help:      "Current queue size by lane class.",
			}, []string{"lane"}),
			enqueueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enqueue_total",
				Help:      "Total enqueue operations by lane class.",
			}, []string{"lane"}),
			dequeueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dequeue_total",
				Help:      "Total completed queue tasks by lane class and status.",
			}, []string{"lane", "status"}),
			taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Queue task duration in seconds by lane class.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"lane"}),

			executionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_executions_total",
				Help:      "Agent executions by outcome (committed, skipped, cancelled, error).",
			}, []string{"outcome"}),
			executionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "agent_execution_duration_seconds",
				Help:      "Agent execution duration in seconds, admission excluded.",
				Buckets:   prometheus.DefBuckets,
			}),
			runningAgents: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "agents_running",
				Help:      "Agents currently executing a callback.",
			}),

			slotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_slots_in_use",
				Help:      "Concurrency slots currently held.",
			}),
			slotWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scheduler_slot_wait_seconds",
				Help:      "Time spent waiting for a concurrency slot.",
				Buckets:   prometheus.DefBuckets,
			}),
			tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_tasks_total",
				Help:      "Finished scheduled tasks by kind and status.",
			}, []string{"kind", "status"}),
			activeTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_tasks_active",
				Help:      "Scheduled tasks currently alive by kind.",
			}, []string{"kind"}),

			llmCallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_calls_total",
				Help:      "Backend generate calls by provider and status.",
			}, []string{"provider", "status"}),
			llmCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_call_duration_seconds",
				Help:      "Backend generate call duration by provider.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			}, []string{"provider"}),
			providerCooldown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "llm_provider_cooldown",
				Help:      "1 when a provider has at least one profile in cooldown.",
			}, []string{"provider"}),

			actorInputsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actor_inputs_total",
				Help:      "Inputs accepted by actors.",
			}),
			actorEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actor_events_total",
				Help:      "Events emitted by actors.",
			}),
			actorErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actor_errors_total",
				Help:      "Inputs whose processing failed.",
			}),
			activeActors: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "actors_active",
				Help:      "Actors resident in the registry.",
			}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "actor_stream_subscribers",
				Help:      "Open SSE and websocket event streams.",
			}),

			sessionLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_load_duration_seconds",
				Help:      "Session history load duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			}),
			sessionSaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_save_duration_seconds",
				Help:      "Session history append duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			}),
			memoryQueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "memory_query_duration_seconds",
				Help:      "Short-term memory list duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			}),
			memoryWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "memory_write_duration_seconds",
				Help:      "Short-term memory write duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			}),
			memoryEntriesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_entries_total",
				Help:      "Short-term memory entries stored.",
			}),

			httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status code class.",
			}, []string{"route", "code"}),
		}

		prometheus.MustRegister(
			m.queueSize, m.enqueueTotal, m.dequeueTotal, m.taskDuration,
			m.executionTotal, m.executionDuration, m.runningAgents,
			m.slotsInUse, m.slotWaitDuration, m.tasksTotal, m.activeTasks,
			m.llmCallTotal, m.llmCallDuration, m.providerCooldown,
			m.actorInputsTotal, m.actorEventsTotal, m.actorErrorsTotal, m.activeActors, m.subscribers,
			m.sessionLoadDuration, m.sessionSaveDuration,
			m.memoryQueryDuration, m.memoryWriteDuration, m.memoryEntriesTotal,
			m.httpRequestsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// laneClass collapses per-agent lanes ("agent:abc") into their class so the
// label set stays bounded.
func laneClass(lane string) string {
	if i := strings.IndexByte(lane, ':'); i > 0 {
		return lane[:i]
	}
	return lane
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	lane = laneClass(lane)
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	lane = laneClass(lane)
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordExecution counts one settled agent execution.
func RecordExecution(outcome string, duration time.Duration) {
	m := getMetrics()
	m.executionTotal.WithLabelValues(outcome).Inc()
	m.executionDuration.Observe(duration.Seconds())
}

func AddRunningAgents(delta int) {
	getMetrics().runningAgents.Add(float64(delta))
}

func RecordSlotAcquired(wait time.Duration) {
	m := getMetrics()
	m.slotWaitDuration.Observe(wait.Seconds())
	m.slotsInUse.Inc()
}

func RecordSlotReleased() {
	getMetrics().slotsInUse.Dec()
}

func RecordTaskStarted(kind string) {
	getMetrics().activeTasks.WithLabelValues(kind).Inc()
}

func RecordTaskFinished(kind string, success bool) {
	m := getMetrics()
	m.activeTasks.WithLabelValues(kind).Dec()
	m.tasksTotal.WithLabelValues(kind, statusLabel(success)).Inc()
}

func RecordLLMCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.llmCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.llmCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}

func RecordActorInputs(n int) {
	getMetrics().actorInputsTotal.Add(float64(n))
}

func RecordActorEvent() {
	getMetrics().actorEventsTotal.Inc()
}

func RecordActorError() {
	getMetrics().actorErrorsTotal.Inc()
}

func SetActiveActors(count int) {
	getMetrics().activeActors.Set(float64(count))
}

func AddSubscribers(delta int) {
	getMetrics().subscribers.Add(float64(delta))
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordMemoryQuery(duration time.Duration) {
	getMetrics().memoryQueryDuration.Observe(duration.Seconds())
}

func RecordMemoryWrite(duration time.Duration) {
	getMetrics().memoryWriteDuration.Observe(duration.Seconds())
}

func SetMemoryEntries(total int) {
	getMetrics().memoryEntriesTotal.Set(float64(total))
}

func RecordHTTPRequest(route string, code int) {
	class := "5xx"
	switch {
	case code < 300:
		class = "2xx"
	case code < 400:
		class = "3xx"
	case code < 500:
		class = "4xx"
	}
	getMetrics().httpRequestsTotal.WithLabelValues(route, class).Inc()
}
