package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stream metrics
	StreamsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshchat_streams_started_total",
			Help: "Total number of inference streams started",
		},
	)

	StreamsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshchat_streams_completed_total",
			Help: "Total number of inference streams ended, by outcome",
		},
		[]string{"outcome"},
	)

	StreamDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshchat_stream_duration_seconds",
			Help:    "Inference stream duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshchat_streams_active",
			Help: "Number of streams currently running",
		},
	)

	StreamReceiveTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshchat_stream_receive_timeouts_total",
			Help: "Total number of streams killed by the worker receive deadline",
		},
	)

	TokensStreamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshchat_tokens_streamed_total",
			Help: "Total number of response tokens forwarded to subscribers",
		},
	)

	MeshBlocksParsed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshchat_mesh_blocks_parsed_total",
			Help: "Total number of mesh blocks recognised in model output",
		},
	)

	// Worker pool metrics
	WorkersCreated = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshchat_workers_created",
			Help: "Number of worker processes currently alive, free or loaned",
		},
	)

	WorkersFree = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshchat_workers_free",
			Help: "Number of worker processes waiting to be loaned",
		},
	)

	PoolWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshchat_pool_waits_total",
			Help: "Total number of subscriptions that had to queue for a worker",
		},
	)

	// Persistence metrics
	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshchat_messages_persisted_total",
			Help: "Total number of chat messages written, by role",
		},
		[]string{"role"},
	)

	MeshesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshchat_meshes_persisted_total",
			Help: "Total number of mesh blobs uploaded to object storage",
		},
	)

	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshchat_persistence_failures_total",
			Help: "Total number of failed persistence operations, by kind",
		},
		[]string{"kind"},
	)

	// History cache metrics
	HistoryCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshchat_history_cache_hits_total",
			Help: "Total number of chat history cache hits",
		},
	)

	HistoryCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshchat_history_cache_misses_total",
			Help: "Total number of chat history cache misses",
		},
	)

	HistoryCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshchat_history_cache_size",
			Help: "Current number of chats in the local history cache",
		},
	)

	HistoryCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshchat_history_cache_evictions_total",
			Help: "Total number of chats evicted from the local history cache",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshchat_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshchat_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	SubscribersConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshchat_subscribers_connected",
			Help: "Number of connected stream subscribers, by transport",
		},
		[]string{"transport"},
	)
)

// RecordStreamStarted marks a stream's transition to running.
func RecordStreamStarted() {
	StreamsStarted.Inc()
	StreamsActive.Inc()
}

// RecordStreamEnded marks a stream's terminal state. Outcome is one of
// completed, errored, cancelled.
func RecordStreamEnded(outcome string, durationSeconds float64) {
	StreamsCompleted.WithLabelValues(outcome).Inc()
	StreamDuration.Observe(durationSeconds)
	StreamsActive.Dec()
}

// RecordStreamTimeout counts a worker receive deadline firing.
func RecordStreamTimeout() {
	StreamReceiveTimeouts.Inc()
}

// RecordTokens counts response tokens forwarded to a subscriber.
func RecordTokens(n int) {
	TokensStreamed.Add(float64(n))
}

// RecordMeshBlocks counts mesh blocks recognised at stream end.
func RecordMeshBlocks(n int) {
	MeshBlocksParsed.Add(float64(n))
}

// SetWorkersCreated tracks the pool's live worker count.
func SetWorkersCreated(n int) {
	WorkersCreated.Set(float64(n))
}

// SetWorkersFree tracks the pool's free worker count.
func SetWorkersFree(n int) {
	WorkersFree.Set(float64(n))
}

// RecordPoolWait counts a subscription that found the pool saturated.
func RecordPoolWait() {
	PoolWaits.Inc()
}

// RecordMessagePersisted counts a stored chat message.
func RecordMessagePersisted(role string) {
	MessagesPersisted.WithLabelValues(role).Inc()
}

// RecordMeshPersisted counts a mesh blob upload.
func RecordMeshPersisted() {
	MeshesPersisted.Inc()
}

// RecordPersistenceFailure counts a failed write, by kind (message, mesh).
func RecordPersistenceFailure(kind string) {
	PersistenceFailures.WithLabelValues(kind).Inc()
}

// RecordHistoryCacheHit records a local cache hit for chat history.
func RecordHistoryCacheHit() {
	HistoryCacheHits.Inc()
}

// RecordHistoryCacheMiss records a local cache miss for chat history.
func RecordHistoryCacheMiss() {
	HistoryCacheMisses.Inc()
}

// RecordHistoryCacheEviction records an LRU eviction.
func RecordHistoryCacheEviction() {
	HistoryCacheEvictions.Inc()
}

// SetHistoryCacheSize tracks the local cache's population.
func SetHistoryCacheSize(n int) {
	HistoryCacheSize.Set(float64(n))
}

// RecordHTTPRequest records one served HTTP request.
func RecordHTTPRequest(method, route, status string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}

// SubscriberConnected tracks a stream subscriber attach. Transport is sse
// or websocket.
func SubscriberConnected(transport string) {
	SubscribersConnected.WithLabelValues(transport).Inc()
}

// SubscriberDisconnected tracks a stream subscriber detach.
func SubscriberDisconnected(transport string) {
	SubscribersConnected.WithLabelValues(transport).Dec()
}
