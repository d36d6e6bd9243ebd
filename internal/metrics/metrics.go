package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of the push engine. Every method is
// safe on a nil *Metrics, so components can run without instrumentation.
type Metrics struct {
	// Daemons
	EventsScanned   *prometheus.CounterVec   // labels: daemon
	DaemonRunDur    *prometheus.HistogramVec // labels: daemon
	DaemonFailures  *prometheus.CounterVec   // labels: daemon
	DaemonLastRunOK *prometheus.GaugeVec     // labels: daemon, unix seconds

	// Triggers and dispatch
	TriggersFired  *prometheus.CounterVec // labels: type
	PushesEnqueued prometheus.Counter
	BroadcastTxs   *prometheus.CounterVec // labels: result=ok|error
	SaveConflicts  prometheus.Counter

	// Sender
	PushesSent    prometheus.Counter
	PushesFailed  prometheus.Counter
	TokensCleared prometheus.Counter
	SendDur       prometheus.Histogram

	// Rates
	RateLookups *prometheus.CounterVec // labels: result=hit|miss

	// Queue
	PELMessagesReclaimed prometheus.Counter

	// Circuit breakers
	CircuitBreakerState *prometheus.GaugeVec   // labels: breaker; 0=closed, 1=open, 2=half-open
	CircuitBreakerTrips *prometheus.CounterVec // labels: breaker
	BufferedPublishes   prometheus.Counter

	// API
	HTTPRequests *prometheus.CounterVec // labels: route, code
	FeedClients  prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg, or with the
// default registry when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		EventsScanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_events_scanned_total",
			Help: "Events visited by daemon scans",
		}, []string{"daemon"}),
		DaemonRunDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "push_daemon_run_duration_seconds",
			Help:    "Duration of one daemon loop iteration",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"daemon"}),
		DaemonFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_daemon_failures_total",
			Help: "Daemon loop iterations that failed or panicked",
		}, []string{"daemon"}),
		DaemonLastRunOK: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "push_daemon_last_success_timestamp_seconds",
			Help: "Unix time of the last successful daemon iteration",
		}, []string{"daemon"}),

		TriggersFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_triggers_fired_total",
			Help: "Events dispatched, by top-level trigger type",
		}, []string{"type"}),
		PushesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_messages_enqueued_total",
			Help: "Push messages placed on the send queue",
		}),
		BroadcastTxs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_broadcast_txs_total",
			Help: "Transactions broadcast on trigger",
		}, []string{"result"}),
		SaveConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_event_save_conflicts_total",
			Help: "Event writes that hit a revision conflict and were merged",
		}),

		PushesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_messages_sent_total",
			Help: "Push messages accepted by the provider",
		}),
		PushesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_messages_failed_total",
			Help: "Push messages the provider rejected or that had no provider",
		}),
		TokensCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_device_tokens_cleared_total",
			Help: "Device tokens cleared after the provider reported them unregistered",
		}),
		SendDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "push_provider_send_duration_seconds",
			Help:    "Provider multicast latency",
			Buckets: prometheus.DefBuckets,
		}),

		RateLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_rate_lookups_total",
			Help: "Rate lookups by cache result",
		}, []string{"result"}),

		PELMessagesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_pel_messages_reclaimed_total",
			Help: "Queue messages reclaimed from dead consumers via XCLAIM",
		}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "push_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"breaker"}),
		CircuitBreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_circuit_breaker_trips_total",
			Help: "Times a circuit breaker tripped open",
		}, []string{"breaker"}),
		BufferedPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_buffered_publishes_total",
			Help: "Queue publishes held locally while the queue breaker was open",
		}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_http_requests_total",
			Help: "API requests by route and status code",
		}, []string{"route", "code"}),
		FeedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "push_feed_clients",
			Help: "Connected live feed websocket clients",
		}),
	}

	reg.MustRegister(
		m.EventsScanned,
		m.DaemonRunDur,
		m.DaemonFailures,
		m.DaemonLastRunOK,
		m.TriggersFired,
		m.PushesEnqueued,
		m.BroadcastTxs,
		m.SaveConflicts,
		m.PushesSent,
		m.PushesFailed,
		m.TokensCleared,
		m.SendDur,
		m.RateLookups,
		m.PELMessagesReclaimed,
		m.CircuitBreakerState,
		m.CircuitBreakerTrips,
		m.BufferedPublishes,
		m.HTTPRequests,
		m.FeedClients,
	)
	return m
}

func (m *Metrics) ScannedEvent(daemon string) {
	if m != nil {
		m.EventsScanned.WithLabelValues(daemon).Inc()
	}
}

func (m *Metrics) DaemonRun(daemon string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.DaemonRunDur.WithLabelValues(daemon).Observe(d.Seconds())
	if err != nil {
		m.DaemonFailures.WithLabelValues(daemon).Inc()
		return
	}
	m.DaemonLastRunOK.WithLabelValues(daemon).SetToCurrentTime()
}

func (m *Metrics) Fired(triggerType string) {
	if m != nil {
		m.TriggersFired.WithLabelValues(triggerType).Inc()
	}
}

func (m *Metrics) Enqueued(n int) {
	if m != nil {
		m.PushesEnqueued.Add(float64(n))
	}
}

func (m *Metrics) Broadcast(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BroadcastTxs.WithLabelValues(result).Inc()
}

func (m *Metrics) Conflict() {
	if m != nil {
		m.SaveConflicts.Inc()
	}
}

// Sent records one provider multicast.
func (m *Metrics) Sent(success, failure int, d time.Duration) {
	if m == nil {
		return
	}
	m.PushesSent.Add(float64(success))
	m.PushesFailed.Add(float64(failure))
	m.SendDur.Observe(d.Seconds())
}

func (m *Metrics) TokenCleared() {
	if m != nil {
		m.TokensCleared.Inc()
	}
}

func (m *Metrics) RateLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.RateLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) Reclaimed(n int) {
	if m != nil {
		m.PELMessagesReclaimed.Add(float64(n))
	}
}

func (m *Metrics) Buffered() {
	if m != nil {
		m.BufferedPublishes.Inc()
	}
}

// BreakerState records a breaker transition; states are the breaker's ints.
func (m *Metrics) BreakerState(breaker string, state int, tripped bool) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(breaker).Set(float64(state))
	if tripped {
		m.CircuitBreakerTrips.WithLabelValues(breaker).Inc()
	}
}

func (m *Metrics) Request(route string, code int) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	}
}

func (m *Metrics) FeedClient(delta int) {
	if m != nil {
		m.FeedClients.Add(float64(delta))
	}
}

// HealthStatus tracks dependency liveness for /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	Service         string
	RedisConnected  bool
	SQLiteOK        bool
	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a health status for service.
func NewHealthStatus(service string) *HealthStatus {
	return &HealthStatus{Service: service, StartedAt: time.Now()}
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// Check probes both dependencies once. Either may be nil.
func (h *HealthStatus) Check(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB) {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if rdb != nil {
		h.CheckRedis(probeCtx, rdb)
	}
	if sqlDB != nil {
		h.CheckSQLite(probeCtx, sqlDB)
	}
}

// StartLivenessChecker probes immediately and then every interval.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		h.Check(ctx, rdb, sqlDB)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Check(ctx, rdb, sqlDB)
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.RedisConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	status := struct {
		Status          string  `json:"status"`
		Service         string  `json:"service"`
		Uptime          string  `json:"uptime"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Service:         h.Service,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server. gatherer nil selects the
// default registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
