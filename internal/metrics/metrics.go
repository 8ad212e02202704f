package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the trading scheduler.
type Metrics struct {
	WindowsFired      prometheus.Counter
	StrategyErrors    prometheus.Counter
	ConnectivityFails prometheus.Counter
	IPChanges         prometheus.Counter
	RunGate           prometheus.Gauge // 1=healthy, 0=gated off

	OrdersPlaced *prometheus.CounterVec // labels: kind=entry|stop|take|close
	ActiveTrades prometheus.Gauge

	MarkPrice    prometheus.Gauge
	FeedMessages prometheus.Counter
	WSReconnects prometheus.Counter
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		WindowsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autotrader_windows_fired_total",
			Help: "Scheduling windows that completed a strategy cycle",
		}),
		StrategyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autotrader_strategy_errors_total",
			Help: "Strategy cycles that returned an error",
		}),
		ConnectivityFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autotrader_connectivity_failures_total",
			Help: "Failed exchange connectivity checks",
		}),
		IPChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autotrader_public_ip_changes_total",
			Help: "Observed public IP changes",
		}),
		RunGate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autotrader_run_gate",
			Help: "Connectivity run gate (1=healthy, 0=gated off)",
		}),

		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autotrader_orders_placed_total",
			Help: "Orders placed, by intent (entry, stop, take, close)",
		}, []string{"kind"}),
		ActiveTrades: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autotrader_active_trades",
			Help: "Open trades after the last reconciliation",
		}),

		MarkPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autotrader_mark_price",
			Help: "Last mark price from the market feed",
		}),
		FeedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autotrader_feed_messages_total",
			Help: "Mark-price messages received from the market feed",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autotrader_ws_reconnects_total",
			Help: "Market feed WebSocket reconnection attempts",
		}),
	}

	prometheus.MustRegister(
		m.WindowsFired,
		m.StrategyErrors,
		m.ConnectivityFails,
		m.IPChanges,
		m.RunGate,
		m.OrdersPlaced,
		m.ActiveTrades,
		m.MarkPrice,
		m.FeedMessages,
		m.WSReconnects,
	)

	return m
}

// HealthStatus represents the process health.
type HealthStatus struct {
	mu sync.RWMutex

	ExchangeReachable bool      `json:"exchange_reachable"`
	SchedulerRunning  bool      `json:"scheduler_running"`
	FeedConnected     bool      `json:"feed_connected"`
	RedisConnected    bool      `json:"redis_connected"`
	SQLiteOK          bool      `json:"sqlite_ok"`
	PublicIP          string    `json:"public_ip"`
	LastWindowAt      time.Time `json:"last_window_at"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetExchangeReachable(v bool) {
	h.mu.Lock()
	h.ExchangeReachable = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSchedulerRunning(v bool) {
	h.mu.Lock()
	h.SchedulerRunning = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetPublicIP(ip string) {
	h.mu.Lock()
	h.PublicIP = ip
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastWindowAt(t time.Time) {
	h.mu.Lock()
	h.LastWindowAt = t
	h.mu.Unlock()
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

// CheckSQLite runs a trivial query and records latency + health.
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

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
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
	if !h.ExchangeReachable {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.ExchangeReachable && !h.SchedulerRunning {
		overallStatus = "unhealthy"
	}

	windowAge := ""
	if !h.LastWindowAt.IsZero() {
		windowAge = time.Since(h.LastWindowAt).Round(time.Second).String()
	}

	status := struct {
		Status            string  `json:"status"`
		Uptime            string  `json:"uptime"`
		ExchangeReachable bool    `json:"exchange_reachable"`
		SchedulerRunning  bool    `json:"scheduler_running"`
		FeedConnected     bool    `json:"feed_connected"`
		PublicIP          string  `json:"public_ip"`
		LastWindowAt      string  `json:"last_window_at"`
		WindowAge         string  `json:"window_age"`
		RedisConnected    bool    `json:"redis_connected"`
		RedisLatencyMs    float64 `json:"redis_latency_ms"`
		SQLiteOK          bool    `json:"sqlite_ok"`
		SQLiteLatencyMs   float64 `json:"sqlite_latency_ms"`
		LastCheckAt       string  `json:"last_check_at"`
	}{
		Status:            overallStatus,
		Uptime:            time.Since(h.StartedAt).Round(time.Second).String(),
		ExchangeReachable: h.ExchangeReachable,
		SchedulerRunning:  h.SchedulerRunning,
		FeedConnected:     h.FeedConnected,
		PublicIP:          h.PublicIP,
		LastWindowAt:      h.LastWindowAt.Format(time.RFC3339),
		WindowAge:         windowAge,
		RedisConnected:    h.RedisConnected,
		RedisLatencyMs:    h.RedisLatencyMs,
		SQLiteOK:          h.SQLiteOK,
		SQLiteLatencyMs:   h.SQLiteLatencyMs,
		LastCheckAt:       h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
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
