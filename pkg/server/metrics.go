package server

import (
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus metric descriptors for the runtime core.
type Metrics struct {
	srv       *Server
	startTime time.Time
	reg       *prometheus.Registry

	connections      prometheus.Gauge
	connectionsTotal *prometheus.CounterVec
	disconnectsTotal *prometheus.CounterVec
	commandsTotal    prometheus.Counter
	queueDepth       *prometheus.GaugeVec
	pidsLive         prometheus.Gauge
	bytesSentTotal   prometheus.Counter
	bytesRecvTotal   prometheus.Counter
	uptimeSeconds    prometheus.Gauge
	goroutines       prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics for the server.
func NewMetrics(srv *Server, startTime time.Time) *Metrics {
	m := &Metrics{
		srv:       srv,
		startTime: startTime,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mushcore_connections",
			Help: "Number of currently open descriptors.",
		}),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mushcore_connections_total",
			Help: "Total connection attempts since start, by admission result.",
		}, []string{"result"}),
		disconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mushcore_disconnects_total",
			Help: "Total disconnects since start, by reason.",
		}, []string{"reason"}),
		commandsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mushcore_commands_processed_total",
			Help: "Total input commands processed since start.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mushcore_queue_depth",
			Help: "Current command queue depth by class.",
		}, []string{"queue_class"}),
		pidsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mushcore_queue_pids_live",
			Help: "Queue PIDs currently assigned to live entries.",
		}),
		bytesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mushcore_bytes_sent_total",
			Help: "Total bytes sent to clients.",
		}),
		bytesRecvTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mushcore_bytes_received_total",
			Help: "Total bytes received from clients.",
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mushcore_uptime_seconds",
			Help: "Server uptime in seconds.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mushcore_goroutines",
			Help: "Number of active goroutines.",
		}),
	}

	m.reg = prometheus.NewRegistry()
	m.reg.MustRegister(
		m.connections,
		m.connectionsTotal,
		m.disconnectsTotal,
		m.commandsTotal,
		m.queueDepth,
		m.pidsLive,
		m.bytesSentTotal,
		m.bytesRecvTotal,
		m.uptimeSeconds,
		m.goroutines,
	)
	return m
}

// Update refreshes gauge metrics from current server state.
func (m *Metrics) Update() {
	stats := m.srv.queue.Stats()
	m.queueDepth.WithLabelValues("immediate").Set(float64(stats.Immediate))
	m.queueDepth.WithLabelValues("object").Set(float64(stats.Object))
	m.queueDepth.WithLabelValues("wait").Set(float64(stats.Wait))
	m.queueDepth.WithLabelValues("semaphore").Set(float64(stats.Semaphore))
	m.pidsLive.Set(float64(stats.PIDsLive))
	m.uptimeSeconds.Set(time.Since(m.startTime).Seconds())
	m.goroutines.Set(float64(runtime.NumGoroutine()))
}

// Handler returns an http.Handler that updates metrics before serving them.
func (m *Metrics) Handler() http.Handler {
	h := promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Update()
		h.ServeHTTP(w, r)
	})
}

// Serve exposes /metrics on the given port in its own goroutine.
func (m *Metrics) Serve(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	go func() {
		addr := fmt.Sprintf(":%d", port)
		log.Printf("METRICS: serving on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("METRICS: server stopped: %v", err)
		}
	}()
}
