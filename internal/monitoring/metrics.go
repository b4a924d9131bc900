package monitoring

import (
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/thread"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/proc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Process metrics
	Processes    *prometheus.GaugeVec
	Spawns       prometheus.Counter
	Finishes     prometheus.Counter
	Joins        prometheus.Counter
	IllegalJoins prometheus.Counter
	TableFull    prometheus.Counter
	JoinWait     prometheus.Histogram

	// Kernel metrics
	Syscalls *prometheus.CounterVec
	Threads  prometheus.Gauge

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    prometheus.Counter

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot Snapshot

	mu sync.RWMutex
}

// Snapshot holds current metric values for the JSON API.
type Snapshot struct {
	Spawned       int64            `json:"spawned"`
	Finished      int64            `json:"finished"`
	Joined        int64            `json:"joined"`
	IllegalJoins  int64            `json:"illegal_joins"`
	TableFull     int64            `json:"table_full"`
	Live          map[string]int64 `json:"live"`
	Syscalls      int64            `json:"syscalls"`
	TotalJoinWait float64          `json:"total_join_wait_seconds"`
	UptimeSeconds float64          `json:"uptime_seconds"`
}

// NewMetrics creates a collector registered on reg. A nil reg uses the
// default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),
		snapshot:  Snapshot{Live: make(map[string]int64)},

		// Process metrics
		Processes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kcore_processes",
				Help: "Number of process table records by state",
			},
			[]string{"state"},
		),
		Spawns: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kcore_spawns_total",
				Help: "Total number of processes spawned",
			},
		),
		Finishes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kcore_finishes_total",
				Help: "Total number of processes that finished",
			},
		),
		Joins: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kcore_joins_total",
				Help: "Total number of zombies reaped by join",
			},
		),
		IllegalJoins: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kcore_illegal_joins_total",
				Help: "Total number of rejected joins",
			},
		),
		TableFull: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kcore_table_full_total",
				Help: "Total number of spawns rejected by a full table",
			},
		),
		JoinWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kcore_join_wait_seconds",
				Help:    "Time a parent spent in join",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
		),

		// Kernel metrics
		Syscalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kcore_syscalls_total",
				Help: "Total number of syscalls by number and outcome",
			},
			[]string{"syscall", "outcome"},
		),
		Threads: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kcore_threads",
				Help: "Number of live kernel threads",
			},
		),

		// HTTP metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kcore_http_requests_total",
				Help: "Total number of debug server requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kcore_http_request_duration_seconds",
				Help:    "Debug server request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),

		// WebSocket metrics
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kcore_ws_connections",
				Help: "Number of active event stream connections",
			},
		),
		WSMessages: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kcore_ws_messages_total",
				Help: "Total number of events sent on the stream",
			},
		),
	}

	m.Uptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "kcore_uptime_seconds",
			Help: "Kernel uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	for _, s := range proc.States {
		m.Processes.WithLabelValues(s.String())
	}
	return m
}

// OnProcessEvent implements proc.Hook.
func (m *Metrics) OnProcessEvent(_ *thread.Thread, ev proc.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case proc.EventTableFull:
		m.TableFull.Inc()
		m.snapshot.TableFull++
		return
	case proc.EventIllegalJoin:
		m.IllegalJoins.Inc()
		m.snapshot.IllegalJoins++
		return
	case proc.EventCreated:
		m.Spawns.Inc()
		m.snapshot.Spawned++
	}

	if ev.From == proc.StateRunning {
		m.Finishes.Inc()
		m.snapshot.Finished++
	}
	if ev.From == proc.StateZombie && ev.To == proc.StateFree {
		m.Joins.Inc()
		m.JoinWait.Observe(ev.Waited.Seconds())
		m.snapshot.Joined++
		m.snapshot.TotalJoinWait += ev.Waited.Seconds()
	}
	m.move(ev.From, -1)
	m.move(ev.To, +1)
}

// move adjusts the live count of a state; free slots are not tracked.
func (m *Metrics) move(s proc.State, delta int64) {
	if s == proc.StateFree {
		return
	}
	m.Processes.WithLabelValues(s.String()).Add(float64(delta))
	m.snapshot.Live[s.String()] += delta
}

// RecordSyscall records the outcome of a returning syscall.
func (m *Metrics) RecordSyscall(name string, result int) {
	outcome := "ok"
	if result < 0 {
		outcome = "error"
	}
	m.Syscalls.WithLabelValues(name, outcome).Inc()

	m.mu.Lock()
	m.snapshot.Syscalls++
	m.mu.Unlock()
}

// SetThreads sets the number of live kernel threads.
func (m *Metrics) SetThreads(n int) {
	m.Threads.Set(float64(n))
}

// RecordHTTPRequest records a debug server request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}

// IncWSMessages counts one event sent on the stream.
func (m *Metrics) IncWSMessages() {
	m.WSMessages.Inc()
}

// Snapshot returns the current values for the JSON API.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	s.Live = make(map[string]int64, len(m.snapshot.Live))
	for k, v := range m.snapshot.Live {
		s.Live[k] = v
	}
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
