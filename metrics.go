package prefork

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"
)

// Metrics exposes process supervision counters.
type Metrics struct {
	spawns   *prometheus.CounterVec
	exits    *prometheus.CounterVec
	respawns *prometheus.CounterVec
	live     *prometheus.GaugeVec
	signals  *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		spawns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prefork_spawns_total",
			Help: "Child processes started, by type",
		}, []string{"type"}),
		exits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prefork_exits_total",
			Help: "Child processes reaped, by type and reason",
		}, []string{"type", "reason"}),
		respawns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prefork_respawns_total",
			Help: "Crashed child processes replaced, by type",
		}, []string{"type"}),
		live: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prefork_live_processes",
			Help: "Child processes currently running, by type",
		}, []string{"type"}),
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prefork_signals_total",
			Help: "Signals received, by name",
		}, []string{"signal"}),
		gatherer: reg,
	}
}

// Subscribe keeps the collectors up to date from lifecycle events. The
// returned function unsubscribes.
func (m *Metrics) Subscribe(e *Events) func() {
	unsubs := []func(){
		e.OnSpawned(func(ev SpawnedEvent) {
			m.spawns.WithLabelValues(ev.Role.String()).Inc()
			m.live.WithLabelValues(ev.Role.String()).Inc()
		}),
		e.OnExited(func(ev ExitedEvent) {
			m.exits.WithLabelValues(ev.Role.String(), ev.Reason).Inc()
			m.live.WithLabelValues(ev.Role.String()).Dec()
		}),
		e.OnRespawned(func(ev RespawnedEvent) {
			m.respawns.WithLabelValues(ev.Role.String()).Inc()
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// observeSignal counts a received signal. It runs on the signal dispatcher.
func (m *Metrics) observeSignal(sig unix.Signal) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(unix.SignalName(sig)).Inc()
}

// Serve exposes the metrics on ln until the listener is closed.
func (m *Metrics) Serve(ln net.Listener) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	return srv
}
