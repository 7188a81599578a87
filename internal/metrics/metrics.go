package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mcpd/internal/events"
)

const namespace = "mcpd"

// Metrics owns a private registry so multiple servers can coexist in tests.
type Metrics struct {
	registry     *prometheus.Registry
	probes       *prometheus.CounterVec
	probeLatency prometheus.Histogram
	outcomes     *prometheus.CounterVec
	running      prometheus.Gauge
	restarts     prometheus.Counter
	commands     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_attempts_total",
			Help:      "Self-probes against /health by result.",
		}, []string{"result"}),
		probeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Latency of self-probes.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 3, 5},
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "startup_outcomes_total",
			Help:      "Reported server outcomes by state.",
		}, []string{"state"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_running",
			Help:      "1 while the management server is confirmed running.",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Restarts triggered by the health monitor.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Host commands by name and result.",
		}, []string{"name", "result"}),
	}
	m.registry.MustRegister(m.probes, m.probeLatency, m.outcomes, m.running, m.restarts, m.commands)
	return m
}

func (m *Metrics) ObserveProbe(result string, latency time.Duration) {
	m.probes.WithLabelValues(result).Inc()
	m.probeLatency.Observe(latency.Seconds())
}

func (m *Metrics) ObserveOutcome(state string) {
	m.outcomes.WithLabelValues(state).Inc()
	if state == "running" {
		m.running.Set(1)
	} else if state != "pending" {
		m.running.Set(0)
	}
}

func (m *Metrics) ObserveRestart() { m.restarts.Inc() }

func (m *Metrics) ObserveCommand(name string, err string) {
	result := "ok"
	if err != "" {
		result = "error"
	}
	m.commands.WithLabelValues(name, result).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observe feeds bus events into the collectors until the bus closes.
func (m *Metrics) Observe(bus *events.Bus) {
	if bus == nil {
		return
	}
	probes := bus.Subscribe(events.TopicProbeAttempted, 64)
	states := bus.Subscribe(events.TopicStatusChanged, 16)
	cmds := bus.Subscribe(events.TopicCommand, 16)
	go func() {
		for evt := range probes {
			if p, ok := evt.Payload.(events.ProbeAttempted); ok {
				m.ObserveProbe(p.Result, p.Latency)
			}
		}
	}()
	go func() {
		for evt := range states {
			if p, ok := evt.Payload.(events.StatusChanged); ok {
				m.ObserveOutcome(p.State)
			}
		}
	}()
	go func() {
		for evt := range cmds {
			if p, ok := evt.Payload.(events.CommandReceived); ok {
				m.ObserveCommand(p.Name, p.Error)
			}
		}
	}()
}
