package status

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the in-process Prometheus gauges backing each heartbeat's
// agent/model/tool counts. Grounded on pkg/observability/metrics.go's
// per-concern GaugeVec shape, generalized to one shared Metrics instance
// labeled by project id rather than one Metrics per subsystem.
type Metrics struct {
	registry *prometheus.Registry
	agents   *prometheus.GaugeVec
	models   *prometheus.GaugeVec
	tools    *prometheus.GaugeVec
}

// NewMetrics creates a registry-backed Metrics instance. Safe to share
// across every project's Publisher on the daemon.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.agents = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tenex",
		Subsystem: "status",
		Name:      "agents",
		Help:      "Number of agents reported in a project's last heartbeat",
	}, []string{"project"})

	m.models = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tenex",
		Subsystem: "status",
		Name:      "models",
		Help:      "Number of distinct LLM configs reported in a project's last heartbeat",
	}, []string{"project"})

	m.tools = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tenex",
		Subsystem: "status",
		Name:      "tools",
		Help:      "Number of distinct non-system tools reported in a project's last heartbeat",
	}, []string{"project"})

	m.registry.MustRegister(m.agents, m.models, m.tools)
	return m
}

// Registry exposes the underlying Prometheus registry, e.g. for a metrics
// HTTP handler. Nil-safe.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) observe(project string, agentCount, modelCount, toolCount int) {
	if m == nil {
		return
	}
	m.agents.WithLabelValues(project).Set(float64(agentCount))
	m.models.WithLabelValues(project).Set(float64(modelCount))
	m.tools.WithLabelValues(project).Set(float64(toolCount))
}
