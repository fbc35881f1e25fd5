// Package metrics wires the gateway's admission/registry/dial/heartbeat
// statistics into Prometheus.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every metric the gateway exports.
type Registry struct {
	ActiveConnections    prometheus.Gauge
	ConnectionsByVM      *prometheus.GaugeVec
	DialFailures         prometheus.Counter
	AdmissionRejections  *prometheus.CounterVec
	HeartbeatReaped      prometheus.Counter
	BytesTotal           *prometheus.CounterVec
}

// New constructs and registers every metric against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of currently spliced WebSocket<->TCP connections.",
		}),
		ConnectionsByVM: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_connections_by_vm",
			Help: "Number of currently spliced connections, by vm_id.",
		}, []string{"vm_id"}),
		DialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_dial_failures_total",
			Help: "Number of upstream TCP dial attempts that exhausted retries.",
		}),
		AdmissionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_admission_rejections_total",
			Help: "Number of admission rejections, by reason (global|per-vm).",
		}, []string{"reason"}),
		HeartbeatReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_heartbeat_reaped_total",
			Help: "Number of connections terminated for failing to respond to a heartbeat ping.",
		}),
		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_bytes_total",
			Help: "Total bytes forwarded, by direction (client_to_server|server_to_client).",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.ConnectionsByVM,
		m.DialFailures,
		m.AdmissionRejections,
		m.HeartbeatReaped,
		m.BytesTotal,
	)
	return m
}

// SetActiveConnections implements registry.metricsSink.
func (m *Registry) SetActiveConnections(n int) { m.ActiveConnections.Set(float64(n)) }

// SetConnectionsByVM implements registry.metricsSink.
func (m *Registry) SetConnectionsByVM(vmID string, n int) {
	m.ConnectionsByVM.WithLabelValues(vmID).Set(float64(n))
}

// IncHeartbeatReaped implements heartbeat.reaper.
func (m *Registry) IncHeartbeatReaped() { m.HeartbeatReaped.Inc() }

// IncDialFailure implements dial-failure reporting from the dispatcher.
func (m *Registry) IncDialFailure() { m.DialFailures.Inc() }

// IncAdmissionRejection implements admission-rejection reporting from the dispatcher.
func (m *Registry) IncAdmissionRejection(reason string) { m.AdmissionRejections.WithLabelValues(reason).Inc() }

// AddBytes implements byte-counter reporting from the splice engine.
func (m *Registry) AddBytes(direction string, n int) { m.BytesTotal.WithLabelValues(direction).Add(float64(n)) }
