package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus surface for the Hub, MCP Client Manager, and
// Computer Facade. Construct once per process with NewMetrics and pass it
// down to each component.
type Metrics struct {
	// SessionsConnected tracks currently connected websocket sessions by role.
	// Labels: role (agent|computer)
	SessionsConnected *prometheus.GaugeVec

	// OfficeJoins counts join_office outcomes.
	// Labels: role, outcome (ok|role_fixed|agent_exists|name_taken)
	OfficeJoins *prometheus.CounterVec

	// ForwardedCalls counts point-to-point forwards through the Hub.
	// Labels: event, outcome (ok|timeout|no_such_computer)
	ForwardedCalls *prometheus.CounterVec

	// ForwardDuration measures round-trip latency of a forwarded call.
	// Labels: event
	ForwardDuration *prometheus.HistogramVec

	// MCPClientState tracks MCP client FSM transitions.
	// Labels: server, state (connected|disconnected|error)
	MCPClientState *prometheus.CounterVec

	// ToolCalls counts tool invocations through the MCP Client Manager.
	// Labels: server, tool, status (success|error|rejected)
	ToolCalls *prometheus.CounterVec

	// ToolCallDuration measures tool call latency in seconds.
	// Labels: server, tool
	ToolCallDuration *prometheus.HistogramVec

	// VRLTransforms counts return-value transform outcomes.
	// Labels: server, tool, outcome (ok|error)
	VRLTransforms *prometheus.CounterVec

	// DesktopAggregations counts desktop aggregation calls.
	// Labels: computer
	DesktopAggregations *prometheus.CounterVec

	// ToolNameDuplicates counts rejected duplicate tool-name rebuilds.
	// Labels: server
	ToolNameDuplicates *prometheus.CounterVec
}

// NewMetrics registers the full metrics surface with Prometheus's default
// registry. Call once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsConnected: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "a2c_smcp_sessions_connected",
				Help: "Current number of connected Hub sessions by role",
			},
			[]string{"role"},
		),
		OfficeJoins: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2c_smcp_office_joins_total",
				Help: "Total join_office attempts by role and outcome",
			},
			[]string{"role", "outcome"},
		),
		ForwardedCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2c_smcp_forwarded_calls_total",
				Help: "Total point-to-point forwards through the Hub by event and outcome",
			},
			[]string{"event", "outcome"},
		),
		ForwardDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "a2c_smcp_forward_duration_seconds",
				Help:    "Round-trip latency of a forwarded Agent-to-Computer call",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"event"},
		),
		MCPClientState: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2c_smcp_mcp_client_state_transitions_total",
				Help: "MCP client state machine transitions by server and target state",
			},
			[]string{"server", "state"},
		),
		ToolCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2c_smcp_tool_calls_total",
				Help: "Total tool calls by server, tool, and status",
			},
			[]string{"server", "tool", "status"},
		),
		ToolCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "a2c_smcp_tool_call_duration_seconds",
				Help:    "Duration of tool calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"server", "tool"},
		),
		VRLTransforms: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2c_smcp_vrl_transforms_total",
				Help: "Return-value transform outcomes by server, tool, and outcome",
			},
			[]string{"server", "tool", "outcome"},
		),
		DesktopAggregations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2c_smcp_desktop_aggregations_total",
				Help: "Total desktop aggregation calls by computer",
			},
			[]string{"computer"},
		),
		ToolNameDuplicates: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2c_smcp_tool_name_duplicates_total",
				Help: "Total tool-name-table rebuilds rejected for a duplicate name",
			},
			[]string{"server"},
		),
	}
}

func (m *Metrics) SessionConnected(role string)    { m.SessionsConnected.WithLabelValues(role).Inc() }
func (m *Metrics) SessionDisconnected(role string) { m.SessionsConnected.WithLabelValues(role).Dec() }

func (m *Metrics) RecordOfficeJoin(role, outcome string) {
	m.OfficeJoins.WithLabelValues(role, outcome).Inc()
}

func (m *Metrics) RecordForward(event, outcome string, durationSeconds float64) {
	m.ForwardedCalls.WithLabelValues(event, outcome).Inc()
	m.ForwardDuration.WithLabelValues(event).Observe(durationSeconds)
}

func (m *Metrics) RecordMCPClientState(server, state string) {
	m.MCPClientState.WithLabelValues(server, state).Inc()
}

func (m *Metrics) RecordToolCall(server, tool, status string, durationSeconds float64) {
	m.ToolCalls.WithLabelValues(server, tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(server, tool).Observe(durationSeconds)
}

func (m *Metrics) RecordVRLTransform(server, tool, outcome string) {
	m.VRLTransforms.WithLabelValues(server, tool, outcome).Inc()
}

func (m *Metrics) RecordDesktopAggregation(computer string) {
	m.DesktopAggregations.WithLabelValues(computer).Inc()
}

func (m *Metrics) RecordToolNameDuplicate(server string) {
	m.ToolNameDuplicates.WithLabelValues(server).Inc()
}
