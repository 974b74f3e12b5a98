package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "khisima_agent_connections",
			Help: "Open agent WebSocket connections by role.",
		},
		[]string{"role"},
	)

	Events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khisima_agent_events_total",
			Help: "Inbound agent events by type and result.",
		},
		[]string{"type", "result"},
	)

	SearchDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khisima_agent_search_total",
			Help: "Search requests by outcome (local, knowledge, miss).",
		},
		[]string{"outcome"},
	)

	InboxCaptures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khisima_agent_inbox_total",
			Help: "Offline inbox captures by result.",
		},
		[]string{"result"},
	)

	DroppedWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "khisima_agent_dropped_writes_total",
			Help: "Messages dropped because the write queue was full.",
		},
	)

	Evictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "khisima_agent_slow_client_evictions_total",
			Help: "Connections dropped because their send buffer was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(Connections, Events, SearchDecisions, InboxCaptures, DroppedWrites, Evictions)
}

// Handler /metrics
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
