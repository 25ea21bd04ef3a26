// Package metrics holds the hub's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Directions for frame counters.
const (
	Inbound  = "in"
	Outbound = "out"
)

// Metrics is a set of collectors bound to one registry.
type Metrics struct {
	registry *prometheus.Registry

	ConnectedDevices prometheus.Gauge
	Sessions         prometheus.Gauge
	Frames           *prometheus.CounterVec
	FrameErrors      *prometheus.CounterVec
	Syncs            *prometheus.CounterVec
	Pushes           *prometheus.CounterVec
	OnlineFlips      *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
}

// New creates the collectors on a fresh registry that also carries the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		ConnectedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feeder_connected_devices",
			Help: "Devices currently holding a registry slot.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feeder_ws_sessions",
			Help: "Open WebSocket sessions of any role.",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feeder_ws_frames_total",
			Help: "WebSocket frames by kind and direction.",
		}, []string{"kind", "direction"}),
		FrameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feeder_ws_frame_errors_total",
			Help: "Inbound frames that could not be decoded or handled.",
		}, []string{"reason"}),
		Syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feeder_syncs_total",
			Help: "Full-state syncs by outcome.",
		}, []string{"result"}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feeder_command_pushes_total",
			Help: "Dispatcher pushes by kind and whether the device was connected.",
		}, []string{"kind", "delivered"}),
		OnlineFlips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feeder_online_flag_changes_total",
			Help: "Online flag changes by source and new state.",
		}, []string{"source", "state"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feeder_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
	}
	reg.MustRegister(m.ConnectedDevices, m.Sessions, m.Frames, m.FrameErrors, m.Syncs, m.Pushes, m.OnlineFlips, m.HTTPRequests)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Frame counts one frame.
func (m *Metrics) Frame(kind, direction string) {
	m.Frames.WithLabelValues(kind, direction).Inc()
}

// Push counts one dispatcher push attempt.
func (m *Metrics) Push(kind string, delivered bool) {
	m.Pushes.WithLabelValues(kind, strconv.FormatBool(delivered)).Inc()
}

// Middleware counts requests by matched route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
