// Package metrics holds the gateway's prometheus collectors on a private
// registry so tests can build as many as they like.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "im_gateway"

// Gauges is what the registry exposes for the online gauges.
type Gauges interface {
	OnlineUserCount() int
	SessionCount() int
}

type Metrics struct {
	reg *prometheus.Registry

	Handshakes *prometheus.CounterVec   // result: accepted/rejected/failed
	BusEvents  *prometheus.CounterVec   // kind, result: routed/parse_error/lookup_error
	Deliveries *prometheus.CounterVec   // result: ok/failed
	Replayed   prometheus.Counter       // backlog frames written on reconnect
	Frames     *prometheus.CounterVec   // inbound client frames by type
	FanoutTime prometheus.Histogram     // per bus event
	HTTP       *prometheus.HistogramVec // route, status
}

func New(g Gauges) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	m := &Metrics{
		reg: reg,
		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshakes_total",
			Help: "WebSocket handshakes by result.",
		}, []string{"result"}),
		BusEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_events_total",
			Help: "Bus events consumed by kind and result.",
		}, []string{"kind", "result"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_total",
			Help: "Packets handed to connections by result.",
		}, []string{"result"}),
		Replayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "resync_replayed_total",
			Help: "Backlog packets replayed on reconnect.",
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "client_frames_total",
			Help: "Inbound client frames by packet type.",
		}, []string{"type"}),
		FanoutTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "fanout_seconds",
			Help:    "Time to route one bus event.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}),
		HTTP: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_seconds",
			Help: "HTTP request latency by route and status.",
		}, []string{"route", "status"}),
	}
	if g != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "online_users",
			Help: "Users with at least one live session on this node.",
		}, func() float64 { return float64(g.OnlineUserCount()) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions",
			Help: "Live sessions on this node.",
		}, func() float64 { return float64(g.SessionCount()) })
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// GinMiddleware records latency per matched route; unmatched paths share
// one label so scanners cannot blow up cardinality.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTP.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Observe(time.Since(start).Seconds())
	}
}
