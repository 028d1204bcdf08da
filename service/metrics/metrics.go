// Package metrics holds the gateway's Prometheus collectors. Each Gateway has
// its own registry so several servers can live in one process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ppgateway"

type Gateway struct {
	Registry *prometheus.Registry

	ActiveConnections prometheus.Gauge
	Connections       *prometheus.CounterVec // kind=user|guest
	Rejections        *prometheus.CounterVec // reason
	Evictions         prometheus.Counter
	HeartbeatKills    prometheus.Counter
	BusMessages       *prometheus.CounterVec // result=delivered|unrouted
	Deliveries        prometheus.Counter
	Forwards          *prometheus.CounterVec // result=ok|error|busy
	ForwardLatency    prometheus.Histogram
	UpstreamChannels  prometheus.Gauge
}

// New registers every collector. busUp reports bus connectivity at scrape time.
func New(busUp func() bool) *Gateway {
	reg := prometheus.NewRegistry()
	g := &Gateway{
		Registry: reg,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_connections",
			Help: "Currently open client connections.",
		}),
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total",
			Help: "Admitted client connections.",
		}, []string{"kind"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejections_total",
			Help: "Connections refused at admission.",
		}, []string{"reason"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "evictions_total",
			Help: "Connections dropped after a failed send.",
		}),
		HeartbeatKills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeat_terminations_total",
			Help: "Connections terminated for missing a pong.",
		}),
		BusMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_messages_total",
			Help: "Messages received from the bus.",
		}, []string{"result"}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_callbacks_total",
			Help: "Local callbacks reached by bus messages.",
		}),
		Forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "forwards_total",
			Help: "Client commands forwarded to the backend.",
		}, []string{"result"}),
		ForwardLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "forward_duration_seconds",
			Help:    "Backend round trip for forwarded commands.",
			Buckets: prometheus.DefBuckets,
		}),
		UpstreamChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "upstream_channels",
			Help: "Channels with an upstream bus subscription.",
		}),
	}
	reg.MustRegister(
		g.ActiveConnections, g.Connections, g.Rejections, g.Evictions, g.HeartbeatKills,
		g.BusMessages, g.Deliveries, g.Forwards, g.ForwardLatency, g.UpstreamChannels,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if busUp != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bus_connected",
			Help: "1 when the bus is connected.",
		}, func() float64 {
			if busUp() {
				return 1
			}
			return 0
		}))
	}
	return g
}

func (g *Gateway) ObserveForward(err error, busy bool, took time.Duration) {
	switch {
	case busy:
		g.Forwards.WithLabelValues("busy").Inc()
		return
	case err != nil:
		g.Forwards.WithLabelValues("error").Inc()
	default:
		g.Forwards.WithLabelValues("ok").Inc()
	}
	g.ForwardLatency.Observe(took.Seconds())
}

func (g *Gateway) Handler() http.Handler {
	return promhttp.HandlerFor(g.Registry, promhttp.HandlerOpts{Registry: g.Registry})
}
