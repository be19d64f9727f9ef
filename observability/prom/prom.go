// Package prom adapts braidwire's observability.Observer onto a Prometheus
// registry, in the shape of the teacher's TunnelObserver/RPCObserver
// Prometheus adapters: one struct per concern, metrics registered eagerly in
// a constructor, a plain HTTP handler for scraping.
package prom

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/braidwire/braidwire/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Observer exports braidwire connection, handshake, broadcast, and E2E
// metrics to Prometheus.
type Observer struct {
	connGauge       prometheus.Gauge
	connAdmitted    prometheus.Counter
	connEvicted     prometheus.Counter
	handshakeTotal  *prometheus.CounterVec
	broadcastTotal  *prometheus.CounterVec
	e2eControlTotal *prometheus.CounterVec
	e2eMsgTotal     *prometheus.CounterVec
}

// New registers braidwire metrics on reg.
func New(reg *prometheus.Registry) *Observer {
	o := &Observer{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "braidwire_connections",
			Help: "Current number of admitted connections.",
		}),
		connAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "braidwire_connections_admitted_total",
			Help: "Connections that completed handshake and admission.",
		}),
		connEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "braidwire_connections_evicted_total",
			Help: "Connections removed after an I/O error or broadcast timeout.",
		}),
		handshakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "braidwire_handshake_total",
			Help: "Handshake attempts by algorithm and result.",
		}, []string{"alg", "result"}),
		broadcastTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "braidwire_broadcast_total",
			Help: "Per-target broadcast sends by result.",
		}, []string{"result"}),
		e2eControlTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "braidwire_e2e_control_total",
			Help: "E2E HELLO/REPLY/MSG control frames handled.",
		}, []string{"kind"}),
		e2eMsgTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "braidwire_e2e_message_total",
			Help: "E2E AEAD operations by direction.",
		}, []string{"direction"}),
	}
	reg.MustRegister(
		o.connGauge,
		o.connAdmitted,
		o.connEvicted,
		o.handshakeTotal,
		o.broadcastTotal,
		o.e2eControlTotal,
		o.e2eMsgTotal,
	)
	return o
}

func (o *Observer) ConnCount(n int64) { o.connGauge.Set(float64(n)) }
func (o *Observer) ConnAdmitted()     { o.connAdmitted.Inc() }
func (o *Observer) ConnEvicted()      { o.connEvicted.Inc() }

func (o *Observer) Handshake(alg string, result observability.HandshakeResult) {
	o.handshakeTotal.WithLabelValues(alg, string(result)).Inc()
}

func (o *Observer) Broadcast(result observability.BroadcastResult) {
	o.broadcastTotal.WithLabelValues(string(result)).Inc()
}

func (o *Observer) E2EControlHandled(kind string) {
	o.e2eControlTotal.WithLabelValues(kind).Inc()
}

func (o *Observer) E2EMessage(dir observability.E2EDirection) {
	o.e2eMsgTotal.WithLabelValues(string(dir)).Inc()
}

var _ observability.Observer = (*Observer)(nil)
