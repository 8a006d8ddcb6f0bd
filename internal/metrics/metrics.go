// Registers:
//
//	#quantlab_events_total{stream}
//	#quantlab_dropped_frames_total{exchange,reason}
//	#quantlab_reconnects_total{exchange}
//	#quantlab_connection_state{exchange}
//	#go_* and process_* system metrics
//
// The registry is served by the status API on /metrics/prometheus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alisitki/quantlab/models"
)

var (
	once            sync.Once
	registry        *prometheus.Registry
	eventsTotal     *prometheus.CounterVec
	droppedTotal    *prometheus.CounterVec
	reconnectsTotal *prometheus.CounterVec
	connectionState *prometheus.GaugeVec
)

// Init builds the registry once. Calling it again is a no-op.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		eventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantlab_events_total",
				Help: "Number of normalized events enqueued",
			},
			[]string{"stream"},
		)

		droppedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantlab_dropped_frames_total",
				Help: "Number of inbound frames discarded before producing events",
			},
			[]string{"exchange", "reason"},
		)

		reconnectsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantlab_reconnects_total",
				Help: "Number of websocket session failures followed by a reconnect",
			},
			[]string{"exchange"},
		)

		connectionState = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quantlab_connection_state",
				Help: "Connection phase per exchange: 0 disconnected, 1 connecting, 2 connected",
			},
			[]string{"exchange"},
		)

		registry.MustRegister(eventsTotal, droppedTotal, reconnectsTotal, connectionState)
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler exposes the registry in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// The helpers below call Init so that the collectors are assigned before
// use; once.Do orders those writes before any read.

func observeEvent(kind models.StreamKind) {
	Init()
	eventsTotal.WithLabelValues(string(kind)).Inc()
}

// IncrementDropped counts a discarded frame for an exchange and reason.
func IncrementDropped(exchange, reason string) {
	Init()
	droppedTotal.WithLabelValues(exchange, reason).Inc()
}

// IncrementReconnect counts a failed session for an exchange.
func IncrementReconnect(exchange string) {
	Init()
	reconnectsTotal.WithLabelValues(exchange).Inc()
}

// SetConnectionState publishes the numeric connection phase.
func SetConnectionState(exchange string, phase int) {
	Init()
	connectionState.WithLabelValues(exchange).Set(float64(phase))
}
