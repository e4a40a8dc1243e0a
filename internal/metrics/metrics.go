package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	PacketsIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pupd",
			Subsystem: "router",
			Name:      "packets_received_total",
			Help:      "PUPs accepted by the router.",
		},
		[]string{"type"},
	)
	PacketsOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pupd",
			Subsystem: "router",
			Name:      "packets_sent_total",
			Help:      "PUPs handed to the transport.",
		},
		[]string{"type"},
	)
	PacketsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pupd",
			Subsystem: "router",
			Name:      "packets_dropped_total",
			Help:      "Inbound PUPs discarded before dispatch.",
		},
		[]string{"reason"},
	)
	OpenChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pupd",
			Subsystem: "bsp",
			Name:      "open_channels",
			Help:      "BSP channels not yet destroyed.",
		},
	)
	Retransmits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pupd",
			Subsystem: "bsp",
			Name:      "retransmits_total",
			Help:      "BSP packets sent again after an ack timeout.",
		},
	)
	Aborts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pupd",
			Subsystem: "bsp",
			Name:      "aborts_total",
			Help:      "BSP channels destroyed by an abort.",
		},
		[]string{"origin"},
	)
	WorkerBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pupd",
			Subsystem: "worker",
			Name:      "bytes_total",
			Help:      "Payload bytes moved by protocol workers.",
		},
		[]string{"worker", "direction"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(PacketsIn, PacketsOut, PacketsDropped, OpenChannels, Retransmits, Aborts, WorkerBytes)
	})
}

// Handler serves the default registry, registering the collectors first.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}
