package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ti/protocol"
)

var (
	registerOnce sync.Once

	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ti",
			Subsystem: "server",
			Name:      "connections_active",
			Help:      "Currently open client connections.",
		},
	)
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ti",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Handled requests by opcode and response code.",
		},
		[]string{"opcode", "code"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ti",
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Request handling time in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"opcode"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(connectionsActive, requestsTotal, requestDuration)
	})
}

func recordRequest(op string, code uint8, duration time.Duration) {
	RegisterMetrics()
	requestsTotal.WithLabelValues(op, protocol.CodeName(code)).Inc()
	requestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// ServeMetrics exposes /metrics on addr until the listener fails.
func ServeMetrics(addr string) error {
	RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
