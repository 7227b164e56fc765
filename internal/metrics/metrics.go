package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BusPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bus_published_total", Help: "Messages published to the bus"},
		[]string{"channel", "type"},
	)
	BusDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bus_dropped_total", Help: "Messages dropped from full subscriber queues"},
		[]string{"channel", "subscriber"},
	)
	WhaleAlertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "whale_alerts_total", Help: "Whale alerts emitted by the detector"},
	)
	AlertsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "alerts_dropped_total", Help: "Alerts dropped by the scoring gate"},
		[]string{"reason"},
	)
	RoundsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "consensus_rounds_resolved_total", Help: "Consensus rounds by terminal state"},
		[]string{"state"},
	)
	ExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "position_exits_total", Help: "Exit orders emitted by the position manager"},
		[]string{"reason"},
	)
	EmergencyExitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "position_emergency_exits_total", Help: "Exits escalated past the retry limit"},
	)
)

func init() {
	prometheus.MustRegister(
		BusPublishedTotal,
		BusDroppedTotal,
		WhaleAlertsTotal,
		AlertsDroppedTotal,
		RoundsResolvedTotal,
		ExitsTotal,
		EmergencyExitsTotal,
	)
}

// Serve exposes /metrics on addr. The server runs until the process exits.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
