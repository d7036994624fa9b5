package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapserver_mqtt_messages_total",
			Help: "Total messages received from the broker.",
		},
		[]string{"outcome"},
	)

	ResultCodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapserver_parse_results_total",
			Help: "Payload probe outcomes by result code.",
		},
		[]string{"result"},
	)

	DecodeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mapserver_decoder_duration_seconds",
			Help:    "External decoder subprocess latency.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
	)

	EventsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mapserver_event_queue_depth",
			Help: "Events waiting in the broadcaster queue.",
		},
	)

	ClientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mapserver_ws_clients",
			Help: "Connected websocket clients.",
		},
	)

	ClientsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mapserver_ws_clients_dropped_total",
			Help: "Clients removed after a send error.",
		},
	)

	ReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapserver_reaped_total",
			Help: "Entities removed by TTL sweeps.",
		},
		[]string{"kind"},
	)

	HistorySegments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mapserver_history_segments",
			Help: "Route history segments currently retained.",
		},
	)

	StateSavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapserver_state_saves_total",
			Help: "State snapshot write attempts.",
		},
		[]string{"outcome"},
	)
)

func Register() {
	prometheus.MustRegister(
		MessagesTotal,
		ResultCodesTotal,
		DecodeDuration,
		EventsQueued,
		ClientsConnected,
		ClientsDroppedTotal,
		ReapedTotal,
		HistorySegments,
		StateSavesTotal,
	)
}
