package binlog

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors a StreamReader and Client report
// to. This realizes spec §5's observability hook: the core never scrapes or
// serves these itself (that is the CLI's job, see cmd/binlogcat), it only
// increments/sets them so whatever registry the caller chooses can expose
// them.
type Metrics struct {
	eventsDecoded     *prometheus.CounterVec
	decodeErrors      *prometheus.CounterVec
	tableMapCacheSize prometheus.Gauge
	streamLagSeconds  prometheus.Gauge
}

// NewMetrics builds a Metrics bound to reg. Pass prometheus.NewRegistry()
// for an isolated registry, or prometheus.DefaultRegisterer to publish on
// the process-wide default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "binlog",
			Name:      "events_decoded_total",
			Help:      "Binlog events decoded, by event type.",
		}, []string{"event_type"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "binlog",
			Name:      "decode_errors_total",
			Help:      "Decode failures, by error kind.",
		}, []string{"kind"}),
		tableMapCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "binlog",
			Name:      "table_map_cache_size",
			Help:      "Number of table_id entries currently cached.",
		}),
		streamLagSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "binlog",
			Name:      "stream_lag_seconds",
			Help:      "Wall-clock seconds between an event's binlog timestamp and when it was decoded.",
		}),
	}
	reg.MustRegister(m.eventsDecoded, m.decodeErrors, m.tableMapCacheSize, m.streamLagSeconds)
	return m
}

// ObserveLag records seconds as the current stream lag.
func (m *Metrics) ObserveLag(seconds float64) {
	if m == nil {
		return
	}
	m.streamLagSeconds.Set(seconds)
}
