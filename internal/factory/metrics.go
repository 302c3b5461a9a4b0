package factory

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	starts    *prometheus.CounterVec
	stops     *prometheus.CounterVec
	readiness prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer, daemons func() int) *metrics {
	m := &metrics{
		starts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storlets_factory_daemon_starts_total",
				Help: "Daemon start attempts by result",
			},
			[]string{"result"},
		),
		stops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storlets_factory_daemon_stops_total",
				Help: "Daemon stop attempts by mode and result",
			},
			[]string{"mode", "result"},
		),
		readiness: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "storlets_factory_readiness_attempts",
				Help:    "Pings needed before a starting daemon answered",
				Buckets: prometheus.LinearBuckets(1, 1, 10),
			},
		),
	}
	if reg != nil {
		gauge := prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "storlets_factory_daemons",
				Help: "Daemons currently registered with the factory",
			},
			func() float64 { return float64(daemons()) },
		)
		reg.MustRegister(m.starts, m.stops, m.readiness, gauge)
	}
	return m
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
