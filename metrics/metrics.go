// Package metrics collects Prometheus counters for patch runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts run and app state transitions and download results.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	runs      *prometheus.CounterVec
	apps      *prometheus.CounterVec
	downloads *prometheus.CounterVec
	bytes     prometheus.Counter
}

func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nanopatch_runs_total",
		Help: "Total runs by state transition.",
	}, []string{"state"})
	apps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nanopatch_apps_total",
		Help: "Total applications by state transition.",
	}, []string{"state"})
	downloads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nanopatch_downloads_total",
		Help: "Total downloads by result.",
	}, []string{"result"})
	bytes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nanopatch_download_bytes_total",
		Help: "Total bytes downloaded.",
	})

	return &Metrics{
		runs:      registerCounterVec(registerer, runs),
		apps:      registerCounterVec(registerer, apps),
		downloads: registerCounterVec(registerer, downloads),
		bytes:     registerCounter(registerer, bytes),
	}
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the metrics gathered from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) IncRun(state string) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.WithLabelValues(state).Inc()
}

func (m *Metrics) IncApp(state string) {
	if m == nil || m.apps == nil {
		return
	}
	m.apps.WithLabelValues(state).Inc()
}

// IncDownload counts a download by result: "hit", "miss" or "error".
func (m *Metrics) IncDownload(result string) {
	if m == nil || m.downloads == nil {
		return
	}
	m.downloads.WithLabelValues(result).Inc()
}

func (m *Metrics) AddBytes(n int64) {
	if m == nil || m.bytes == nil || n <= 0 {
		return
	}
	m.bytes.Add(float64(n))
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}

func registerCounter(registerer prometheus.Registerer, counter prometheus.Counter) prometheus.Counter {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
				return existing
			}
		}
	}
	return counter
}
