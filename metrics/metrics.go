// Package metrics exposes the daemon's Prometheus instrumentation: counters
// over VM evaluation outcomes and acquirer backfill fetches, served at
// /metrics the way a production homeserver surfaces its health signals for
// scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EventsEvaluated counts vm.Eval outcomes by their resulting fault name
// (vm.FaultName), so ACCEPT vs AUTH vs EVENT failures are distinguishable at
// a glance.
var EventsEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hearth",
	Subsystem: "vm",
	Name:      "events_evaluated_total",
	Help:      "Events passed through the VM, labeled by the resulting fault.",
}, []string{"fault"})

// BackfillFetches counts acquirer backfill requests by outcome ("ok" or
// "error"), so a stalling fetch destination shows up in aggregate before it
// shows up as a gap that never closes.
var BackfillFetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hearth",
	Subsystem: "acquire",
	Name:      "backfill_fetches_total",
	Help:      "Backfill requests issued by the acquirer, labeled by outcome.",
}, []string{"result"})

// CurrentSequence reports the VM's global current_sequence counter, sampled
// by the VM itself since Prometheus gauges read at scrape time.
var CurrentSequence = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "hearth",
	Subsystem: "vm",
	Name:      "current_sequence",
	Help:      "Current value of the VM's global monotone sequence counter.",
})

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
