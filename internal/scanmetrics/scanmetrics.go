// Package scanmetrics exposes Prometheus instrumentation for the scan
// scheduler and probe pipeline, served on /metrics alongside the REST API.
package scanmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes counts completed probes by their final verdict.Outcome value.
var Outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cfedgescan_probe_outcomes_total",
	Help: "Total completed probes, labeled by verdict outcome.",
}, []string{"outcome"})

// DiscoveryInFlight tracks the number of workers currently holding a
// discovery-semaphore slot.
var DiscoveryInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "cfedgescan_discovery_inflight",
	Help: "Number of probe workers currently past the TCP/TLS discovery stage.",
})

// ThroughputInFlight tracks workers holding a throughput-semaphore slot.
var ThroughputInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "cfedgescan_throughput_inflight",
	Help: "Number of probe workers currently running throughput measurement.",
})

// DownloadMbps and UploadMbps record throughput samples for every probe
// that reaches the throughput step, regardless of verdict.
var DownloadMbps = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "cfedgescan_download_mbps",
	Help:    "Measured download throughput per probe, in Mbps.",
	Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
})

var UploadMbps = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "cfedgescan_upload_mbps",
	Help:    "Measured upload throughput per probe, in Mbps.",
	Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
})

// PingMS records the final classified ping per probe.
var PingMS = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "cfedgescan_ping_ms",
	Help:    "Measured ping per probe, in milliseconds.",
	Buckets: []float64{10, 25, 50, 100, 150, 200, 300, 500, 1000},
})

// ScansActive is registered for the number of non-terminal scan jobs. No
// code in this module sets it, so it reports 0; the /health handler's
// active_scans field carries the live count.
var ScansActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "cfedgescan_scans_active",
	Help: "Number of scan jobs currently queued, running, or paused.",
})

// ResultPersistLayer reports which result-persistence tier is currently
// accepting writes, as a single-sample gauge vector (1 for the active
// layer, 0 otherwise) so the active tier is visible without scraping
// /health.
var ResultPersistLayer = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "cfedgescan_result_persist_layer",
	Help: "1 for the currently active result-persistence tier, 0 for the rest.",
}, []string{"layer"})
