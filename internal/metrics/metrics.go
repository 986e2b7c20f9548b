// Package metrics holds the Prometheus collectors for sync runs. Collectors
// are registered on Registry rather than the global default so a run can be
// written out as a node_exporter textfile.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every collector in this package.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

// API client metrics
var (
	// Requests counts HTTP requests by response status ("error" for transport failures).
	Requests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "mspsync_api_requests_total",
		Help: "Total number of ConnectWise API requests by status",
	}, []string{"status"})

	// PagesFetched counts successfully fetched pages by collection path.
	PagesFetched = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "mspsync_api_pages_fetched_total",
		Help: "Total number of collection pages fetched",
	}, []string{"collection"})

	// PageFailures counts pages that could not be fetched.
	PageFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "mspsync_api_page_failures_total",
		Help: "Total number of collection pages that failed",
	}, []string{"collection"})

	// BreakerState is the API circuit breaker state (0 closed, 1 half-open, 2 open).
	BreakerState = factory.NewGauge(prometheus.GaugeOpts{
		Name: "mspsync_api_breaker_state",
		Help: "ConnectWise API circuit breaker state",
	})
)

// Sync metrics
var (
	RecordsUpserted = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "mspsync_records_upserted_total",
		Help: "Total number of records written to the local store",
	}, []string{"entity"})

	RecordsSkipped = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "mspsync_records_skipped_total",
		Help: "Total number of records skipped because they could not be mapped or stored",
	}, []string{"entity"})

	// StageRuns counts stage executions by outcome ("ok" or "error").
	StageRuns = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "mspsync_stage_runs_total",
		Help: "Total number of sync stage executions",
	}, []string{"stage", "outcome"})

	StageDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mspsync_stage_duration_seconds",
		Help:    "Sync stage duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// LastRunTimestamp is the unix time of the last completed run by mode.
	LastRunTimestamp = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mspsync_last_run_timestamp_seconds",
		Help: "Unix time of the last completed sync run",
	}, []string{"mode"})
)

// ObserveStage records one stage execution.
func ObserveStage(stage string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	StageRuns.WithLabelValues(stage, outcome).Inc()
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// WriteTextfile writes the registry in the Prometheus text format to path,
// atomically, for collection by node_exporter's textfile collector.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("metrics: writing %s: %w", path, err)
	}
	return nil
}
