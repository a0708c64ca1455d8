// Package metrics exposes the synchronizer's Prometheus metrics via
// client_golang, registered once and shared through Deps structs the same
// way the rest of the engine passes down a *slog.Logger.
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the update engine records, labeled by source
// ("lms" / "exam") where a distinction makes sense.
type Registry struct {
	reg *prometheus.Registry

	CoursesDue       *prometheus.CounterVec
	FilesDownloaded  *prometheus.CounterVec
	DownloadErrors   *prometheus.CounterVec
	ScrapeDuration   *prometheus.HistogramVec
	IngestedChunks   prometheus.Counter
	IngestErrors     prometheus.Counter
	EmbeddingLatency prometheus.Histogram
	ActiveWorkers    *prometheus.GaugeVec
	UpdatesTotal     *prometheus.CounterVec
}

// New builds a Registry with every metric registered against a private
// prometheus.Registry, so construction is safe to call more than once
// (e.g. from tests) without tripping the global default registry's
// duplicate-registration panic.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		CoursesDue: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_courses_due_total",
			Help: "Courses judged due for a refresh, by source.",
		}, []string{"source"}),
		FilesDownloaded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_files_downloaded_total",
			Help: "Files newly downloaded, by source.",
		}, []string{"source"}),
		DownloadErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_download_errors_total",
			Help: "Per-file or per-course download errors, by source.",
		}, []string{"source"}),
		ScrapeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sync_scrape_duration_seconds",
			Help:    "Wall time to scrape one course, by source.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		IngestedChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "sync_ingested_chunks_total",
			Help: "Chunks successfully embedded and upserted.",
		}),
		IngestErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "sync_ingest_errors_total",
			Help: "Files that failed at any ingestion pipeline stage.",
		}),
		EmbeddingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sync_embedding_request_seconds",
			Help:    "Latency of one embedding HTTP call.",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveWorkers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sync_active_workers",
			Help: "Currently running dispatcher workers, by source.",
		}, []string{"source"}),
		UpdatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_updates_total",
			Help: "Orchestrator.Update runs, partitioned by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry in the Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics on the given port.
func (r *Registry) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

// ServeAsync starts the metrics server in a goroutine, logging any error.
func (r *Registry) ServeAsync(port int, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	go func() {
		if err := r.Serve(port); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics.http.error", "port", port, "err", err)
		}
	}()
}

// ObserveScrape is a convenience wrapper recording scrape duration and
// outcome together.
func (r *Registry) ObserveScrape(source string, start time.Time, filesNew int, err error) {
	r.ScrapeDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	if filesNew > 0 {
		r.FilesDownloaded.WithLabelValues(source).Add(float64(filesNew))
	}
	if err != nil {
		r.DownloadErrors.WithLabelValues(source).Inc()
	}
}
