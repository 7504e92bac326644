package metrics

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the service's counters on a private registry so the
// exposition endpoint carries only our series.
type Metrics struct {
	registry *prometheus.Registry

	EventsReceived  *prometheus.CounterVec // source: push|pull
	EventsFiltered  prometheus.Counter
	ClipsDownloaded prometheus.Counter
	DownloadBytes   prometheus.Counter
	BackupWrites    *prometheus.CounterVec // target, outcome: ok|error
	PruneDeletions  *prometheus.CounterVec // target
	ArchiveRuns     *prometheus.CounterVec // target, outcome: ok|error|skipped
	InflightBackups prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ufp_events_received_total",
			Help: "Events observed by the ingestor, by source.",
		}, []string{"source"}),
		EventsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ufp_events_filtered_total",
			Help: "Events dropped by detection-type or camera filters.",
		}),
		ClipsDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ufp_clips_downloaded_total",
			Help: "Clips fetched from the controller.",
		}),
		DownloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ufp_download_bytes_total",
			Help: "Clip bytes fetched from the controller.",
		}),
		BackupWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ufp_backup_writes_total",
			Help: "Per-target backup write attempts.",
		}, []string{"target", "outcome"}),
		PruneDeletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ufp_prune_deletions_total",
			Help: "Clips removed by retention pruning.",
		}, []string{"target"}),
		ArchiveRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ufp_archive_runs_total",
			Help: "Archive scheduler window runs.",
		}, []string{"target", "outcome"}),
		InflightBackups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ufp_inflight_backups",
			Help: "Events currently moving through the backup pipeline.",
		}),
	}

	reg.MustRegister(
		m.EventsReceived, m.EventsFiltered,
		m.ClipsDownloaded, m.DownloadBytes,
		m.BackupWrites, m.PruneDeletions, m.ArchiveRuns,
		m.InflightBackups,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics and /healthz until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, address string, port int) error {
	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", address, port),
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[INFO] metrics: listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
