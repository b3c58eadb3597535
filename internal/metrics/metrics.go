// Package metrics exports anonymous Prometheus counters for the access layer.
// No per-user labels are recorded anywhere.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles the collectors the daemon registers once.
type Set struct {
	SessionsIssued  prometheus.Counter
	SessionsRenewed prometheus.Counter
	RateLimited     *prometheus.CounterVec
	Uploads         prometheus.Counter
	UploadErrors    *prometheus.CounterVec
	ArchiveRejected *prometheus.CounterVec
	GrantsIssued    prometheus.Counter
	GrantsRedeemed  prometheus.Counter
	GrantsRejected  *prometheus.CounterVec
	CleanupRemoved  prometheus.Counter
	UploadSize      prometheus.Histogram

	registry *prometheus.Registry
}

// New builds a Set on its own registry so tests never collide on the
// default global one.
func New() *Set {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Set{
		SessionsIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "sessions_issued_total", Help: "Session tokens issued."}),
		SessionsRenewed: f.NewCounter(prometheus.CounterOpts{
			Name: "sessions_renewed_total", Help: "Session tokens renewed."}),
		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limited_total", Help: "Requests denied by the rate limiter."},
			[]string{"scope"}),
		Uploads: f.NewCounter(prometheus.CounterOpts{
			Name: "uploads_total", Help: "Files accepted for processing."}),
		UploadErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_errors_total", Help: "Rejected uploads."},
			[]string{"reason"}),
		ArchiveRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "archive_rejected_total", Help: "Archives failing safety validation."},
			[]string{"reason"}),
		GrantsIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "download_grants_issued_total", Help: "Download grants issued."}),
		GrantsRedeemed: f.NewCounter(prometheus.CounterOpts{
			Name: "download_grants_redeemed_total", Help: "Download grants redeemed."}),
		GrantsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "download_grants_rejected_total", Help: "Failed download redemptions."},
			[]string{"reason"}),
		CleanupRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "cleanup_removed_total", Help: "Inactive subject trees removed."}),
		UploadSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "upload_size_bytes",
			Help:    "Size of accepted uploads.",
			Buckets: []float64{1e6, 5e6, 1e7, 5e7, 1e8, 5e8, 1e9},
		}),
		registry: reg,
	}
}

// Handler serves the registry in Prometheus text format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics listener on its own port, apart from the app
// listener, until ctx is cancelled.
func (s *Set) Serve(ctx context.Context, bind string, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	srv := &http.Server{
		Addr:              bind + ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shctx)
	}()
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
