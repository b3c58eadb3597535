// Package daemon wires configuration into the running services: the HTTP
// API, the metrics listener, and the storage cleanup scheduler.
package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/ericr-stein/VoiceScript/internal/archive"
	"github.com/ericr-stein/VoiceScript/internal/cleanup"
	"github.com/ericr-stein/VoiceScript/internal/config"
	"github.com/ericr-stein/VoiceScript/internal/download"
	"github.com/ericr-stein/VoiceScript/internal/httpapi"
	"github.com/ericr-stein/VoiceScript/internal/metrics"
	"github.com/ericr-stein/VoiceScript/internal/ratelimit"
	"github.com/ericr-stein/VoiceScript/internal/session"
	"github.com/ericr-stein/VoiceScript/internal/storage"
	"github.com/ericr-stein/VoiceScript/internal/token"
	"github.com/spf13/afero"
)

// Run assembles the services from cfg and blocks until ctx is cancelled or
// a listener fails.
func Run(ctx context.Context, cfg config.Config, lg *slog.Logger) error {
	codec, err := token.NewCodec(cfg.Session.SigningSecret)
	if err != nil {
		return err
	}

	store, err := storage.New(afero.NewOsFs(), cfg.DataDir)
	if err != nil {
		return err
	}

	sessionTTL := time.Duration(cfg.Session.ExpiryDays) * 24 * time.Hour
	sessions, err := session.New(codec, sessionTTL, cfg.Session.RenewalThreshold, store)
	if err != nil {
		return err
	}

	downloadTTL := time.Duration(cfg.Download.TokenExpirySeconds) * time.Second
	downloads, err := download.New(codec, store, downloadTTL)
	if err != nil {
		return err
	}

	sessionLimiter := ratelimit.New(cfg.RateLimit.SessionMax,
		time.Duration(cfg.RateLimit.SessionWindowSeconds)*time.Second)
	defer sessionLimiter.Stop()
	redeemLimiter := ratelimit.New(cfg.RateLimit.RedeemMax,
		time.Duration(cfg.RateLimit.RedeemWindowSeconds)*time.Second)
	defer redeemLimiter.Stop()

	set := metrics.New()

	sweeper := cleanup.New(store,
		time.Duration(cfg.Cleanup.IntervalHours)*time.Hour,
		time.Duration(cfg.Cleanup.InactiveDays)*24*time.Hour,
		cfg.CleanupEnabled(), lg)
	sweeper.Removed = set.CleanupRemoved

	api := &httpapi.Server{
		Logger:         lg,
		Store:          store,
		Sessions:       sessions,
		Downloads:      downloads,
		Metrics:        set,
		SessionLimiter: sessionLimiter,
		RedeemLimiter:  redeemLimiter,
		BindAddr:       cfg.HTTP.Bind,
		Port:           cfg.HTTP.Port,
		CertPath:       cfg.HTTP.TLS.CertPath,
		KeyPath:        cfg.HTTP.TLS.KeyPath,
		SessionTTL:     sessionTTL,
		MaxUploadBytes: int64(cfg.HTTP.MaxUploadMB) << 20,
		ArchiveLimits: archive.Limits{
			MaxEntries:    cfg.Archive.MaxEntries,
			MaxRatio:      int64(cfg.Archive.MaxRatio),
			MaxTotalBytes: int64(cfg.Archive.MaxTotalMB) << 20,
		},
		HSTS: cfg.HTTP.TLS.CertPath != "",
	}

	go sweeper.Run(ctx)

	errCh := make(chan error, 2)
	go func() { errCh <- api.ListenAndServe(ctx) }()
	if cfg.Metrics.Enable {
		go func() { errCh <- set.Serve(ctx, cfg.HTTP.Bind, cfg.Metrics.Port) }()
	}

	scheme := "http"
	if api.HSTS {
		scheme = "https"
	}
	lg.Info("voicescript daemon started",
		"addr", cfg.HTTP.Bind, "port", cfg.HTTP.Port, "scheme", scheme,
		"data_dir", cfg.DataDir, "metrics", cfg.Metrics.Enable)

	return <-errCh
}
