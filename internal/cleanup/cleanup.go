// Package cleanup removes storage trees of inactive subjects.
package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ericr-stein/VoiceScript/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
)

// Scheduler sweeps the storage layer on a fixed interval and deletes every
// subject whose last activity is older than the threshold. It holds no lock
// shared with the request path: the subject list is a snapshot, taken once
// per sweep.
type Scheduler struct {
	Store     *storage.Store
	Interval  time.Duration
	Threshold time.Duration
	Enabled   bool
	Logger    *slog.Logger

	// Removed, when set, counts deleted subject trees.
	Removed prometheus.Counter

	now func() time.Time
}

// New returns a scheduler with the given cadence and inactivity threshold.
func New(store *storage.Store, interval, threshold time.Duration, enabled bool, lg *slog.Logger) *Scheduler {
	return &Scheduler{
		Store:     store,
		Interval:  interval,
		Threshold: threshold,
		Enabled:   enabled,
		Logger:    lg,
		now:       time.Now,
	}
}

// WithNow overrides the clock. Tests only.
func (s *Scheduler) WithNow(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run blocks until ctx is cancelled, sweeping once per interval.
// When the scheduler is disabled it returns immediately.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.Enabled {
		s.Logger.Info("storage cleanup disabled")
		return
	}
	s.Logger.Info("storage cleanup started",
		"interval", s.Interval.String(), "threshold", s.Threshold.String())

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			s.Logger.Info("storage cleanup stopped")
			return
		}
	}
}

// RunOnce performs a single sweep. Per-subject failures are logged and
// skipped; they never abort the pass. Cancellation stops between subjects,
// never in the middle of a subtree removal.
func (s *Scheduler) RunOnce(ctx context.Context) {
	subjects, err := s.Store.Subjects()
	if err != nil {
		s.Logger.Error("cleanup: listing subjects failed", "err", err)
		return
	}

	cutoff := s.now().Add(-s.Threshold)
	removed := 0
	for _, subject := range subjects {
		if ctx.Err() != nil {
			break
		}
		last, err := s.Store.LastActivity(subject)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				s.Logger.Warn("cleanup: activity check failed", "subject", subject, "err", err)
			}
			continue
		}
		if last.After(cutoff) {
			continue
		}
		if err := s.Store.RemoveSubject(subject); err != nil {
			s.Logger.Warn("cleanup: remove failed", "subject", subject, "err", err)
			continue
		}
		removed++
		if s.Removed != nil {
			s.Removed.Inc()
		}
		s.Logger.Info("removed inactive subject tree",
			"subject", subject, "last_activity", last.Format(time.RFC3339))
	}
	s.Logger.Info("cleanup pass finished", "checked", len(subjects), "removed", removed)
}
