// Package sweeper runs the periodic message rotation and session expiry jobs.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/chatrelay/internal/config"
	"github.com/ashureev/chatrelay/internal/observability"
	"github.com/ashureev/chatrelay/internal/store"
)

// Job names, also used as metric labels.
const (
	JobRotation      = "rotation"
	JobSessionExpiry = "session_expiry"
)

// Sweeper deletes messages past retention and sessions past expiry. Both
// jobs are idempotent; a failed run is logged and retried next interval.
type Sweeper struct {
	repo    store.Repository
	watcher *config.Watcher
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Sweeper. Intervals and retention are read from the
// watcher's current snapshot before every run, so reloads apply.
func New(repo store.Repository, watcher *config.Watcher, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{repo: repo, watcher: watcher, logger: logger, now: time.Now}
}

// Run starts both jobs and blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.loop(ctx, JobRotation, s.rotationInterval, s.RotateMessages)
		return nil
	})
	g.Go(func() error {
		s.loop(ctx, JobSessionExpiry, s.sessionInterval, s.PurgeSessions)
		return nil
	})
	return g.Wait()
}

func (s *Sweeper) rotationInterval() time.Duration {
	return s.watcher.Current().App.Rotation.CleanupInterval()
}

func (s *Sweeper) sessionInterval() time.Duration {
	return s.watcher.Current().App.Rotation.SessionSweepInterval()
}

// loop runs job once at start and then every interval.
func (s *Sweeper) loop(ctx context.Context, name string, interval func() time.Duration, job func(context.Context) (int64, error)) {
	s.logger.Info("Sweeper started", "job", name, "interval", interval())
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper shutting down", "job", name, "reason", ctx.Err())
			return
		case <-timer.C:
		}
		// Errors are already logged and counted.
		_, _ = job(ctx)
		timer.Reset(interval())
	}
}

// RotateMessages deletes messages stored before now minus the retention
// window and returns how many were removed.
func (s *Sweeper) RotateMessages(ctx context.Context) (int64, error) {
	retention := s.watcher.Current().App.Rotation.Retention()
	cutoff := s.now().Add(-retention)

	deleted, err := s.repo.DeleteOlderMessages(ctx, cutoff)
	observability.RecordSweep(JobRotation, deleted, err)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("Message rotation failed", "error", err)
		}
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("Rotated old messages", "deleted", deleted, "cutoff", cutoff, "retention", retention)
	}
	return deleted, nil
}

// PurgeSessions deletes sessions whose expiry has passed.
func (s *Sweeper) PurgeSessions(ctx context.Context) (int64, error) {
	deleted, err := s.repo.DeleteExpiredSessions(ctx, s.now())
	observability.RecordSweep(JobSessionExpiry, deleted, err)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("Session expiry sweep failed", "error", err)
		}
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("Purged expired sessions", "deleted", deleted)
	}
	return deleted, nil
}
