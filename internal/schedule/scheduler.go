// Package schedule runs the daily destructive cleanup: at 02:00 UTC every
// configured default connection gets a short-lived adapter that drops all
// non-system databases.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/querygate/querygate/internal/adapter"
	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/metrics"
)

// cleanupHour is the daily fire time, UTC.
const cleanupHour = 2

// Scheduler fires the cleanup once a day. It is a per-process singleton; the
// drop routine is idempotent, so overlapping replicas are harmless.
type Scheduler struct {
	cfg     *config.Config
	metrics *metrics.Collector

	settings adapter.Settings

	// newAdapter is swappable in tests.
	newAdapter func(config.Kind, adapter.Settings) (adapter.Adapter, error)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg *config.Config, collector *metrics.Collector) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		metrics: collector,
		settings: adapter.Settings{
			QueryTimeout: cfg.Query.Timeout,
			DefaultLimit: cfg.Query.DefaultLimit,
		},
		newAdapter: adapter.New,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the daily loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	for {
		wait := untilNextRun(time.Now())
		slog.Info("cleanup scheduled", "in", wait.Round(time.Second))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			if err := s.RunCleanup(ctx); err != nil {
				slog.Error("scheduled cleanup finished with errors", "error", err)
			}
			cancel()
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

// untilNextRun returns the duration until the next 02:00 UTC.
func untilNextRun(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), cleanupHour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// adminCleanupURL rewrites a default connection URL to the scope cleanup must
// run under: the postgres maintenance database, the MySQL server root, or the
// Mongo URL unchanged.
func adminCleanupURL(d config.DefaultDatabase) (string, error) {
	switch d.Kind {
	case config.KindPostgres:
		return adapter.WithDatabase(d.URL, "postgres")
	case config.KindMySQL:
		return adapter.WithDatabase(d.URL, "")
	default:
		return d.URL, nil
	}
}

// RunCleanup connects to each configured default and drops all user
// databases. Per-target failures are logged and collected; one bad target
// does not stop the others.
func (s *Scheduler) RunCleanup(ctx context.Context) error {
	started := time.Now()
	slog.Info("cleanup started", "targets", len(s.cfg.Defaults))

	var errs []error
	for _, d := range s.cfg.Defaults {
		if err := s.cleanupTarget(ctx, d); err != nil {
			slog.Error("cleanup target failed",
				"kind", d.Kind,
				"name", d.DisplayName,
				"error", err)
			errs = append(errs, fmt.Errorf("%s: %w", d.Kind, err))
		}
	}

	err := errors.Join(errs...)
	s.metrics.CleanupRun(err)
	slog.Info("cleanup finished",
		"duration", time.Since(started).Round(time.Millisecond),
		"failed", len(errs))
	return err
}

func (s *Scheduler) cleanupTarget(ctx context.Context, d config.DefaultDatabase) error {
	url, err := adminCleanupURL(d)
	if err != nil {
		return err
	}

	ad, err := s.newAdapter(d.Kind, s.settings)
	if err != nil {
		return err
	}
	if err := ad.Connect(ctx, url); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if err := ad.Disconnect(ctx); err != nil {
			slog.Warn("cleanup adapter disconnect failed", "kind", d.Kind, "error", err)
		}
	}()

	return ad.DropAllUserDatabases(ctx)
}
