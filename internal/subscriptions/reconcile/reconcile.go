// Package reconcile runs the background jobs that keep entitlement state
// correct when webhooks are late, lost or stuck. Every job synthesizes
// lifecycle events and routes them through the engine, so scheduled changes
// are ledgered like any other.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	internalerrors "github.com/rcourtman/entitlement-sync/internal/errors"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/engine"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/store"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/submetrics"
	"github.com/rcourtman/entitlement-sync/pkg/entitlements"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Job names a reconciliation job.
type Job string

const (
	JobExpiration Job = "expiration_sweep"
	JobGrace      Job = "grace_sweep"
	JobResync     Job = "resync"
	JobRedrive    Job = "redrive"
)

// Jobs lists every job in the order Run starts them.
var Jobs = []Job{JobExpiration, JobGrace, JobResync, JobRedrive}

var (
	ErrUnknownJob = errors.New("unknown reconciliation job")
	ErrJobRunning = errors.New("reconciliation job already running")
)

const (
	// DefaultGracePeriod is how long entitlements survive a billing issue.
	DefaultGracePeriod = 72 * time.Hour

	defaultBatchSize          = 100
	defaultRedriveAge         = 30 * time.Second
	stateMetricsInterval      = 30 * time.Second
	defaultExpirationInterval = 15 * time.Minute
	defaultGraceInterval      = time.Hour
	defaultResyncInterval     = time.Hour
	defaultRedriveInterval    = time.Minute
)

// Store is the read side the scheduler scans. *store.Store implements it.
type Store interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]entitlements.State, error)
	ListGraceElapsed(ctx context.Context, cutoff time.Time, limit int) ([]entitlements.State, error)
	ListSyncCandidates(ctx context.Context, afterUserID string, limit int) ([]entitlements.State, error)
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]store.LedgerEntry, error)
	CountByStatus(ctx context.Context) (map[entitlements.Tier]map[entitlements.Status]int, error)
}

// Engine applies the synthesized events. *engine.Engine implements it.
type Engine interface {
	Process(ctx context.Context, ev entitlements.Event) (engine.Result, error)
	ProcessRecorded(ctx context.Context, eventID string) (engine.Result, error)
	SyncUser(ctx context.Context, userID string, source entitlements.Source, eventID string) (engine.Result, error)
}

// Config controls job cadence and policy. Zero values take defaults.
type Config struct {
	GracePeriod        time.Duration
	ExpirationInterval time.Duration
	GraceInterval      time.Duration
	ResyncInterval     time.Duration
	RedriveInterval    time.Duration
	RedriveAge         time.Duration
	ResyncRate         float64 // authority calls per second
	BatchSize          int
}

// Report summarizes one job run.
type Report struct {
	Job      Job           `json:"job"`
	Scanned  int           `json:"scanned"`
	Applied  int           `json:"applied"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

func (r *Report) count(job Job, res engine.Result, err error) {
	outcome := string(res.Disposition)
	switch {
	case err != nil && errors.Is(err, internalerrors.ErrNotFound):
		r.Skipped++
		outcome = "not_found"
	case err != nil && errors.Is(err, internalerrors.ErrMalformedEvent):
		r.Skipped++
		outcome = string(engine.DispositionRejected)
	case err != nil:
		r.Failed++
		outcome = "error"
	case res.Disposition == engine.DispositionApplied:
		r.Applied++
	default:
		r.Skipped++
	}
	submetrics.ReconcileItemsTotal.WithLabelValues(string(job), outcome).Inc()
}

// Scheduler owns the reconciliation jobs.
type Scheduler struct {
	store   Store
	engine  Engine
	cfg     Config
	limiter *rate.Limiter
	running map[Job]*sync.Mutex
	now     func() time.Time
}

// New builds a Scheduler.
func New(st Store, eng Engine, cfg Config) *Scheduler {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.ExpirationInterval <= 0 {
		cfg.ExpirationInterval = defaultExpirationInterval
	}
	if cfg.GraceInterval <= 0 {
		cfg.GraceInterval = defaultGraceInterval
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = defaultResyncInterval
	}
	if cfg.RedriveInterval <= 0 {
		cfg.RedriveInterval = defaultRedriveInterval
	}
	if cfg.RedriveAge <= 0 {
		cfg.RedriveAge = defaultRedriveAge
	}
	if cfg.ResyncRate <= 0 {
		cfg.ResyncRate = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	running := make(map[Job]*sync.Mutex, len(Jobs))
	for _, job := range Jobs {
		running[job] = &sync.Mutex{}
	}
	return &Scheduler{
		store:   st,
		engine:  eng,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.ResyncRate), 1),
		running: running,
		now:     time.Now,
	}
}

// ParseJob validates a job name.
func ParseJob(name string) (Job, error) {
	for _, job := range Jobs {
		if string(job) == name {
			return job, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownJob, name)
}

// Run starts every job on its own ticker plus the state gauge updater, and
// blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().
		Dur("expiration_interval", s.cfg.ExpirationInterval).
		Dur("grace_interval", s.cfg.GraceInterval).
		Dur("resync_interval", s.cfg.ResyncInterval).
		Dur("redrive_interval", s.cfg.RedriveInterval).
		Dur("grace_period", s.cfg.GracePeriod).
		Msg("Reconciliation scheduler started")

	g, ctx := errgroup.WithContext(ctx)
	intervals := map[Job]time.Duration{
		JobExpiration: s.cfg.ExpirationInterval,
		JobGrace:      s.cfg.GraceInterval,
		JobResync:     s.cfg.ResyncInterval,
		JobRedrive:    s.cfg.RedriveInterval,
	}
	for _, job := range Jobs {
		job, every := job, intervals[job]
		g.Go(func() error {
			s.loop(ctx, job, every)
			return nil
		})
	}
	g.Go(func() error {
		s.runStateMetrics(ctx)
		return nil
	})

	err := g.Wait()
	log.Info().Msg("Reconciliation scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, job Job, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx, job); err != nil && !errors.Is(err, ErrJobRunning) && ctx.Err() == nil {
				log.Error().Err(err).Str("job", string(job)).Msg("Reconciliation job failed")
			}
		}
	}
}

// RunOnce runs one job to completion. Running the same job twice in the same
// window is harmless: synthesized event ids repeat and the ledger absorbs them.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) (Report, error) {
	mu, ok := s.running[job]
	if !ok {
		return Report{Job: job}, fmt.Errorf("%w: %q", ErrUnknownJob, job)
	}
	if !mu.TryLock() {
		return Report{Job: job}, ErrJobRunning
	}
	defer mu.Unlock()

	start := time.Now()
	report := Report{Job: job}
	var err error
	switch job {
	case JobExpiration:
		err = s.sweepExpired(ctx, &report)
	case JobGrace:
		err = s.sweepGrace(ctx, &report)
	case JobResync:
		err = s.resync(ctx, &report)
	case JobRedrive:
		err = s.redrive(ctx, &report)
	}
	report.Duration = time.Since(start)

	result := "ok"
	if err != nil {
		result = "error"
	}
	submetrics.ReconcileRunsTotal.WithLabelValues(string(job), result).Inc()

	logEvent := log.Info()
	if report.Scanned == 0 && err == nil {
		logEvent = log.Debug()
	}
	logEvent.
		Str("job", string(job)).
		Int("scanned", report.Scanned).
		Int("applied", report.Applied).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("Reconciliation job finished")
	return report, err
}

// sweepExpired expires paid states whose expiry has passed. Each event
// carries the expiry it acts on, so a renewal that lands first makes it stale.
func (s *Scheduler) sweepExpired(ctx context.Context, report *Report) error {
	now := s.now().UTC()
	return s.drain(ctx, report, func() ([]entitlements.State, error) {
		return s.store.ListExpired(ctx, now, s.cfg.BatchSize)
	}, func(st entitlements.State) entitlements.Event {
		expires := *st.ExpiresAt
		return entitlements.Event{
			ID:         fmt.Sprintf("%s:%s:%d", JobExpiration, st.UserID, expires.Unix()),
			UserID:     st.UserID,
			Type:       entitlements.EventExpiration,
			Source:     entitlements.SourceScheduler,
			ObservedAt: now,
			OccurredAt: expires,
			ExpiresAt:  &expires,
			RawType:    string(JobExpiration),
		}
	})
}

// sweepGrace expires billing-issue states whose grace window has elapsed.
func (s *Scheduler) sweepGrace(ctx context.Context, report *Report) error {
	now := s.now().UTC()
	cutoff := now.Add(-s.cfg.GracePeriod)
	return s.drain(ctx, report, func() ([]entitlements.State, error) {
		return s.store.ListGraceElapsed(ctx, cutoff, s.cfg.BatchSize)
	}, func(st entitlements.State) entitlements.Event {
		started := *st.BillingIssueAt
		return entitlements.Event{
			ID:         fmt.Sprintf("%s:%s:%d", JobGrace, st.UserID, started.Unix()),
			UserID:     st.UserID,
			Type:       entitlements.EventExpiration,
			Source:     entitlements.SourceScheduler,
			ObservedAt: now,
			OccurredAt: started.Add(s.cfg.GracePeriod),
			ExpiresAt:  st.ExpiresAt,
			RawType:    string(JobGrace),
		}
	})
}

// drain processes batches until a batch is short or makes no progress. Rows
// are independent, so an interrupted sweep resumes cleanly next time.
func (s *Scheduler) drain(ctx context.Context, report *Report, list func() ([]entitlements.State, error), synth func(entitlements.State) entitlements.Event) error {
	for {
		rows, err := list()
		if err != nil {
			return fmt.Errorf("%s: %w", report.Job, err)
		}
		applied := report.Applied
		for _, st := range rows {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report.Scanned++
			ev := synth(st)
			res, err := s.engine.Process(ctx, ev)
			report.count(report.Job, res, err)
			if err != nil {
				log.Warn().Err(err).Str("job", string(report.Job)).Str("user_id", st.UserID).Str("event_id", ev.ID).Msg("Reconciliation item failed")
			}
		}
		if len(rows) < s.cfg.BatchSize || report.Applied == applied {
			return nil
		}
	}
}

// resync pulls the authority's view of every candidate user, rate limited.
// Event ids are keyed by the resync window so a rerun inside the window is a
// duplicate.
func (s *Scheduler) resync(ctx context.Context, report *Report) error {
	window := s.now().UTC().Truncate(s.cfg.ResyncInterval).Unix()
	after := ""
	for {
		rows, err := s.store.ListSyncCandidates(ctx, after, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("%s: %w", JobResync, err)
		}
		for _, st := range rows {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
			report.Scanned++
			eventID := fmt.Sprintf("%s:%s:%s", JobResync, st.UserID, strconv.FormatInt(window, 10))
			res, err := s.engine.SyncUser(ctx, st.UserID, entitlements.SourceScheduler, eventID)
			report.count(JobResync, res, err)
			if err != nil && !errors.Is(err, internalerrors.ErrNotFound) {
				log.Warn().Err(err).Str("user_id", st.UserID).Msg("Authority re-sync failed; local state kept")
			}
			after = st.UserID
		}
		if len(rows) < s.cfg.BatchSize {
			return nil
		}
	}
}

// redrive applies ledger entries that were recorded but never settled.
func (s *Scheduler) redrive(ctx context.Context, report *Report) error {
	olderThan := s.now().UTC().Add(-s.cfg.RedriveAge)
	for {
		entries, err := s.store.ListPending(ctx, olderThan, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("%s: %w", JobRedrive, err)
		}
		progressed := false
		for _, entry := range entries {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report.Scanned++
			res, err := s.engine.ProcessRecorded(ctx, entry.Event.ID)
			report.count(JobRedrive, res, err)
			if err == nil || errors.Is(err, internalerrors.ErrMalformedEvent) {
				progressed = true
			} else {
				log.Warn().Err(err).Str("event_id", entry.Event.ID).Msg("Pending event re-drive failed")
			}
		}
		if len(entries) < s.cfg.BatchSize || !progressed {
			return nil
		}
	}
}
