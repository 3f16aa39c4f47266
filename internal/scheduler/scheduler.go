package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/postforge/postforge/internal/store"
	"github.com/postforge/postforge/pkg/schema"
)

// QueryRunner is the interface the scheduler uses to launch pipeline runs.
// Satisfied by the engine's RunAsync (avoids import cycle).
type QueryRunner interface {
	RunAsync(ctx context.Context, query string) (string, error)
}

// Scheduler polls the store for due scheduled queries and launches a
// pipeline run for each. Runs are async; the scheduler only records
// launch success or failure.
type Scheduler struct {
	store  store.Store
	runner QueryRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // scheduled query IDs currently launching (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner QueryRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Schedule registers a recurring query. The first run is due at the next
// cron occurrence after now.
func (s *Scheduler) Schedule(ctx context.Context, query, cronExpr string) (*store.ScheduledQuery, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "scheduled query must not be empty")
	}
	next, err := s.CalculateNextRun(cronExpr, time.Now().UTC())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q", cronExpr).WithCause(err)
	}

	sq := &store.ScheduledQuery{
		ID:             uuid.New().String(),
		Query:          query,
		CronExpression: cronExpr,
		Enabled:        true,
		NextRunAt:      &next,
	}
	if err := s.store.CreateScheduledQuery(ctx, sq); err != nil {
		return nil, err
	}
	s.logger.Info("scheduled query registered",
		slog.String("schedule_id", sq.ID),
		slog.String("cron", cronExpr),
		slog.Time("next_run_at", next))
	return sq, nil
}

// SetEnabled toggles a scheduled query. Re-enabling recomputes next_run_at
// from now so a long-disabled schedule does not fire immediately.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) (*store.ScheduledQuery, error) {
	sq, err := s.store.GetScheduledQuery(ctx, id)
	if err != nil {
		return nil, err
	}

	update := store.ScheduledQueryUpdate{Enabled: &enabled}
	if enabled && !sq.Enabled {
		next, err := s.CalculateNextRun(sq.CronExpression, time.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("calculate next run for schedule %q: %w", id, err)
		}
		update.NextRunAt = &next
	}
	if err := s.store.UpdateScheduledQuery(ctx, id, update); err != nil {
		return nil, err
	}

	s.logger.Info("scheduled query toggled",
		slog.String("schedule_id", id),
		slog.Bool("enabled", enabled))
	return s.store.GetScheduledQuery(ctx, id)
}

// Remove deletes a scheduled query.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	if err := s.store.DeleteScheduledQuery(ctx, id); err != nil {
		return err
	}
	s.logger.Info("scheduled query removed", slog.String("schedule_id", id))
	return nil
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick checks all enabled scheduled queries and launches those that are due.
func (s *Scheduler) Tick(ctx context.Context) {
	enabled := true
	queries, err := s.store.ListScheduledQueries(ctx, store.ScheduledQueryFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled queries", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sq := range queries {
		if sq.NextRunAt == nil || !sq.NextRunAt.After(now) {
			if !s.tryAcquire(sq.ID) {
				continue // previous launch still in progress (dedup)
			}
			if err := s.launch(ctx, sq, now); err != nil {
				s.logger.Error("failed to launch scheduled query",
					slog.String("schedule_id", sq.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(sq.ID)
		}
	}
}

// launch starts a workflow for a due scheduled query and rolls its
// timestamps forward.
func (s *Scheduler) launch(ctx context.Context, sq *store.ScheduledQuery, now time.Time) error {
	s.logger.Info("launching scheduled query",
		slog.String("schedule_id", sq.ID),
		slog.String("query", sq.Query),
	)

	workflowID, err := s.runner.RunAsync(ctx, sq.Query)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled query launch failed",
			slog.String("schedule_id", sq.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("scheduled query launched",
			slog.String("schedule_id", sq.ID),
			slog.String("workflow_id", workflowID),
		)
	}

	return s.updateRunStatus(ctx, sq, now, status)
}

func (s *Scheduler) updateRunStatus(ctx context.Context, sq *store.ScheduledQuery, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(sq.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sq.ID, err)
	}

	return s.store.UpdateScheduledQuery(ctx, sq.ID, store.ScheduledQueryUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the schedule in-flight if it is not
// already launching.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

// release removes the schedule from the in-flight set.
func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed launches enabled schedules whose next_run_at passed while
// the process was down, once each. Called at startup before Start.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	queries, err := s.store.ListScheduledQueries(ctx, store.ScheduledQueryFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, sq := range queries {
		if sq.NextRunAt != nil && sq.NextRunAt.Before(now) {
			if !s.tryAcquire(sq.ID) {
				continue
			}
			if err := s.launch(ctx, sq, now); err != nil {
				s.logger.Error("failed to recover missed schedule",
					slog.String("schedule_id", sq.ID),
					slog.String("error", err.Error()),
				)
				s.release(sq.ID)
				continue
			}
			s.release(sq.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
