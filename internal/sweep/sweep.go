// Package sweep runs the presence reconciliation pass on a cron schedule.
package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/questrelay/internal/rooms"
)

// DefaultCron runs a pass every minute.
const DefaultCron = "* * * * *"

// Job performs one pass.
type Job func(ctx context.Context) rooms.SweepResult

// Scheduler triggers a Job on a cron expression. Overlapping runs are skipped.
type Scheduler struct {
	expr string
	job  Job
	log  zerolog.Logger
	now  func() time.Time

	mu      sync.Mutex
	running bool
	last    *rooms.SweepResult
	lastAt  time.Time
}

// New validates expr and returns a scheduler for job.
func New(expr string, job Job, log zerolog.Logger) (*Scheduler, error) {
	if expr == "" {
		expr = DefaultCron
	}
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid sweep cron expression %q", expr)
	}
	return &Scheduler{
		expr: expr,
		job:  job,
		log:  log.With().Str("component", "sweep").Logger(),
		now:  time.Now,
	}, nil
}

// Expr returns the schedule.
func (s *Scheduler) Expr() string {
	return s.expr
}

// Start runs the schedule loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info().Str("cron", s.expr).Msg("presence sweep scheduled")
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.expr, s.now(), false)
		if err != nil {
			s.log.Error().Err(err).Str("cron", s.expr).Msg("failed to compute next sweep")
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := next.Sub(s.now())
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			s.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow runs a pass immediately. It returns false if a pass is already in
// progress.
func (s *Scheduler) RunNow(ctx context.Context) (rooms.SweepResult, bool) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Debug().Msg("sweep already running, skipped")
		return rooms.SweepResult{}, false
	}
	s.running = true
	s.mu.Unlock()

	start := s.now()
	res := s.job(ctx)

	s.mu.Lock()
	s.running = false
	s.last = &res
	s.lastAt = start
	s.mu.Unlock()

	s.log.Debug().
		Int("checked", res.Checked).
		Int("stale", res.Stale).
		Int("failed", res.Failed).
		Dur("took", s.now().Sub(start)).
		Msg("sweep finished")
	return res, true
}

// Last returns the most recent result and when it started.
func (s *Scheduler) Last() (rooms.SweepResult, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return rooms.SweepResult{}, time.Time{}, false
	}
	return *s.last, s.lastAt, true
}
