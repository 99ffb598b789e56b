package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/bzinkan/pass-pilot-sub000/internal/metrics"
)

// Resetter is the slice of the pass service the sweep needs.
type Resetter interface {
	ResetSchool(ctx context.Context, schoolID string) (int, error)
	Schools(ctx context.Context) ([]string, error)
}

// Scheduler force-returns every still-active pass at local midnight so
// passes never leak across a day boundary. It owns its timer: each run
// schedules the next one-shot rather than ticking at a fixed interval, so
// variable-length days (DST) land on the right midnight.
type Scheduler struct {
	resetter     Resetter
	loc          *time.Location
	sweepTimeout time.Duration
	now          func() time.Time
	onReset      func(ctx context.Context, schoolID string)

	mu      sync.Mutex
	nextRun time.Time
}

func New(resetter Resetter, loc *time.Location, sweepTimeout time.Duration) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if sweepTimeout <= 0 {
		sweepTimeout = time.Minute
	}
	return &Scheduler{
		resetter:     resetter,
		loc:          loc,
		sweepTimeout: sweepTimeout,
		now:          time.Now,
	}
}

// OnReset registers a hook invoked after each school is swept successfully.
// The HTTP layer uses it to drop that school's cached active list, since the
// sweep mutates passes outside any request path. Set before Start.
func (s *Scheduler) OnReset(fn func(ctx context.Context, schoolID string)) {
	s.onReset = fn
}

// Start launches the midnight loop. It returns immediately; the loop stops
// when ctx is cancelled. A sweep already firing is not interrupted mid-school,
// only the wait for the next midnight is.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		for {
			next := s.scheduleNext()
			timer := time.NewTimer(next.Sub(s.now()))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.runSweep(ctx)
			}
		}
	}()
}

// scheduleNext records and returns the upcoming local midnight.
func (s *Scheduler) scheduleNext() time.Time {
	next := nextMidnight(s.now().In(s.loc))
	s.mu.Lock()
	s.nextRun = next
	s.mu.Unlock()
	return next
}

func nextMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
}

// runSweep resets every known school. One school failing must not stop the
// others, and never stops the loop from rescheduling tomorrow's run.
func (s *Scheduler) runSweep(ctx context.Context) {
	metrics.ResetSweepRuns.Inc()
	schools, err := s.resetter.Schools(ctx)
	if err != nil {
		log.Printf("reset sweep: listing schools failed: %v", err)
		metrics.ResetSweepFailures.Inc()
		return
	}
	for _, schoolID := range schools {
		sweepCtx, cancel := context.WithTimeout(ctx, s.sweepTimeout)
		count, err := s.resetter.ResetSchool(sweepCtx, schoolID)
		cancel()
		if err != nil {
			log.Printf("reset sweep: school %s failed: %v", schoolID, err)
			metrics.ResetSweepFailures.Inc()
			continue
		}
		metrics.ResetPassesSwept.Add(float64(count))
		if s.onReset != nil {
			s.onReset(ctx, schoolID)
		}
		if count > 0 {
			log.Printf("reset sweep: school %s returned %d passes", schoolID, count)
		}
	}
}

// ManualReset runs one school's portion of the nightly sweep on demand.
func (s *Scheduler) ManualReset(ctx context.Context, schoolID string) (int, error) {
	count, err := s.resetter.ResetSchool(ctx, schoolID)
	if err != nil {
		return 0, err
	}
	metrics.ResetPassesSwept.Add(float64(count))
	return count, nil
}

// TimeUntilNextReset reports the remaining wait as whole hours and minutes.
// Status display only; it never mutates anything.
func (s *Scheduler) TimeUntilNextReset() (hours, minutes int) {
	s.mu.Lock()
	next := s.nextRun
	s.mu.Unlock()
	now := s.now()
	if next.IsZero() || !next.After(now) {
		next = nextMidnight(now.In(s.loc))
	}
	remaining := next.Sub(now)
	hours = int(remaining / time.Hour)
	minutes = int(remaining%time.Hour) / int(time.Minute)
	return hours, minutes
}
