// Package supervisor owns the long-lived cycle loops: one per source, each
// with its own cadence, a progress-based stall detector, and panic
// containment. Nothing a cycle does can take a sibling down.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/avasylenko/pricewatch/internal/metrics"
	"github.com/avasylenko/pricewatch/internal/store"
	domain "github.com/avasylenko/pricewatch/pkg/types"
)

// Cycle is one runnable crawl pass.
type Cycle interface {
	RunCycle(ctx context.Context) error
}

// Job describes the schedule of one source.
type Job struct {
	Source domain.Source
	Cycle  Cycle

	// Fixed cadence: Interval plus a uniform draw from [0, Jitter].
	Interval time.Duration
	Jitter   time.Duration

	// Randomised cadence: a uniform draw from [IntervalMin, IntervalMax],
	// redrawn after every completion. Takes effect when IntervalMax > 0.
	IntervalMin time.Duration
	IntervalMax time.Duration

	// StallBudget cancels the cycle when no progress lands within it.
	// Zero disables the detector.
	StallBudget time.Duration
}

func (j Job) minInterval() time.Duration {
	if j.IntervalMax > 0 {
		return j.IntervalMin
	}
	return j.Interval
}

func (j Job) nextWait() time.Duration {
	if j.IntervalMax > 0 {
		spread := j.IntervalMax - j.IntervalMin
		if spread <= 0 {
			return j.IntervalMin
		}
		return j.IntervalMin + rand.N(spread)
	}
	if j.Jitter > 0 {
		return j.Interval + rand.N(j.Jitter)
	}
	return j.Interval
}

// Supervisor runs the cycle loops and tracks their status for the
// heartbeat.
type Supervisor struct {
	state *store.State
	log   *slog.Logger
	now   func() time.Time

	mu        sync.Mutex
	statuses  map[domain.Source]domain.CycleStatus
	lastRuns  map[domain.Source]time.Time
	progress  map[domain.Source]time.Time
	intervals map[domain.Source]time.Duration
	started   time.Time
}

// Option configures the Supervisor.
type Option func(*Supervisor)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		s.log = l
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		s.now = now
	}
}

// New creates a Supervisor; persisted last-run timestamps are loaded so a
// restart does not trigger an immediate re-crawl of a fresh source.
func New(state *store.State, opts ...Option) (*Supervisor, error) {
	s := &Supervisor{
		state:     state,
		log:       slog.Default(),
		now:       time.Now,
		statuses:  make(map[domain.Source]domain.CycleStatus),
		lastRuns:  make(map[domain.Source]time.Time),
		progress:  make(map[domain.Source]time.Time),
		intervals: make(map[domain.Source]time.Duration),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()

	runs, err := state.LoadLastRuns()
	if err != nil {
		return nil, fmt.Errorf("loading last runs: %w", err)
	}
	s.lastRuns = runs
	return s, nil
}

// Run launches one loop per job and blocks until the context ends.
func (s *Supervisor) Run(ctx context.Context, jobs []Job) {
	var wg sync.WaitGroup
	for _, job := range jobs {
		s.mu.Lock()
		s.intervals[job.Source] = job.minInterval()
		s.statuses[job.Source] = domain.CycleStatus{Source: job.Source, State: domain.CycleIdle}
		s.mu.Unlock()

		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.runLoop(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (s *Supervisor) runLoop(ctx context.Context, job Job) {
	wait := s.initialDelay(job)
	if wait > 0 {
		s.log.Info("deferring first run", "source", job.Source, "wait", wait)
	}

	for {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}

		s.runOnce(ctx, job)
		if ctx.Err() != nil {
			return
		}
		wait = job.nextWait()
		s.log.Debug("cycle scheduled", "source", job.Source, "wait", wait)
	}
}

// initialDelay skips the immediate first run when the persisted last run is
// younger than the job's minimum interval.
func (s *Supervisor) initialDelay(job Job) time.Duration {
	s.mu.Lock()
	last, ok := s.lastRuns[job.Source]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	age := s.now().Sub(last)
	if min := job.minInterval(); age < min {
		return min - age
	}
	return 0
}

// runOnce executes one cycle under the stall detector, containing panics.
func (s *Supervisor) runOnce(ctx context.Context, job Job) {
	start := s.now()
	s.setStatus(domain.CycleStatus{
		Source: job.Source, State: domain.CycleRunning, StartedAt: start,
	})
	s.MarkProgress(job.Source)

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("cycle panicked: %v", r)
			}
		}()
		done <- job.Cycle.RunCycle(cctx)
	}()

	var (
		err     error
		stalled bool
	)
	if job.StallBudget > 0 {
		tick := job.StallBudget / 4
		if tick < 10*time.Millisecond {
			tick = 10 * time.Millisecond
		}
		ticker := time.NewTicker(tick)
		defer ticker.Stop()

	watch:
		for {
			select {
			case err = <-done:
				break watch
			case <-ticker.C:
				if s.now().Sub(s.lastProgress(job.Source)) > job.StallBudget {
					stalled = true
					metrics.StallsTotal.WithLabelValues(string(job.Source)).Inc()
					s.log.Error("cycle stalled, cancelling", "source", job.Source)
					cancel()
					err = <-done
					break watch
				}
			}
		}
	} else {
		err = <-done
	}

	state := domain.CycleOK
	var notes []string
	switch {
	case stalled:
		state = domain.CycleStalled
		notes = append(notes, "stalled")
	case err != nil:
		state = domain.CycleFailed
		notes = append(notes, err.Error())
		s.log.Error("cycle failed", "source", job.Source, "error", err)
	}

	end := s.now()
	metrics.CyclesTotal.WithLabelValues(string(job.Source), string(state)).Inc()
	metrics.CycleDuration.WithLabelValues(string(job.Source)).Observe(end.Sub(start).Seconds())

	s.setStatus(domain.CycleStatus{
		Source: job.Source, State: state,
		StartedAt: start, EndedAt: end, Notes: notes,
	})
	if state == domain.CycleOK {
		s.MarkRun(job.Source, end)
	}
	s.log.Info("cycle finished",
		"source", job.Source, "state", state, "duration", end.Sub(start))
}

// MarkProgress refreshes the source's liveness timestamp; crawlers call it
// through the progress callback after every page.
func (s *Supervisor) MarkProgress(source domain.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[source] = s.now()
}

// ProgressFunc returns the callback handed to a crawler.
func (s *Supervisor) ProgressFunc(source domain.Source) func() {
	return func() { s.MarkProgress(source) }
}

func (s *Supervisor) lastProgress(source domain.Source) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress[source]
}

// MarkRun records a successful run and persists the timestamp map.
func (s *Supervisor) MarkRun(source domain.Source, at time.Time) {
	s.mu.Lock()
	s.lastRuns[source] = at
	snapshot := make(map[domain.Source]time.Time, len(s.lastRuns))
	for k, v := range s.lastRuns {
		snapshot[k] = v
	}
	s.mu.Unlock()

	if err := s.state.SaveLastRuns(snapshot); err != nil {
		s.log.Error("persisting last runs failed", "error", err)
	}
}

// MarkIssue attaches a note to a source's status without changing its state.
func (s *Supervisor) MarkIssue(source domain.Source, note string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statuses[source]
	st.Source = source
	st.Notes = append(st.Notes, note)
	s.statuses[source] = st
}

func (s *Supervisor) setStatus(st domain.CycleStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[st.Source] = st
}

// Snapshot returns a copy of the current per-source view for the heartbeat.
func (s *Supervisor) Snapshot() Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Report{
		Started:   s.started,
		Statuses:  make(map[domain.Source]domain.CycleStatus, len(s.statuses)),
		LastRuns:  make(map[domain.Source]time.Time, len(s.lastRuns)),
		Intervals: make(map[domain.Source]time.Duration, len(s.intervals)),
	}
	for k, v := range s.statuses {
		r.Statuses[k] = v
	}
	for k, v := range s.lastRuns {
		r.LastRuns[k] = v
	}
	for k, v := range s.intervals {
		r.Intervals[k] = v
	}
	return r
}

// Report is the heartbeat's view of the supervisor.
type Report struct {
	Started   time.Time
	Statuses  map[domain.Source]domain.CycleStatus
	LastRuns  map[domain.Source]time.Time
	Intervals map[domain.Source]time.Duration
}
