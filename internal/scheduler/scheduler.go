package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Trigger pairs the next-fire math (robfig/cron does the parsing and
// arithmetic) with a human-readable description for listings.
type Trigger struct {
	Schedule cron.Schedule
	Desc     string
}

// Every fires at a fixed interval. Intervals below one second are
// rounded up by the cron library.
func Every(d time.Duration) Trigger {
	return Trigger{Schedule: cron.Every(d), Desc: "every " + d.String()}
}

// Cron fires per a standard 5-field cron expression.
func Cron(expr string) (Trigger, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return Trigger{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return Trigger{Schedule: sched, Desc: "cron " + expr}, nil
}

// Job is a named recurring callback. Callbacks perform their own side
// effects (typically enqueuing work on the task queue) and report
// failures through the returned error, which the scheduler logs.
type Job struct {
	ID       string
	Name     string
	Trigger  Trigger
	Callback func(ctx context.Context) error
}

// JobView is the listing snapshot for one registered job.
type JobView struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	NextRun time.Time `json:"next_run_time"`
	Trigger string    `json:"trigger"`
	Paused  bool      `json:"paused"`
}

type jobState struct {
	Job
	next     time.Time
	paused   bool
	inflight int
}

// Config tunes the scheduler. The misfire and overlap values come from
// the scheduling policy this service has always run with: firings
// delayed past the grace window are skipped, and at most MaxConcurrent
// instances of one job may overlap before further firings are dropped.
type Config struct {
	Tick          time.Duration
	MisfireGrace  time.Duration
	MaxConcurrent int
}

func DefaultConfig() Config {
	return Config{
		Tick:          time.Second,
		MisfireGrace:  30 * time.Second,
		MaxConcurrent: 3,
	}
}

// Scheduler drives registered jobs from a single ticker loop, the same
// engine shape as the task poller: check what is due, fire it on its
// own goroutine, compute the next fire time.
type Scheduler struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]*jobState
	order   []string
	running bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, log zerolog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = def.MisfireGrace
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	return &Scheduler{
		cfg:  cfg,
		log:  log,
		jobs: make(map[string]*jobState),
		stop: make(chan struct{}),
	}
}

// Register adds a job, replacing any prior definition with the same id.
func (s *Scheduler) Register(j Job) error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.Trigger.Schedule == nil {
		return fmt.Errorf("job %q has no trigger", j.ID)
	}
	if j.Callback == nil {
		return fmt.Errorf("job %q has no callback", j.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[j.ID]; !exists {
		s.order = append(s.order, j.ID)
	}
	s.jobs[j.ID] = &jobState{
		Job:  j,
		next: j.Trigger.Schedule.Next(time.Now()),
	}
	s.log.Info().Str("job_id", j.ID).Str("trigger", j.Trigger.Desc).Msg("job registered")
	return nil
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn().Msg("scheduler already running")
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(stop)
	s.log.Info().Dur("tick", s.cfg.Tick).Msg("scheduler started")
}

// Shutdown stops the timer loop and waits for in-flight callbacks to
// finish before returning.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop := s.stop
	s.mu.Unlock()

	close(stop)
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.fireDue(now)
		}
	}
}

func (s *Scheduler) fireDue(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		j := s.jobs[id]
		if j.paused || now.Before(j.next) {
			continue
		}

		lateness := now.Sub(j.next)
		j.next = j.Trigger.Schedule.Next(now)

		if lateness > s.cfg.MisfireGrace {
			s.log.Warn().
				Str("job_id", j.ID).
				Dur("late_by", lateness).
				Msg("misfired job skipped")
			continue
		}
		if j.inflight >= s.cfg.MaxConcurrent {
			s.log.Warn().
				Str("job_id", j.ID).
				Int("inflight", j.inflight).
				Msg("overlapping job firing dropped")
			continue
		}

		j.inflight++
		s.wg.Add(1)
		go s.run(j.ID, j.Name, j.Callback)
	}
}

// run executes one firing. Panics and errors are contained here so one
// job can never take down the loop or other jobs.
func (s *Scheduler) run(id, name string, cb func(ctx context.Context) error) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("job_id", id).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("job callback panicked")
		}
		s.mu.Lock()
		if j, ok := s.jobs[id]; ok {
			j.inflight--
		}
		s.mu.Unlock()
	}()

	s.log.Debug().Str("job_id", id).Msg("job firing")
	if err := cb(context.Background()); err != nil {
		s.log.Error().Err(err).Str("job_id", id).Str("job", name).Msg("job callback failed")
	}
}

// Pause suppresses future firings of a job; an in-flight run finishes.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("unknown job %q", id)
	}
	j.paused = true
	s.log.Info().Str("job_id", id).Msg("job paused")
	return nil
}

// Resume restores firings for a paused job, computing the next fire
// time from now rather than replaying missed ones.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("unknown job %q", id)
	}
	if j.paused {
		j.paused = false
		j.next = j.Trigger.Schedule.Next(time.Now())
	}
	s.log.Info().Str("job_id", id).Msg("job resumed")
	return nil
}

// Jobs lists registered jobs in registration order.
func (s *Scheduler) Jobs() []JobView {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobView, 0, len(s.order))
	for _, id := range s.order {
		j := s.jobs[id]
		out = append(out, JobView{
			ID:      j.ID,
			Name:    j.Name,
			NextRun: j.next,
			Trigger: j.Trigger.Desc,
			Paused:  j.paused,
		})
	}
	return out
}

// Running reports whether the timer loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
