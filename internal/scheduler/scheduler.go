package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/unixabg/dosi/internal/auth"
	"github.com/unixabg/dosi/internal/registry"
)

// Func is one unit of maintenance work.
type Func func(ctx context.Context) error

type job struct {
	name  string
	spec  string
	fn    Func
	entry cron.EntryID
}

// Scheduler runs named maintenance jobs on cron specs. Runs of the same job
// never overlap.
type Scheduler struct {
	logger zerolog.Logger
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*job
}

// New returns a stopped scheduler; jobs run once Start is called.
func New(logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger.With().Str("component", "scheduler").Logger(),
		cron:   cron.New(),
		ctx:    ctx,
		cancel: cancel,
		jobs:   map[string]*job{},
	}
}

// Add registers fn under name. spec accepts five-field cron expressions and
// descriptors such as "@every 15m"; an empty spec disables the job.
func (s *Scheduler) Add(name, spec string, fn Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %q already registered", name)
	}
	j := &job{name: name, spec: spec, fn: fn}
	if spec != "" {
		wrapped := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() { s.run(j) }))
		id, err := s.cron.AddJob(spec, wrapped)
		if err != nil {
			return fmt.Errorf("job %q: invalid schedule %q: %w", name, spec, err)
		}
		j.entry = id
	}
	s.jobs[name] = j
	return nil
}

// RunNow runs the named job synchronously.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.run(j)
}

func (s *Scheduler) run(j *job) error {
	start := time.Now()
	err := j.fn(s.ctx)
	ev := s.logger.Debug()
	if err != nil {
		ev = s.logger.Error().Err(err)
	}
	ev.Str("job", j.name).Dur("took", time.Since(start)).Msg("job finished")
	return err
}

// Jobs lists registered job names with their next run time (zero if the job
// has no schedule or the scheduler is not started).
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.jobs))
	for name, j := range s.jobs {
		var next time.Time
		if j.entry != 0 {
			next = s.cron.Entry(j.entry).Next
		}
		out[name] = next
	}
	return out
}

// Start begins running jobs on their schedules.
func (s *Scheduler) Start() {
	s.mu.Lock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	s.mu.Unlock()
	sort.Strings(names)
	s.logger.Info().Strs("jobs", names).Msg("Starting scheduler")
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.logger.Info().Msg("Stopping scheduler")
	s.cancel()
	<-s.cron.Stop().Done()
}

// Reconciler is the registry's crash-repair entry point.
type Reconciler interface {
	Reconcile(a auth.Actor) (registry.ReconcileReport, error)
}

// ReconcileJob repairs half-finished registry operations and logs what it
// changed.
func ReconcileJob(r Reconciler, logger zerolog.Logger) Func {
	return func(context.Context) error {
		rep, err := r.Reconcile(auth.System("scheduler"))
		if err != nil {
			return err
		}
		if rep.Changed() {
			logger.Info().
				Int("completed", rep.Completed).
				Int("discarded", rep.Discarded).
				Int("deduplicated", rep.Deduplicated).
				Int("shadowed", rep.Shadowed).
				Msg("reconcile repaired registry")
		}
		return nil
	}
}
