// Package maintenance runs the periodic housekeeping of the relay: pruning
// the message index and reconciling the running job set with the store.
package maintenance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	logx "chanrelay/pkg/logx"
)

// Job names.
const (
	JobIndexPrune = "index_prune"
	JobReconcile  = "reconcile"
)

// Reconciler aligns running jobs with their stored active flag.
type Reconciler interface {
	Reconcile(ctx context.Context) (started, stopped int, err error)
}

// Pruner drops message index entries observed before a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

// Settings is the resolved maintenance configuration. An empty spec
// disables that job.
type Settings struct {
	Location     *time.Location
	IndexPrune   string
	IndexTTL     time.Duration
	PruneTimeout time.Duration
	Reconcile    string
}

// JobStats describes one scheduled job.
type JobStats struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	Runs     uint64    `json:"runs"`
	Failures uint64    `json:"failures"`
	LastRun  time.Time `json:"last_run,omitzero"`
	NextRun  time.Time `json:"next_run,omitzero"`
	LastErr  string    `json:"last_error,omitempty"`
}

type entry struct {
	id    cron.EntryID
	stats JobStats
}

type Service struct {
	log    logx.Logger
	rec    Reconciler
	idx    Pruner
	now    func() time.Time
	parser cron.Parser

	mu      sync.Mutex
	ctx     context.Context
	c       *cron.Cron
	set     Settings
	entries map[string]*entry
	stopped bool
}

// New builds the service. Either collaborator may be nil, which disables the
// job that needs it.
func New(rec Reconciler, idx Pruner, log logx.Logger) *Service {
	return &Service{
		log: log.With(logx.String("comp", "maintenance")),
		rec: rec,
		idx: idx,
		now: time.Now,
		parser: cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
		entries: map[string]*entry{},
	}
}

// Start schedules the jobs. Runs stop when ctx ends or Stop is called.
func (s *Service) Start(ctx context.Context, set Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return errors.New("maintenance already started")
	}
	s.ctx = ctx
	return s.startLocked(set)
}

// Apply replaces the schedule. Counters of jobs that keep their name survive.
func (s *Service) Apply(set Settings) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	if c == nil {
		s.set = set
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// Running jobs take mu when they finish, so wait outside of it.
	<-c.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	return s.startLocked(set)
}

// Stop halts the scheduler and waits for running jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.stopped = true
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "maintenance stop")
	}
}

func (s *Service) startLocked(set Settings) error {
	loc := set.Location
	if loc == nil {
		loc = time.Local
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithParser(s.parser),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	jobs := map[string]string{}
	if s.idx != nil && set.IndexPrune != "" {
		jobs[JobIndexPrune] = set.IndexPrune
	}
	if s.rec != nil && set.Reconcile != "" {
		jobs[JobReconcile] = set.Reconcile
	}

	now := s.now().In(loc)
	kept := make(map[string]*entry, len(jobs))
	for name, spec := range jobs {
		sched, err := parseSchedule(s.parser, spec, name, now)
		if err != nil {
			return errors.Wrapf(err, "maintenance %s: schedule %q", name, spec)
		}
		e := s.entries[name]
		if e == nil {
			e = &entry{stats: JobStats{Name: name}}
		}
		e.stats.Spec = spec
		e.id = c.Schedule(sched, cron.FuncJob(func() { _ = s.RunNow(name) }))
		kept[name] = e
	}

	s.entries = kept
	s.set = set
	s.c = c
	c.Start()
	s.log.Info("maintenance scheduled", logx.String("tz", loc.String()), logx.Int("jobs", len(kept)))
	return nil
}

// RunNow executes the named job synchronously and records the outcome.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	ctx, set := s.ctx, s.set
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	started := s.now()
	var err error
	switch name {
	case JobIndexPrune:
		err = s.prune(ctx, set)
	case JobReconcile:
		err = s.reconcile(ctx)
	default:
		return errors.Newf("unknown maintenance job %q", name)
	}

	s.mu.Lock()
	if e := s.entries[name]; e != nil {
		e.stats.Runs++
		e.stats.LastRun = started
		e.stats.LastErr = ""
		if err != nil {
			e.stats.Failures++
			e.stats.LastErr = err.Error()
		}
	}
	s.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		s.log.Warn("maintenance job failed", logx.String("job_name", name), logx.Err(err))
	}
	return err
}

func (s *Service) prune(ctx context.Context, set Settings) error {
	if s.idx == nil || set.IndexTTL <= 0 {
		return nil
	}
	if set.PruneTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, set.PruneTimeout)
		defer cancel()
	}
	cutoff := s.now().Add(-set.IndexTTL)
	n, err := s.idx.Prune(ctx, cutoff)
	if err != nil {
		return errors.Wrap(err, "index prune")
	}
	if n > 0 {
		s.log.Info("index pruned", logx.Int("removed", n), logx.Time("cutoff", cutoff))
	}
	return nil
}

func (s *Service) reconcile(ctx context.Context) error {
	if s.rec == nil {
		return nil
	}
	started, stopped, err := s.rec.Reconcile(ctx)
	if err != nil {
		return errors.Wrap(err, "reconcile")
	}
	if started > 0 || stopped > 0 {
		s.log.Info("jobs reconciled", logx.Int("started", started), logx.Int("stopped", stopped))
	}
	return nil
}

// Snapshot lists the scheduled jobs ordered by name.
func (s *Service) Snapshot() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStats, 0, len(s.entries))
	for _, e := range s.entries {
		st := e.stats
		if s.c != nil {
			st.NextRun = s.c.Entry(e.id).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes cron's own messages (panics, skipped runs) to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
