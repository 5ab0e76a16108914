package relay

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"chanrelay/internal/domain"
	rtsup "chanrelay/internal/runtime/supervisor"
	"chanrelay/internal/storage"
	"chanrelay/internal/transport"
	logx "chanrelay/pkg/logx"
)

// Supervisor owns the running set: one handle per job with a live runner.
// The map is only touched through Supervisor methods.
type Supervisor struct {
	store   storage.JobStore
	ch      transport.Channel
	opts    Options
	log     logx.Logger
	scanner *Scanner

	// ctl serialises control operations against each other.
	ctl sync.Mutex

	mu      sync.Mutex
	host    *rtsup.Supervisor
	handles map[string]*handle
	ready   chan struct{}
	done    chan struct{}
	closed  bool
}

func NewSupervisor(store storage.JobStore, ch transport.Channel, opts Options) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		store:   store,
		ch:      ch,
		opts:    opts,
		log:     opts.Log.With(logx.String("comp", "relay")),
		scanner: NewScanner(ch, opts),
		handles: map[string]*handle{},
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run resumes every active job and hosts runners until ctx ends, then waits
// for them to return. It can be called once.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Wrap(domain.ErrStopped, "relay supervisor")
	}
	if s.host != nil {
		s.mu.Unlock()
		return errors.New("relay supervisor already running")
	}
	s.host = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	}()

	if _, _, err := s.Reconcile(ctx); err != nil {
		s.log.Error("resume active jobs failed", logx.Err(err))
	}
	close(s.ready)

	<-ctx.Done()
	s.log.Info("stopping runners", logx.Int("running", s.Running()))
	return s.host.Wait(context.WithoutCancel(ctx))
}

// Ready is closed once Run has resumed the active jobs.
func (s *Supervisor) Ready() <-chan struct{} { return s.ready }

// Wait blocks until Run has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Host exposes the runtime supervisor hosting the runners (nil before Run).
func (s *Supervisor) Host() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// Running is the number of registered runners.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// spawnLocked registers a handle and starts its runner. s.mu must be held.
// Before Run the job is left for Run to resume.
func (s *Supervisor) spawnLocked(id string) {
	if s.host == nil || s.closed || s.handles[id] != nil {
		return
	}
	h := newHandle(id)
	h.fwd = NewForwarder(s.ch, s.store, s.opts)
	h.ret = NewRetention(s.ch, s.store, s.opts)
	r := &runner{s: s, h: h, log: s.log.With(logx.Job(id))}
	s.handles[id] = h
	h.task = s.host.GoRestart("job:"+id, r.loop,
		rtsup.WithRestartBackoff(time.Second, time.Minute),
	)
}

// deregister removes h unless a Start happened since generation gen.
func (s *Supervisor) deregister(h *handle, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.gen.Load() != gen {
		return false
	}
	h.enabled.Store(false)
	h.setPhase(domain.PhaseStopped)
	if s.handles[h.id] == h {
		delete(s.handles, h.id)
	}
	return true
}

// sleep waits d on the engine clock. wake ends the wait early; ctx
// cancellation returns its error.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-s.opts.Clock.After(d):
		return nil
	}
}

// Create validates and stores a new inactive job.
func (s *Supervisor) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	created, err := s.store.CreateJob(ctx, job)
	if err != nil {
		return nil, err
	}
	s.log.Info("job created", logx.Job(created.ID), logx.String("source", string(created.Source)), logx.String("target", string(created.Target)))
	return created, nil
}

// Update rewrites the settings of a job. A running job picks them up on its
// next cycle.
func (s *Supervisor) Update(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	s.ctl.Lock()
	defer s.ctl.Unlock()
	updated, err := s.store.UpdateJob(ctx, job)
	if err != nil {
		return nil, err
	}
	s.log.Info("job updated", logx.Job(updated.ID))
	return updated, nil
}

// Start marks the job active and spawns its runner. Starting a running job
// is a no-op.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return err
	}
	if err := s.store.SetActive(ctx, id, true); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h := s.handles[id]; h != nil {
		h.gen.Add(1)
		h.enabled.Store(true)
		return nil
	}
	s.spawnLocked(id)
	s.log.Info("job started", logx.Job(id))
	return nil
}

// Stop marks the job inactive. The runner notices at its next safe point:
// the top of a cycle, between scan windows or in its interval sleep.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return err
	}
	if err := s.store.SetActive(ctx, id, false); err != nil {
		return err
	}
	s.mu.Lock()
	if h := s.handles[id]; h != nil {
		h.enabled.Store(false)
		h.poke()
	}
	s.mu.Unlock()
	s.log.Info("job stopped", logx.Job(id))
	return nil
}

// requireIdle fails with ErrConflict while the job is active or its runner
// has not deregistered yet.
func (s *Supervisor) requireIdle(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	_, running := s.handles[id]
	s.mu.Unlock()
	if job.Active || running {
		return errors.Wrapf(domain.ErrConflict, "job %s is running; stop it first", id)
	}
	return nil
}

// Reset rewinds the cursor to start-1 and drops all forward records.
func (s *Supervisor) Reset(ctx context.Context, id string) (*domain.Job, error) {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if err := s.requireIdle(ctx, id); err != nil {
		return nil, err
	}
	job, err := s.store.ResetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	s.log.Info("job reset", logx.Job(id), logx.Int64("cursor", job.Cursor))
	return job, nil
}

// Delete removes the job and its forward records.
func (s *Supervisor) Delete(ctx context.Context, id string) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if err := s.requireIdle(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.log.Info("job deleted", logx.Job(id))
	return nil
}

// Reconcile aligns the running set with the active flags in the store: it
// spawns runners for active jobs without one and signals runners whose job
// became inactive or vanished. It returns how many runners were started
// and signalled.
func (s *Supervisor) Reconcile(ctx context.Context) (started, stopped int, err error) {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	jobs, err := s.store.ListActiveJobs(ctx)
	if err != nil {
		return 0, 0, errors.Wrap(err, "list active jobs")
	}
	active := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		active[j.ID] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.host == nil || s.closed {
		return 0, 0, nil
	}
	for _, j := range jobs {
		if s.handles[j.ID] == nil {
			s.spawnLocked(j.ID)
			started++
		}
	}
	for id, h := range s.handles {
		if !active[id] && h.enabled.Load() {
			h.enabled.Store(false)
			h.poke()
			stopped++
		}
	}
	if started > 0 || stopped > 0 {
		s.log.Info("running set reconciled", logx.Int("started", started), logx.Int("stopped", stopped))
	}
	return started, stopped, nil
}

// Status reports a job as stored plus what its runner is doing.
func (s *Supervisor) Status(ctx context.Context, id string) (domain.JobStatus, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return domain.JobStatus{}, err
	}
	return s.status(ctx, job)
}

// List reports every job, ordered by creation time.
func (s *Supervisor) List(ctx context.Context) ([]domain.JobStatus, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	return s.statuses(ctx, jobs)
}

// ListOwner reports the jobs of one owner.
func (s *Supervisor) ListOwner(ctx context.Context, owner int64) ([]domain.JobStatus, error) {
	jobs, err := s.store.ListJobsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	return s.statuses(ctx, jobs)
}

func (s *Supervisor) statuses(ctx context.Context, jobs []*domain.Job) ([]domain.JobStatus, error) {
	out := make([]domain.JobStatus, 0, len(jobs))
	for _, j := range jobs {
		st, err := s.status(ctx, j)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Supervisor) status(ctx context.Context, job *domain.Job) (domain.JobStatus, error) {
	forwards, err := s.store.CountForwards(ctx, job.ID)
	if err != nil {
		return domain.JobStatus{}, err
	}
	st := domain.JobStatus{
		ID:        job.ID,
		Key:       job.Key,
		Owner:     job.Owner,
		Source:    job.Source,
		Target:    job.Target,
		Active:    job.Active,
		Phase:     domain.PhaseIdle,
		Cursor:    job.Cursor,
		End:       job.End,
		Exhausted: job.Exhausted(),
		Forwards:  forwards,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	if !job.Active {
		st.Phase = domain.PhaseStopped
	}
	s.mu.Lock()
	h := s.handles[job.ID]
	s.mu.Unlock()
	if h != nil {
		st.Running = true
		st.Phase, st.LastCycleAt, st.NextCycleAt, st.LastError = h.snapshot()
	}
	return st, nil
}
