package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"chanrelay/internal/domain"
)

// memoryStore keeps everything in maps. The file driver reuses it and hooks
// persist to journal every mutation before it is applied.
type memoryStore struct {
	mu sync.RWMutex

	jobs     map[string]*domain.Job
	forwards map[string][]domain.ForwardRecord
	states   map[int64][]byte

	now     func() time.Time
	persist func(op journalOp) error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		jobs:     map[string]*domain.Job{},
		forwards: map[string][]domain.ForwardRecord{},
		states:   map[int64][]byte{},
		now:      time.Now,
	}
}

// NewMemory returns an in-process store.
func NewMemory() Store { return newMemoryStore() }

func (s *memoryStore) Close() error { return nil }

// commitLocked journals op (when persistence is on) and applies it.
func (s *memoryStore) commitLocked(op journalOp) error {
	if s.persist != nil {
		if err := s.persist(op); err != nil {
			return err
		}
	}
	s.apply(op)
	return nil
}

func (s *memoryStore) apply(op journalOp) {
	switch op.Op {
	case opPutJob:
		if op.Job != nil {
			s.jobs[op.Job.ID] = op.Job.Clone()
		}
	case opDeleteJob:
		delete(s.jobs, op.JobID)
		delete(s.forwards, op.JobID)
	case opResetJob:
		if j := s.jobs[op.JobID]; j != nil {
			j.Cursor = op.Cursor
			j.UpdatedAt = op.At
		}
		delete(s.forwards, op.JobID)
	case opAddForward:
		if op.Forward != nil {
			s.forwards[op.Forward.JobID] = append(s.forwards[op.Forward.JobID], *op.Forward)
		}
	case opDeleteForwards:
		recs := s.forwards[op.JobID]
		kept := recs[:0]
		for _, r := range recs {
			if !slices.Contains(op.DestIDs, r.DestID) {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(s.forwards, op.JobID)
		} else {
			s.forwards[op.JobID] = kept
		}
	case opPutState:
		s.states[op.Owner] = append([]byte(nil), op.State...)
	case opClearState:
		delete(s.states, op.Owner)
	}
}

func (s *memoryStore) CreateJob(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	rec, err := prepareNew(job, s.now())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[rec.ID]; ok {
		return nil, keyConflict(rec.ID)
	}
	if rec.Key != "" && s.findKeyLocked(rec.Key) != nil {
		return nil, keyConflict(rec.Key)
	}
	if err := s.commitLocked(journalOp{Op: opPutJob, Job: rec}); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

func (s *memoryStore) findKeyLocked(key string) *domain.Job {
	for _, j := range s.jobs {
		if j.Key == key {
			return j
		}
	}
	return nil
}

func (s *memoryStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, jobNotFound(id)
	}
	return j.Clone(), nil
}

func (s *memoryStore) GetJobByKey(ctx context.Context, key string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if j := s.findKeyLocked(key); j != nil {
		return j.Clone(), nil
	}
	return nil, jobNotFound("key=" + key)
}

func (s *memoryStore) UpdateJob(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if job == nil {
		return nil, jobNotFound("")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		return nil, jobNotFound(job.ID)
	}
	next, err := applySettings(cur, job, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.commitLocked(journalOp{Op: opPutJob, Job: next}); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (s *memoryStore) SetActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok {
		return jobNotFound(id)
	}
	next := cur.Clone()
	next.Active = active
	next.UpdatedAt = s.now().UTC()
	return s.commitLocked(journalOp{Op: opPutJob, Job: next})
}

func (s *memoryStore) AdvanceCursor(ctx context.Context, id string, cursor int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok {
		return 0, jobNotFound(id)
	}
	if cursor <= cur.Cursor || !cur.Active {
		return cur.Cursor, nil
	}
	next := cur.Clone()
	next.Cursor = cursor
	next.UpdatedAt = s.now().UTC()
	if err := s.commitLocked(journalOp{Op: opPutJob, Job: next}); err != nil {
		return cur.Cursor, err
	}
	return cursor, nil
}

func (s *memoryStore) ResetJob(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok {
		return nil, jobNotFound(id)
	}
	op := journalOp{Op: opResetJob, JobID: id, Cursor: cur.InitialCursor(), At: s.now().UTC()}
	if err := s.commitLocked(op); err != nil {
		return nil, err
	}
	return s.jobs[id].Clone(), nil
}

func (s *memoryStore) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return jobNotFound(id)
	}
	return s.commitLocked(journalOp{Op: opDeleteJob, JobID: id})
}

func (s *memoryStore) listWhere(keep func(*domain.Job) bool) []*domain.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	sortJobs(out)
	return out
}

func (s *memoryStore) ListJobs(ctx context.Context) ([]*domain.Job, error) {
	return s.listWhere(func(*domain.Job) bool { return true }), nil
}

func (s *memoryStore) ListJobsByOwner(ctx context.Context, owner int64) ([]*domain.Job, error) {
	return s.listWhere(func(j *domain.Job) bool { return j.Owner == owner }), nil
}

func (s *memoryStore) ListActiveJobs(ctx context.Context) ([]*domain.Job, error) {
	return s.listWhere(func(j *domain.Job) bool { return j.Active }), nil
}

func (s *memoryStore) AppendForward(ctx context.Context, rec domain.ForwardRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[rec.JobID]
	if !ok {
		return jobNotFound(rec.JobID)
	}
	if !j.Active {
		return nil
	}
	if rec.ForwardedAt.IsZero() {
		rec.ForwardedAt = s.now()
	}
	rec.ForwardedAt = rec.ForwardedAt.UTC()
	return s.commitLocked(journalOp{Op: opAddForward, Forward: &rec})
}

func (s *memoryStore) ExpiredForwards(ctx context.Context, jobID string, before time.Time) ([]domain.ForwardRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ForwardRecord
	for _, r := range s.forwards[jobID] {
		if r.ForwardedAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memoryStore) DeleteForwards(ctx context.Context, jobID string, destIDs []int64) error {
	if len(destIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(journalOp{Op: opDeleteForwards, JobID: jobID, DestIDs: append([]int64(nil), destIDs...)})
}

func (s *memoryStore) CountForwards(ctx context.Context, jobID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.forwards[jobID])), nil
}

func (s *memoryStore) PutOwnerState(ctx context.Context, owner int64, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(journalOp{Op: opPutState, Owner: owner, State: append([]byte(nil), state...)})
}

func (s *memoryStore) GetOwnerState(ctx context.Context, owner int64) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[owner]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), st...), true, nil
}

func (s *memoryStore) ClearOwnerState(ctx context.Context, owner int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[owner]; !ok {
		return nil
	}
	return s.commitLocked(journalOp{Op: opClearState, Owner: owner})
}
