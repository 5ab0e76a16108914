package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"chanrelay/internal/domain"
	rtsup "chanrelay/internal/runtime/supervisor"
	logx "chanrelay/pkg/logx"
)

// handle is the in-memory side of a running job. It is created by the
// Supervisor and removed by the runner itself when it deregisters.
type handle struct {
	id string

	// cycle serialises cycles of the same job.
	cycle sync.Mutex

	enabled atomic.Bool
	// gen is bumped by every Start so a runner that read a stale inactive
	// flag does not deregister a job that was just started again.
	gen  atomic.Uint64
	wake chan struct{}
	task *rtsup.Task

	fwd *Forwarder
	ret *Retention

	mu        sync.Mutex
	phase     domain.Phase
	lastCycle time.Time
	nextCycle time.Time
	lastErr   string
}

func newHandle(id string) *handle {
	h := &handle{id: id, wake: make(chan struct{}, 1), phase: domain.PhaseIdle}
	h.enabled.Store(true)
	return h
}

// poke wakes the runner out of an interval or cooldown sleep.
func (h *handle) poke() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *handle) halted() bool { return !h.enabled.Load() }

func (h *handle) setPhase(p domain.Phase) {
	h.mu.Lock()
	h.phase = p
	if p != domain.PhaseWaiting {
		h.nextCycle = time.Time{}
	}
	h.mu.Unlock()
}

func (h *handle) snapshot() (domain.Phase, time.Time, time.Time, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase, h.lastCycle, h.nextCycle, h.lastErr
}

// runner executes the cycles of one job.
type runner struct {
	s   *Supervisor
	h   *handle
	log logx.Logger
}

// outcome tells the loop what to do after a cycle.
type outcome int

const (
	outcomeSleep outcome = iota
	outcomeExit
	outcomeFailed
)

// loop is the body hosted by the runtime supervisor. It returns nil when the
// job is stopped, deleted or the context ends.
func (r *runner) loop(ctx context.Context) error {
	r.log.Info("runner started")
	defer r.log.Info("runner stopped")
	for {
		gen := r.h.gen.Load()
		job, out, err := r.cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if out == outcomeExit {
			if r.s.deregister(r.h, gen) {
				return nil
			}
			continue
		}

		pause := r.s.opts.Cooldown
		switch {
		case err != nil:
			if wait, limited := domain.RateLimited(err); limited {
				pause = wait
			}
			r.fail(err, pause)
		case job.Exhausted():
			// Slow poll so an edit that moves the end bound is picked up.
			pause = 2 * job.Interval()
		default:
			pause = job.Interval()
		}
		if pause <= 0 {
			pause = r.s.opts.Cooldown
		}

		// Only a poke sent during the sleep may cut it short. A stop that
		// arrived mid-cycle is seen by the halted check instead.
		select {
		case <-r.h.wake:
		default:
		}
		if r.h.halted() {
			if r.s.deregister(r.h, gen) {
				return nil
			}
			continue
		}

		now := r.s.opts.Clock.Now()
		r.h.mu.Lock()
		r.h.phase = domain.PhaseWaiting
		r.h.nextCycle = now.Add(pause)
		r.h.mu.Unlock()

		if err := r.s.sleep(ctx, pause, r.h.wake); err != nil {
			return nil
		}
	}
}

func (r *runner) fail(err error, pause time.Duration) {
	r.h.mu.Lock()
	r.h.lastErr = err.Error()
	r.h.mu.Unlock()
	r.log.Error("cycle failed", logx.Duration("retry_in", pause), logx.Err(err))
}

// cycle runs one scan, forward, commit and clean pass under the job mutex.
func (r *runner) cycle(ctx context.Context) (*domain.Job, outcome, error) {
	r.h.cycle.Lock()
	defer r.h.cycle.Unlock()

	job, err := r.s.store.GetJob(ctx, r.h.id)
	if errors.Is(err, domain.ErrNotFound) {
		r.log.Info("job is gone")
		return nil, outcomeExit, nil
	}
	if err != nil {
		return nil, outcomeFailed, errors.Wrap(err, "load job")
	}
	if !job.Active || r.h.halted() {
		return job, outcomeExit, nil
	}
	if err := job.Validate(); err != nil {
		return job, outcomeFailed, errors.Wrap(err, "job config")
	}

	if !job.Exhausted() {
		if err := r.relay(ctx, job); err != nil {
			if errors.Is(err, errHalted) {
				return job, outcomeExit, nil
			}
			return job, outcomeFailed, err
		}
	}

	if job.Retention() > 0 {
		r.h.setPhase(domain.PhaseCleaning)
		var res SweepResult
		err := r.retryRateLimited(ctx, domain.PhaseCleaning, func() error {
			var err error
			res, err = r.h.ret.Sweep(ctx, job)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return job, outcomeFailed, ctx.Err()
			}
			r.log.Warn("cleanup incomplete", logx.String("phase", string(domain.PhaseCleaning)), logx.Err(err))
		} else if res.Expired > 0 {
			r.log.Info("cleanup done", logx.Int("deleted", res.Deleted), logx.Int("failed", res.Failed), logx.Int("purged", res.Purged))
		}
	}

	r.h.mu.Lock()
	r.h.lastCycle = r.s.opts.Clock.Now()
	r.h.lastErr = ""
	r.h.mu.Unlock()
	return job, outcomeSleep, nil
}

// relay scans, forwards and commits the cursor. job.Cursor is updated to
// the committed value.
func (r *runner) relay(ctx context.Context, job *domain.Job) error {
	r.h.setPhase(domain.PhaseScanning)
	var scan ScanResult
	err := r.retryRateLimited(ctx, domain.PhaseScanning, func() error {
		var err error
		scan, err = r.s.scanner.Scan(ctx, job, r.h.halted)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "scan")
	}
	if scan.Partial != nil {
		r.log.Warn("scan cut short", logx.Int64("examined", scan.Examined), logx.Err(scan.Partial))
	}

	sent, failed := 0, 0
	if len(scan.Batch) > 0 {
		r.h.setPhase(domain.PhaseForwarding)
		remaining := scan.Batch
		err := r.retryRateLimited(ctx, domain.PhaseForwarding, func() error {
			res, err := r.h.fwd.Forward(ctx, job, remaining)
			sent += res.Sent
			failed += res.Failed
			remaining = res.Remaining
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				// Shutting down: leave the cursor so the batch is replayed.
				return ctx.Err()
			}
			r.log.Warn("dropping unsent messages", logx.Int("count", len(remaining)), logx.Err(err))
		}
	}

	if scan.Examined > job.Cursor {
		stored, err := r.s.store.AdvanceCursor(ctx, job.ID, scan.Examined)
		if err != nil {
			return errors.Wrap(err, "commit cursor")
		}
		job.Cursor = stored
	}
	r.log.Info("batch done",
		logx.Int("matched", len(scan.Batch)),
		logx.Int("sent", sent),
		logx.Int("failed", failed),
		logx.Int("gaps", scan.Gaps),
		logx.Int64("cursor", job.Cursor),
	)
	return nil
}

// retryRateLimited runs fn again after every rate limit, sleeping exactly
// the signalled wait, up to MaxPhaseRetries times. Other errors return at once.
func (r *runner) retryRateLimited(ctx context.Context, phase domain.Phase, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		wait, limited := domain.RateLimited(err)
		if !limited || attempt >= r.s.opts.MaxPhaseRetries {
			return err
		}
		r.log.Warn("rate limited", logx.String("phase", string(phase)), logx.Duration("wait", wait), logx.Int("attempt", attempt+1))
		if err := r.s.sleep(ctx, wait, nil); err != nil {
			return err
		}
	}
}
