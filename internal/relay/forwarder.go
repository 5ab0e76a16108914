package relay

import (
	"context"

	"golang.org/x/time/rate"

	"chanrelay/internal/domain"
	"chanrelay/internal/storage"
	"chanrelay/internal/transport"
	logx "chanrelay/pkg/logx"
)

// ForwardResult counts one Forward call.
type ForwardResult struct {
	Sent   int
	Failed int
	// Remaining are the messages not attempted because of a rate limit or
	// cancellation, in order.
	Remaining []domain.Message
}

// Forwarder copies a batch into the job target, one message per limiter
// token, and records every copy for retention.
type Forwarder struct {
	ch      transport.Channel
	store   storage.JobStore
	limiter *rate.Limiter
	clock   Clock
	log     logx.Logger
}

func NewForwarder(ch transport.Channel, store storage.JobStore, opts Options) *Forwarder {
	opts = opts.withDefaults()
	return &Forwarder{
		ch:      ch,
		store:   store,
		limiter: opts.pacer(opts.ForwardDelay),
		clock:   opts.Clock,
		log:     opts.Log,
	}
}

func copyOptions(job *domain.Job) domain.CopyOptions {
	opt := domain.CopyOptions{Caption: job.Caption}
	if job.Button.Usable() {
		b := *job.Button
		opt.Button = &b
	}
	return opt
}

// Forward sends batch in order. A per-message failure is logged and skipped.
// A rate limit stops the loop: the error is returned together with the
// unsent remainder, starting at the message that was refused.
func (f *Forwarder) Forward(ctx context.Context, job *domain.Job, batch []domain.Message) (ForwardResult, error) {
	var res ForwardResult
	opt := copyOptions(job)
	log := f.log.With(logx.Job(job.ID))

	for i, msg := range batch {
		if err := f.limiter.Wait(ctx); err != nil {
			res.Remaining = batch[i:]
			return res, err
		}
		destID, err := f.ch.Copy(ctx, msg, job.Target, opt)
		if err != nil {
			if wait, limited := domain.RateLimited(err); limited {
				log.Warn("forward rate limited", logx.Int64("source_id", msg.ID), logx.Duration("wait", wait), logx.Int("left", len(batch)-i))
				res.Remaining = batch[i:]
				return res, err
			}
			if ctx.Err() != nil {
				res.Remaining = batch[i:]
				return res, ctx.Err()
			}
			res.Failed++
			log.Warn("forward failed", logx.Int64("source_id", msg.ID), logx.Err(err))
			continue
		}
		res.Sent++
		rec := domain.ForwardRecord{
			JobID:       job.ID,
			SourceID:    msg.ID,
			DestID:      destID,
			ForwardedAt: f.clock.Now().UTC(),
		}
		if err := f.store.AppendForward(ctx, rec); err != nil {
			// The copy exists; only its retention is lost.
			log.Error("record forward failed", logx.Int64("source_id", msg.ID), logx.Int64("dest_id", destID), logx.Err(err))
		}
	}
	return res, nil
}
