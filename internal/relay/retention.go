package relay

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"chanrelay/internal/domain"
	"chanrelay/internal/storage"
	"chanrelay/internal/transport"
	logx "chanrelay/pkg/logx"
)

// SweepResult counts one retention pass.
type SweepResult struct {
	Expired int
	Deleted int
	Failed  int
	Purged  int
}

// Retention deletes forwarded copies older than the job retention window.
type Retention struct {
	ch            transport.Channel
	store         storage.JobStore
	limiter       *rate.Limiter
	chunk         int
	keepOnFailure bool
	clock         Clock
	log           logx.Logger
}

func NewRetention(ch transport.Channel, store storage.JobStore, opts Options) *Retention {
	opts = opts.withDefaults()
	return &Retention{
		ch:            ch,
		store:         store,
		limiter:       opts.pacer(opts.DeletePacing),
		chunk:         opts.DeleteChunk,
		keepOnFailure: opts.RetentionKeepOnFailure,
		clock:         opts.Clock,
		log:           opts.Log,
	}
}

// Sweep deletes expired copies from the target in chunks and purges their
// records. Records of a chunk whose delete failed are purged too, unless
// keepOnFailure is set. A rate limit stops the sweep and is returned; chunks
// handled before it stay purged.
func (r *Retention) Sweep(ctx context.Context, job *domain.Job) (SweepResult, error) {
	var res SweepResult
	if job.Retention() <= 0 {
		return res, nil
	}
	cutoff := r.clock.Now().Add(-job.Retention())
	recs, err := r.store.ExpiredForwards(ctx, job.ID, cutoff)
	if err != nil {
		return res, errors.Wrap(err, "list expired forwards")
	}
	res.Expired = len(recs)
	if len(recs) == 0 {
		return res, nil
	}
	log := r.log.With(logx.Job(job.ID))
	log.Info("cleaning expired copies", logx.Int("count", len(recs)))

	ids := make([]int64, len(recs))
	for i, rec := range recs {
		ids[i] = rec.DestID
	}
	for start := 0; start < len(ids); start += r.chunk {
		chunk := ids[start:min(start+r.chunk, len(ids))]
		if err := r.limiter.Wait(ctx); err != nil {
			return res, err
		}
		delErr := r.ch.DeleteMany(ctx, job.Target, chunk)
		if delErr != nil {
			if _, limited := domain.RateLimited(delErr); limited || ctx.Err() != nil {
				return res, delErr
			}
			res.Failed += len(chunk)
			log.Warn("delete expired copies failed", logx.Int("count", len(chunk)), logx.Err(delErr))
			if r.keepOnFailure {
				continue
			}
		} else {
			res.Deleted += len(chunk)
		}
		if err := r.store.DeleteForwards(ctx, job.ID, chunk); err != nil {
			return res, errors.Wrap(err, "purge forward records")
		}
		res.Purged += len(chunk)
	}
	return res, nil
}
