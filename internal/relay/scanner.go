package relay

import (
	"context"

	"github.com/cockroachdb/errors"

	"chanrelay/internal/domain"
	"chanrelay/internal/transport"
)

// errHalted is returned by a scan interrupted because the job was stopped.
var errHalted = errors.New("scan halted")

// ScanResult is the outcome of one scan.
type ScanResult struct {
	// Batch holds at most BatchSize matching messages in id order.
	Batch []domain.Message
	// Examined is the highest id checked, gaps and non-matches included.
	// It becomes the new cursor.
	Examined int64
	Windows  int
	Gaps     int
	Skipped  int
	// Partial is the error that ended a scan after its first window.
	Partial error
}

// Scanner finds the next batch of filter-matching messages after a cursor.
type Scanner struct {
	ch         transport.Channel
	cap        int64
	multiplier int64
}

func NewScanner(ch transport.Channel, opts Options) *Scanner {
	opts = opts.withDefaults()
	return &Scanner{ch: ch, cap: opts.WindowCap, multiplier: opts.WindowMultiplier}
}

// WindowSize is the number of ids fetched per call for a batch size.
func (s *Scanner) WindowSize(batch int) int64 {
	return min(s.multiplier*int64(batch), s.cap, transport.MaxWindow)
}

// Scan walks windows from job.ScanFrom(). An unbounded job gets one window
// per call; a finite one continues until the batch is full or the end bound
// is passed. halted is consulted between windows.
//
// A transport error on the first window, and any rate limit, is returned as
// is. A later generic error ends the scan with what was collected.
func (s *Scanner) Scan(ctx context.Context, job *domain.Job, halted func() bool) (ScanResult, error) {
	from := job.ScanFrom()
	res := ScanResult{Examined: from - 1}
	if job.Exhausted() {
		return res, nil
	}
	window := s.WindowSize(job.BatchSize)

	for len(res.Batch) < job.BatchSize {
		if job.End.IsFinite() && from > job.End.ID() {
			break
		}
		if res.Windows > 0 && halted != nil && halted() {
			return res, errHalted
		}
		to := job.End.Clip(from + window - 1)
		msgs, err := s.ch.FetchRange(ctx, job.Source, from, to)
		if err != nil {
			if _, limited := domain.RateLimited(err); limited || res.Windows == 0 || ctx.Err() != nil {
				return res, err
			}
			res.Partial = err
			break
		}
		res.Windows++

		full := false
		for _, m := range msgs {
			if m.ID < from || m.ID > to {
				continue
			}
			res.Examined = m.ID
			if m.Empty {
				res.Gaps++
				continue
			}
			if !job.Filter.Match(m) {
				res.Skipped++
				continue
			}
			res.Batch = append(res.Batch, m)
			if len(res.Batch) >= job.BatchSize {
				full = true
				break
			}
		}
		// A short window means the channel head was reached.
		if full || res.Examined < to || !job.End.IsFinite() {
			break
		}
		from = res.Examined + 1
	}
	return res, nil
}
