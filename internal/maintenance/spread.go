package maintenance

import (
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays only the first activation of an interval schedule,
// then follows base. Several instances started together do not all hit the
// index at the same moment.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// parseSchedule understands "@every <d>" itself so the first run can be
// spread, and hands everything else to parser.
func parseSchedule(parser cron.Parser, spec, tag string, now time.Time) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if rest, ok := strings.CutPrefix(spec, "@every"); ok {
		every, err := time.ParseDuration(strings.TrimSpace(rest))
		if err == nil && every > 0 {
			return withSpread(every, now, tag), nil
		}
	}
	return parser.Parse(spec)
}

func withSpread(every time.Duration, now time.Time, tag string) cron.Schedule {
	base := cron.Every(every)
	spreadMax := min(every, maxStartupSpread)
	if spreadMax <= 0 {
		return base
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewPCG(uint64(now.UnixNano()), h.Sum64()))
	jitter := time.Duration(rng.Int64N(int64(spreadMax)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}
}
