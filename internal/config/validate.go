package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"chanrelay/internal/domain"
)

// Defaults applied when a field is omitted.
const (
	DefaultPollTimeout       = 10 * time.Second
	DefaultIndexPrune        = "@every 6h"
	DefaultIndexTTL          = 720 * time.Hour
	DefaultReconcile         = "@every 1m"
	DefaultStopTimeout       = 10 * time.Second
	DefaultIndexPruneTimeout = 2 * time.Minute
	DefaultOpsAddr           = "127.0.0.1:6061"
	CommitBatch              = "batch"
)

// CronParser accepts an optional seconds field and descriptors like "@every".
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks everything that can be checked without opening a
// connection. Reloads that fail here are rejected and the previous config
// stays live.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}

	durations := map[string]string{
		"telegram.poll_timeout":           cfg.Telegram.PollTimeout,
		"storage.busy_timeout":            cfg.Storage.BusyTimeout,
		"engine.forward_delay":            cfg.Engine.ForwardDelay,
		"engine.delete_pacing":            cfg.Engine.DeletePacing,
		"engine.cooldown":                 cfg.Engine.Cooldown,
		"maintenance.index_ttl":           cfg.Maintenance.IndexTTL,
		"maintenance.stop_timeout":        cfg.Maintenance.StopTimeout,
		"maintenance.index_prune_timeout": cfg.Maintenance.IndexPruneTimeout,
		"ops.read_timeout":                cfg.Ops.ReadTimeout,
		"ops.write_timeout":               cfg.Ops.WriteTimeout,
		"ops.idle_timeout":                cfg.Ops.IdleTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	if c := strings.TrimSpace(cfg.Engine.Commit); c != "" && c != CommitBatch {
		return errors.Newf("engine.commit: unsupported value %q (only %q)", c, CommitBatch)
	}
	if cfg.Engine.WindowCap < 0 || cfg.Engine.WindowMultiplier < 0 || cfg.Engine.MaxPhaseRetries < 0 {
		return errors.New("engine: window_cap, window_multiplier and max_phase_retries must be >= 0")
	}

	for path, spec := range map[string]string{
		"maintenance.index_prune": cfg.Maintenance.IndexPrune,
		"maintenance.reconcile":   cfg.Maintenance.Reconcile,
	} {
		if isOff(spec) || strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := CronParser.Parse(spec); err != nil {
			return errors.Wrapf(err, "%s", path)
		}
	}
	if tz := strings.TrimSpace(cfg.Maintenance.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return errors.Wrap(err, "maintenance.timezone")
		}
	}

	seen := make(map[string]struct{}, len(cfg.Jobs))
	for i, s := range cfg.Jobs {
		key := s.normalizedKey()
		if key == "" {
			return errors.Newf("jobs[%d]: key is required", i)
		}
		if _, dup := seen[key]; dup {
			return errors.Newf("jobs[%d]: duplicate key %q", i, s.Key)
		}
		seen[key] = struct{}{}
		if _, err := s.Job(); err != nil {
			return errors.Wrapf(err, "jobs[%d] (%s)", i, s.Key)
		}
	}
	return nil
}

func isOff(spec string) bool {
	switch strings.ToLower(strings.TrimSpace(spec)) {
	case "off", "disabled", "none":
		return true
	}
	return false
}

// Schedule returns the effective cron spec, or "" when the job is disabled.
func Schedule(spec, def string) string {
	if isOff(spec) {
		return ""
	}
	if s := strings.TrimSpace(spec); s != "" {
		return s
	}
	return def
}

// Job converts the seed into a validated job. Id, cursor and timestamps are
// left for the store to fill.
func (s JobSeed) Job() (*domain.Job, error) {
	end, err := domain.ParseEndBound(s.End)
	if err != nil {
		return nil, err
	}
	filter := domain.FilterAll
	if strings.TrimSpace(s.Filter) != "" {
		if filter, err = domain.ParseFilterKind(s.Filter); err != nil {
			return nil, err
		}
	}
	j := &domain.Job{
		Key:              s.normalizedKey(),
		Owner:            s.Owner,
		Source:           domain.ChatRef(strings.TrimSpace(s.Source)),
		Target:           domain.ChatRef(strings.TrimSpace(s.Target)),
		StartID:          s.StartID,
		End:              end,
		BatchSize:        s.BatchSize,
		IntervalMinutes:  s.IntervalMinutes,
		RetentionMinutes: s.RetentionMinutes,
		Filter:           filter,
		Caption:          s.Caption,
	}
	if s.Button != nil {
		j.Button = &domain.Button{Label: s.Button.Label, URL: s.Button.URL}
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}
