package config

import (
	"bytes"
	"encoding/json"
	"strings"
)

type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Index       IndexConfig       `json:"index"`
	Engine      EngineConfig      `json:"engine"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Ops         OpsConfig         `json:"ops,omitempty"`

	// Jobs are upserted by key on boot and on every reload.
	Jobs []JobSeed `json:"jobs,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// LogChat is the numeric chat id the Telegram log sink writes to.
	LogChat int64 `json:"log_chat,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./relay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres, mongo (do not log)
	Database    string `json:"database,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// IndexConfig selects where observed channel posts are remembered.
type IndexConfig struct {
	Driver string           `json:"driver"`
	Redis  IndexRedisConfig `json:"redis,omitempty"`
}

type IndexRedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// EngineConfig tunes the relay engine.
//
// All durations are Go duration strings. Defaults (when omitted/zero):
//   - forward_delay: "2s"
//   - delete_pacing: "1s"
//   - cooldown: "60s"
//   - window_cap: 100
//   - window_multiplier: 5
//   - max_phase_retries: 5
//   - commit: "batch"
type EngineConfig struct {
	ForwardDelay           string `json:"forward_delay,omitempty"`
	DeletePacing           string `json:"delete_pacing,omitempty"`
	Cooldown               string `json:"cooldown,omitempty"`
	WindowCap              int    `json:"window_cap,omitempty"`
	WindowMultiplier       int    `json:"window_multiplier,omitempty"`
	MaxPhaseRetries        int    `json:"max_phase_retries,omitempty"`
	RetentionKeepOnFailure bool   `json:"retention_keep_on_failure,omitempty"`
	Commit                 string `json:"commit,omitempty"`
}

// MaintenanceConfig controls the background cron jobs.
//
// Schedules accept standard cron (seconds optional) and descriptors such as
// "@every 6h". An empty schedule keeps the default, "off" disables the job.
type MaintenanceConfig struct {
	Timezone          string `json:"timezone,omitempty"`
	IndexPrune        string `json:"index_prune,omitempty"`
	IndexTTL          string `json:"index_ttl,omitempty"`
	Reconcile         string `json:"reconcile,omitempty"`
	StopTimeout       string `json:"stop_timeout,omitempty"`
	IndexPruneTimeout string `json:"index_prune_timeout,omitempty"`
}

// OpsConfig controls the optional read-only ops HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6061").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6061"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Profiler      bool   `json:"profiler,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// JobSeed declares a job in the config file. Key is its stable identity.
type JobSeed struct {
	Key              string      `json:"key"`
	Owner            int64       `json:"owner,omitempty"`
	Source           string      `json:"source"`
	Target           string      `json:"target"`
	StartID          int64       `json:"start_id"`
	End              string      `json:"end,omitempty"` // "" or "unbounded", or a message id
	BatchSize        int         `json:"batch_size"`
	IntervalMinutes  int         `json:"interval_minutes"`
	RetentionMinutes int         `json:"retention_minutes,omitempty"`
	Filter           string      `json:"filter,omitempty"`
	Caption          string      `json:"caption,omitempty"`
	Button           *SeedButton `json:"button,omitempty"`
	Active           *bool       `json:"active,omitempty"`
}

type SeedButton struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// UnmarshalJSON disallows unknown fields so a misspelled job setting is
// caught during reload instead of silently ignored.
func (s *JobSeed) UnmarshalJSON(b []byte) error {
	type plain JobSeed
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*s = JobSeed(p)
	return nil
}

// WantsActive reports the desired active flag. Omitted means active.
func (s JobSeed) WantsActive() bool { return s.Active == nil || *s.Active }

func (s JobSeed) normalizedKey() string { return strings.ToLower(strings.TrimSpace(s.Key)) }
