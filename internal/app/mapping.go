package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"chanrelay/internal/config"
	"chanrelay/internal/maintenance"
	"chanrelay/internal/ops"
	"chanrelay/internal/relay"
	"chanrelay/internal/storage"
	"chanrelay/internal/transport/msgindex"
	logx "chanrelay/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.LogChat != 0,
			ChatID:     cfg.Telegram.LogChat,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// StorageConfig resolves the storage section with its defaults applied.
func StorageConfig(cfg *config.Config) (storage.Config, error) { return mapStorage(cfg) }

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	out := storage.Config{Driver: driver, Path: path, DSN: strings.TrimSpace(sc.DSN), Database: sc.Database}
	switch driver {
	case "", "memory":
	case "file":
		if path == "" {
			out.Path = "./relay_store"
		}
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "postgres", "postgresql", "pgx", "mongo", "mongodb":
		if out.DSN == "" {
			return storage.Config{}, errors.Newf("storage.dsn is required when storage.driver=%s", driver)
		}
	default:
		return storage.Config{}, errors.Newf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func mapIndex(cfg *config.Config) msgindex.Config {
	r := cfg.Index.Redis
	return msgindex.Config{
		Driver: cfg.Index.Driver,
		Redis: msgindex.RedisConfig{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Prefix,
		},
	}
}

func mapEngine(cfg *config.Config, log logx.Logger) (relay.Options, error) {
	e := cfg.Engine
	fwd, err := config.ParseDurationOrDefault("engine.forward_delay", e.ForwardDelay, relay.DefaultForwardDelay)
	if err != nil {
		return relay.Options{}, err
	}
	del, err := config.ParseDurationOrDefault("engine.delete_pacing", e.DeletePacing, relay.DefaultDeletePacing)
	if err != nil {
		return relay.Options{}, err
	}
	cool, err := config.ParseDurationOrDefault("engine.cooldown", e.Cooldown, relay.DefaultCooldown)
	if err != nil {
		return relay.Options{}, err
	}
	return relay.Options{
		ForwardDelay:           fwd,
		DeletePacing:           del,
		Cooldown:               cool,
		WindowCap:              int64(e.WindowCap),
		WindowMultiplier:       int64(e.WindowMultiplier),
		MaxPhaseRetries:        e.MaxPhaseRetries,
		RetentionKeepOnFailure: e.RetentionKeepOnFailure,
		Log:                    log,
	}, nil
}

func mapMaintenance(cfg *config.Config) (maintenance.Settings, error) {
	m := cfg.Maintenance
	loc := time.Local
	if tz := strings.TrimSpace(m.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return maintenance.Settings{}, errors.Wrap(err, "maintenance.timezone")
		}
		loc = l
	}
	ttl, err := config.ParseDurationOrDefault("maintenance.index_ttl", m.IndexTTL, config.DefaultIndexTTL)
	if err != nil {
		return maintenance.Settings{}, err
	}
	pruneTimeout, err := config.ParseDurationOrDefault("maintenance.index_prune_timeout", m.IndexPruneTimeout, config.DefaultIndexPruneTimeout)
	if err != nil {
		return maintenance.Settings{}, err
	}
	return maintenance.Settings{
		Location:     loc,
		IndexPrune:   config.Schedule(m.IndexPrune, config.DefaultIndexPrune),
		IndexTTL:     ttl,
		PruneTimeout: pruneTimeout,
		Reconcile:    config.Schedule(m.Reconcile, config.DefaultReconcile),
	}, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	rt, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// Profiles can take 30s and more, so no write timeout unless asked.
	wt, err := config.ParseDurationField("ops.write_timeout", o.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, time.Minute)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Profiler:      o.Profiler,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

func stopTimeout(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("maintenance.stop_timeout", cfg.Maintenance.StopTimeout, config.DefaultStopTimeout)
	if err != nil {
		return config.DefaultStopTimeout
	}
	return d
}
