package config

import (
	"reflect"
	"strings"

	logx "chanrelay/pkg/logx"
)

// Change summarizes a reload for logging. Fields never carry secrets.
type Change struct {
	// Sections lists the top-level sections that differ.
	Sections []string
	// RestartRequired lists changed sections that only take effect after a
	// process restart.
	RestartRequired []string
	Fields          []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeChange compares two configs section by section.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change
	mark := func(section string, restart bool, fields ...logx.Field) {
		c.Sections = append(c.Sections, section)
		if restart {
			c.RestartRequired = append(c.RestartRequired, section)
		}
		c.Fields = append(c.Fields, fields...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) {
		mark("telegram", true, logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)))
	}

	if ot.LogChat != nt.LogChat || !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage", true,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
		)
	}

	if oldCfg.Index != newCfg.Index {
		mark("index", true,
			logx.String("index.driver", newCfg.Index.Driver),
			logx.String("index.redis_addr", newCfg.Index.Redis.Addr),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		mark("engine", true,
			logx.String("engine.forward_delay", newCfg.Engine.ForwardDelay),
			logx.String("engine.cooldown", newCfg.Engine.Cooldown),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		mark("maintenance", false,
			logx.String("maintenance.index_prune", newCfg.Maintenance.IndexPrune),
			logx.String("maintenance.reconcile", newCfg.Maintenance.Reconcile),
		)
	}

	oo, no := oldCfg.Ops, newCfg.Ops
	if oo != no {
		mark("ops", false,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", no.Addr),
			logx.Bool("ops.token_set", no.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		mark("jobs", false, logx.Int("jobs.count", len(newCfg.Jobs)))
	}
	return c
}
