package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
)

// Overrides are secrets and deployment specifics that may come from the
// environment instead of the config file. Unset variables leave the file
// value alone.
type Overrides struct {
	Token         string `env:"RELAY_TOKEN"`
	LogChat       int64  `env:"RELAY_LOG_CHAT"`
	LogLevel      string `env:"RELAY_LOG_LEVEL"`
	StorageDriver string `env:"RELAY_STORAGE_DRIVER"`
	StoragePath   string `env:"RELAY_STORAGE_PATH"`
	StorageDSN    string `env:"RELAY_STORAGE_DSN"`
	IndexDriver   string `env:"RELAY_INDEX_DRIVER"`
	RedisAddr     string `env:"RELAY_REDIS_ADDR"`
	RedisPassword string `env:"RELAY_REDIS_PASSWORD"`
	OpsAddr       string `env:"RELAY_OPS_ADDR"`
	OpsToken      string `env:"RELAY_OPS_TOKEN"`
}

// LoadOverrides reads Overrides from environ. A nil map reads the process
// environment.
func LoadOverrides(environ map[string]string) (Overrides, error) {
	var o Overrides
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return Overrides{}, errors.Wrap(err, "env overrides")
	}
	return o, nil
}

// Apply copies every set override into cfg.
func (o Overrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, o.Token)
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Storage.Driver, o.StorageDriver)
	set(&cfg.Storage.Path, o.StoragePath)
	set(&cfg.Storage.DSN, o.StorageDSN)
	set(&cfg.Index.Driver, o.IndexDriver)
	set(&cfg.Index.Redis.Addr, o.RedisAddr)
	set(&cfg.Index.Redis.Password, o.RedisPassword)
	set(&cfg.Ops.Addr, o.OpsAddr)
	set(&cfg.Ops.Token, o.OpsToken)
	if o.LogChat != 0 {
		cfg.Telegram.LogChat = o.LogChat
	}
}
