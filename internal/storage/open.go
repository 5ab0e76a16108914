package storage

import (
	"strings"

	"github.com/cockroachdb/errors"

	logx "chanrelay/pkg/logx"
)

// Open initializes the configured store. An empty driver selects memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory":
		log.Warn("memory storage selected; jobs are lost on exit")
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(cfg, log)
	case "mongo", "mongodb":
		return openMongo(cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}
