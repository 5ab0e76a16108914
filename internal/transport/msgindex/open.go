package msgindex

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"chanrelay/internal/transport"
)

// Config selects the index driver: "memory" (default) or "redis".
type Config struct {
	Driver string
	Redis  RedisConfig
}

func Open(ctx context.Context, cfg Config) (transport.Index, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			return nil, errors.New("index.redis.addr is required for redis driver")
		}
		return NewRedis(ctx, cfg.Redis)
	default:
		return nil, errors.Newf("unknown index driver: %s", cfg.Driver)
	}
}
