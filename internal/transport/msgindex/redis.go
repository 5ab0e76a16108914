package msgindex

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	r "github.com/redis/go-redis/v9"

	"chanrelay/internal/transport"
)

const pruneBatch = 1000

// redisIndex keeps one hash per chat (field = message id, value = JSON entry),
// a sorted set of ids per chat scored by id for head lookups and a sorted set
// of "chat:id" members scored by observation time for pruning.
type redisIndex struct {
	rdb    *r.Client
	prefix string
}

// RedisConfig configures the redis driver.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (transport.Index, error) {
	rdb := r.NewClient(&r.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "redis ping %s", cfg.Addr)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "chanrelay:"
	}
	return &redisIndex{rdb: rdb, prefix: prefix}, nil
}

func (x *redisIndex) chatKey(chatID int64) string {
	return x.prefix + "chat:" + strconv.FormatInt(chatID, 10)
}

func (x *redisIndex) idsKey(chatID int64) string {
	return x.prefix + "ids:" + strconv.FormatInt(chatID, 10)
}

func (x *redisIndex) seenKey() string { return x.prefix + "seen" }

func member(chatID, id int64) string { return fmt.Sprintf("%d:%d", chatID, id) }

func parseMember(m string) (int64, int64, bool) {
	chat, id, ok := strings.Cut(m, ":")
	if !ok {
		return 0, 0, false
	}
	c, err1 := strconv.ParseInt(chat, 10, 64)
	i, err2 := strconv.ParseInt(id, 10, 64)
	return c, i, err1 == nil && err2 == nil
}

func (x *redisIndex) Put(ctx context.Context, posts ...transport.Observed) error {
	if len(posts) == 0 {
		return nil
	}
	pipe := x.rdb.TxPipeline()
	for _, p := range posts {
		b, err := json.Marshal(p)
		if err != nil {
			return errors.Wrap(err, "encode index entry")
		}
		field := strconv.FormatInt(p.ID, 10)
		pipe.HSet(ctx, x.chatKey(p.ChatID), field, b)
		pipe.ZAdd(ctx, x.idsKey(p.ChatID), r.Z{Score: float64(p.ID), Member: field})
		pipe.ZAdd(ctx, x.seenKey(), r.Z{Score: float64(p.SeenAt.Unix()), Member: member(p.ChatID, p.ID)})
	}
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "index put")
}

func (x *redisIndex) Get(ctx context.Context, chatID int64, ids []int64) (map[int64]transport.Observed, error) {
	out := make(map[int64]transport.Observed, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = strconv.FormatInt(id, 10)
	}
	vals, err := x.rdb.HMGet(ctx, x.chatKey(chatID), fields...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "index get")
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		var p transport.Observed
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			continue
		}
		out[ids[i]] = p
	}
	return out, nil
}

func (x *redisIndex) Forget(ctx context.Context, chatID int64, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := x.rdb.TxPipeline()
	for _, id := range ids {
		field := strconv.FormatInt(id, 10)
		pipe.HDel(ctx, x.chatKey(chatID), field)
		pipe.ZRem(ctx, x.idsKey(chatID), field)
		pipe.ZRem(ctx, x.seenKey(), member(chatID, id))
	}
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "index forget")
}

func (x *redisIndex) Head(ctx context.Context, chatID int64) (int64, bool, error) {
	top, err := x.rdb.ZRevRangeWithScores(ctx, x.idsKey(chatID), 0, 0).Result()
	if err != nil {
		return 0, false, errors.Wrap(err, "index head")
	}
	if len(top) == 0 {
		return 0, false, nil
	}
	return int64(top[0].Score), true, nil
}

func (x *redisIndex) Prune(ctx context.Context, before time.Time) (int, error) {
	total := 0
	for {
		members, err := x.rdb.ZRangeByScore(ctx, x.seenKey(), &r.ZRangeBy{
			Min:   "-inf",
			Max:   fmt.Sprintf("(%d", before.Unix()),
			Count: pruneBatch,
		}).Result()
		if err != nil {
			return total, errors.Wrap(err, "index prune scan")
		}
		if len(members) == 0 {
			return total, nil
		}
		pipe := x.rdb.TxPipeline()
		for _, m := range members {
			if chatID, id, ok := parseMember(m); ok {
				field := strconv.FormatInt(id, 10)
				pipe.HDel(ctx, x.chatKey(chatID), field)
				pipe.ZRem(ctx, x.idsKey(chatID), field)
			}
			pipe.ZRem(ctx, x.seenKey(), m)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return total, errors.Wrap(err, "index prune")
		}
		total += len(members)
		if len(members) < pruneBatch {
			return total, nil
		}
	}
}

func (x *redisIndex) Close() error { return x.rdb.Close() }
