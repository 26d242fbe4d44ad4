package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	logx "taskbot/pkg/logx"
)

const defaultRedisKey = "taskbot:tasks"

// redisPersister keeps the snapshot in one string key.
type redisPersister struct {
	rdb redis.UniversalClient
	key string
	own bool
	log logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Persister, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("storage.redis_addr is required for redis driver")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.RedisDB})
	p := newRedis(rdb, cfg.RedisKey, log)
	p.own = true
	return p, nil
}

// NewRedis returns a persister storing the snapshot under key. The client is
// not closed by Close.
func NewRedis(rdb redis.UniversalClient, key string, log logx.Logger) Persister {
	return newRedis(rdb, key, log)
}

func newRedis(rdb redis.UniversalClient, key string, log logx.Logger) *redisPersister {
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultRedisKey
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisPersister{rdb: rdb, key: key, log: log}
}

func (p *redisPersister) Load(ctx context.Context) ([]byte, error) {
	b, err := p.rdb.Get(ctx, p.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", p.key, err)
	}
	return b, nil
}

func (p *redisPersister) Save(ctx context.Context, b []byte) error {
	if err := p.rdb.Set(ctx, p.key, b, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", p.key, err)
	}
	return nil
}

func (p *redisPersister) Close() error {
	if !p.own {
		return nil
	}
	return p.rdb.Close()
}
