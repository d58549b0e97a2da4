package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/invoice-cli/internal/provider"
)

const keyPrefix = "invoice:ledger:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	URL      string
	Password string
	TTL      time.Duration
}

// Redis is a Ledger shared across processes. Entries expire after TTL.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: parse redis url")
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrap(err, "ledger: connect to redis")
	}
	return NewRedisFromClient(rdb, cfg.TTL), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

// Get implements Ledger.
func (r *Redis) Get(ctx context.Context, key string) (*provider.Result, bool, error) {
	data, err := r.rdb.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "ledger: get %s", key)
	}
	var res provider.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, false, eris.Wrapf(err, "ledger: decode %s", key)
	}
	return &res, true, nil
}

// Put implements Ledger. SET NX keeps the first recorded result.
func (r *Redis) Put(ctx context.Context, key string, res *provider.Result) error {
	if res == nil {
		return nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return eris.Wrapf(err, "ledger: encode %s", key)
	}
	if err := r.rdb.SetNX(ctx, keyPrefix+key, data, r.ttl).Err(); err != nil {
		return eris.Wrapf(err, "ledger: put %s", key)
	}
	return nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
