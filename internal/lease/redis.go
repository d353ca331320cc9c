package lease

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"stagegate/internal/observability"
	"stagegate/pkg/errors"
)

// KeyPrefix namespaces lease keys.
const KeyPrefix = "stagegate:lease:"

// releaseScript deletes the key only while it still names the caller.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// renewScript extends the key only while it still names the caller.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// redisClient is the slice of go-redis the locker uses.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisLocker stores leases as expiring Redis keys, shared by every host.
type RedisLocker struct {
	client redisClient
	logger *observability.Logger
	now    func() time.Time
}

// NewRedisLocker connects lazily; the first Acquire surfaces connection errors.
func NewRedisLocker(opts RedisOptions, logger *observability.Logger) *RedisLocker {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newRedisLocker(client, logger)
}

func newRedisLocker(client redisClient, logger *observability.Logger) *RedisLocker {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &RedisLocker{client: client, logger: logger.Named("lease"), now: time.Now}
}

func (r *RedisLocker) Acquire(ctx context.Context, table, holder string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := KeyPrefix + table
	now := r.now().UTC()
	l := &Lease{Table: table, Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl)}

	ok, err := r.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return nil, errors.InfraError("lease store unavailable", err).WithContext("table", table)
	}
	if ok {
		r.logger.Debug("lease acquired", observability.String("table", table), observability.String("holder", holder))
		return l, nil
	}

	cur, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// expired between SETNX and GET
		return r.Acquire(ctx, table, holder, ttl)
	}
	if err != nil {
		return nil, errors.InfraError("lease store unavailable", err).WithContext("table", table)
	}
	if cur != holder {
		return nil, heldError(table, cur)
	}

	renewed, err := r.client.Eval(ctx, renewScript, []string{key}, holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return nil, errors.InfraError("lease store unavailable", err).WithContext("table", table)
	}
	if renewed == 0 {
		return r.Acquire(ctx, table, holder, ttl)
	}
	return l, nil
}

func (r *RedisLocker) Release(ctx context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	_, err := r.client.Eval(ctx, releaseScript, []string{KeyPrefix + l.Table}, l.Holder).Int64()
	if err != nil && err != redis.Nil {
		return errors.InfraError("failed to release lease", err).WithContext("table", l.Table)
	}
	return nil
}
