package attempts

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configure a Redis store.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// TTL bounds how long a record outlives its last attempt. Zero keeps
	// records forever.
	TTL time.Duration
}

// Redis is a Store shared between server instances through Redis. Each IP
// address is a hash with the fields "logins" and "last" (unix
// milliseconds).
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis store. It does not connect until first use; see
// Ping.
func NewRedis(opts RedisOptions) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Redis{
		rdb:    rdb,
		prefix: opts.KeyPrefix,
		ttl:    opts.TTL,
	}
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) key(ip string) string {
	return r.prefix + "login:" + ip
}

func (r *Redis) Get(ctx context.Context, ip string) (Record, error) {
	fields, err := r.rdb.HGetAll(ctx, r.key(ip)).Result()
	if err != nil {
		return Record{}, errors.Wrapf(err, "loading attempts of %s", ip)
	}
	return decodeRecord(fields)
}

func (r *Redis) Put(ctx context.Context, ip string, rec Record) error {
	key := r.key(ip)
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, encodeRecord(rec))
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "storing attempts of %s", ip)
	}
	return nil
}

func encodeRecord(rec Record) map[string]interface{} {
	var last int64
	if !rec.LastLogin.IsZero() {
		last = rec.LastLogin.UnixMilli()
	}
	return map[string]interface{}{
		"logins": rec.LoginsAmount,
		"last":   last,
	}
}

func decodeRecord(fields map[string]string) (Record, error) {
	var rec Record
	if v, ok := fields["logins"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Record{}, errors.Wrap(err, "decoding logins")
		}
		rec.LoginsAmount = n
	}
	if v, ok := fields["last"]; ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Record{}, errors.Wrap(err, "decoding last login")
		}
		if ms != 0 {
			rec.LastLogin = time.UnixMilli(ms)
		}
	}
	return rec, nil
}
