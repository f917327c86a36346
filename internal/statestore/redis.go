package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisTimeout = 2 * time.Second

// RedisOptions configures the redis-backed store.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	// Prefix namespaces every key, e.g. "voicegate:".
	Prefix      string
	DialTimeout time.Duration
	// Timeout bounds every individual command.
	Timeout time.Duration
}

// Redis stores local state in a redis instance shared by one deployment.
type Redis struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return NewRedis(client, opts.Prefix, timeout), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	return &Redis{client: client, prefix: prefix, timeout: timeout}
}

func (r *Redis) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

// Get returns the value for key.
func (r *Redis) Get(key string) (string, bool, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	val, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return val, true, nil
}

// Set stores value under key without expiry.
func (r *Redis) Set(key, value string) error {
	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (r *Redis) Delete(key string) error {
	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Incr uses INCR, which is atomic across every client of the server.
func (r *Redis) Incr(key string) (int64, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	n, err := r.client.Incr(ctx, r.prefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %q: %w", key, err)
	}
	return n, nil
}

// SetIfAbsent uses SETNX.
func (r *Redis) SetIfAbsent(key, value string) (bool, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	ok, err := r.client.SetNX(ctx, r.prefix+key, value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
