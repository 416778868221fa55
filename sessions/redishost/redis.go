package redishost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/manlab/nodescope-go/sessions"
)

// Config for the Redis-backed Host. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=nodescope:sessions:"`
}

// Host is a Redis-backed implementation of sessions.Host.
type Host struct {
	client    *redis.Client
	keyPrefix string
}

var _ sessions.Host = (*Host)(nil)

func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "nodescope:sessions:"
	}
	return &Host{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	// Defaults are provided via struct tags, so decode errors are ignorable.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

func (h *Host) key(sessionID string) string { return h.keyPrefix + sessionID }

func (h *Host) Put(ctx context.Context, rec sessions.Record, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := h.client.Set(ctx, h.key(rec.SessionID), b, ttl).Err(); err != nil {
		return fmt.Errorf("store record: %w", err)
	}
	return nil
}

func (h *Host) Get(ctx context.Context, sessionID string) (sessions.Record, error) {
	b, err := h.client.Get(ctx, h.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return sessions.Record{}, sessions.ErrNotFound
	}
	if err != nil {
		return sessions.Record{}, fmt.Errorf("load record: %w", err)
	}
	var rec sessions.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return sessions.Record{}, fmt.Errorf("decode record: %w", err)
	}
	// Records written by a different layout revision are treated as absent.
	if rec.Version != sessions.RecordVersion {
		return sessions.Record{}, sessions.ErrNotFound
	}
	return rec, nil
}

func (h *Host) Delete(ctx context.Context, sessionID string) error {
	if err := h.client.Del(ctx, h.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}
