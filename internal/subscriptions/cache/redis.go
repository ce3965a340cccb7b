package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/entitlement-sync/pkg/entitlements"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "entsync:entitlements:"

// Each key is a hash: "v" holds the version, "d" the JSON state. A hash with
// "v" and no "d" is a fence left by Invalidate.
var refreshScript = redis.NewScript(`
	local key = KEYS[1]
	local version = tonumber(ARGV[1])
	local ttl_ms = tonumber(ARGV[3])

	local current = tonumber(redis.call('HGET', key, 'v'))
	if current ~= nil and current > version then
		return 0
	end

	redis.call('HSET', key, 'v', version, 'd', ARGV[2])
	redis.call('PEXPIRE', key, ttl_ms)
	return 1
`)

var invalidateScript = redis.NewScript(`
	local key = KEYS[1]
	local version = tonumber(ARGV[1])
	local ttl_ms = tonumber(ARGV[2])

	local current = tonumber(redis.call('HGET', key, 'v'))
	if current ~= nil and current > version then
		version = current
	end

	redis.call('DEL', key)
	redis.call('HSET', key, 'v', version)
	redis.call('PEXPIRE', key, ttl_ms)
	return 1
`)

// RedisConfig configures a Redis-backed cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Redis is a Cache shared by every instance of the service.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisClient connects to Redis and verifies the connection with a ping.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis address not configured")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func key(userID string) string {
	return keyPrefix + userID
}

func (r *Redis) Get(ctx context.Context, userID string) (entitlements.State, bool, error) {
	vals, err := r.client.HMGet(ctx, key(userID), "v", "d").Result()
	if err != nil {
		observe("get", err, false)
		return entitlements.State{}, false, fmt.Errorf("cache get %s: %w", userID, err)
	}
	raw, ok := vals[1].(string)
	if !ok || raw == "" {
		observe("get", nil, false)
		return entitlements.State{}, false, nil
	}

	var st entitlements.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		observe("get", err, false)
		return entitlements.State{}, false, fmt.Errorf("cache decode %s: %w", userID, err)
	}
	if st.Entitlements == nil {
		st.Entitlements = []string{}
	}
	observe("get", nil, true)
	return st, true, nil
}

func (r *Redis) Refresh(ctx context.Context, st entitlements.State) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", st.UserID, err)
	}
	err = refreshScript.Run(ctx, r.client, []string{key(st.UserID)}, st.Version, string(body), r.ttl.Milliseconds()).Err()
	observe("refresh", err, false)
	if err != nil {
		return fmt.Errorf("cache refresh %s: %w", st.UserID, err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, userID string, version int64) error {
	err := invalidateScript.Run(ctx, r.client, []string{key(userID)}, version, r.ttl.Milliseconds()).Err()
	observe("invalidate", err, false)
	if err != nil {
		return fmt.Errorf("cache invalidate %s: %w", userID, err)
	}
	return nil
}
