package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lysyi3m/tube-comb/app/quota"
)

var (
	_ Store      = (*Redis)(nil)
	_ QuotaStore = (*Redis)(nil)
)

// ARGV: watermark, index kind, member, score, owner field, owner value,
// owner key prefix, owner key suffix, then field/value pairs.
// KEYS: hash key, index key.
var compareAndSet = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'watermark')
if current and current >= ARGV[1] then
	return 0
end
if ARGV[5] ~= '' then
	local prev = redis.call('HGET', KEYS[1], ARGV[5])
	if prev and prev ~= ARGV[6] then
		redis.call('SREM', ARGV[7] .. prev .. ARGV[8], ARGV[3])
	end
end
for i = 9, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('HSET', KEYS[1], 'watermark', ARGV[1])
if ARGV[2] == 'set' then
	redis.call('SADD', KEYS[2], ARGV[3])
elseif ARGV[2] == 'zset' then
	redis.call('ZADD', KEYS[2], ARGV[4], ARGV[3])
end
return 1
`)

// KEYS: queue, seen marker. ARGV: payload, marker ttl in seconds.
var pushOnce = redis.NewScript(`
if redis.call('SET', KEYS[2], '1', 'NX', 'EX', ARGV[2]) then
	redis.call('LPUSH', KEYS[1], ARGV[1])
	return 1
end
return 0
`)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type Redis struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Connected to Redis", "addr", cfg.Addr, "db", cfg.DB)

	return &Redis{client: client}, nil
}

func (r *Redis) CompareAndSet(ctx context.Context, e Entry) (bool, error) {
	indexKey := e.IndexKey
	if indexKey == "" {
		// Lua still needs a second key slot.
		indexKey = e.Key
	}

	var owner Owner
	if e.Owner != nil {
		owner = *e.Owner
	}

	args := make([]any, 0, 8+2*len(e.Fields))
	args = append(args, e.Watermark, string(e.IndexKind), e.Member, strconv.FormatFloat(e.Score, 'f', -1, 64),
		owner.Field, owner.Value, owner.KeyPrefix, owner.KeySuffix)
	for _, f := range e.Fields {
		args = append(args, f.Name, f.Value)
	}

	n, err := compareAndSet.Run(ctx, r.client, []string{e.Key, indexKey}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("compare-and-set on %s failed: %w", e.Key, err)
	}

	return n == 1, nil
}

func (r *Redis) PushOnce(ctx context.Context, t QueuedTask) (bool, error) {
	ttl := int64(t.TTL / time.Second)
	if ttl <= 0 {
		ttl = 1
	}

	n, err := pushOnce.Run(ctx, r.client, []string{t.Queue, t.SeenKey}, t.Payload, ttl).Int()
	if err != nil {
		return false, fmt.Errorf("push to %s failed: %w", t.Queue, err)
	}

	return n == 1, nil
}

func (r *Redis) SaveQuota(ctx context.Context, states []quota.State) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, s := range states {
			pipe.HSet(ctx, QuotaKey(s.CredentialID), map[string]any{
				"remaining":      s.Remaining,
				"exhausted":      strconv.FormatBool(s.Exhausted),
				"cooldown_until": unixMilli(s.CooldownUntil),
				"epoch_ends":     unixMilli(s.EpochEnds),
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save quota snapshot: %w", err)
	}

	return nil
}

func (r *Redis) LoadQuota(ctx context.Context, credentialIDs []string) ([]quota.State, error) {
	var states []quota.State

	for _, id := range credentialIDs {
		h, err := r.client.HGetAll(ctx, QuotaKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load quota for %s: %w", id, err)
		}
		if len(h) == 0 {
			continue
		}

		s, err := parseQuotaState(id, h)
		if err != nil {
			slog.Warn("Ignoring malformed quota snapshot", "credential", id, "error", err)
			continue
		}
		states = append(states, s)
	}

	return states, nil
}

func (r *Redis) Health(ctx context.Context) map[string]any {
	health := map[string]any{
		"status": "healthy",
		"type":   "redis",
	}

	if err := r.client.Ping(ctx).Err(); err != nil {
		health["status"] = "unhealthy"
		health["error"] = err.Error()
		return health
	}

	if size, err := r.client.DBSize(ctx).Result(); err == nil {
		health["key_count"] = size
	}

	return health
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func parseQuotaState(id string, h map[string]string) (quota.State, error) {
	remaining, err := strconv.Atoi(h["remaining"])
	if err != nil {
		return quota.State{}, fmt.Errorf("bad remaining: %w", err)
	}

	exhausted, err := strconv.ParseBool(h["exhausted"])
	if err != nil {
		return quota.State{}, fmt.Errorf("bad exhausted flag: %w", err)
	}

	cooldown, err1 := strconv.ParseInt(h["cooldown_until"], 10, 64)
	epochEnds, err2 := strconv.ParseInt(h["epoch_ends"], 10, 64)
	if err := errors.Join(err1, err2); err != nil {
		return quota.State{}, fmt.Errorf("bad timestamps: %w", err)
	}

	return quota.State{
		CredentialID:  id,
		Remaining:     remaining,
		Exhausted:     exhausted,
		CooldownUntil: fromUnixMilli(cooldown),
		EpochEnds:     fromUnixMilli(epochEnds),
	}, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
