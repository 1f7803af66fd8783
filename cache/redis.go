package cache

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

const scanBatch = 200

type RedisConfig struct {
	Host               string `json:"host"`
	Port               int    `json:"port"`
	Password           string `json:"password"`
	DB                 int    `json:"db"`
	PoolSize           int    `json:"pool_size"`
	MinIdleConnections int    `json:"min_idle_connections"`
	DialTimeout        string `json:"dial_timeout"`
	ReadTimeout        string `json:"read_timeout"`
	WriteTimeout       string `json:"write_timeout"`
	KeyPrefix          string `json:"key_prefix"`
}

// RedisStore shares entries between replicas. Entries are sonic-encoded and
// carry a native redis expiry equal to their TTL.
type RedisStore struct {
	logger  types.Logger
	config  *RedisConfig
	client  *redis.Client
	started int32
}

func NewRedisStore(ctx context.Context, logger types.Logger, config *types.CacheConfig) (*RedisStore, error) {
	redisConfig := &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        "5s",
		ReadTimeout:        "3s",
		WriteTimeout:       "3s",
		KeyPrefix:          "sai-directory",
	}

	if config != nil && config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, redisConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis cache config")
		}
	}

	options, err := redisConfig.options()
	if err != nil {
		return nil, err
	}

	store := &RedisStore{
		logger: logger,
		config: redisConfig,
		client: redis.NewClient(options),
	}

	pingCtx, cancel := context.WithTimeout(ctx, options.DialTimeout)
	defer cancel()

	if err := store.Ping(pingCtx); err != nil {
		_ = store.client.Close()
		return nil, types.Categorize(types.ErrCacheConnectionFailed, err)
	}

	return store, nil
}

func (c *RedisConfig) options() (*redis.Options, error) {
	dial, err := parseDuration(c.DialTimeout, 5*time.Second)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "dial_timeout: %v", err)
	}
	read, err := parseDuration(c.ReadTimeout, 3*time.Second)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "read_timeout: %v", err)
	}
	write, err := parseDuration(c.WriteTimeout, 3*time.Second)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "write_timeout: %v", err)
	}

	return &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConnections,
		DialTimeout:  dial,
		ReadTimeout:  read,
		WriteTimeout: write,
	}, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Get(ctx context.Context, key string) (*types.CacheEntry, bool, error) {
	data, err := r.client.Get(ctx, r.fullKey(key)).Bytes()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, types.Categorize(types.ErrCacheOperationFailed, err)
	}

	var entry types.CacheEntry
	if err := utils.Unmarshal(data, &entry); err != nil {
		r.logger.Warn("Dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		r.client.Del(ctx, r.fullKey(key))
		return nil, false, nil
	}

	return &entry, true, nil
}

func (r *RedisStore) Set(ctx context.Context, entry *types.CacheEntry) error {
	if entry == nil || entry.Key == "" {
		return types.ErrCacheKeyEmpty
	}

	data, err := utils.Marshal(entry)
	if err != nil {
		return types.WrapError(err, "failed to marshal cache entry")
	}

	if err := r.client.Set(ctx, r.fullKey(entry.Key), data, entry.TTL).Err(); err != nil {
		return types.Categorize(types.ErrCacheOperationFailed, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.fullKey(key)).Err(); err != nil {
		return types.Categorize(types.ErrCacheOperationFailed, err)
	}
	return nil
}

func (r *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	pattern := r.fullKey(escapeGlob(prefix)) + "*"
	removed := 0

	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return removed, types.Categorize(types.ErrCacheOperationFailed, err)
		}

		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, types.Categorize(types.ErrCacheOperationFailed, err)
			}
			removed += int(n)
		}

		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// DeleteExpired is a no-op: redis expires entries natively.
func (r *RedisStore) DeleteExpired(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

func (r *RedisStore) Len(ctx context.Context) (int, error) {
	count := 0
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.fullKey("*"), scanBatch).Result()
		if err != nil {
			return count, types.Categorize(types.ErrCacheOperationFailed, err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

func (r *RedisStore) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	r.logger.Info("Redis cache started",
		zap.String("host", r.config.Host),
		zap.Int("port", r.config.Port),
		zap.String("key_prefix", r.config.KeyPrefix))
	return nil
}

func (r *RedisStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return types.ErrServerNotRunning
	}

	if err := r.client.Close(); err != nil {
		r.logger.Error("Failed to close redis client", zap.Error(err))
		return err
	}

	r.logger.Info("Redis cache stopped gracefully")
	return nil
}

func (r *RedisStore) IsRunning() bool {
	return atomic.LoadInt32(&r.started) == 1
}

func (r *RedisStore) fullKey(key string) string {
	if r.config.KeyPrefix == "" {
		return key
	}
	return r.config.KeyPrefix + ":" + key
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '^', '-':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseDuration(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	return time.ParseDuration(raw)
}
