package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/clarifier/internal/circuitbreaker"
	"github.com/Kocoro-lab/clarifier/internal/metrics"
	"github.com/Kocoro-lab/clarifier/internal/state"
)

// releaseScript deletes the lock only if it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lock only while it still carries our token
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisOptions configures a RedisStore
type RedisOptions struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Prefix namespaces every key, default "conversation"
	Prefix string `mapstructure:"prefix"`
	// DefaultTTL applies to states without an expiry, default 24h
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	// LockTTL bounds how long a crashed holder can block an id, default 5m. A live
	// holder renews the lease every LockTTL/3.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// RedisStore keeps conversations in Redis so several instances can share them
type RedisStore struct {
	client     *circuitbreaker.RedisWrapper
	logger     *zap.Logger
	prefix     string
	defaultTTL time.Duration
	lockTTL    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(opts RedisOptions, logger *zap.Logger) (*RedisStore, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	store := NewRedisStoreWithClient(redisClient, opts, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.client.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return store, nil
}

// NewRedisStoreWithClient wraps an existing client without pinging it
func NewRedisStoreWithClient(client *redis.Client, opts RedisOptions, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Prefix == "" {
		opts.Prefix = "conversation"
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 24 * time.Hour
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	return &RedisStore{
		client:     circuitbreaker.NewRedisWrapper(client, "conversation-store", logger),
		logger:     logger,
		prefix:     opts.Prefix,
		defaultTTL: opts.DefaultTTL,
		lockTTL:    opts.LockTTL,
	}
}

// Put serializes st under its key with a TTL derived from st.ExpiresAt
func (r *RedisStore) Put(ctx context.Context, st *state.ConversationState) error {
	if st == nil {
		return fmt.Errorf("conversation state is nil")
	}
	if st.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidState)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	ttl := r.defaultTTL
	if !st.ExpiresAt.IsZero() {
		ttl = time.Until(st.ExpiresAt)
		if ttl <= 0 {
			// Already expired: make sure no stale copy survives
			return r.Delete(ctx, st.ID)
		}
	}
	if err := r.client.Set(ctx, r.key(st.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

// Get loads the state for id
func (r *RedisStore) Get(ctx context.Context, id string) (*state.ConversationState, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	var st state.ConversationState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if st.IsExpired(time.Now()) {
		_ = r.Delete(ctx, id)
		metrics.StoreEvictions.WithLabelValues("redis").Inc()
		return nil, ErrNotFound
	}
	if st.Candidates == nil {
		st.Candidates = []string{}
	}
	return &st, nil
}

// Delete removes the state for id
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// Lock takes a token lock on id with SET NX and releases it by compare-and-delete.
// The lease is renewed in the background until unlock, so a run slower than LockTTL
// keeps its lock.
func (r *RedisStore) Lock(ctx context.Context, id string) (func(), error) {
	token := uuid.New().String()
	key := r.lockKey(id)

	ok, err := r.client.SetNX(ctx, key, token, r.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to lock conversation: %w", err)
	}
	if !ok {
		return nil, ErrBusy
	}

	// Renewal and release must not depend on the caller's possibly cancelled context
	base := context.WithoutCancel(ctx)
	renewCtx, stopRenew := context.WithCancel(base)
	renewDone := make(chan struct{})
	go r.keepAlive(renewCtx, id, key, token, renewDone)

	var once sync.Once
	return func() {
		once.Do(func() {
			stopRenew()
			<-renewDone

			releaseCtx, cancel := context.WithTimeout(base, 3*time.Second)
			defer cancel()
			if err := r.client.RunScript(releaseCtx, releaseScript, []string{key}, token).Err(); err != nil {
				r.logger.Warn("Failed to release conversation lock",
					zap.String("conversation_id", id),
					zap.Error(err),
				)
			}
		})
	}, nil
}

func (r *RedisStore) keepAlive(ctx context.Context, id, key, token string, done chan<- struct{}) {
	defer close(done)
	interval := r.lockTTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			renewed, err := r.client.RunScript(renewCtx, renewScript, []string{key}, token, r.lockTTL.Milliseconds()).Int64()
			cancel()
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				// Keep trying: the lease is still valid until the TTL runs out
				r.logger.Warn("Failed to renew conversation lock",
					zap.String("conversation_id", id),
					zap.Error(err),
				)
			case renewed == 0:
				r.logger.Error("Conversation lock lost before release",
					zap.String("conversation_id", id),
				)
				return
			}
		}
	}
}

// Ping checks connectivity through the circuit breaker
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// RedisWrapper exposes the breaker-wrapped client for health checks
func (r *RedisStore) RedisWrapper() *circuitbreaker.RedisWrapper {
	return r.client
}

func (r *RedisStore) key(id string) string {
	return fmt.Sprintf("%s:%s", r.prefix, id)
}

func (r *RedisStore) lockKey(id string) string {
	return fmt.Sprintf("%s:%s:lock", r.prefix, id)
}
