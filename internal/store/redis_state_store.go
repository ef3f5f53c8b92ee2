package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xiaoruiguo/crowbar-core/internal/model"
	"go.uber.org/zap"
)

const (
	stateKey = "upgrade:state"
	lockKey  = "upgrade:transition-lock"
)

// releaseScript deletes the lock only if it is still owned by the caller
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock TTL only if it is still owned by the caller
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// NewRedisClient creates and pings a Redis client
func NewRedisClient(host string, port int, password string, db int, poolSize int) (*redis.Client, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// RedisStateStore implements StateStore for Redis. The whole record is a
// single JSON value so readers always see a consistent snapshot.
type RedisStateStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStateStore creates a new Redis state store
func NewRedisStateStore(client *redis.Client, logger *zap.Logger) *RedisStateStore {
	return &RedisStateStore{client: client, logger: logger}
}

// Load retrieves the upgrade record
func (s *RedisStateStore) Load(ctx context.Context) (*model.UpgradeState, error) {
	data, err := s.client.Get(ctx, stateKey).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load upgrade state: %w", err)
	}

	var state model.UpgradeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal upgrade state: %w", err)
	}
	return &state, nil
}

// Save stores the upgrade record
func (s *RedisStateStore) Save(ctx context.Context, state *model.UpgradeState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal upgrade state: %w", err)
	}
	if err := s.client.Set(ctx, stateKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save upgrade state: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func (s *RedisStateStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisStateStore) Close() error {
	return s.client.Close()
}

// RedisTransitionLock implements TransitionLock with SET NX PX. The lease is
// refreshed in the background while held, so a crashed holder releases the
// lock after ttl while a slow live holder keeps it.
type RedisTransitionLock struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisTransitionLock creates a new Redis transition lock
func NewRedisTransitionLock(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisTransitionLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisTransitionLock{client: client, ttl: ttl, logger: logger}
}

// Acquire takes the lock or returns ErrLockHeld
func (l *RedisTransitionLock) Acquire(ctx context.Context, owner string) (Lease, error) {
	token := owner + ":" + uuid.New().String()

	ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire transition lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	lease := &redisLease{
		lock:   l,
		token:  token,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go lease.keepAlive(refreshCtx)

	l.logger.Debug("Transition lock acquired", zap.String("owner", owner))
	return lease, nil
}

type redisLease struct {
	lock   *RedisTransitionLock
	token  string
	cancel context.CancelFunc
	done   chan struct{}
	lost   atomic.Bool
}

// Err returns ErrLockLost after a refresh found the key gone or re-owned
func (le *redisLease) Err() error {
	if le.lost.Load() {
		return ErrLockLost
	}
	return nil
}

func (le *redisLease) keepAlive(ctx context.Context) {
	defer close(le.done)

	ticker := time.NewTicker(le.lock.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := refreshScript.Run(ctx, le.lock.client, []string{lockKey}, le.token, le.lock.ttl.Milliseconds()).Int()
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				le.lock.logger.Warn("Failed to refresh transition lock", zap.Error(err))
				continue
			}
			if res == 0 {
				le.lost.Store(true)
				le.lock.logger.Error("Transition lock lost while held")
				return
			}
		}
	}
}

// Release stops the refresh loop and deletes the lock if still owned
func (le *redisLease) Release(ctx context.Context) error {
	le.cancel()
	<-le.done

	res, err := releaseScript.Run(ctx, le.lock.client, []string{lockKey}, le.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release transition lock: %w", err)
	}
	if res == 0 {
		le.lost.Store(true)
	}
	return le.Err()
}

var _ StateStore = (*RedisStateStore)(nil)
var _ TransitionLock = (*RedisTransitionLock)(nil)
