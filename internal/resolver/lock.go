package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes the resolve-or-create critical section per
// (connection, external customer) key. Acquire returns a release func and
// whether the lock was obtained; callers proceed either way, accepting the
// documented creation race when it was not.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool)
}

// RedisLocker is a short-TTL SetNX lock shared across instances.
type RedisLocker struct {
	rdb *redis.Client
}

// NewRedisLocker creates a locker on an existing redis client.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

// releaseScript deletes the lock only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Acquire polls SetNX until the lock is obtained or the TTL-sized wait
// budget runs out.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool) {
	token := uuid.New().String()
	deadline := time.Now().Add(ttl)

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			// Redis down: degrade to unserialized resolution.
			return func() {}, false
		}
		if ok {
			return func() {
				bg, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_, _ = releaseScript.Run(bg, l.rdb, []string{key}, token).Result()
			}, true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return func() {}, false
		}

		select {
		case <-ctx.Done():
			return func() {}, false
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// LocalLocker is an in-process keyed mutex for single-node deployments and
// tests.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*lockEntry)}
}

// Acquire blocks until the keyed mutex is held. Entries are reference
// counted so the map does not grow with the customer population.
func (l *LocalLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), bool) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &lockEntry{}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}, true
}
