// Package lock provides a process-wide or cluster-wide mutual exclusion
// primitive for singleton jobs.
// This is part of the platform layer and contains no business logic.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotAcquired is returned when the lock is held by someone else.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrLost is returned by Refresh once the hold has expired, whether or
	// not another owner has taken the lock since.
	ErrLost = errors.New("lock lost")
)

// Locker acquires named locks.
type Locker interface {
	// TryAcquire obtains the lock without waiting.
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	// Refresh extends the hold to ttl from now, or returns ErrLost.
	Refresh(ctx context.Context, ttl time.Duration) error
	// Release frees the lock if it is still held. It is safe to call more
	// than once.
	Release(ctx context.Context) error
}

// RedisLocker implements Locker with SET NX PX and a token-checked release.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker wraps a redis client.
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client, prefix: "afiss:lock:"}
}

// NewRedisLockerFromURL parses a redis:// URL.
func NewRedisLockerFromURL(redisURL string) (*RedisLocker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisLocker(redis.NewClient(opt)), nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// TryAcquire implements Locker.
func (l *RedisLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	key := l.prefix + name

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &redisLease{client: l.client, key: key, token: token}, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
	once   sync.Once
}

func (l *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		err = releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
	})
	return err
}

// Close closes the underlying client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// LocalLocker implements Locker inside a single process.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localHold
	seq   uint64
	clock func() time.Time
}

type localHold struct {
	seq    uint64
	expiry time.Time
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localHold), clock: time.Now}
}

// TryAcquire implements Locker. An expired hold is treated as free.
func (l *LocalLocker) TryAcquire(_ context.Context, name string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if h, ok := l.held[name]; ok && now.Before(h.expiry) {
		return nil, ErrNotAcquired
	}
	l.seq++
	l.held[name] = localHold{seq: l.seq, expiry: now.Add(ttl)}
	return &localLease{locker: l, name: name, seq: l.seq}, nil
}

type localLease struct {
	locker *LocalLocker
	name   string
	seq    uint64
	once   sync.Once
}

func (l *localLease) Refresh(_ context.Context, ttl time.Duration) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	now := l.locker.clock()
	h, ok := l.locker.held[l.name]
	if !ok || h.seq != l.seq || !now.Before(h.expiry) {
		return ErrLost
	}
	h.expiry = now.Add(ttl)
	l.locker.held[l.name] = h
	return nil
}

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		defer l.locker.mu.Unlock()
		if l.locker.held[l.name].seq == l.seq {
			delete(l.locker.held, l.name)
		}
	})
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
