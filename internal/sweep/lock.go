package sweep

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TenantLocker serializes sweep passes per tenant. Acquire returns
// false without blocking when another holder has the lease.
type TenantLocker interface {
	Acquire(ctx context.Context, tenantID string, ttl time.Duration) (release func(), ok bool, err error)
}

// RedisLocker leases via SET NX PX; release only deletes the key when
// the stored token still matches, so an expired lease taken over by
// another sweeper is never released from here.
type RedisLocker struct {
	Client *redis.Client
	Prefix string
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLocker) key(tenantID string) string {
	prefix := l.Prefix
	if prefix == "" {
		prefix = "sweep:lease:"
	}
	return prefix + tenantID
}

func (l *RedisLocker) Acquire(ctx context.Context, tenantID string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	key := l.key(tenantID)
	ok, err := l.Client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		_, _ = releaseScript.Run(context.Background(), l.Client, []string{key}, token).Result()
	}
	return release, true, nil
}

// LocalLocker is the in-process fallback for tests and single-node
// dev deployments.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]bool{}}
}

func (l *LocalLocker) Acquire(ctx context.Context, tenantID string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[tenantID] {
		return nil, false, nil
	}
	l.held[tenantID] = true
	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, tenantID)
	}
	return release, true, nil
}
