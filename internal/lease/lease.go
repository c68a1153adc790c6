// Package lease implements the orchestrator's exclusivity lease as a
// time-bounded claim in Redis, so multiple process instances running the
// recurring trigger still yield at most one concurrent run.
package lease

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is a distributed, expiring mutual-exclusion claim. Expiry bounds the
// damage of a crashed holder: the next tick simply re-acquires.
type Lease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	owner  string
}

// New builds a lease around the given key.
func New(client *redis.Client, key string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Lease{
		client: client,
		key:    key,
		ttl:    ttl,
		owner:  uuid.New().String(),
	}
}

// Acquire attempts to take the lease. False means another run holds it and
// the caller should no-op.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
}

// Renew extends the lease if this instance still owns it.
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	res, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Release drops the lease, but only if this instance still owns it; a lease
// that expired and was re-acquired elsewhere is left alone.
func (l *Lease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
