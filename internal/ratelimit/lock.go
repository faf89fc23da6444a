package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockHeld = errors.New("lock_held")
	ErrLockLost = errors.New("lock_lost")
)

const (
	lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`
	lockExtendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`
)

// Locker hands out single-holder leases on redis keys. Only the holder of a
// lease can extend or release it.
type Locker struct {
	client  redis.UniversalClient
	release *redis.Script
	extend  *redis.Script
}

// NewLocker returns nil without redis.
func NewLocker(p Params) *Locker {
	if p.Client == nil {
		return nil
	}
	return &Locker{
		client:  p.Client,
		release: redis.NewScript(lockReleaseScript),
		extend:  redis.NewScript(lockExtendScript),
	}
}

type Lease struct {
	locker *Locker
	key    string
	token  string
}

// Acquire takes key for ttl. ErrLockHeld means another holder has it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("lock client not configured")
	}
	if key == "" {
		return nil, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

func (l *Lease) Key() string {
	return l.key
}

// Extend resets the lease ttl. ErrLockLost means it expired and may now
// belong to someone else.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := l.locker.extend.Run(ctx, l.locker.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Release is a no-op when the lease already expired.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.locker.release.Run(ctx, l.locker.client, []string{l.key}, l.token).Err()
}
