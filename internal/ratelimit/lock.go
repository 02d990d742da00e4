package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Both scripts act only when the key still holds the caller's token.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

var (
	ErrLockNotConfigured = errors.New("lock_not_configured")
	ErrLeaseLost         = errors.New("lease_lost")
)

// Locker grants token-fenced redis leases. The reconciler uses one to elect a single
// active replica.
type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client}
}

// Lease is a held lock. Only the holder's token can renew or release it.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire returns a nil lease without error when another holder has the key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrLockNotConfigured
	}
	if key == "" || ttl <= 0 {
		return nil, errors.New("lock key and positive ttl are required")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, err
	}
	return &Lease{client: l.client, key: key, token: token}, nil
}

// Renew pushes the expiry out to ttl from now.
func (l *Lease) Renew(ctx context.Context, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrLeaseLost
	}
	return nil
}

func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// Hold runs fn while holding key, renewing the lease every ttl/3. fn's context is
// cancelled if the lease is lost. held is false when another holder has the key.
func (l *Locker) Hold(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (held bool, err error) {
	lease, err := l.Acquire(ctx, key, ttl)
	if err != nil || lease == nil {
		return false, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := lease.Renew(runCtx, ttl); err != nil {
					cancel(ErrLeaseLost)
					return
				}
			}
		}
	}()

	err = fn(runCtx)
	close(done)
	lost := errors.Is(context.Cause(runCtx), ErrLeaseLost)
	cancel(nil)
	if releaseErr := lease.Release(context.WithoutCancel(ctx)); releaseErr != nil && err == nil {
		err = releaseErr
	}
	if lost && err == nil {
		err = ErrLeaseLost
	}
	return true, err
}
