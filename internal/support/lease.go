package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultLeaseTTL is how long a lease survives without being extended.
	DefaultLeaseTTL = 45 * time.Second

	leaseRetryDelay     = time.Second
	leaseCallTimeout    = 5 * time.Second
	minLeaseExtendEvery = 250 * time.Millisecond
)

// ErrLockHeld is returned when another instance owns the lease key.
var ErrLockHeld = errors.New("support: lease held by another instance")

// Both scripts only touch the key while it still carries our token, so an
// expired lease taken over by another instance is never extended or dropped.
var (
	extendLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	dropLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

var instanceID = func() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d", host, os.Getpid())
}()

// Lease is exclusive ownership of a redis key shared by every warden
// instance. It is extended in the background until released; its context is
// canceled when the key is lost or the lease is released.
type Lease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// TryLease makes a single attempt to take key. It returns ErrLockHeld when
// another instance owns it.
func TryLease(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Lease, error) {
	if client == nil {
		return nil, errors.New("support: lease needs a redis client")
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}

	token := instanceID + "/" + uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("support: take lease %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	leaseCtx, cancel := context.WithCancel(ctx)
	l := &Lease{
		client: client,
		key:    key,
		token:  token,
		ttl:    ttl,
		ctx:    leaseCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.keepAlive()
	return l, nil
}

// Context is canceled once the lease is no longer held.
func (l *Lease) Context() context.Context { return l.ctx }

// Release stops extending the lease and deletes the key if it is still ours.
func (l *Lease) Release() {
	l.once.Do(func() {
		close(l.done)
		l.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), leaseCallTimeout)
		defer cancel()
		if err := dropLease.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			log.Warn("Lease release failed", "key", l.key, "error", err)
		}
	})
}

func (l *Lease) keepAlive() {
	every := l.ttl / 3
	if every < minLeaseExtendEvery {
		every = minLeaseExtendEvery
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			held, err := l.extend()
			if err == nil && held {
				continue
			}
			if err != nil {
				log.Warn("Lease extension failed", "key", l.key, "error", err)
			} else {
				log.Warn("Lease lost to another instance", "key", l.key)
			}
			l.cancel()
			return
		}
	}
}

func (l *Lease) extend() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), leaseCallTimeout)
	defer cancel()
	n, err := extendLease.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RunWithLeader keeps competing for key and calls run whenever this instance
// holds it. run gets the lease context and should return when it is done.
// RunWithLeader returns only when ctx ends.
func RunWithLeader(ctx context.Context, client *redis.Client, key string, ttl time.Duration, run func(context.Context)) error {
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if client == nil {
		return errors.New("support: leader election needs a redis client")
	}

	for {
		lease, err := TryLease(ctx, client, key, ttl)
		switch {
		case err == nil:
			log.Debug("Leader lease acquired", "key", key, "instance", instanceID)
			run(lease.Context())
			lease.Release()
			log.Debug("Leader lease released", "key", key)
		case ctx.Err() != nil:
			return ctx.Err()
		case !errors.Is(err, ErrLockHeld):
			log.Warn("Leader lease unavailable", "key", key, "error", err)
		}

		if !sleepCtx(ctx, leaseRetryDelay) {
			return ctx.Err()
		}
	}
}

// WithLock runs fn once under key and never waits: a held key yields
// ErrLockHeld. Without redis fn runs directly.
func WithLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration, fn func(context.Context) error) error {
	if client == nil {
		return fn(ctx)
	}
	lease, err := TryLease(ctx, client, key, ttl)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Context())
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
