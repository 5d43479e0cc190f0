// Package lease implements the distributed, TTL-renewed locks spec.md §5
// uses to select one active instance of the order relay (per collection)
// and the block scheduler (singleton). The matching engine takes no lease.
//
// Grounded on the teacher's pkg/cache/redis.go DistributedLock (SET-if-absent
// with a unique token, delete-if-owned release), generalized here with
// background auto-renewal and a cancellation signal observed at every
// suspension point, per spec.md §5's cooperative-cancellation model.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/DimaJoyti/go-coffee/pkg/logger"
)

// ErrNotAcquired is returned by Acquire when another holder already owns
// the lease.
var ErrNotAcquired = errors.New("lease: not acquired, another instance is syncing")

// Lease is one held (or attempted) distributed lock. Call Release when the
// owning goroutine is done; call Done() to observe the cancellation signal
// raised on the first failed renewal (an error from Redis, or the lease no
// longer owned) — spec.md §5: "lease loss raises an abort signal observed at
// every suspension point".
type Lease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
	log    *logger.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
}

// Manager acquires and auto-renews leases against a shared Redis client.
type Manager struct {
	client *redis.Client
	log    *logger.Logger
}

// NewManager builds a lease Manager bound to client.
func NewManager(client *redis.Client, log *logger.Logger) *Manager {
	return &Manager{client: client, log: log.Named("lease")}
}

// Acquire attempts a single-shot, non-blocking acquisition of key. Callers
// that should retry on failure (the relay, per spec.md §4.2) do so
// themselves via internal/retry; Acquire itself never blocks or retries.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lease: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	l := &Lease{
		client: m.client,
		key:    key,
		token:  token,
		ttl:    ttl,
		log:    m.log.With("lease_key", key),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.renewLoop(renewCtx)
	return l, nil
}

// renewLoop re-extends the lease's TTL at half the TTL interval, for as
// long as this process still owns the key. If renewal ever observes that
// the key no longer holds our token (another instance took over after a
// missed renewal), or Redis is unreachable, the lease is considered lost
// and Done() is closed.
func (l *Lease) renewLoop(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.renewOnce(ctx) {
				l.log.Warn("lease lost, renewal failed")
				return
			}
		}
	}
}

// renewOnceScript extends the TTL only if the caller still holds the lock,
// the same check-and-set pattern as the teacher's DistributedLock.Release,
// applied here to renewal instead of release.
var renewOnceScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

func (l *Lease) renewOnce(ctx context.Context) bool {
	res, err := renewOnceScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false
	}
	extended, _ := res.(int64)
	return extended == 1
}

// Done returns a channel closed when this lease has been lost (renewal
// failed or Release was called). Long-running operations under the lease
// must select on Done() at every suspension point.
func (l *Lease) Done() <-chan struct{} {
	return l.done
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Release stops renewal and deletes the lock key if we still own it.
func (l *Lease) Release(ctx context.Context) error {
	l.cancel()
	<-l.done
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("lease: release %s: %w", l.key, err)
	}
	return nil
}

// Key names, per spec.md §5.
func MatchingEngineKey(chainID int64, collection string) string {
	return fmt.Sprintf("matching-engine:chain:%d:collection:%s:lock", chainID, collection)
}

func OrderRelayKey(chainID int64, collection string) string {
	return fmt.Sprintf("order-relay:chain:%d:collection:%s:lock", chainID, collection)
}

func BlockSchedulerKey(chainID int64) string {
	return fmt.Sprintf("block-scheduler:chain:%d:lock", chainID)
}
