package locker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"runengine/internal/metrics"
)

// ErrLockTimeout is returned when a lock could not be acquired within the
// bounded wait. Callers must treat this as retryable.
var ErrLockTimeout = errors.New("timed out waiting for run lock")

const (
	lockKeyPrefix  = "engine:lock:"
	defaultPoll    = 50 * time.Millisecond
	defaultAcquire = 5 * time.Second
	defaultLockTTL = 30 * time.Second
)

// releaseScript deletes the lock key only if it still holds our token, so an
// expired lock re-acquired by someone else is never released by us
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only while we still hold the lock
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type heldLocksKey struct{}

// heldLocks is the execution-local reentrancy record: run id -> holder token
// for every lock the current call chain owns. It is threaded through context
// rather than stored process-globally.
type heldLocks map[string]string

func heldFromContext(ctx context.Context) heldLocks {
	if held, ok := ctx.Value(heldLocksKey{}).(heldLocks); ok {
		return held
	}
	return nil
}

// Locker serializes state transitions per run id using TTL-bounded Redis
// locks. A Locker is safe for concurrent use.
type Locker struct {
	client         *redis.Client
	acquireTimeout time.Duration
	pollInterval   time.Duration
	defaultTTL     time.Duration
}

type Option func(*Locker)

// WithAcquireTimeout bounds how long WithLock waits for contended locks
func WithAcquireTimeout(d time.Duration) Option {
	return func(l *Locker) { l.acquireTimeout = d }
}

// WithPollInterval sets the retry interval while waiting for a held lock
func WithPollInterval(d time.Duration) Option {
	return func(l *Locker) { l.pollInterval = d }
}

// WithDefaultTTL sets the TTL used when WithLock is called with ttl <= 0
func WithDefaultTTL(d time.Duration) Option {
	return func(l *Locker) { l.defaultTTL = d }
}

// New creates a run locker on top of the given Redis client
func New(client *redis.Client, opts ...Option) *Locker {
	l := &Locker{
		client:         client,
		acquireTimeout: defaultAcquire,
		pollInterval:   defaultPoll,
		defaultTTL:     defaultLockTTL,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithLock acquires one lock per run id (sorted, so two callers locking the
// same set of runs in different order cannot deadlock), runs fn, and releases
// on every exit path. Ids already held by the calling context are not
// re-acquired: a nested WithLock on the same run id runs fn directly.
//
// Returns ErrLockTimeout (wrapped, with the contended id) when any lock
// cannot be acquired within the bounded wait. The TTL bounds how long a
// crashed holder can block others; fn must finish well inside it or call
// Extend.
func (l *Locker) WithLock(ctx context.Context, runIDs []string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if ttl <= 0 {
		ttl = l.defaultTTL
	}

	held := heldFromContext(ctx)
	toAcquire := make([]string, 0, len(runIDs))
	seen := make(map[string]struct{}, len(runIDs))
	for _, id := range runIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := held[id]; ok {
			continue
		}
		toAcquire = append(toAcquire, id)
	}
	sort.Strings(toAcquire)

	if len(toAcquire) == 0 {
		// Fully reentrant call, every id is already locked by this context
		return fn(ctx)
	}

	token := uuid.New().String()
	acquired := make([]string, 0, len(toAcquire))
	defer func() {
		for _, id := range acquired {
			l.release(id, token)
		}
	}()

	start := time.Now()
	deadline := start.Add(l.acquireTimeout)
	for _, id := range toAcquire {
		if err := l.acquire(ctx, id, token, ttl, deadline); err != nil {
			return err
		}
		acquired = append(acquired, id)
	}
	metrics.LockWait.Observe(time.Since(start).Seconds())

	next := make(heldLocks, len(held)+len(toAcquire))
	for id, tok := range held {
		next[id] = tok
	}
	for _, id := range toAcquire {
		next[id] = token
	}

	return fn(context.WithValue(ctx, heldLocksKey{}, next))
}

// IsHeld reports whether the calling context already holds the lock for the
// given run id
func IsHeld(ctx context.Context, runID string) bool {
	_, ok := heldFromContext(ctx)[runID]
	return ok
}

func (l *Locker) acquire(ctx context.Context, runID, token string, ttl time.Duration, deadline time.Time) error {
	key := lockKeyPrefix + runID
	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return fmt.Errorf("could not acquire lock for run %s: %w", runID, err)
		}
		if ok {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("run %s: %w", runID, ErrLockTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// Extend refreshes the TTL of a lock this context is holding. Long handlers
// call this to stay inside the TTL.
func (l *Locker) Extend(ctx context.Context, runID string, ttl time.Duration) error {
	token, ok := heldFromContext(ctx)[runID]
	if !ok {
		return fmt.Errorf("cannot extend lock for run %s: not held by this context", runID)
	}

	res, err := extendScript.Run(ctx, l.client, []string{lockKeyPrefix + runID}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return fmt.Errorf("lock for run %s expired before it could be extended", runID)
	}
	return nil
}

func (l *Locker) release(runID, token string) {
	// Release must not be tied to the caller's (possibly canceled) context
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := releaseScript.Run(ctx, l.client, []string{lockKeyPrefix + runID}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		log.Error().
			Err(err).
			Str("run_id", runID).
			Msg("Could not release run lock")
	}
}
