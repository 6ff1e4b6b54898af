// Package lock provides the short-lived per-user locks taken while a call is
// being set up. Acquisition is a single attempt; there is no waiting.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"call-coordinator/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the absolute expiry of a setup lock.
const DefaultTTL = 10 * time.Second

// ErrContended means another attempt holds one of the keys right now.
var ErrContended = errors.New("lock contended")

// Locker is the set-if-absent / compare-then-delete primitive pair.
type Locker interface {
	TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Release deletes key only while it still holds token.
	Release(ctx context.Context, key, token string) error
}

// Token identifies one setup attempt. It is derived from the call so any
// replica that loads the record can release the attempt's locks.
func Token(callerID, receiverID, callID string, start time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", callerID, receiverID, callID, start.UnixNano())
}

// Order returns a and b in the global acquisition order (lexical).
func Order(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Pair is a held pair of locks.
type Pair struct {
	locker Locker
	keys   []string
	token  string

	mu       sync.Mutex
	released bool
}

// AcquirePair takes the locks for a and b in lexical order. If the second
// acquisition fails the first lock is released before returning, so callers
// never hold half a pair. Two attempts on the same users therefore cannot
// deadlock by locking in opposite orders.
func AcquirePair(ctx context.Context, l Locker, a, b, token string, ttl time.Duration) (*Pair, error) {
	first, second := Order(a, b)
	keys := []string{first}
	if second != first {
		keys = append(keys, second)
	}

	p := &Pair{locker: l, token: token}
	for _, k := range keys {
		ok, err := l.TryAcquire(ctx, k, token, ttl)
		if err == nil && !ok {
			err = ErrContended
		}
		if err != nil {
			if rerr := p.Release(ctx); rerr != nil {
				return nil, errors.Join(err, rerr)
			}
			return nil, err
		}
		p.keys = append(p.keys, k)
	}
	return p, nil
}

// Release frees every lock in the pair that still carries the pair's token.
// It is safe to call more than once.
func (p *Pair) Release(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil
	}
	p.released = true
	return ReleaseAll(ctx, p.locker, p.token, p.keys...)
}

// ReleaseAll releases keys held under token, continuing past failures.
func ReleaseAll(ctx context.Context, l Locker, token string, keys ...string) error {
	var errs []error
	for _, k := range keys {
		if err := l.Release(ctx, k, token); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// RedisLocker stores locks under call_lock:<key>.
type RedisLocker struct {
	rdb *redis.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func lockKey(key string) string { return "call_lock:" + key }

func (l *RedisLocker) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return utils.AcquireLock(ctx, l.rdb, lockKey(key), token, ttl)
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	_, err := utils.ReleaseLock(ctx, l.rdb, lockKey(key), token)
	return err
}
