// Package lock provides best-effort mutual exclusion across orchestrator
// processes via Redis SETNX + TTL, grounded on itsneelabh-gomind's
// checkpoint-claim idiom (orchestration/hitl_checkpoint_store.go) and
// task-store idiom (orchestration/redis_task_store.go).
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const keyPrefix = "lock:"

// Service implements spec.md §4.3's acquire/release contract.
type Service struct {
	client *redis.Client
}

// New wraps an existing Redis client.
func New(client *redis.Client) *Service {
	return &Service{client: client}
}

// Acquire attempts to take the named lock. With blocking=false a failed
// attempt returns (false, nil) immediately and releases nothing, since
// nothing was acquired. safetyTimeout is the lock's TTL; it must exceed the
// longest legitimate task duration, existing only to recover from a
// crashed holder. Acquire returns the fencing token the caller must pass to
// Release.
func (s *Service) Acquire(ctx context.Context, name string, blocking bool, safetyTimeout time.Duration) (acquired bool, token string, err error) {
	if safetyTimeout <= 0 {
		return false, "", fmt.Errorf("lock: safetyTimeout must be positive")
	}
	key := keyPrefix + name
	token = uuid.NewString()

	for {
		ok, err := s.client.SetNX(ctx, key, token, safetyTimeout).Result()
		if err != nil {
			return false, "", fmt.Errorf("lock: acquire %q: %w", name, err)
		}
		if ok {
			return true, token, nil
		}
		if !blocking {
			return false, "", nil
		}
		select {
		case <-ctx.Done():
			return false, "", ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// Release deletes the lock only if it is still held by token, so a holder
// whose safety timeout already expired (and whose key a new owner may have
// since acquired) can never delete someone else's lock. A missing or
// already-expired key is not an error — release is idempotent.
func (s *Service) Release(ctx context.Context, name string, token string) error {
	key := keyPrefix + name
	held, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock: release %q: %w", name, err)
	}
	if held != token {
		return nil
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("lock: release %q: %w", name, err)
	}
	return nil
}

// WithLock runs fn while holding the named non-blocking lock. If the lock
// is already held, WithLock returns ErrSkipped without running fn — the
// single-flight behaviour every periodic tick and the reconciler rely on.
func (s *Service) WithLock(ctx context.Context, name string, safetyTimeout time.Duration, fn func(context.Context) error) error {
	acquired, token, err := s.Acquire(ctx, name, false, safetyTimeout)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrSkipped
	}
	defer func() {
		_ = s.Release(context.WithoutCancel(ctx), name, token)
	}()
	return fn(ctx)
}

// ErrSkipped is returned by WithLock when another holder already owns the
// named lock, so the caller can record a {status: "skipped"} tick outcome
// instead of treating it as a failure.
var ErrSkipped = errors.New("lock: already held, skipped")
