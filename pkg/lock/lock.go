// Package lock provides best-effort cross-replica mutual exclusion on top
// of the shared cache. The lock's TTL is the safety net against crashed
// holders; release is conditioned on still owning the token.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/halverson/streamd/pkg/cache"
)

// ErrNotAcquired is returned when the lock could not be acquired within
// the acquisition timeout. It is retryable.
var ErrNotAcquired = errors.New("lock: not acquired within timeout")

const lockKeyPrefix = "streamd:lock:"

// Options tune a single WithLock call. Zero values fall back to defaults.
type Options struct {
	// AcquireTimeout bounds the total time spent retrying acquisition.
	AcquireTimeout time.Duration
	// TTL is attached to the lock key so a crashed holder cannot wedge
	// the resource.
	TTL time.Duration
	// InitialBackoff is the first retry delay; it doubles per attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the doubling.
	MaxBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 5 * time.Second
	}
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 10 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 500 * time.Millisecond
	}
	return o
}

// Manager acquires and releases distributed locks. A nil cache means the
// deployment is single-replica and operations run unlocked; this is
// distinct from a reachable-but-failing cache, which propagates errors.
type Manager struct {
	cache    cache.Cache
	logger   zerolog.Logger
	defaults Options
}

// NewManager creates a lock manager. cache may be nil for single-replica
// deployments.
func NewManager(c cache.Cache, logger zerolog.Logger) *Manager {
	return &Manager{
		cache:    c,
		logger:   logger.With().Str("component", "lock").Logger(),
		defaults: Options{}.withDefaults(),
	}
}

// NewManagerWithOptions creates a lock manager whose WithLock calls use
// opts instead of the built-in defaults.
func NewManagerWithOptions(c cache.Cache, logger zerolog.Logger, opts Options) *Manager {
	m := NewManager(c, logger)
	m.defaults = opts.withDefaults()
	return m
}

// WithLock runs fn while holding the lock for resource. Acquisition
// retries with doubling, jittered backoff until Options.AcquireTimeout,
// then returns ErrNotAcquired. Release is attempted unconditionally after
// fn; a failed release is logged and swallowed since the TTL will clear
// the key anyway.
func (m *Manager) WithLock(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	return m.WithLockOptions(ctx, resource, fn, m.defaults)
}

// WithLockOptions is WithLock with explicit tuning.
func (m *Manager) WithLockOptions(ctx context.Context, resource string, fn func(ctx context.Context) error, opts Options) error {
	if m.cache == nil {
		return fn(ctx)
	}
	opts = opts.withDefaults()

	token, err := gonanoid.New()
	if err != nil {
		return fmt.Errorf("lock: generate token: %w", err)
	}

	key := lockKeyPrefix + resource
	if err := m.acquire(ctx, key, token, opts); err != nil {
		return err
	}

	defer func() {
		released, err := m.cache.CompareAndDelete(context.WithoutCancel(ctx), key, token)
		if err != nil {
			m.logger.Warn().Err(err).Str("resource", resource).Msg("Lock release failed, TTL will reclaim it")
			return
		}
		if !released {
			m.logger.Warn().Str("resource", resource).Msg("Lock already expired at release")
		}
	}()

	return fn(ctx)
}

func (m *Manager) acquire(ctx context.Context, key, token string, opts Options) error {
	deadline := time.Now().Add(opts.AcquireTimeout)
	backoff := opts.InitialBackoff

	for {
		ok, err := m.cache.SetNX(ctx, key, token, opts.TTL)
		if err != nil {
			return fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			return nil
		}

		if time.Now().Add(backoff).After(deadline) {
			return fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}

		backoff *= 2
		if backoff > opts.MaxBackoff {
			backoff = opts.MaxBackoff
		}
	}
}

// jitter spreads a delay by ±10% so contending replicas do not retry in
// lockstep.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.1
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
