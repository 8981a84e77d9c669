// Package tracker keeps the cross-replica view of which sessions are
// executing and which have been asked to stop. Both markers live in the
// shared cache under a TTL so a crashed replica's state self-expires.
//
// Every operation fails closed: if the cache is unreachable the error
// propagates. Falling back to in-process state would let one replica
// believe a session is active while another does not.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/halverson/streamd/pkg/cache"
)

const (
	activeKeyPrefix    = "streamd:active:"
	interruptKeyPrefix = "streamd:interrupt:"
)

// Config holds the marker TTLs.
type Config struct {
	// ActiveTTL bounds how long a crashed replica's "running" marker
	// survives. Long, since legitimate queries can run a while.
	ActiveTTL time.Duration
	// InterruptTTL bounds a stale interrupt request.
	InterruptTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.ActiveTTL <= 0 {
		c.ActiveTTL = 6 * time.Hour
	}
	if c.InterruptTTL <= 0 {
		c.InterruptTTL = 2 * time.Minute
	}
	return c
}

// Tracker registers and queries the distributed session markers.
type Tracker struct {
	cache  cache.Cache
	cfg    Config
	logger zerolog.Logger
}

// New creates a tracker. The cache is required; this component has no
// single-replica mode.
func New(c cache.Cache, cfg Config, logger zerolog.Logger) (*Tracker, error) {
	if c == nil {
		return nil, errors.New("tracker: cache is required")
	}
	return &Tracker{
		cache:  c,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "tracker").Logger(),
	}, nil
}

// Register writes the "is running" marker for id. Idempotent: registering
// an already-registered session refreshes the marker.
func (t *Tracker) Register(ctx context.Context, id string) error {
	value := strconv.FormatInt(time.Now().Unix(), 10)
	if err := t.cache.Set(ctx, activeKeyPrefix+id, value, t.cfg.ActiveTTL); err != nil {
		return fmt.Errorf("tracker: register %s: %w", id, err)
	}
	t.logger.Debug().Str("session_id", id).Msg("Session registered as active")
	return nil
}

// IsActive reports whether any replica is currently executing id. Absence
// of the marker is the sole "not active" signal.
func (t *Tracker) IsActive(ctx context.Context, id string) (bool, error) {
	active, err := t.cache.Exists(ctx, activeKeyPrefix+id)
	if err != nil {
		return false, fmt.Errorf("tracker: is_active %s: %w", id, err)
	}
	return active, nil
}

// Unregister removes the "is running" marker and any pending interrupt.
// Idempotent: unregistering an absent session is a no-op.
func (t *Tracker) Unregister(ctx context.Context, id string) error {
	if err := t.cache.Delete(ctx, activeKeyPrefix+id); err != nil {
		return fmt.Errorf("tracker: unregister %s: %w", id, err)
	}
	if err := t.cache.Delete(ctx, interruptKeyPrefix+id); err != nil {
		return fmt.Errorf("tracker: unregister %s: %w", id, err)
	}
	t.logger.Debug().Str("session_id", id).Msg("Session unregistered")
	return nil
}

// MarkInterrupted records an interrupt request for id. The replica that
// receives the control call is rarely the one executing the query; the
// marker is how the request crosses replicas.
func (t *Tracker) MarkInterrupted(ctx context.Context, id string) error {
	value := strconv.FormatInt(time.Now().Unix(), 10)
	if err := t.cache.Set(ctx, interruptKeyPrefix+id, value, t.cfg.InterruptTTL); err != nil {
		return fmt.Errorf("tracker: mark_interrupted %s: %w", id, err)
	}
	t.logger.Info().Str("session_id", id).Msg("Interrupt requested")
	return nil
}

// IsInterrupted reports whether an interrupt has been requested for id.
// Polled by the producer after each forwarded event.
func (t *Tracker) IsInterrupted(ctx context.Context, id string) (bool, error) {
	interrupted, err := t.cache.Exists(ctx, interruptKeyPrefix+id)
	if err != nil {
		return false, fmt.Errorf("tracker: is_interrupted %s: %w", id, err)
	}
	return interrupted, nil
}

// ClearInterrupt removes a pending interrupt marker.
func (t *Tracker) ClearInterrupt(ctx context.Context, id string) error {
	if err := t.cache.Delete(ctx, interruptKeyPrefix+id); err != nil {
		return fmt.Errorf("tracker: clear_interrupt %s: %w", id, err)
	}
	return nil
}
