package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/halverson/streamd/pkg/cache"
	"github.com/halverson/streamd/pkg/lock"
)

const (
	recordKeyPrefix = "streamd:session:"
	indexKeyPrefix  = "streamd:owner-index:"
	ownersKey       = "streamd:owners"

	// DefaultTTL matches the shared cache's session retention window.
	DefaultTTL = 24 * time.Hour
)

// Store is the session record store. All mutations go through the
// ownership gate; the turn counter additionally goes through the lock
// manager, since concurrent control calls would otherwise lose updates.
type Store struct {
	cache   cache.Cache
	locks   *lock.Manager
	durable *DurableStore
	ttl     time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// Config holds store configuration.
type Config struct {
	// TTL applied to cached records. Zero means DefaultTTL.
	TTL time.Duration
	// Durable is the optional sqlite fallback. Nil disables it.
	Durable *DurableStore
}

// NewStore creates a session store over the shared cache.
func NewStore(c cache.Cache, locks *lock.Manager, cfg Config, logger zerolog.Logger) (*Store, error) {
	if c == nil {
		return nil, errors.New("session: cache is required")
	}
	if locks == nil {
		return nil, errors.New("session: lock manager is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		cache:   c,
		locks:   locks,
		durable: cfg.Durable,
		ttl:     ttl,
		logger:  logger.With().Str("component", "session.store").Logger(),
		now:     time.Now,
	}, nil
}

// Create stores a new record. The id is generated when absent; the owner
// credential is digested and the id indexed under that digest. Creation
// never overwrites: claiming an id that already exists fails with the
// same ambiguous ErrSessionNotFound an ownership mismatch yields, so a
// colliding create neither displaces the existing record nor confirms
// the id exists.
func (s *Store) Create(ctx context.Context, params CreateParams) (*Record, error) {
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := s.now().UTC()
	rec := &Record{
		ID:        id,
		Model:     params.Model,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if params.Owner != "" {
		rec.OwnerHash = HashCredential(params.Owner)
	}

	// The durable copy can outlive the cache entry, so an absent cache
	// key alone does not make a caller-supplied id free.
	if s.durable != nil && params.ID != "" {
		_, err := s.durable.Get(ctx, id)
		if err == nil {
			return nil, ErrSessionNotFound
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("session: encode %s: %w", id, err)
	}
	claimed, err := s.cache.SetNX(ctx, recordKeyPrefix+id, string(data), s.ttl)
	if err != nil {
		return nil, fmt.Errorf("session: store %s: %w", id, err)
	}
	if !claimed {
		return nil, ErrSessionNotFound
	}
	if s.durable != nil {
		if err := s.durable.Upsert(ctx, rec); err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("Durable write failed")
		}
	}

	if rec.OwnerHash != "" {
		if err := s.cache.SAdd(ctx, indexKeyPrefix+rec.OwnerHash, id); err != nil {
			return nil, fmt.Errorf("session: index %s: %w", id, err)
		}
		// Owner digests are tracked so the janitor can find every index.
		if err := s.cache.SAdd(ctx, ownersKey, rec.OwnerHash); err != nil {
			return nil, fmt.Errorf("session: track owner: %w", err)
		}
	}

	s.logger.Info().
		Str("session_id", id).
		Str("model", rec.Model).
		Bool("owned", rec.OwnerHash != "").
		Msg("Session record created")
	return rec, nil
}

// Get fetches a record and enforces ownership. Cache miss falls back to
// the durable store when configured; a durable hit re-populates the cache.
func (s *Store) Get(ctx context.Context, id, credential string) (*Record, error) {
	rec, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := enforceOwner(rec, credential); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update applies a partial overwrite under the ownership gate.
func (s *Store) Update(ctx context.Context, id string, params UpdateParams, credential string) (*Record, error) {
	rec, err := s.Get(ctx, id, credential)
	if err != nil {
		return nil, err
	}

	if params.Status != nil {
		rec.Status = *params.Status
	}
	if params.Turns != nil {
		rec.Turns = *params.Turns
	}
	if params.CostUSD != nil {
		rec.CostUSD = *params.CostUSD
	}
	if params.Model != nil {
		rec.Model = *params.Model
	}
	rec.UpdatedAt = s.now().UTC()

	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// IncrementTurns atomically bumps the turn counter. The read-modify-write
// runs under the distributed lock keyed by the session id so concurrent
// control calls cannot lose updates.
func (s *Store) IncrementTurns(ctx context.Context, id, credential string) (int, error) {
	var turns int
	err := s.locks.WithLock(ctx, "session:"+id, func(ctx context.Context) error {
		rec, err := s.Get(ctx, id, credential)
		if err != nil {
			return err
		}
		rec.Turns++
		rec.UpdatedAt = s.now().UTC()
		if err := s.save(ctx, rec); err != nil {
			return err
		}
		turns = rec.Turns
		return nil
	})
	if err != nil {
		return 0, err
	}
	return turns, nil
}

// Delete removes a record and its index entry under the ownership gate.
func (s *Store) Delete(ctx context.Context, id, credential string) error {
	rec, err := s.Get(ctx, id, credential)
	if err != nil {
		return err
	}

	if err := s.cache.Delete(ctx, recordKeyPrefix+id); err != nil {
		return fmt.Errorf("session: delete %s: %w", id, err)
	}
	if rec.OwnerHash != "" {
		if err := s.cache.SRem(ctx, indexKeyPrefix+rec.OwnerHash, id); err != nil {
			return fmt.Errorf("session: deindex %s: %w", id, err)
		}
	}
	if s.durable != nil {
		if err := s.durable.Delete(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("Durable delete failed")
		}
	}

	s.logger.Info().Str("session_id", id).Msg("Session record deleted")
	return nil
}

// List returns the owner's sessions newest-first with offset/limit
// pagination. Index entries whose backing record has expired everywhere
// are dropped from the result and pruned from the index.
func (s *Store) List(ctx context.Context, owner string, offset, limit int) ([]*Record, error) {
	ownerHash := HashCredential(owner)
	indexKey := indexKeyPrefix + ownerHash

	ids, err := s.cache.SMembers(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.fetch(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			// Stale index entry; prune as a listing side effect.
			if err := s.cache.SRem(ctx, indexKey, id); err != nil {
				s.logger.Warn().Err(err).Str("session_id", id).Msg("Index prune failed")
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(records) {
		return []*Record{}, nil
	}
	records = records[offset:]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records, nil
}

// fetch loads a record from the cache, falling back to the durable store.
// No ownership check: internal use only.
func (s *Store) fetch(ctx context.Context, id string) (*Record, error) {
	raw, err := s.cache.Get(ctx, recordKeyPrefix+id)
	if err == nil {
		var rec Record
		if uerr := json.Unmarshal([]byte(raw), &rec); uerr != nil {
			return nil, fmt.Errorf("session: decode %s: %w", id, uerr)
		}
		return &rec, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		return nil, fmt.Errorf("session: get %s: %w", id, err)
	}

	if s.durable == nil {
		return nil, ErrSessionNotFound
	}
	rec, err := s.durable.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	// Re-populate the cache after a successful fallback read.
	if err := s.writeCache(ctx, rec); err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("Cache re-populate failed")
	}
	return rec, nil
}

func (s *Store) save(ctx context.Context, rec *Record) error {
	if err := s.writeCache(ctx, rec); err != nil {
		return err
	}
	if s.durable != nil {
		if err := s.durable.Upsert(ctx, rec); err != nil {
			s.logger.Warn().Err(err).Str("session_id", rec.ID).Msg("Durable write failed")
		}
	}
	return nil
}

func (s *Store) writeCache(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", rec.ID, err)
	}
	if err := s.cache.Set(ctx, recordKeyPrefix+rec.ID, string(data), s.ttl); err != nil {
		return fmt.Errorf("session: store %s: %w", rec.ID, err)
	}
	return nil
}

// SweepAll prunes stale entries from every known owner's index. Run
// periodically by the janitor so indexes do not accumulate pointers to
// expired records between listings.
func (s *Store) SweepAll(ctx context.Context) (int, error) {
	owners, err := s.cache.SMembers(ctx, ownersKey)
	if err != nil {
		return 0, fmt.Errorf("session: sweep owners: %w", err)
	}

	total := 0
	for _, ownerHash := range owners {
		pruned, err := s.SweepIndex(ctx, ownerHash)
		total += pruned
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SweepIndex prunes stale entries from one owner's index without
// returning results. Used by the periodic janitor.
func (s *Store) SweepIndex(ctx context.Context, ownerHash string) (int, error) {
	indexKey := indexKeyPrefix + ownerHash
	ids, err := s.cache.SMembers(ctx, indexKey)
	if err != nil {
		return 0, fmt.Errorf("session: sweep: %w", err)
	}

	pruned := 0
	for _, id := range ids {
		_, err := s.fetch(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			if err := s.cache.SRem(ctx, indexKey, id); err != nil {
				return pruned, fmt.Errorf("session: sweep prune %s: %w", id, err)
			}
			pruned++
			continue
		}
		if err != nil {
			return pruned, err
		}
	}
	return pruned, nil
}
