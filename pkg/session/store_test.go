package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halverson/streamd/pkg/cache"
	"github.com/halverson/streamd/pkg/lock"
)

func newStore(t *testing.T) (*Store, *cache.MemoryCache) {
	t.Helper()

	c := cache.NewMemoryCache()
	s, err := NewStore(c, lock.NewManager(c, zerolog.Nop()), Config{}, zerolog.Nop())
	require.NoError(t, err)
	return s, c
}

func TestStore_CreateGeneratesID(t *testing.T) {
	s, _ := newStore(t)

	rec, err := s.Create(context.Background(), CreateParams{Model: "sonnet"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, StatusActive, rec.Status)
	assert.Empty(t, rec.OwnerHash)
}

func TestStore_GetPublicSession(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, CreateParams{Model: "sonnet", ID: "s1"})
	require.NoError(t, err)

	// Public sessions are readable with any credential.
	got, err := s.Get(ctx, "s1", "whatever")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
}

func TestStore_OwnershipGate(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateParams{Model: "sonnet", ID: "s1", Owner: "secret-cred"})
	require.NoError(t, err)

	got, err := s.Get(ctx, "s1", "secret-cred")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)

	// Wrong credential and missing session must be the same error.
	_, wrongErr := s.Get(ctx, "s1", "other-cred")
	_, missingErr := s.Get(ctx, "does-not-exist", "secret-cred")
	assert.ErrorIs(t, wrongErr, ErrSessionNotFound)
	assert.ErrorIs(t, missingErr, ErrSessionNotFound)
	assert.Equal(t, wrongErr.Error(), missingErr.Error())

	// Omitting the credential does not bypass the gate.
	_, err = s.Get(ctx, "s1", "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStore_CreateRejectsExistingID(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateParams{Model: "sonnet", ID: "s1", Owner: "alice-cred"})
	require.NoError(t, err)

	// Claiming an already-taken id fails with the same ambiguous error
	// as an ownership mismatch, whoever asks.
	_, collisionErr := s.Create(ctx, CreateParams{Model: "opus", ID: "s1", Owner: "mallory-cred"})
	require.ErrorIs(t, collisionErr, ErrSessionNotFound)
	_, missingErr := s.Get(ctx, "does-not-exist", "mallory-cred")
	assert.Equal(t, missingErr.Error(), collisionErr.Error())

	// The original record, its owner, and its model are untouched.
	rec, err := s.Get(ctx, "s1", "alice-cred")
	require.NoError(t, err)
	assert.Equal(t, "sonnet", rec.Model)
	assert.Equal(t, HashCredential("alice-cred"), rec.OwnerHash)
	_, err = s.Get(ctx, "s1", "mallory-cred")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// The failed create left no index entry behind.
	members, err := c.SMembers(ctx, indexKeyPrefix+HashCredential("mallory-cred"))
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestStore_CreateRejectsDurableOnlyID(t *testing.T) {
	c := cache.NewMemoryCache()
	durable, err := NewDurableStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer durable.Close()

	s, err := NewStore(c, lock.NewManager(c, zerolog.Nop()), Config{Durable: durable}, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Create(ctx, CreateParams{Model: "sonnet", ID: "s1", Owner: "alice-cred"})
	require.NoError(t, err)

	// Even with the cache entry expired, the durable copy keeps the id
	// taken.
	require.NoError(t, c.Delete(ctx, recordKeyPrefix+"s1"))
	_, err = s.Create(ctx, CreateParams{Model: "sonnet", ID: "s1", Owner: "mallory-cred"})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	rec, err := s.Get(ctx, "s1", "alice-cred")
	require.NoError(t, err)
	assert.Equal(t, HashCredential("alice-cred"), rec.OwnerHash)
}

func TestStore_Update(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateParams{Model: "sonnet", ID: "s1", Owner: "cred"})
	require.NoError(t, err)

	status := StatusCompleted
	cost := 0.42
	rec, err := s.Update(ctx, "s1", UpdateParams{Status: &status, CostUSD: &cost}, "cred")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 0.42, rec.CostUSD)

	_, err = s.Update(ctx, "s1", UpdateParams{Status: &status}, "wrong")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStore_IncrementTurnsConcurrent(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateParams{Model: "sonnet", ID: "s1", Owner: "cred"})
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementTurns(ctx, "s1", "cred")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := s.Get(ctx, "s1", "cred")
	require.NoError(t, err)
	assert.Equal(t, n, rec.Turns, "no increment may be lost")
}

func TestStore_Delete(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateParams{Model: "sonnet", ID: "s1", Owner: "cred"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "s1", "cred"))

	_, err = s.Get(ctx, "s1", "cred")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	members, err := c.SMembers(ctx, indexKeyPrefix+HashCredential("cred"))
	require.NoError(t, err)
	assert.Empty(t, members, "index entry must be removed")
}

func TestStore_ListNewestFirstWithPagination(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"s1", "s2", "s3"} {
		ts := base.Add(time.Duration(i) * time.Second)
		s.now = func() time.Time { return ts }
		_, err := s.Create(ctx, CreateParams{Model: "sonnet", ID: id, Owner: "cred"})
		require.NoError(t, err)
	}
	s.now = time.Now

	records, err := s.List(ctx, "cred", 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "s3", records[0].ID)
	assert.Equal(t, "s2", records[1].ID)
	assert.Equal(t, "s1", records[2].ID)

	page, err := s.List(ctx, "cred", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "s2", page[0].ID)

	empty, err := s.List(ctx, "cred", 10, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStore_ListPrunesExpiredRecords(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateParams{Model: "sonnet", ID: "live", Owner: "cred"})
	require.NoError(t, err)
	_, err = s.Create(ctx, CreateParams{Model: "sonnet", ID: "gone", Owner: "cred"})
	require.NoError(t, err)

	// Simulate TTL expiry of the backing record.
	require.NoError(t, c.Delete(ctx, recordKeyPrefix+"gone"))

	records, err := s.List(ctx, "cred", 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "live", records[0].ID)

	members, err := c.SMembers(ctx, indexKeyPrefix+HashCredential("cred"))
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, members, "stale entry must be pruned from the index")
}

func TestStore_DurableFallbackRepopulatesCache(t *testing.T) {
	c := cache.NewMemoryCache()
	durable, err := NewDurableStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer durable.Close()

	s, err := NewStore(c, lock.NewManager(c, zerolog.Nop()), Config{Durable: durable}, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Create(ctx, CreateParams{Model: "sonnet", ID: "s1", Owner: "cred"})
	require.NoError(t, err)

	// Evict the cache entry; the durable copy must serve the read.
	require.NoError(t, c.Delete(ctx, recordKeyPrefix+"s1"))

	rec, err := s.Get(ctx, "s1", "cred")
	require.NoError(t, err)
	assert.Equal(t, "s1", rec.ID)

	// The fallback read re-populates the cache.
	ok, err := c.Exists(ctx, recordKeyPrefix+"s1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_SweepIndex(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateParams{Model: "sonnet", ID: "s1", Owner: "cred"})
	require.NoError(t, err)
	_, err = s.Create(ctx, CreateParams{Model: "sonnet", ID: "s2", Owner: "cred"})
	require.NoError(t, err)

	require.NoError(t, c.Delete(ctx, recordKeyPrefix+"s2"))

	pruned, err := s.SweepIndex(ctx, HashCredential("cred"))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
}
