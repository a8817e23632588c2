package identity

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/silo-warden/internal/models"
	"github.com/EternisAI/silo-warden/internal/store"
)

func intPtr(v int) *int { return &v }

func newStore(t *testing.T) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	st.PutAccount(models.Account{ID: "alice", Status: models.AccountStatusActive, AssignedPort: intPtr(6001)})
	st.PutAccount(models.Account{ID: "bob", Status: models.AccountStatusActive})
	st.PutAccount(models.Account{ID: "carol", Status: models.AccountStatusSuspended, AssignedPort: intPtr(6002)})
	return st
}

func conn(ip string, cport, sport int) models.ObservedConnection {
	return models.ObservedConnection{
		ClientIP:   netip.MustParseAddr(ip),
		ClientPort: cport,
		ServerPort: sport,
		ObservedAt: time.Now(),
	}
}

func TestResolve_ExactPort(t *testing.T) {
	st := newStore(t)
	r := NewResolver(st, st, NewPortCache(time.Minute), 5667)

	id, ok, err := r.Resolve(context.Background(), conn("10.0.0.1", 4000, 6001))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", id)
}

func TestResolve_SuspendedPortOwnerIsSkipped(t *testing.T) {
	st := newStore(t)
	r := NewResolver(st, st, NewPortCache(time.Minute), 5667)

	_, ok, err := r.Resolve(context.Background(), conn("10.0.0.1", 4000, 6002))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolve_AffinityByClientIP(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, st.CreateSession(ctx, &models.Session{
		ID: "old", AccountID: "bob", ClientIP: netip.MustParseAddr("10.0.0.9"), ClientPort: 1,
		StartTime: now.Add(-time.Hour), LastHeartbeat: now, Status: models.SessionStatusActive,
	}))
	require.NoError(t, st.CreateSession(ctx, &models.Session{
		ID: "new", AccountID: "alice", ClientIP: netip.MustParseAddr("10.0.0.9"), ClientPort: 2,
		StartTime: now, LastHeartbeat: now, Status: models.SessionStatusActive,
	}))
	r := NewResolver(st, st, NewPortCache(time.Minute), 5667)

	id, ok, err := r.Resolve(ctx, conn("10.0.0.9", 5000, 7000))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", id)
}

func TestResolve_BasePortFallback(t *testing.T) {
	st := newStore(t)
	r := NewResolver(st, st, NewPortCache(time.Minute), 5667)

	id, ok, err := r.Resolve(context.Background(), conn("10.0.0.2", 4000, 5667))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "bob", id)
}

func TestResolve_Unattributable(t *testing.T) {
	st := newStore(t)
	r := NewResolver(st, st, NewPortCache(time.Minute), 5667)

	_, ok, err := r.Resolve(context.Background(), conn("10.0.0.2", 4000, 7000))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolve_ExpiredFallbackAccount(t *testing.T) {
	st := store.NewMemory()
	yesterday := time.Now().AddDate(0, 0, -2)
	st.PutAccount(models.Account{ID: "dave", Status: models.AccountStatusActive, ExpiresAt: &yesterday})
	r := NewResolver(st, st, nil, 5667)

	_, ok, err := r.Resolve(context.Background(), conn("10.0.0.2", 4000, 5667))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolve_FallbackSkipsExpiredAccount(t *testing.T) {
	st := newStore(t)
	expired := time.Now().AddDate(0, 0, -2)
	st.PutAccount(models.Account{ID: "aaa", Status: models.AccountStatusActive, ExpiresAt: &expired})
	r := NewResolver(st, st, nil, 5667)

	id, ok, err := r.Resolve(context.Background(), conn("10.0.0.2", 4000, 5667))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "bob", id)
}

func TestResolveAll_GroupsByAccount(t *testing.T) {
	st := newStore(t)
	r := NewResolver(st, st, NewPortCache(time.Minute), 5667)

	got, err := r.ResolveAll(context.Background(), []models.ObservedConnection{
		conn("10.0.0.1", 4000, 6001),
		conn("10.0.0.1", 4001, 6001),
		conn("10.0.0.2", 4000, 5667),
		conn("10.0.0.3", 4000, 7000),
	})
	require.NoError(t, err)
	assert.Len(t, got["alice"], 2)
	assert.Len(t, got["bob"], 1)
	assert.Len(t, got, 2)
}

func TestPortCache_ExpiresAndInvalidates(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewPortCache(30 * time.Second)
	c.now = func() time.Time { return now }

	c.Set(6001, "alice")
	id, ok := c.Get(6001)
	assert.True(t, ok)
	assert.Equal(t, "alice", id)

	now = now.Add(31 * time.Second)
	_, ok = c.Get(6001)
	assert.False(t, ok)

	c.Set(6001, "alice")
	c.Invalidate()
	_, ok = c.Get(6001)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestResolve_CacheHidesStoreUntilInvalidated(t *testing.T) {
	st := newStore(t)
	cache := NewPortCache(time.Minute)
	r := NewResolver(st, st, cache, 5667)
	ctx := context.Background()

	_, _, err := r.Resolve(ctx, conn("10.0.0.1", 4000, 6001))
	require.NoError(t, err)

	applied, err := st.TransitionStatus(ctx, "alice", models.AccountStatusActive, models.AccountStatusSuspended)
	require.NoError(t, err)
	require.True(t, applied)

	id, ok, err := r.Resolve(ctx, conn("10.0.0.1", 4000, 6001))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", id)

	cache.Invalidate()
	_, ok, err = r.Resolve(ctx, conn("10.0.0.1", 4000, 6001))
	require.NoError(t, err)
	assert.False(t, ok)
}
