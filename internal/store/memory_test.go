package store

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/silo-warden/internal/models"
)

func port(p int) *int { return &p }

func TestMemory_AccountLookups(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.PutAccount(models.Account{ID: "b", Status: models.AccountStatusActive})
	m.PutAccount(models.Account{ID: "a", Status: models.AccountStatusActive})
	m.PutAccount(models.Account{ID: "c", Status: models.AccountStatusActive, AssignedPort: port(6001)})
	m.PutAccount(models.Account{ID: "d", Status: models.AccountStatusSuspended, AssignedPort: port(6002)})
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	yesterday := now.AddDate(0, 0, -1)
	m.PutAccount(models.Account{ID: "0-expired", Status: models.AccountStatusActive, ExpiresAt: &yesterday})

	a, err := m.FindActiveUnassigned(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, "a", a.ID)

	a, err = m.FindActiveByPort(ctx, 6001)
	require.NoError(t, err)
	assert.Equal(t, "c", a.ID)

	_, err = m.FindActiveByPort(ctx, 6002)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.GetAccount(ctx, "zzz")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := m.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, "a", list[0].ID)
}

func TestMemory_TransitionStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.PutAccount(models.Account{ID: "a", Status: models.AccountStatusActive})

	ok, err := m.TransitionStatus(ctx, "a", models.AccountStatusActive, models.AccountStatusSuspended)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.TransitionStatus(ctx, "a", models.AccountStatusActive, models.AccountStatusSuspended)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.TransitionStatus(ctx, "missing", models.AccountStatusActive, models.AccountStatusSuspended)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_GetAccountReturnsCopy(t *testing.T) {
	m := NewMemory()
	m.PutAccount(models.Account{ID: "a", Status: models.AccountStatusActive})

	a, err := m.GetAccount(context.Background(), "a")
	require.NoError(t, err)
	a.Status = models.AccountStatusBanned

	again, err := m.GetAccount(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusActive, again.Status)
}

func TestMemory_ListActiveCredentials(t *testing.T) {
	m := NewMemory()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	yesterday := now.AddDate(0, 0, -1)
	today := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

	m.PutAccount(models.Account{ID: "a", Credential: "pw-b", Status: models.AccountStatusActive})
	m.PutAccount(models.Account{ID: "b", Credential: "pw-a", Status: models.AccountStatusActive, ExpiresAt: &today})
	m.PutAccount(models.Account{ID: "c", Credential: "pw-c", Status: models.AccountStatusActive, ExpiresAt: &yesterday})
	m.PutAccount(models.Account{ID: "d", Credential: "pw-d", Status: models.AccountStatusSuspended})
	m.PutAccount(models.Account{ID: "e", Credential: "", Status: models.AccountStatusActive})

	creds, err := m.ListActiveCredentials(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, []string{"pw-a", "pw-b"}, creds)
}

func TestMemory_SessionLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	start := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	ip := netip.MustParseAddr("10.0.0.7")

	s := &models.Session{ID: "s1", AccountID: "a", ClientIP: ip, ClientPort: 4000, ServerPort: 5667,
		StartTime: start, LastHeartbeat: start, Status: models.SessionStatusActive}
	require.NoError(t, m.CreateSession(ctx, s))
	assert.ErrorIs(t, m.CreateSession(ctx, s), ErrConflict)

	require.NoError(t, m.UpdateHeartbeat(ctx, "s1", start.Add(time.Minute), 10, 20))
	assert.ErrorIs(t, m.UpdateHeartbeat(ctx, "nope", start, 0, 0), ErrNotFound)

	got, err := m.LatestActiveSessionByIP(ctx, ip)
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.BytesOut)

	stale, err := m.ListStaleSessions(ctx, start.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	counts, err := m.CountActiveByAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1}, counts)

	closed, err := m.CloseSession(ctx, "s1", start.Add(90*time.Second), models.CloseReasonTerminated)
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = m.CloseSession(ctx, "s1", start.Add(time.Hour), models.CloseReasonTerminated)
	require.NoError(t, err)
	assert.False(t, closed)

	active, err := m.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	history, err := m.ListSessionHistory(ctx, "a", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(90), history[0].DurationSeconds)
	assert.Equal(t, models.CloseReasonTerminated, history[0].CloseReason)

	// the same key may open a fresh session once the old one is closed
	require.NoError(t, m.CreateSession(ctx, s))
	assert.Len(t, m.AllSessions(), 2)

	last, err := m.LastCompletedSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, last.Status)
	assert.Equal(t, int64(10), last.BytesIn)
	assert.Equal(t, int64(20), last.BytesOut)

	_, err = m.LastCompletedSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_ListSessionHistoryPaging(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"s1", "s2", "s3"} {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, m.CreateSession(ctx, &models.Session{ID: id, AccountID: "a", StartTime: at,
			LastHeartbeat: at, Status: models.SessionStatusActive}))
	}

	page, err := m.ListSessionHistory(ctx, "a", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "s3", page[0].ID)
	assert.Equal(t, "s2", page[1].ID)

	page, err = m.ListSessionHistory(ctx, "a", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "s1", page[0].ID)

	page, err = m.ListSessionHistory(ctx, "a", 2, 5)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestMemory_FingerprintsAndViolations(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.UpsertFingerprint(ctx, "a", "h1", now.Add(-2*time.Hour)))
	require.NoError(t, m.UpsertFingerprint(ctx, "a", "h2", now))
	require.NoError(t, m.UpsertFingerprint(ctx, "a", "h1", now.Add(-3*time.Hour)))

	n, err := m.CountFingerprintsSince(ctx, "a", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, m.UpsertFingerprint(ctx, "a", "h1", now))
	n, err = m.CountFingerprintsSince(ctx, "a", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.AppendViolation(ctx, &models.Violation{ID: string(rune('x' + i)), AccountID: "a",
			Type: models.ViolationMultiDevice, Timestamp: now.Add(time.Duration(i-2) * time.Hour)}))
	}
	require.NoError(t, m.AppendViolation(ctx, &models.Violation{ID: "bw", AccountID: "b",
		Type: models.ViolationBandwidth, Timestamp: now}))

	n, err = m.CountViolationsSince(ctx, "a", models.ViolationMultiDevice, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := m.ListViolations(ctx, "", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "bw", all[0].ID)

	limited, err := m.ListViolations(ctx, "a", time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "z", limited[0].ID)
}
