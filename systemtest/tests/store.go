package tests

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

// TestSessionStore exercises the session repository against a real
// database. accountID must already exist.
func TestSessionStore(t *testing.T, st store.Store, accountID string) {
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Second)
	s := &models.Session{
		ID: "store-s1", AccountID: accountID, ClientIP: netip.MustParseAddr("192.0.2.10"),
		ClientPort: 40000, ServerPort: 5667, StartTime: start, LastHeartbeat: start,
	}

	t.Run("create and conflict", func(t *testing.T) {
		require.NoError(t, st.CreateSession(ctx, s))
		assert.ErrorIs(t, st.CreateSession(ctx, s), store.ErrConflict)
	})

	t.Run("heartbeat and lookup", func(t *testing.T) {
		require.NoError(t, st.UpdateHeartbeat(ctx, s.ID, start.Add(time.Minute), 100, 200))
		got, err := st.LatestActiveSessionByIP(ctx, s.ClientIP)
		require.NoError(t, err)
		assert.Equal(t, s.ID, got.ID)
		assert.Equal(t, int64(200), got.BytesOut)
		assert.Equal(t, models.SessionStatusActive, got.Status)
	})

	t.Run("close computes duration", func(t *testing.T) {
		closed, err := st.CloseSession(ctx, s.ID, start.Add(90*time.Second), models.CloseReasonVanished)
		require.NoError(t, err)
		assert.True(t, closed)

		closed, err = st.CloseSession(ctx, s.ID, start.Add(time.Hour), models.CloseReasonVanished)
		require.NoError(t, err)
		assert.False(t, closed)

		_, err = st.GetActiveSession(ctx, s.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)

		history, err := st.ListSessionHistory(ctx, accountID, 0, 0)
		require.NoError(t, err)
		require.NotEmpty(t, history)
		var found bool
		for _, h := range history {
			if h.ID == s.ID {
				found = true
				assert.Equal(t, int64(90), h.DurationSeconds)
				assert.Equal(t, models.CloseReasonVanished, h.CloseReason)
				require.NotNil(t, h.EndTime)
			}
		}
		assert.True(t, found)
	})

	t.Run("same identity may reopen after close", func(t *testing.T) {
		require.NoError(t, st.CreateSession(ctx, s))
		closed, err := st.CloseSession(ctx, s.ID, start.Add(2*time.Hour), models.CloseReasonTerminated)
		require.NoError(t, err)
		assert.True(t, closed)
	})

	t.Run("fingerprints", func(t *testing.T) {
		require.NoError(t, st.UpsertFingerprint(ctx, accountID, "fp-1", start.Add(-2*time.Hour)))
		require.NoError(t, st.UpsertFingerprint(ctx, accountID, "fp-2", start))
		n, err := st.CountFingerprintsSince(ctx, accountID, start.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		// an older sighting never moves last_seen backwards
		require.NoError(t, st.UpsertFingerprint(ctx, accountID, "fp-2", start.Add(-3*time.Hour)))
		n, err = st.CountFingerprintsSince(ctx, accountID, start.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

// TestAccountStore checks guarded transitions and credential listing.
func TestAccountStore(t *testing.T, st store.Store, activeID, bannedID string) {
	ctx := context.Background()

	t.Run("guarded transition", func(t *testing.T) {
		applied, err := st.TransitionStatus(ctx, activeID, models.AccountStatusActive, models.AccountStatusSuspended)
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = st.TransitionStatus(ctx, activeID, models.AccountStatusActive, models.AccountStatusSuspended)
		require.NoError(t, err)
		assert.False(t, applied)

		applied, err = st.TransitionStatus(ctx, activeID, models.AccountStatusSuspended, models.AccountStatusActive)
		require.NoError(t, err)
		assert.True(t, applied)

		_, err = st.TransitionStatus(ctx, "no-such-account", models.AccountStatusActive, models.AccountStatusSuspended)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("credentials exclude inactive accounts", func(t *testing.T) {
		creds, err := st.ListActiveCredentials(ctx, time.Now())
		require.NoError(t, err)
		banned, err := st.GetAccount(ctx, bannedID)
		require.NoError(t, err)
		assert.NotContains(t, creds, banned.Credential)
		assert.IsIncreasing(t, creds)
	})

	t.Run("usage accumulates", func(t *testing.T) {
		before, err := st.GetAccount(ctx, activeID)
		require.NoError(t, err)
		require.NoError(t, st.AddBandwidthUsage(ctx, activeID, 42))
		after, err := st.GetAccount(ctx, activeID)
		require.NoError(t, err)
		assert.Equal(t, before.BandwidthUsed+42, after.BandwidthUsed)
	})
}
