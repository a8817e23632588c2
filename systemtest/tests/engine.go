package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/silo-warden/internal/engine"
	"github.com/EternisAI/silo-warden/internal/models"
	"github.com/EternisAI/silo-warden/internal/store"
)

// Harness bundles an engine over a real store with fake host tools.
type Harness struct {
	Engine     *engine.Engine
	Store      store.Store
	Discoverer *Discoverer
	Dropper    *Dropper
	Runner     *Runner
	// CredentialFile is the synced tunnel server config.
	CredentialFile string
}

// TestEnforcementFlow expects these seeded accounts:
//   - "port-user": active, assigned port 6001, concurrency limit 1
//   - "base-user": active, unassigned, concurrency limit 2
//   - "heavy-user": active, port 6002, bandwidth 1000/1000
func TestEnforcementFlow(t *testing.T, h *Harness) {
	ctx := context.Background()

	t.Run("discovery opens sessions", func(t *testing.T) {
		h.Discoverer.Set(
			Flow("198.51.100.1", 50001, 6001, 100, 200),
			Flow("198.51.100.2", 50002, 6001, 10, 20),
			Flow("198.51.100.3", 50003, 5667, 0, 0),
		)
		require.NoError(t, h.Engine.DiscoveryCycle(ctx))

		live, err := h.Store.ListActiveSessionsByAccount(ctx, "port-user")
		require.NoError(t, err)
		assert.Len(t, live, 2)

		live, err = h.Store.ListActiveSessionsByAccount(ctx, "base-user")
		require.NoError(t, err)
		assert.Len(t, live, 1)

		acct, err := h.Store.GetAccount(ctx, "port-user")
		require.NoError(t, err)
		assert.Equal(t, int64(330), acct.BandwidthUsed)
	})

	t.Run("enforcement trims to the concurrency limit", func(t *testing.T) {
		require.NoError(t, h.Engine.EnforcementCycle(ctx))

		live, err := h.Store.ListActiveSessionsByAccount(ctx, "port-user")
		require.NoError(t, err)
		assert.Len(t, live, 1)
		assert.Equal(t, 1, h.Dropper.Count())

		history, err := h.Store.ListSessionHistory(ctx, "port-user", 10, 0)
		require.NoError(t, err)
		var terminated int
		for _, s := range history {
			if s.CloseReason == models.CloseReasonTerminated {
				terminated++
			}
		}
		assert.Equal(t, 1, terminated)
	})

	t.Run("bandwidth exhaustion suspends and resyncs", func(t *testing.T) {
		calls := h.Runner.Calls
		require.NoError(t, h.Engine.BandwidthCycle(ctx))

		acct, err := h.Store.GetAccount(ctx, "heavy-user")
		require.NoError(t, err)
		assert.Equal(t, models.AccountStatusSuspended, acct.Status)

		list, err := h.Store.ListViolations(ctx, "heavy-user", time.Time{}, 0)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, models.ViolationBandwidth, list[0].Type)

		assert.Greater(t, h.Runner.Calls, calls)
		creds, err := ReadCredentials(h.CredentialFile)
		require.NoError(t, err)
		assert.NotContains(t, creds, acct.Credential)
	})

	t.Run("vanished flows close after the debounce", func(t *testing.T) {
		h.Discoverer.Set()
		for i := 0; i < 2; i++ {
			require.NoError(t, h.Engine.DiscoveryCycle(ctx))
		}
		live, err := h.Store.ListActiveSessions(ctx)
		require.NoError(t, err)
		assert.Empty(t, live)
	})
}
