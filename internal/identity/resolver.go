// Package identity attributes observed tunnel flows to accounts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-warden/internal/models"
	"github.com/EternisAI/silo-warden/internal/store"
)

type Resolver struct {
	accounts store.AccountStore
	sessions store.SessionStore
	cache    *PortCache
	basePort int
	now      func() time.Time
}

func NewResolver(accounts store.AccountStore, sessions store.SessionStore, cache *PortCache, basePort int) *Resolver {
	return &Resolver{
		accounts: accounts,
		sessions: sessions,
		cache:    cache,
		basePort: basePort,
		now:      time.Now,
	}
}

// WithClock replaces the time source used for expiry checks.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve returns the account a flow belongs to. The rules are tried in
// order: the account owning the server port, the account of the newest live
// session from the same client address, and finally, on the base port only,
// any active account without a dedicated port. An unattributable flow
// returns ok=false without error.
func (r *Resolver) Resolve(ctx context.Context, conn models.ObservedConnection) (string, bool, error) {
	if id, err := r.byPort(ctx, conn.ServerPort); err != nil {
		return "", false, err
	} else if id != "" {
		return id, true, nil
	}

	s, err := r.sessions.LatestActiveSessionByIP(ctx, conn.ClientIP)
	switch {
	case err == nil:
		return s.AccountID, true, nil
	case !errors.Is(err, store.ErrNotFound):
		return "", false, fmt.Errorf("lookup session by ip: %w", err)
	}

	if conn.ServerPort != r.basePort {
		return "", false, nil
	}

	// Shared base port: attribution is a best-effort guess when several
	// accounts have no dedicated port.
	acct, err := r.accounts.FindActiveUnassigned(ctx, r.now())
	switch {
	case err == nil:
		return acct.ID, true, nil
	case errors.Is(err, store.ErrNotFound):
		return "", false, nil
	default:
		return "", false, fmt.Errorf("lookup unassigned account: %w", err)
	}
}

func (r *Resolver) byPort(ctx context.Context, port int) (string, error) {
	if id, ok := r.cache.Get(port); ok {
		return id, nil
	}

	acct, err := r.accounts.FindActiveByPort(ctx, port)
	switch {
	case errors.Is(err, store.ErrNotFound):
		r.cache.Set(port, "")
		return "", nil
	case err != nil:
		return "", fmt.Errorf("lookup account by port %d: %w", port, err)
	}

	id := acct.ID
	if !acct.IsActive(r.now()) {
		id = ""
	}
	r.cache.Set(port, id)
	return id, nil
}

// ResolveAll attributes every flow before any session state is touched. A
// store failure aborts the whole batch so the caller can skip the cycle
// rather than reconcile a partial view.
func (r *Resolver) ResolveAll(ctx context.Context, conns []models.ObservedConnection) (map[string][]models.ObservedConnection, error) {
	resolved := make(map[string][]models.ObservedConnection)
	unattributed := 0
	for _, conn := range conns {
		id, ok, err := r.Resolve(ctx, conn)
		if err != nil {
			return nil, err
		}
		if !ok {
			unattributed++
			continue
		}
		resolved[id] = append(resolved[id], conn)
	}
	if unattributed > 0 {
		slog.Debug("Flows without an owning account", "count", unattributed)
	}
	return resolved, nil
}
