// Package sessions keeps the persisted session ledger in step with the flows
// observed on the tunnel.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/EternisAI/silo-warden/internal/models"
	"github.com/EternisAI/silo-warden/internal/store"
)

const DefaultCloseAfterMisses = 2

// UsageRecorder receives the traffic newly attributed to an account.
type UsageRecorder interface {
	AddUsage(ctx context.Context, accountID string, delta int64) error
}

type Ledger struct {
	store      store.SessionStore
	usage      UsageRecorder
	closeAfter int
	now        func() time.Time

	mu sync.Mutex
	// misses counts consecutive reconciliations in which an active session
	// was not observed. It only debounces closing and is rebuilt from
	// scratch after a restart.
	misses map[models.SessionKey]int
}

func NewLedger(st store.SessionStore, usage UsageRecorder, closeAfterMisses int) *Ledger {
	if closeAfterMisses < 1 {
		closeAfterMisses = DefaultCloseAfterMisses
	}
	return &Ledger{
		store:      st,
		usage:      usage,
		closeAfter: closeAfterMisses,
		now:        time.Now,
		misses:     make(map[models.SessionKey]int),
	}
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

type plan struct {
	conn     models.ObservedConnection
	key      models.SessionKey
	existing *models.Session

	// counters already billed for this flow
	baseIn, baseOut int64
}

// Reconcile applies one cycle of attributed flows. Observed flows open or
// refresh their session; active sessions that were not observed are closed
// once they have been missed closeAfter times in a row. Accounts whose
// writes fail are reported in Failed and none of their sessions are closed
// this cycle.
func (l *Ledger) Reconcile(ctx context.Context, resolved map[string][]models.ObservedConnection) (*models.ReconciliationReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	report := &models.ReconciliationReport{
		UsageDeltas: make(map[string]int64),
		Failed:      make(map[string]error),
	}
	touched := make(map[string]struct{})

	accountIDs := make([]string, 0, len(resolved))
	for id := range resolved {
		accountIDs = append(accountIDs, id)
	}
	sort.Strings(accountIDs)

	for _, accountID := range accountIDs {
		if err := l.reconcileAccount(ctx, accountID, resolved[accountID], now, report, touched); err != nil {
			report.Failed[accountID] = err
			slog.Warn("Reconciliation failed for account, retrying next cycle", "account_id", accountID, "error", err)
		}
	}

	active, err := l.store.ListActiveSessions(ctx)
	if err != nil {
		return report, fmt.Errorf("list active sessions: %w", err)
	}

	seen := make(map[models.SessionKey]struct{}, len(active))
	for i := range active {
		s := active[i]
		key := s.Key()
		seen[key] = struct{}{}
		if _, ok := touched[s.ID]; ok {
			continue
		}
		if _, failed := report.Failed[s.AccountID]; failed {
			continue
		}

		l.misses[key]++
		if l.misses[key] < l.closeAfter {
			report.Pending++
			continue
		}

		closed, err := l.closeLocked(ctx, &s, s.LastHeartbeat, models.CloseReasonVanished)
		if err != nil {
			slog.Warn("Failed to close vanished session", "session_id", s.ID, "account_id", s.AccountID, "error", err)
			continue
		}
		if closed != nil {
			report.Closed = append(report.Closed, *closed)
		}
	}

	for key := range l.misses {
		if _, ok := seen[key]; !ok {
			delete(l.misses, key)
		}
	}

	if n := len(report.Opened) + len(report.Closed); n > 0 {
		slog.Info("Reconciled sessions",
			"opened", len(report.Opened),
			"refreshed", len(report.Refreshed),
			"closed", len(report.Closed),
			"pending", report.Pending)
	}
	return report, nil
}

func (l *Ledger) reconcileAccount(ctx context.Context, accountID string, conns []models.ObservedConnection, now time.Time, report *models.ReconciliationReport, touched map[string]struct{}) error {
	plans := make(map[models.SessionKey]*plan, len(conns))
	order := make([]models.SessionKey, 0, len(conns))
	for _, conn := range conns {
		key := conn.Key(accountID)
		if p, ok := plans[key]; ok {
			// same client tuple seen on two server ports; keep the busier flow
			if conn.BytesIn+conn.BytesOut > p.conn.BytesIn+p.conn.BytesOut {
				p.conn = conn
			}
			continue
		}
		existing, err := l.store.GetActiveSession(ctx, key.ID())
		switch {
		case errors.Is(err, store.ErrNotFound):
			existing = nil
		case err != nil:
			return fmt.Errorf("get session %s: %w", key.ID(), err)
		}
		plans[key] = &plan{conn: conn, key: key, existing: existing}
		order = append(order, key)
	}

	var delta int64
	for _, key := range order {
		p := plans[key]
		if p.existing != nil {
			p.baseIn, p.baseOut = p.existing.BytesIn, p.existing.BytesOut
		} else if err := l.seedBaseline(ctx, p); err != nil {
			return err
		}
		delta += p.usageDelta()
	}

	usageRecorded := true
	if delta > 0 && l.usage != nil {
		if err := l.usage.AddUsage(ctx, accountID, delta); err != nil {
			// keep the stored counters so the same delta is retried next cycle
			slog.Warn("Failed to record bandwidth usage", "account_id", accountID, "delta", delta, "error", err)
			usageRecorded = false
		}
	}
	if usageRecorded && delta > 0 {
		report.UsageDeltas[accountID] += delta
	}

	for _, key := range order {
		p := plans[key]
		id := key.ID()
		bytesIn, bytesOut := p.counters(usageRecorded)

		if p.existing != nil {
			if err := l.store.UpdateHeartbeat(ctx, id, now, bytesIn, bytesOut); err != nil {
				return fmt.Errorf("refresh session %s: %w", id, err)
			}
			s := *p.existing
			s.LastHeartbeat = now
			s.BytesIn, s.BytesOut = bytesIn, bytesOut
			report.Refreshed = append(report.Refreshed, s)
		} else {
			s := models.Session{
				ID:            id,
				AccountID:     accountID,
				ClientIP:      p.conn.ClientIP,
				ClientPort:    p.conn.ClientPort,
				ServerPort:    p.conn.ServerPort,
				StartTime:     now,
				LastHeartbeat: now,
				BytesIn:       bytesIn,
				BytesOut:      bytesOut,
				Status:        models.SessionStatusActive,
			}
			if err := l.store.CreateSession(ctx, &s); err != nil {
				return fmt.Errorf("open session %s: %w", id, err)
			}
			slog.Debug("Session opened", "session_id", id, "account_id", accountID,
				"client_ip", p.conn.ClientIP.String(), "client_port", p.conn.ClientPort)
			report.Opened = append(report.Opened, s)
		}
		touched[id] = struct{}{}
		delete(l.misses, key)
	}
	return nil
}

// seedBaseline starts a reopened flow from the counters its previous row
// already billed. A different server port or lower counters mean conntrack
// is tracking a new flow, which starts from zero.
func (l *Ledger) seedBaseline(ctx context.Context, p *plan) error {
	prev, err := l.store.LastCompletedSession(ctx, p.key.ID())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("last session %s: %w", p.key.ID(), err)
	}
	if prev.ServerPort != p.conn.ServerPort || p.conn.BytesIn < prev.BytesIn || p.conn.BytesOut < prev.BytesOut {
		return nil
	}
	p.baseIn, p.baseOut = prev.BytesIn, prev.BytesOut
	return nil
}

// usageDelta is the traffic observed since the billed counters. Counters
// never move backwards.
func (p *plan) usageDelta() int64 {
	return max(0, p.conn.BytesIn-p.baseIn) + max(0, p.conn.BytesOut-p.baseOut)
}

func (p *plan) counters(usageRecorded bool) (int64, int64) {
	if !usageRecorded {
		return p.baseIn, p.baseOut
	}
	return max(p.baseIn, p.conn.BytesIn), max(p.baseOut, p.conn.BytesOut)
}

// Close ends an active session immediately. It returns nil without error
// when the session is not active anymore.
func (l *Ledger) Close(ctx context.Context, sessionID string, reason models.CloseReason) (*models.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, err := l.store.GetActiveSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return l.closeLocked(ctx, s, l.now(), reason)
}

// PurgeStale force-closes active sessions whose last heartbeat is older
// than timeout. The session ends at its last heartbeat.
func (l *Ledger) PurgeStale(ctx context.Context, timeout time.Duration) ([]models.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-timeout)
	stale, err := l.store.ListStaleSessions(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}

	closed := make([]models.Session, 0, len(stale))
	for i := range stale {
		s, err := l.closeLocked(ctx, &stale[i], stale[i].LastHeartbeat, models.CloseReasonStale)
		if err != nil {
			slog.Warn("Failed to purge stale session", "session_id", stale[i].ID, "error", err)
			continue
		}
		if s != nil {
			closed = append(closed, *s)
		}
	}
	if len(closed) > 0 {
		slog.Info("Purged stale sessions", "count", len(closed), "timeout", timeout)
	}
	return closed, nil
}

func (l *Ledger) closeLocked(ctx context.Context, s *models.Session, end time.Time, reason models.CloseReason) (*models.Session, error) {
	if end.Before(s.StartTime) {
		end = s.StartTime
	}
	ok, err := l.store.CloseSession(ctx, s.ID, end, reason)
	if err != nil {
		return nil, fmt.Errorf("close session %s: %w", s.ID, err)
	}
	delete(l.misses, s.Key())
	if !ok {
		return nil, nil
	}

	closed := *s
	closed.Status = models.SessionStatusCompleted
	closed.EndTime = &end
	closed.DurationSeconds = int64(end.Sub(s.StartTime).Seconds())
	closed.CloseReason = reason
	slog.Debug("Session closed", "session_id", s.ID, "account_id", s.AccountID, "reason", string(reason),
		"duration_seconds", closed.DurationSeconds)
	return &closed, nil
}

// Live returns the active sessions grouped by account.
func (l *Ledger) Live(ctx context.Context) (map[string][]models.Session, error) {
	active, err := l.store.ListActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	out := make(map[string][]models.Session)
	for _, s := range active {
		out[s.AccountID] = append(out[s.AccountID], s)
	}
	return out, nil
}
