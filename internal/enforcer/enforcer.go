// Package enforcer keeps every account within its concurrent session limit.
package enforcer

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strconv"
	"time"

	"github.com/EternisAI/silo-warden/internal/models"
	"github.com/EternisAI/silo-warden/internal/notify"
)

type AccountLister interface {
	ListAccounts(ctx context.Context) ([]models.Account, error)
}

// Dropper removes a flow from the host's connection tracking.
type Dropper interface {
	Drop(ctx context.Context, clientIP netip.Addr, clientPort, serverPort int) error
}

type SessionCloser interface {
	Close(ctx context.Context, sessionID string, reason models.CloseReason) (*models.Session, error)
}

type Auditor interface {
	Audit(ctx context.Context, accountID string, action models.AuditAction, actor, details string) error
}

type Enforcer struct {
	accounts AccountLister
	dropper  Dropper
	closer   SessionCloser
	auditor  Auditor
	notifier notify.Notifier
	now      func() time.Time
}

func New(al AccountLister, d Dropper, c SessionCloser, a Auditor, n notify.Notifier) *Enforcer {
	return &Enforcer{
		accounts: al,
		dropper:  d,
		closer:   c,
		auditor:  a,
		notifier: n,
		now:      time.Now,
	}
}

func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now
	return e
}

// SelectVictims returns the oldest sessions beyond the account's limit. A
// limit of zero or less means unlimited.
func SelectVictims(acct models.Account, live []models.Session) []models.Session {
	limit := acct.ConcurrencyLimit
	if limit <= 0 || len(live) <= limit {
		return nil
	}
	sorted := make([]models.Session, len(live))
	copy(sorted, live)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].StartTime.Equal(sorted[j].StartTime) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].StartTime.Before(sorted[j].StartTime)
	})
	return sorted[:len(sorted)-limit]
}

// Plan selects the sessions to terminate from a snapshot of live sessions
// grouped by account. Only active accounts are considered.
func (e *Enforcer) Plan(ctx context.Context, live map[string][]models.Session) ([]models.Session, error) {
	accts, err := e.accounts.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	now := e.now()
	var victims []models.Session
	for _, acct := range accts {
		sessions := live[acct.ID]
		if len(sessions) == 0 || !acct.IsActive(now) {
			continue
		}
		excess := SelectVictims(acct, sessions)
		if len(excess) > 0 {
			slog.Info("Account over concurrency limit",
				"account_id", acct.ID, "live", len(sessions), "limit", acct.ConcurrencyLimit, "terminating", len(excess))
		}
		victims = append(victims, excess...)
	}
	return victims, nil
}

// TerminateAll terminates each session and returns the ones it closed.
func (e *Enforcer) TerminateAll(ctx context.Context, victims []models.Session, actor, details string) []models.Session {
	terminated := make([]models.Session, 0, len(victims))
	for _, s := range victims {
		closed, err := e.Terminate(ctx, s, actor, details)
		if err != nil {
			slog.Error("Failed to terminate session", "session_id", s.ID, "account_id", s.AccountID, "error", err)
			continue
		}
		if closed != nil {
			terminated = append(terminated, *closed)
		}
	}
	return terminated
}

// Terminate drops the session's flow and closes the session. A failed drop
// is only logged: the session is closed regardless, and a flow that
// survives is picked up again by the next reconciliation.
func (e *Enforcer) Terminate(ctx context.Context, s models.Session, actor, details string) (*models.Session, error) {
	if err := e.dropper.Drop(ctx, s.ClientIP, s.ClientPort, s.ServerPort); err != nil {
		slog.Warn("Failed to drop flow", "session_id", s.ID, "client_ip", s.ClientIP.String(),
			"client_port", s.ClientPort, "error", err)
	}

	closed, err := e.closer.Close(ctx, s.ID, models.CloseReasonTerminated)
	if err != nil {
		return nil, err
	}
	if closed == nil {
		return nil, nil
	}

	if e.auditor != nil {
		if err := e.auditor.Audit(ctx, s.AccountID, models.AuditTerminateSession, actor,
			fmt.Sprintf("session=%s client=%s:%d %s", s.ID, s.ClientIP, s.ClientPort, details)); err != nil {
			slog.Error("Failed to record audit entry", "account_id", s.AccountID, "error", err)
		}
	}
	notify.Send(ctx, e.notifier, notify.NewEvent(notify.EventSessionTerminated, s.AccountID, map[string]string{
		"session_id":  s.ID,
		"client_ip":   s.ClientIP.String(),
		"client_port": strconv.Itoa(s.ClientPort),
		"actor":       actor,
	}))
	return closed, nil
}
