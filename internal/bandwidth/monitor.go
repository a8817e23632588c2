// Package bandwidth enforces per-account traffic quotas.
package bandwidth

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/EternisAI/silo-warden/internal/accounts"
	"github.com/EternisAI/silo-warden/internal/models"
	"github.com/EternisAI/silo-warden/internal/notify"
)

const DefaultWarnRatio = 0.8

type Action string

const (
	ActionNone    Action = "none"
	ActionWarn    Action = "warn"
	ActionSuspend Action = "suspend"
)

// Check classifies an account's usage. Unlimited accounts and accounts that
// are not active never need an action.
func Check(acct models.Account, warnRatio float64, now time.Time) Action {
	if acct.BandwidthLimit <= 0 || !acct.IsActive(now) {
		return ActionNone
	}
	ratio := acct.BandwidthRatio()
	switch {
	case ratio >= 1.0:
		return ActionSuspend
	case ratio >= warnRatio:
		return ActionWarn
	default:
		return ActionNone
	}
}

type AccountLister interface {
	ListAccounts(ctx context.Context) ([]models.Account, error)
}

type Suspender interface {
	Suspend(ctx context.Context, accountID string, reason accounts.Reason, actor string) (bool, error)
}

type Summary struct {
	Checked   int
	Warned    int
	Suspended int
}

type Monitor struct {
	accounts  AccountLister
	suspender Suspender
	notifier  notify.Notifier
	warnRatio float64
	now       func() time.Time

	mu sync.Mutex
	// warned holds accounts already notified for the current warn episode.
	warned map[string]struct{}
}

func NewMonitor(al AccountLister, s Suspender, notifier notify.Notifier, warnRatio float64) *Monitor {
	if warnRatio <= 0 || warnRatio >= 1 {
		warnRatio = DefaultWarnRatio
	}
	return &Monitor{
		accounts:  al,
		suspender: s,
		notifier:  notifier,
		warnRatio: warnRatio,
		now:       time.Now,
		warned:    make(map[string]struct{}),
	}
}

func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Evaluate checks one account and applies the resulting action. A warning
// is sent once per episode; a suspension goes through the account writer,
// which records the bandwidth violation only when the status changed.
func (m *Monitor) Evaluate(ctx context.Context, acct models.Account) (Action, error) {
	action := Check(acct, m.warnRatio, m.now())

	switch action {
	case ActionWarn:
		if m.markWarned(acct.ID) {
			slog.Warn("Account reached bandwidth warning threshold",
				"account_id", acct.ID, "used", acct.BandwidthUsed, "limit", acct.BandwidthLimit)
			notify.Send(ctx, m.notifier, notify.NewEvent(notify.EventBandwidthWarning, acct.ID, usageData(acct)))
		}
	case ActionSuspend:
		m.clearWarned(acct.ID)
		details := fmt.Sprintf("used=%d limit=%d", acct.BandwidthUsed, acct.BandwidthLimit)
		if _, err := m.suspender.Suspend(ctx, acct.ID, accounts.Reason{
			Action:    models.AuditAutoSuspendBandwidth,
			Violation: models.ViolationBandwidth,
			Details:   details,
		}, models.ActorSystem); err != nil {
			return action, fmt.Errorf("suspend %s: %w", acct.ID, err)
		}
	default:
		m.clearWarned(acct.ID)
	}
	return action, nil
}

// Run evaluates every account.
func (m *Monitor) Run(ctx context.Context) (Summary, error) {
	accts, err := m.accounts.ListAccounts(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list accounts: %w", err)
	}

	var sum Summary
	for _, acct := range accts {
		sum.Checked++
		action, err := m.Evaluate(ctx, acct)
		if err != nil {
			slog.Error("Bandwidth enforcement failed", "account_id", acct.ID, "error", err)
			continue
		}
		switch action {
		case ActionWarn:
			sum.Warned++
		case ActionSuspend:
			sum.Suspended++
		}
	}
	return sum, nil
}

func (m *Monitor) markWarned(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.warned[id]; ok {
		return false
	}
	m.warned[id] = struct{}{}
	return true
}

func (m *Monitor) clearWarned(id string) {
	m.mu.Lock()
	delete(m.warned, id)
	m.mu.Unlock()
}

func usageData(acct models.Account) map[string]string {
	return map[string]string{
		"used":  strconv.FormatInt(acct.BandwidthUsed, 10),
		"limit": strconv.FormatInt(acct.BandwidthLimit, 10),
		"ratio": strconv.FormatFloat(acct.BandwidthRatio(), 'f', 3, 64),
	}
}
