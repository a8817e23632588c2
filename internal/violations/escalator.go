// Package violations records multi-device violations and suspends repeat
// offenders.
package violations

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/EternisAI/silo-warden/internal/accounts"
	"github.com/EternisAI/silo-warden/internal/models"
	"github.com/EternisAI/silo-warden/internal/notify"
	"github.com/EternisAI/silo-warden/internal/store"
)

const (
	DefaultWindow    = time.Hour
	DefaultThreshold = 3
)

type AccountWriter interface {
	Suspend(ctx context.Context, accountID string, reason accounts.Reason, actor string) (bool, error)
	Audit(ctx context.Context, accountID string, action models.AuditAction, actor, details string) error
}

type Escalator struct {
	violations store.ViolationStore
	accounts   AccountWriter
	notifier   notify.Notifier
	window     time.Duration
	threshold  int
	now        func() time.Time
}

func NewEscalator(vs store.ViolationStore, aw AccountWriter, notifier notify.Notifier, window time.Duration, threshold int) *Escalator {
	if window <= 0 {
		window = DefaultWindow
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Escalator{
		violations: vs,
		accounts:   aw,
		notifier:   notifier,
		window:     window,
		threshold:  threshold,
		now:        time.Now,
	}
}

func (e *Escalator) WithClock(now func() time.Time) *Escalator {
	e.now = now
	return e
}

// Record persists a multi_device violation and then escalates the account.
func (e *Escalator) Record(ctx context.Context, v *models.Violation) (bool, error) {
	if err := e.violations.AppendViolation(ctx, v); err != nil {
		return false, fmt.Errorf("append violation for %s: %w", v.AccountID, err)
	}
	if err := e.accounts.Audit(ctx, v.AccountID, models.AuditMultiDeviceViolation, models.ActorSystem, v.Details); err != nil {
		slog.Error("Failed to record audit entry", "account_id", v.AccountID, "error", err)
	}
	slog.Warn("Multi-device violation", "account_id", v.AccountID, "details", v.Details)
	notify.Send(ctx, e.notifier, notify.NewEvent(notify.EventViolationRecorded, v.AccountID, map[string]string{
		"type":    string(v.Type),
		"details": v.Details,
	}))
	return e.Escalate(ctx, v.AccountID)
}

// Escalate suspends the account once the number of multi_device violations
// inside the window reaches the threshold. Below it nothing happens. It
// reports whether this call suspended the account.
func (e *Escalator) Escalate(ctx context.Context, accountID string) (bool, error) {
	since := e.now().Add(-e.window)
	count, err := e.violations.CountViolationsSince(ctx, accountID, models.ViolationMultiDevice, since)
	if err != nil {
		return false, fmt.Errorf("count violations for %s: %w", accountID, err)
	}
	if count < e.threshold {
		slog.Debug("Violation below escalation threshold", "account_id", accountID, "count", count, "threshold", e.threshold)
		return false, nil
	}

	applied, err := e.accounts.Suspend(ctx, accountID, accounts.Reason{
		Action:  models.AuditAutoSuspendMultiDevice,
		Details: "multi_device violations=" + strconv.Itoa(count) + " window=" + e.window.String(),
	}, models.ActorSystem)
	if err != nil {
		return false, fmt.Errorf("suspend %s: %w", accountID, err)
	}
	return applied, nil
}
