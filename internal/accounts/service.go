// Package accounts is the only writer of an account's status and bandwidth
// counter. Writes for one account are serialised, and status changes are
// additionally guarded on the previous status in the store.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/EternisAI/silo-warden/internal/models"
	"github.com/EternisAI/silo-warden/internal/notify"
	"github.com/EternisAI/silo-warden/internal/store"
)

var ErrInvalidTransition = errors.New("invalid account status transition")

type Store interface {
	store.AccountStore
	store.ViolationStore
	store.AuditStore
}

// CacheInvalidator is notified after every account write.
type CacheInvalidator interface {
	Invalidate()
}

type CredentialSyncer interface {
	Trigger(ctx context.Context)
}

// Reason describes why an account is being suspended. A non-empty
// Violation is recorded together with the transition, and only when the
// transition actually happened.
type Reason struct {
	Action    models.AuditAction
	Violation models.ViolationType
	Details   string
}

type Service struct {
	store    Store
	cache    CacheInvalidator
	syncer   CredentialSyncer
	notifier notify.Notifier
	locks    *keyedMutex
	now      func() time.Time
}

func NewService(st Store, cache CacheInvalidator, syncer CredentialSyncer, notifier notify.Notifier) *Service {
	return &Service{
		store:    st,
		cache:    cache,
		syncer:   syncer,
		notifier: notifier,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Get(ctx context.Context, accountID string) (*models.Account, error) {
	return s.store.GetAccount(ctx, accountID)
}

// Suspend moves an active account to suspended. It reports false without
// error when the account is already suspended, so repeated enforcement
// passes do not record duplicate violations.
func (s *Service) Suspend(ctx context.Context, accountID string, reason Reason, actor string) (bool, error) {
	unlock := s.locks.Lock(accountID)
	applied, err := s.suspendLocked(ctx, accountID, reason, actor)
	unlock()
	if err != nil || !applied {
		return applied, err
	}

	slog.Info("Account suspended", "account_id", accountID, "action", string(reason.Action), "actor", actor)
	notify.Send(ctx, s.notifier, notify.NewEvent(notify.EventAccountSuspended, accountID, map[string]string{
		"action": string(reason.Action),
		"actor":  actor,
	}))
	s.triggerSync(ctx)
	return true, nil
}

func (s *Service) suspendLocked(ctx context.Context, accountID string, reason Reason, actor string) (bool, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("get account %s: %w", accountID, err)
	}
	switch acct.Status {
	case models.AccountStatusSuspended:
		return false, nil
	case models.AccountStatusActive:
	default:
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, acct.Status, models.AccountStatusSuspended)
	}

	applied, err := s.store.TransitionStatus(ctx, accountID, models.AccountStatusActive, models.AccountStatusSuspended)
	if err != nil {
		return false, fmt.Errorf("suspend account %s: %w", accountID, err)
	}
	if !applied {
		return false, nil
	}
	s.invalidate()

	now := s.now()
	if reason.Violation != "" {
		v := &models.Violation{
			ID:        uuid.New().String(),
			AccountID: accountID,
			Type:      reason.Violation,
			Timestamp: now,
			Details:   reason.Details,
		}
		if err := s.store.AppendViolation(ctx, v); err != nil {
			slog.Error("Failed to record violation", "account_id", accountID, "type", string(reason.Violation), "error", err)
		}
	}
	if err := s.appendAudit(ctx, accountID, reason.Action, actor, reason.Details, now); err != nil {
		slog.Error("Failed to record audit entry", "account_id", accountID, "action", string(reason.Action), "error", err)
	}
	return true, nil
}

// Activate restores a suspended account. It is the only path back to
// active and is reserved for administrators.
func (s *Service) Activate(ctx context.Context, accountID, actor string) (bool, error) {
	unlock := s.locks.Lock(accountID)
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		unlock()
		return false, fmt.Errorf("get account %s: %w", accountID, err)
	}
	switch acct.Status {
	case models.AccountStatusActive:
		unlock()
		return false, nil
	case models.AccountStatusSuspended:
	default:
		unlock()
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, acct.Status, models.AccountStatusActive)
	}

	applied, err := s.store.TransitionStatus(ctx, accountID, models.AccountStatusSuspended, models.AccountStatusActive)
	if err == nil && applied {
		s.invalidate()
		if aerr := s.appendAudit(ctx, accountID, models.AuditManualActivate, actor, "", s.now()); aerr != nil {
			slog.Error("Failed to record audit entry", "account_id", accountID, "error", aerr)
		}
	}
	unlock()
	if err != nil {
		return false, fmt.Errorf("activate account %s: %w", accountID, err)
	}
	if !applied {
		return false, nil
	}

	slog.Info("Account activated", "account_id", accountID, "actor", actor)
	notify.Send(ctx, s.notifier, notify.NewEvent(notify.EventAccountActivated, accountID, map[string]string{"actor": actor}))
	s.triggerSync(ctx)
	return true, nil
}

// AddUsage adds newly observed traffic to the account's counter.
func (s *Service) AddUsage(ctx context.Context, accountID string, delta int64) error {
	if delta <= 0 {
		return nil
	}
	unlock := s.locks.Lock(accountID)
	defer unlock()
	if err := s.store.AddBandwidthUsage(ctx, accountID, delta); err != nil {
		return fmt.Errorf("add usage for %s: %w", accountID, err)
	}
	return nil
}

// Audit appends an entry for actions that do not change account status.
func (s *Service) Audit(ctx context.Context, accountID string, action models.AuditAction, actor, details string) error {
	return s.appendAudit(ctx, accountID, action, actor, details, s.now())
}

func (s *Service) appendAudit(ctx context.Context, accountID string, action models.AuditAction, actor, details string, at time.Time) error {
	if actor == "" {
		actor = models.ActorSystem
	}
	return s.store.AppendAudit(ctx, &models.AuditEntry{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Action:    action,
		Actor:     actor,
		Details:   details,
		CreatedAt: at,
	})
}

func (s *Service) invalidate() {
	if s.cache != nil {
		s.cache.Invalidate()
	}
}

func (s *Service) triggerSync(ctx context.Context) {
	if s.syncer != nil {
		s.syncer.Trigger(ctx)
	}
}
