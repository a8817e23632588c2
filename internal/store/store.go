// Package store defines the persistence interfaces shared by the engine
// components, plus an in-memory implementation.
package store

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/EternisAI/silo-warden/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	// FindActiveByPort returns the active account assigned to port.
	FindActiveByPort(ctx context.Context, port int) (*models.Account, error)
	// FindActiveUnassigned returns the lowest-ID active, unexpired account
	// without a dedicated port.
	FindActiveUnassigned(ctx context.Context, now time.Time) (*models.Account, error)
	// TransitionStatus moves the account from one status to another only if
	// it is still in the from status. It reports whether the row changed.
	TransitionStatus(ctx context.Context, id string, from, to models.AccountStatus) (bool, error)
	AddBandwidthUsage(ctx context.Context, id string, delta int64) error
	// ListActiveCredentials returns credentials of active, unexpired accounts.
	ListActiveCredentials(ctx context.Context, now time.Time) ([]string, error)
}

type SessionStore interface {
	GetActiveSession(ctx context.Context, id string) (*models.Session, error)
	CreateSession(ctx context.Context, s *models.Session) error
	UpdateHeartbeat(ctx context.Context, id string, at time.Time, bytesIn, bytesOut int64) error
	// CloseSession completes an active session. It reports false when the
	// session was not active anymore.
	CloseSession(ctx context.Context, id string, end time.Time, reason models.CloseReason) (bool, error)
	// LastCompletedSession returns the most recently ended row for a session id.
	LastCompletedSession(ctx context.Context, id string) (*models.Session, error)
	ListActiveSessions(ctx context.Context) ([]models.Session, error)
	ListActiveSessionsByAccount(ctx context.Context, accountID string) ([]models.Session, error)
	LatestActiveSessionByIP(ctx context.Context, ip netip.Addr) (*models.Session, error)
	ListStaleSessions(ctx context.Context, cutoff time.Time) ([]models.Session, error)
	CountActiveByAccount(ctx context.Context) (map[string]int, error)
	ListSessionHistory(ctx context.Context, accountID string, limit, offset int) ([]models.Session, error)
}

type FingerprintStore interface {
	UpsertFingerprint(ctx context.Context, accountID, hash string, seen time.Time) error
	CountFingerprintsSince(ctx context.Context, accountID string, since time.Time) (int, error)
}

type ViolationStore interface {
	AppendViolation(ctx context.Context, v *models.Violation) error
	CountViolationsSince(ctx context.Context, accountID string, vt models.ViolationType, since time.Time) (int, error)
	ListViolations(ctx context.Context, accountID string, since time.Time, limit int) ([]models.Violation, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, e *models.AuditEntry) error
}

// Store bundles every repository the engine needs.
type Store interface {
	AccountStore
	SessionStore
	FingerprintStore
	ViolationStore
	AuditStore
}
