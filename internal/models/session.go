package models

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
)

type CloseReason string

const (
	CloseReasonVanished   CloseReason = "vanished"
	CloseReasonStale      CloseReason = "stale"
	CloseReasonTerminated CloseReason = "terminated"
)

// sessionNamespace seeds the name-based session IDs.
var sessionNamespace = uuid.MustParse("6f1c2b7e-6a0f-4c9e-9a53-2f8d9e1b4c70")

// SessionKey is the structural identity of a flow attributed to an account.
type SessionKey struct {
	AccountID  string
	ClientIP   netip.Addr
	ClientPort int
}

// ID derives the deterministic session_id for the key, so re-discovering the
// same flow always maps onto the same session.
func (k SessionKey) ID() string {
	name := fmt.Sprintf("%s\x00%s\x00%d", k.AccountID, k.ClientIP.String(), k.ClientPort)
	return uuid.NewSHA1(sessionNamespace, []byte(name)).String()
}

type Session struct {
	ID              string
	AccountID       string
	ClientIP        netip.Addr
	ClientPort      int
	ServerPort      int
	StartTime       time.Time
	LastHeartbeat   time.Time
	EndTime         *time.Time
	DurationSeconds int64
	BytesIn         int64
	BytesOut        int64
	Status          SessionStatus
	CloseReason     CloseReason
}

func (s *Session) Key() SessionKey {
	return SessionKey{AccountID: s.AccountID, ClientIP: s.ClientIP, ClientPort: s.ClientPort}
}

func (s *Session) IsActive() bool {
	return s.Status == SessionStatusActive
}

// ReconciliationReport summarises one ledger reconciliation pass.
type ReconciliationReport struct {
	Opened    []Session
	Refreshed []Session
	Closed    []Session
	// Pending counts active sessions that were missed this cycle but are
	// still inside the debounce window.
	Pending int
	// UsageDeltas holds the bytes newly observed per account this cycle.
	UsageDeltas map[string]int64
	Failed      map[string]error
}

// Live returns every session that is still active after the pass.
func (r *ReconciliationReport) Live() []Session {
	out := make([]Session, 0, len(r.Opened)+len(r.Refreshed))
	out = append(out, r.Opened...)
	out = append(out, r.Refreshed...)
	return out
}
