package models

import (
	"net/netip"
	"time"
)

// ObservedConnection is one flow parsed from a connection-tracking listing.
// It lives for a single discovery cycle and is never persisted.
type ObservedConnection struct {
	ClientIP   netip.Addr
	ClientPort int
	ServerPort int
	BytesIn    int64
	BytesOut   int64
	ObservedAt time.Time
}

// Key returns the session identity of this flow for the given account.
func (c ObservedConnection) Key(accountID string) SessionKey {
	return SessionKey{AccountID: accountID, ClientIP: c.ClientIP, ClientPort: c.ClientPort}
}
