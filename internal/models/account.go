package models

import "time"

type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
	AccountStatusBanned    AccountStatus = "banned"
	AccountStatusExpired   AccountStatus = "expired"
)

// Account is a registered tunnel user. Status is only ever written through
// accounts.Service; expired is derived from ExpiresAt and never stored.
type Account struct {
	ID               string
	Credential       string
	Status           AccountStatus
	ExpiresAt        *time.Time
	AssignedPort     *int
	ConcurrencyLimit int
	DeviceLimit      int
	BandwidthUsed    int64
	BandwidthLimit   int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Expired reports whether the account's expiry date lies before the day of now.
// An account expiring today stays usable until the day is over.
func (a *Account) Expired(now time.Time) bool {
	if a.ExpiresAt == nil {
		return false
	}
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return a.ExpiresAt.Before(today)
}

// EffectiveStatus is the status collaborators should see at read time.
func (a *Account) EffectiveStatus(now time.Time) AccountStatus {
	if a.Status == AccountStatusActive && a.Expired(now) {
		return AccountStatusExpired
	}
	return a.Status
}

func (a *Account) IsActive(now time.Time) bool {
	return a.EffectiveStatus(now) == AccountStatusActive
}

// BandwidthRatio returns used/limit, or 0 for unlimited accounts.
func (a *Account) BandwidthRatio() float64 {
	if a.BandwidthLimit <= 0 {
		return 0
	}
	return float64(a.BandwidthUsed) / float64(a.BandwidthLimit)
}
