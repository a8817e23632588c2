// Package devices derives device fingerprints from live sessions and
// detects accounts used from more devices than they are allowed.
package devices

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EternisAI/silo-warden/internal/models"
	"github.com/EternisAI/silo-warden/internal/store"
)

const (
	DefaultWindow   = time.Hour
	DefaultBucket   = time.Hour
	DefaultCooldown = time.Minute
)

// Fingerprint identifies the device behind a session: its client address
// and port plus the time bucket the session started in, so one long-lived
// flow keeps the same fingerprint across cycles.
func Fingerprint(s models.Session, bucket time.Duration) string {
	start := s.StartTime.UTC()
	if bucket > 0 {
		start = start.Truncate(bucket)
	}
	h := sha256.New()
	h.Write([]byte(s.ClientIP.String()))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(s.ClientPort)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(start.Unix(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

type Config struct {
	Window   time.Duration
	Bucket   time.Duration
	Cooldown time.Duration
}

type Tracker struct {
	store store.FingerprintStore
	cfg   Config
	now   func() time.Time

	mu           sync.Mutex
	lastReported map[string]time.Time
}

func NewTracker(st store.FingerprintStore, cfg Config) *Tracker {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Bucket <= 0 {
		cfg.Bucket = DefaultBucket
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	return &Tracker{
		store:        st,
		cfg:          cfg,
		now:          time.Now,
		lastReported: make(map[string]time.Time),
	}
}

func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Track records the fingerprint of one session and checks the account's
// device count.
func (t *Tracker) Track(ctx context.Context, acct models.Account, s models.Session) (*models.Violation, error) {
	return t.TrackAll(ctx, acct, []models.Session{s})
}

// TrackAll records the fingerprints of the account's live sessions and
// returns a multi_device violation when the number of distinct devices
// seen within the window exceeds the account's limit. At most one
// violation is returned per account and cooldown period. The violation is
// not persisted; status changes are left to the escalator.
func (t *Tracker) TrackAll(ctx context.Context, acct models.Account, sessions []models.Session) (*models.Violation, error) {
	now := t.now()
	for _, s := range sessions {
		if err := t.store.UpsertFingerprint(ctx, acct.ID, Fingerprint(s, t.cfg.Bucket), now); err != nil {
			return nil, fmt.Errorf("upsert fingerprint for %s: %w", acct.ID, err)
		}
	}

	if acct.DeviceLimit <= 0 {
		return nil, nil
	}

	count, err := t.store.CountFingerprintsSince(ctx, acct.ID, now.Add(-t.cfg.Window))
	if err != nil {
		return nil, fmt.Errorf("count fingerprints for %s: %w", acct.ID, err)
	}
	if count <= acct.DeviceLimit {
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.lastReported[acct.ID]; ok && now.Sub(last) < t.cfg.Cooldown {
		return nil, nil
	}
	t.lastReported[acct.ID] = now

	return &models.Violation{
		ID:        uuid.New().String(),
		AccountID: acct.ID,
		Type:      models.ViolationMultiDevice,
		Timestamp: now,
		Details:   fmt.Sprintf("devices=%d limit=%d window=%s", count, acct.DeviceLimit, t.cfg.Window),
	}, nil
}

// Forget drops cooldown state older than the window.
func (t *Tracker) Forget() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.cfg.Window)
	for id, at := range t.lastReported {
		if at.Before(cutoff) {
			delete(t.lastReported, id)
		}
	}
}
