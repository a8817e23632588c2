package devices

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/silo-warden/internal/models"
	"github.com/EternisAI/silo-warden/internal/store"
)

var base = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func session(ip string, port int, start time.Time) models.Session {
	return models.Session{
		AccountID:  "alice",
		ClientIP:   netip.MustParseAddr(ip),
		ClientPort: port,
		StartTime:  start,
		Status:     models.SessionStatusActive,
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint(session("10.0.0.1", 1000, base.Add(5*time.Minute)), time.Hour)
	b := Fingerprint(session("10.0.0.1", 1000, base.Add(40*time.Minute)), time.Hour)
	c := Fingerprint(session("10.0.0.1", 1001, base.Add(5*time.Minute)), time.Hour)
	d := Fingerprint(session("10.0.0.1", 1000, base.Add(65*time.Minute)), time.Hour)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 64)
}

func TestTrackAll_WithinLimit(t *testing.T) {
	st := store.NewMemory()
	now := base
	tr := NewTracker(st, Config{}).WithClock(func() time.Time { return now })
	acct := models.Account{ID: "alice", DeviceLimit: 2}

	v, err := tr.TrackAll(context.Background(), acct, []models.Session{
		session("10.0.0.1", 1000, base),
		session("10.0.0.2", 1000, base),
	})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestTrackAll_ExceedsLimit(t *testing.T) {
	st := store.NewMemory()
	now := base
	tr := NewTracker(st, Config{Cooldown: time.Minute}).WithClock(func() time.Time { return now })
	acct := models.Account{ID: "alice", DeviceLimit: 1}
	ctx := context.Background()

	v, err := tr.Track(ctx, acct, session("10.0.0.1", 1000, base))
	require.NoError(t, err)
	assert.Nil(t, v)

	now = now.Add(5 * time.Second)
	v, err = tr.Track(ctx, acct, session("10.0.0.2", 2000, now))
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, models.ViolationMultiDevice, v.Type)
	assert.Equal(t, "alice", v.AccountID)
	assert.Contains(t, v.Details, "devices=2")

	// inside the cooldown the same excess is not reported again
	now = now.Add(5 * time.Second)
	v, err = tr.Track(ctx, acct, session("10.0.0.2", 2000, base))
	require.NoError(t, err)
	assert.Nil(t, v)

	now = now.Add(time.Minute)
	v, err = tr.Track(ctx, acct, session("10.0.0.2", 2000, base))
	require.NoError(t, err)
	assert.NotNil(t, v)
}

func TestTrackAll_OldDevicesAgeOut(t *testing.T) {
	st := store.NewMemory()
	now := base
	tr := NewTracker(st, Config{Window: time.Hour}).WithClock(func() time.Time { return now })
	acct := models.Account{ID: "alice", DeviceLimit: 1}
	ctx := context.Background()

	_, err := tr.Track(ctx, acct, session("10.0.0.1", 1000, base))
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	v, err := tr.Track(ctx, acct, session("10.0.0.2", 2000, now))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestTrackAll_UnlimitedDevices(t *testing.T) {
	st := store.NewMemory()
	tr := NewTracker(st, Config{})
	acct := models.Account{ID: "alice"}

	v, err := tr.TrackAll(context.Background(), acct, []models.Session{
		session("10.0.0.1", 1, base),
		session("10.0.0.2", 2, base),
		session("10.0.0.3", 3, base),
	})
	require.NoError(t, err)
	assert.Nil(t, v)

	n, err := st.CountFingerprintsSince(context.Background(), "alice", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestForget(t *testing.T) {
	st := store.NewMemory()
	now := base
	tr := NewTracker(st, Config{}).WithClock(func() time.Time { return now })
	acct := models.Account{ID: "alice", DeviceLimit: 1}

	_, err := tr.TrackAll(context.Background(), acct, []models.Session{
		session("10.0.0.1", 1, base),
		session("10.0.0.2", 2, base),
	})
	require.NoError(t, err)
	assert.Len(t, tr.lastReported, 1)

	now = now.Add(2 * time.Hour)
	tr.Forget()
	assert.Empty(t, tr.lastReported)
}
