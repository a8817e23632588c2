package engine

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/silo-warden/internal/credsync"
	"github.com/EternisAI/silo-warden/internal/models"
	"github.com/EternisAI/silo-warden/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeDiscoverer struct {
	conns []models.ObservedConnection
	err   error
}

func (f *fakeDiscoverer) Discover(context.Context) ([]models.ObservedConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.ObservedConnection, len(f.conns))
	copy(out, f.conns)
	return out, nil
}

type MockDropper struct {
	mock.Mock
}

func (m *MockDropper) Drop(ctx context.Context, clientIP netip.Addr, clientPort, serverPort int) error {
	return m.Called(clientIP.String(), clientPort, serverPort).Error(0)
}

type MockSyncer struct {
	mock.Mock
}

func (m *MockSyncer) Trigger(ctx context.Context) { m.Called() }
func (m *MockSyncer) Sync(ctx context.Context) error { return m.Called().Error(0) }
func (m *MockSyncer) RetryPending(ctx context.Context) error { return m.Called().Error(0) }
func (m *MockSyncer) Health() credsync.Health { return credsync.Health{} }

type harness struct {
	engine  *Engine
	store   *store.Memory
	clock   *fakeClock
	disc    *fakeDiscoverer
	dropper *MockDropper
	syncer  *MockSyncer
}

func intPtr(v int) *int { return &v }

func newHarness(t *testing.T, accts ...models.Account) *harness {
	t.Helper()
	st := store.NewMemory()
	for _, a := range accts {
		st.PutAccount(a)
	}
	clock := &fakeClock{t: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	disc := &fakeDiscoverer{}
	dropper := new(MockDropper)
	dropper.On("Drop", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	syncer := new(MockSyncer)
	syncer.On("Trigger").Return()
	syncer.On("RetryPending").Return(nil)

	e := New(DefaultConfig(), st, disc, dropper, syncer, nil, clock.Now)
	return &harness{engine: e, store: st, clock: clock, disc: disc, dropper: dropper, syncer: syncer}
}

func udp(ip string, cport, sport int, bytes int64) models.ObservedConnection {
	return models.ObservedConnection{
		ClientIP:   netip.MustParseAddr(ip),
		ClientPort: cport,
		ServerPort: sport,
		BytesIn:    bytes,
	}
}

func (h *harness) discover(t *testing.T, conns ...models.ObservedConnection) {
	t.Helper()
	h.disc.conns = conns
	h.disc.err = nil
	require.NoError(t, h.engine.DiscoveryCycle(context.Background()))
}

func (h *harness) status(t *testing.T, id string) models.AccountStatus {
	t.Helper()
	acct, err := h.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acct.Status
}

func TestEngine_ConcurrencyLimitEvictsOldest(t *testing.T) {
	h := newHarness(t, models.Account{
		ID: "alice", Status: models.AccountStatusActive, AssignedPort: intPtr(6001), ConcurrencyLimit: 2,
	})
	ctx := context.Background()

	a := udp("10.0.0.1", 1001, 6001, 0)
	b := udp("10.0.0.2", 1002, 6001, 0)
	c := udp("10.0.0.3", 1003, 6001, 0)

	h.discover(t, a)
	h.clock.Advance(5 * time.Second)
	h.discover(t, a, b)
	h.clock.Advance(5 * time.Second)
	h.discover(t, a, b, c)

	require.NoError(t, h.engine.EnforcementCycle(ctx))

	live, err := h.store.ListActiveSessionsByAccount(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, live, 2)
	for _, s := range live {
		assert.NotEqual(t, 1001, s.ClientPort)
	}
	h.dropper.AssertCalled(t, "Drop", "10.0.0.1", 1001, 6001)
	h.dropper.AssertNumberOfCalls(t, "Drop", 1)

	var actions []models.AuditAction
	for _, e := range h.store.AuditEntries() {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, models.AuditTerminateSession)
}

func TestEngine_DiscoveryFailureNeverClosesSessions(t *testing.T) {
	h := newHarness(t, models.Account{ID: "alice", Status: models.AccountStatusActive, AssignedPort: intPtr(6001)})
	ctx := context.Background()

	h.discover(t, udp("10.0.0.1", 1001, 6001, 0))
	h.clock.Advance(20 * time.Second)
	h.discover(t, udp("10.0.0.1", 1001, 6001, 0))

	h.disc.err = errors.New("conntrack: executable file not found")
	for i := 0; i < 5; i++ {
		h.clock.Advance(5 * time.Second)
		assert.Error(t, h.engine.DiscoveryCycle(ctx))
	}
	require.NoError(t, h.engine.EnforcementCycle(ctx))

	live, err := h.store.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, live, 1)

	// the staleness backstop still closes it, ending at the last heartbeat
	h.clock.Advance(3 * time.Minute)
	require.NoError(t, h.engine.EnforcementCycle(ctx))
	all := h.store.AllSessions()
	require.Len(t, all, 1)
	assert.Equal(t, models.SessionStatusCompleted, all[0].Status)
	assert.Equal(t, models.CloseReasonStale, all[0].CloseReason)
	assert.Equal(t, int64(20), all[0].DurationSeconds)
}

func TestEngine_MultiDeviceEscalation(t *testing.T) {
	h := newHarness(t, models.Account{
		ID: "alice", Credential: "pw", Status: models.AccountStatusActive, AssignedPort: intPtr(6001),
		DeviceLimit: 1, ConcurrencyLimit: 10,
	})
	ctx := context.Background()
	flows := []models.ObservedConnection{
		udp("10.0.0.1", 1001, 6001, 0),
		udp("10.0.0.2", 1002, 6001, 0),
	}

	for i := 0; i < 2; i++ {
		h.discover(t, flows...)
		assert.Equal(t, models.AccountStatusActive, h.status(t, "alice"))
		h.clock.Advance(2 * time.Minute)
	}

	count, err := h.store.CountViolationsSince(ctx, "alice", models.ViolationMultiDevice, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	flows = append(flows, udp("10.0.0.3", 1003, 6001, 0))
	h.discover(t, flows...)
	assert.Equal(t, models.AccountStatusSuspended, h.status(t, "alice"))
	h.syncer.AssertNumberOfCalls(t, "Trigger", 1)

	creds, err := h.store.ListActiveCredentials(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, creds)
}

func TestEngine_BandwidthQuotaSuspends(t *testing.T) {
	h := newHarness(t, models.Account{
		ID: "alice", Status: models.AccountStatusActive, AssignedPort: intPtr(6001), BandwidthLimit: 1000,
	})
	ctx := context.Background()

	h.discover(t, udp("10.0.0.1", 1001, 6001, 500))
	require.NoError(t, h.engine.BandwidthCycle(ctx))
	assert.Equal(t, models.AccountStatusActive, h.status(t, "alice"))

	h.clock.Advance(5 * time.Second)
	h.discover(t, udp("10.0.0.1", 1001, 6001, 850))
	require.NoError(t, h.engine.BandwidthCycle(ctx))
	assert.Equal(t, models.AccountStatusActive, h.status(t, "alice"))

	h.clock.Advance(5 * time.Second)
	h.discover(t, udp("10.0.0.1", 1001, 6001, 1000))
	require.NoError(t, h.engine.BandwidthCycle(ctx))
	require.NoError(t, h.engine.BandwidthCycle(ctx))
	assert.Equal(t, models.AccountStatusSuspended, h.status(t, "alice"))

	count, err := h.store.CountViolationsSince(ctx, "alice", models.ViolationBandwidth, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	h.syncer.AssertNumberOfCalls(t, "Trigger", 1)
}

func TestEngine_BasePortFallbackAndUnattributable(t *testing.T) {
	h := newHarness(t,
		models.Account{ID: "bob", Status: models.AccountStatusActive},
	)
	ctx := context.Background()

	h.discover(t, udp("10.0.0.5", 4000, 5667, 0), udp("10.0.0.6", 4000, 7000, 0))

	live, err := h.store.ListActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "bob", live[0].AccountID)
}

func TestEngine_TerminateAll(t *testing.T) {
	h := newHarness(t, models.Account{ID: "alice", Status: models.AccountStatusActive, AssignedPort: intPtr(6001)})
	ctx := context.Background()

	h.discover(t, udp("10.0.0.1", 1001, 6001, 0), udp("10.0.0.2", 1002, 6001, 0))

	terminated, err := h.engine.TerminateAll(ctx, "alice", "admin")
	require.NoError(t, err)
	assert.Len(t, terminated, 2)

	live, err := h.store.ListActiveSessionsByAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, live)

	entries := h.store.AuditEntries()
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, models.AuditTerminateAll, last.Action)
	assert.Equal(t, "admin", last.Actor)

	_, err = h.engine.TerminateAll(ctx, "nobody", "admin")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngine_Tasks(t *testing.T) {
	h := newHarness(t)
	tasks := h.engine.Tasks()
	require.Len(t, tasks, 4)
	assert.Equal(t, "discovery", tasks[0].Name)
	assert.Equal(t, 5*time.Second, tasks[0].Interval)
	assert.True(t, tasks[0].Immediate)

	require.NoError(t, tasks[3].Run(context.Background()))
	h.syncer.AssertCalled(t, "RetryPending")
}

func TestEngine_ReopenedFlowIsNotBilledTwice(t *testing.T) {
	h := newHarness(t, models.Account{ID: "alice", Status: models.AccountStatusActive, AssignedPort: intPtr(6001)})
	ctx := context.Background()

	h.discover(t, udp("10.0.0.1", 1001, 6001, 1000))
	_, err := h.engine.TerminateAll(ctx, "alice", "admin")
	require.NoError(t, err)

	// conntrack kept the flow and its counter
	h.clock.Advance(5 * time.Second)
	h.discover(t, udp("10.0.0.1", 1001, 6001, 1100))

	acct, err := h.store.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1100), acct.BandwidthUsed)
	assert.Len(t, h.store.AllSessions(), 2)
}

func TestEngine_BasePortFallbackSkipsExpiredAccount(t *testing.T) {
	expired := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(t,
		models.Account{ID: "aaa", Status: models.AccountStatusActive, ExpiresAt: &expired},
		models.Account{ID: "bob", Status: models.AccountStatusActive},
	)
	ctx := context.Background()

	h.discover(t, udp("10.0.0.5", 4000, 5667, 0))

	live, err := h.store.ListActiveSessionsByAccount(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

// lockCheckingSyncer records whether the engine's cycle lock was free each
// time a credential sync was triggered.
type lockCheckingSyncer struct {
	MockSyncer
	engine   *Engine
	lockFree []bool
}

func (s *lockCheckingSyncer) Trigger(context.Context) {
	free := s.engine.cycleMu.TryLock()
	if free {
		s.engine.cycleMu.Unlock()
	}
	s.lockFree = append(s.lockFree, free)
}

func TestEngine_EscalationTriggersSyncOutsideCycleLock(t *testing.T) {
	st := store.NewMemory()
	st.PutAccount(models.Account{
		ID: "alice", Credential: "pw", Status: models.AccountStatusActive, AssignedPort: intPtr(6001),
		DeviceLimit: 1, ConcurrencyLimit: 10,
	})
	clock := &fakeClock{t: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	disc := &fakeDiscoverer{}
	syncer := &lockCheckingSyncer{}
	dropper := new(MockDropper)
	e := New(DefaultConfig(), st, disc, dropper, syncer, nil, clock.Now)
	syncer.engine = e

	disc.conns = []models.ObservedConnection{
		udp("10.0.0.1", 1001, 6001, 0),
		udp("10.0.0.2", 1002, 6001, 0),
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, e.DiscoveryCycle(context.Background()))
		clock.Advance(2 * time.Minute)
	}

	acct, err := st.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusSuspended, acct.Status)
	assert.Equal(t, []bool{true}, syncer.lockFree)
}
