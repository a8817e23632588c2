package store

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/EternisAI/silo-warden/internal/models"
)

// Memory is a process-local Store. It backs the engine tests and the
// development mode started without a database URL.
type Memory struct {
	mu           sync.RWMutex
	accounts     map[string]*models.Account
	sessions     []*models.Session
	active       map[string]*models.Session
	fingerprints map[string]map[string]*models.DeviceFingerprint
	violations   []models.Violation
	audit        []models.AuditEntry
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[string]*models.Account),
		active:       make(map[string]*models.Session),
		fingerprints: make(map[string]map[string]*models.DeviceFingerprint),
	}
}

// PutAccount inserts or replaces an account. Account creation is an admin
// concern, so this is only exposed on the in-memory store.
func (m *Memory) PutAccount(a models.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := a
	m.accounts[a.ID] = &cp
}

func (m *Memory) GetAccount(_ context.Context, id string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) FindActiveByPort(_ context.Context, port int) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.sortedAccounts() {
		if a.AssignedPort != nil && *a.AssignedPort == port && a.Status == models.AccountStatusActive {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindActiveUnassigned(_ context.Context, now time.Time) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.sortedAccounts() {
		if a.AssignedPort == nil && a.IsActive(now) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) sortedAccounts() []*models.Account {
	out := make([]*models.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) TransitionStatus(_ context.Context, id string, from, to models.AccountStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return false, ErrNotFound
	}
	if a.Status != from {
		return false, nil
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	return true, nil
}

func (m *Memory) AddBandwidthUsage(_ context.Context, id string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.BandwidthUsed += delta
	a.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) ListActiveCredentials(_ context.Context, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, a := range m.accounts {
		if a.Credential != "" && a.IsActive(now) {
			out = append(out, a.Credential)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) GetActiveSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.active[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[s.ID]; ok {
		return ErrConflict
	}
	cp := *s
	m.sessions = append(m.sessions, &cp)
	m.active[s.ID] = &cp
	return nil
}

func (m *Memory) UpdateHeartbeat(_ context.Context, id string, at time.Time, bytesIn, bytesOut int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[id]
	if !ok {
		return ErrNotFound
	}
	s.LastHeartbeat = at
	s.BytesIn = bytesIn
	s.BytesOut = bytesOut
	return nil
}

func (m *Memory) CloseSession(_ context.Context, id string, end time.Time, reason models.CloseReason) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[id]
	if !ok {
		return false, nil
	}
	e := end
	s.EndTime = &e
	s.DurationSeconds = int64(end.Sub(s.StartTime).Seconds())
	s.Status = models.SessionStatusCompleted
	s.CloseReason = reason
	delete(m.active, id)
	return true, nil
}

func (m *Memory) LastCompletedSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.sessions) - 1; i >= 0; i-- {
		s := m.sessions[i]
		if s.ID == id && s.Status == models.SessionStatusCompleted {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListActiveSessions(_ context.Context) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterSessions(func(s *models.Session) bool { return s.IsActive() }), nil
}

func (m *Memory) ListActiveSessionsByAccount(_ context.Context, accountID string) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterSessions(func(s *models.Session) bool {
		return s.IsActive() && s.AccountID == accountID
	}), nil
}

func (m *Memory) LatestActiveSessionByIP(_ context.Context, ip netip.Addr) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.Session
	for _, s := range m.active {
		if s.ClientIP != ip {
			continue
		}
		if latest == nil || s.StartTime.After(latest.StartTime) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) ListStaleSessions(_ context.Context, cutoff time.Time) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterSessions(func(s *models.Session) bool {
		return s.IsActive() && s.LastHeartbeat.Before(cutoff)
	}), nil
}

func (m *Memory) CountActiveByAccount(_ context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, s := range m.active {
		out[s.AccountID]++
	}
	return out, nil
}

func (m *Memory) ListSessionHistory(_ context.Context, accountID string, limit, offset int) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.filterSessions(func(s *models.Session) bool { return s.AccountID == accountID })
	sort.SliceStable(all, func(i, j int) bool { return all[i].StartTime.After(all[j].StartTime) })
	if offset >= len(all) {
		return []models.Session{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// filterSessions returns copies in start-time order. Callers hold m.mu.
func (m *Memory) filterSessions(keep func(*models.Session) bool) []models.Session {
	out := make([]models.Session, 0)
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, *s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (m *Memory) UpsertFingerprint(_ context.Context, accountID, hash string, seen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byHash, ok := m.fingerprints[accountID]
	if !ok {
		byHash = make(map[string]*models.DeviceFingerprint)
		m.fingerprints[accountID] = byHash
	}
	if fp, ok := byHash[hash]; ok {
		if seen.After(fp.LastSeen) {
			fp.LastSeen = seen
		}
		return nil
	}
	byHash[hash] = &models.DeviceFingerprint{AccountID: accountID, Hash: hash, FirstSeen: seen, LastSeen: seen}
	return nil
}

func (m *Memory) CountFingerprintsSince(_ context.Context, accountID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, fp := range m.fingerprints[accountID] {
		if !fp.LastSeen.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) AppendViolation(_ context.Context, v *models.Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations = append(m.violations, *v)
	return nil
}

func (m *Memory) CountViolationsSince(_ context.Context, accountID string, vt models.ViolationType, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, v := range m.violations {
		if v.AccountID == accountID && v.Type == vt && !v.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListViolations(_ context.Context, accountID string, since time.Time, limit int) ([]models.Violation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Violation, 0)
	for i := len(m.violations) - 1; i >= 0; i-- {
		v := m.violations[i]
		if accountID != "" && v.AccountID != accountID {
			continue
		}
		if v.Timestamp.Before(since) {
			continue
		}
		out = append(out, v)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, e *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, *e)
	return nil
}

// AuditEntries returns a copy of the audit trail in insertion order.
func (m *Memory) AuditEntries() []models.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.AuditEntry(nil), m.audit...)
}

// AllSessions returns every session row, open or closed.
func (m *Memory) AllSessions() []models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterSessions(func(*models.Session) bool { return true })
}
