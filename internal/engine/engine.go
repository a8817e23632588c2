// Package engine wires discovery, reconciliation and enforcement into the
// periodic cycles run by the scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/EternisAI/silo-warden/internal/accounts"
	"github.com/EternisAI/silo-warden/internal/bandwidth"
	"github.com/EternisAI/silo-warden/internal/credsync"
	"github.com/EternisAI/silo-warden/internal/devices"
	"github.com/EternisAI/silo-warden/internal/enforcer"
	"github.com/EternisAI/silo-warden/internal/identity"
	"github.com/EternisAI/silo-warden/internal/models"
	"github.com/EternisAI/silo-warden/internal/notify"
	"github.com/EternisAI/silo-warden/internal/scheduler"
	"github.com/EternisAI/silo-warden/internal/sessions"
	"github.com/EternisAI/silo-warden/internal/store"
	"github.com/EternisAI/silo-warden/internal/violations"
)

type Discoverer interface {
	Discover(ctx context.Context) ([]models.ObservedConnection, error)
}

type Syncer interface {
	accounts.CredentialSyncer
	Sync(ctx context.Context) error
	RetryPending(ctx context.Context) error
	Health() credsync.Health
}

type Config struct {
	BasePort           int
	DiscoveryInterval  time.Duration
	EnforceInterval    time.Duration
	BandwidthInterval  time.Duration
	SyncRetryInterval  time.Duration
	CloseAfterMisses   int
	StaleTimeout       time.Duration
	ViolationWindow    time.Duration
	ViolationThreshold int
	ViolationCooldown  time.Duration
	FingerprintBucket  time.Duration
	IdentityCacheTTL   time.Duration
	BandwidthWarnRatio float64
}

func DefaultConfig() Config {
	return Config{
		BasePort:           5667,
		DiscoveryInterval:  5 * time.Second,
		EnforceInterval:    30 * time.Second,
		BandwidthInterval:  30 * time.Second,
		SyncRetryInterval:  time.Minute,
		CloseAfterMisses:   sessions.DefaultCloseAfterMisses,
		StaleTimeout:       3 * time.Minute,
		ViolationWindow:    violations.DefaultWindow,
		ViolationThreshold: violations.DefaultThreshold,
		ViolationCooldown:  devices.DefaultCooldown,
		FingerprintBucket:  devices.DefaultBucket,
		IdentityCacheTTL:   30 * time.Second,
		BandwidthWarnRatio: bandwidth.DefaultWarnRatio,
	}
}

type Engine struct {
	cfg        Config
	store      store.Store
	discoverer Discoverer
	syncer     Syncer
	cache      *identity.PortCache
	resolver   *identity.Resolver
	ledger     *sessions.Ledger
	accounts   *accounts.Service
	tracker    *devices.Tracker
	escalator  *violations.Escalator
	enforcer   *enforcer.Enforcer
	monitor    *bandwidth.Monitor
	now        func() time.Time

	// cycleMu orders reconciliation before enforcement. It is never held
	// while a subprocess runs or a credential sync is triggered.
	cycleMu sync.Mutex
}

// New builds the engine components over one store. now may be nil.
func New(cfg Config, st store.Store, d Discoverer, dropper enforcer.Dropper, syncer Syncer, notifier notify.Notifier, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}

	cache := identity.NewPortCache(cfg.IdentityCacheTTL)
	svc := accounts.NewService(st, cache, syncer, notifier).WithClock(now)
	ledger := sessions.NewLedger(st, svc, cfg.CloseAfterMisses).WithClock(now)

	return &Engine{
		cfg:        cfg,
		store:      st,
		discoverer: d,
		syncer:     syncer,
		cache:      cache,
		resolver:   identity.NewResolver(st, st, cache, cfg.BasePort).WithClock(now),
		ledger:     ledger,
		accounts:   svc,
		tracker: devices.NewTracker(st, devices.Config{
			Window:   cfg.ViolationWindow,
			Bucket:   cfg.FingerprintBucket,
			Cooldown: cfg.ViolationCooldown,
		}).WithClock(now),
		escalator: violations.NewEscalator(st, svc, notifier, cfg.ViolationWindow, cfg.ViolationThreshold).WithClock(now),
		enforcer:  enforcer.New(st, dropper, ledger, svc, notifier).WithClock(now),
		monitor:   bandwidth.NewMonitor(st, svc, notifier, cfg.BandwidthWarnRatio).WithClock(now),
		now:       now,
	}
}

func (e *Engine) Accounts() *accounts.Service { return e.accounts }

func (e *Engine) Ledger() *sessions.Ledger { return e.ledger }

// DiscoveryCycle observes the tunnel's flows, attributes them to accounts,
// reconciles the session ledger and tracks device fingerprints. When
// discovery fails the ledger is left untouched.
func (e *Engine) DiscoveryCycle(ctx context.Context) error {
	conns, err := e.discoverer.Discover(ctx)
	if err != nil {
		slog.Warn("Discovery failed, skipping reconciliation", "error", err)
		return err
	}

	found, err := e.reconcile(ctx, conns)
	if err != nil {
		return err
	}

	// escalation may suspend and reload the tunnel server, so it runs
	// after cycleMu is released
	for _, v := range found {
		if _, err := e.escalator.Record(ctx, v); err != nil {
			slog.Error("Violation escalation failed", "account_id", v.AccountID, "error", err)
		}
	}
	return nil
}

func (e *Engine) reconcile(ctx context.Context, conns []models.ObservedConnection) ([]*models.Violation, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	resolved, err := e.resolver.ResolveAll(ctx, conns)
	if err != nil {
		return nil, fmt.Errorf("resolve identities: %w", err)
	}

	report, err := e.ledger.Reconcile(ctx, resolved)
	if err != nil {
		return nil, fmt.Errorf("reconcile sessions: %w", err)
	}

	return e.trackDevices(ctx, report.Live()), nil
}

// trackDevices records fingerprints for the live sessions and returns the
// multi-device violations found, ordered by account.
func (e *Engine) trackDevices(ctx context.Context, live []models.Session) []*models.Violation {
	byAccount := make(map[string][]models.Session)
	for _, s := range live {
		byAccount[s.AccountID] = append(byAccount[s.AccountID], s)
	}
	ids := make([]string, 0, len(byAccount))
	for id := range byAccount {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := e.now()
	var found []*models.Violation
	for _, accountID := range ids {
		acct, err := e.store.GetAccount(ctx, accountID)
		if err != nil {
			slog.Warn("Failed to load account for device tracking", "account_id", accountID, "error", err)
			continue
		}
		if !acct.IsActive(now) {
			continue
		}

		v, err := e.tracker.TrackAll(ctx, *acct, byAccount[accountID])
		if err != nil {
			slog.Warn("Device tracking failed", "account_id", accountID, "error", err)
			continue
		}
		if v != nil {
			found = append(found, v)
		}
	}
	return found
}

// EnforcementCycle terminates sessions above each account's concurrency
// limit and purges stale sessions.
func (e *Engine) EnforcementCycle(ctx context.Context) error {
	e.cycleMu.Lock()
	live, err := e.ledger.Live(ctx)
	var victims []models.Session
	if err == nil {
		victims, err = e.enforcer.Plan(ctx, live)
	}
	e.cycleMu.Unlock()

	var errs []error
	if err != nil {
		errs = append(errs, fmt.Errorf("plan enforcement: %w", err))
	} else if len(victims) > 0 {
		terminated := e.enforcer.TerminateAll(ctx, victims, models.ActorSystem, "concurrency limit exceeded")
		slog.Info("Enforced concurrency limits", "terminated", len(terminated))
	}

	if _, err := e.ledger.PurgeStale(ctx, e.cfg.StaleTimeout); err != nil {
		errs = append(errs, fmt.Errorf("purge stale sessions: %w", err))
	}
	e.tracker.Forget()
	return errors.Join(errs...)
}

func (e *Engine) BandwidthCycle(ctx context.Context) error {
	sum, err := e.monitor.Run(ctx)
	if err != nil {
		return err
	}
	if sum.Warned > 0 || sum.Suspended > 0 {
		slog.Info("Bandwidth check finished", "checked", sum.Checked, "warned", sum.Warned, "suspended", sum.Suspended)
	}
	return nil
}

func (e *Engine) SyncRetryCycle(ctx context.Context) error {
	if e.syncer == nil {
		return nil
	}
	return e.syncer.RetryPending(ctx)
}

// TerminateAll force-closes every live session of an account.
func (e *Engine) TerminateAll(ctx context.Context, accountID, actor string) ([]models.Session, error) {
	if _, err := e.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	live, err := e.store.ListActiveSessionsByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list sessions for %s: %w", accountID, err)
	}

	terminated := e.enforcer.TerminateAll(ctx, live, actor, "terminate all")
	if err := e.accounts.Audit(ctx, accountID, models.AuditTerminateAll, actor,
		fmt.Sprintf("terminated=%d", len(terminated))); err != nil {
		slog.Error("Failed to record audit entry", "account_id", accountID, "error", err)
	}
	slog.Info("Terminated all sessions", "account_id", accountID, "actor", actor, "count", len(terminated))
	return terminated, nil
}

// Tasks returns the periodic cycles for the scheduler.
func (e *Engine) Tasks() []scheduler.Task {
	tasks := []scheduler.Task{
		{Name: "discovery", Interval: e.cfg.DiscoveryInterval, Immediate: true, Run: e.DiscoveryCycle},
		{Name: "enforcement", Interval: e.cfg.EnforceInterval, Run: e.EnforcementCycle},
		{Name: "bandwidth", Interval: e.cfg.BandwidthInterval, Run: e.BandwidthCycle},
	}
	if e.syncer != nil {
		tasks = append(tasks, scheduler.Task{Name: "sync-retry", Interval: e.cfg.SyncRetryInterval, Run: e.SyncRetryCycle})
	}
	return tasks
}
