// Package credsync publishes the credentials of active accounts to the
// tunnel server's config file and signals it to reload.
package credsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/EternisAI/silo-warden/internal/command"
	"github.com/EternisAI/silo-warden/internal/notify"
)

var ErrReload = errors.New("tunnel reload failed")

const (
	DefaultReloadCommand = "systemctl restart zivpn.service"
	DefaultDegradedAfter = 3
)

type CredentialSource interface {
	ListActiveCredentials(ctx context.Context, now time.Time) ([]string, error)
}

type Config struct {
	ConfigFile    string
	ReloadCommand string
	Timeout       time.Duration
	DegradedAfter int
}

// Health is a snapshot of the sync state for operational tooling.
type Health struct {
	Degraded            bool      `json:"degraded"`
	Pending             bool      `json:"pending"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
}

type Syncer struct {
	source   CredentialSource
	runner   command.Runner
	notifier notify.Notifier
	cfg      Config
	reload   string
	args     []string
	now      func() time.Time

	// runMu serialises whole sync runs; mu guards the state below.
	runMu       sync.Mutex
	mu          sync.Mutex
	failures    int
	pending     bool
	lastErr     error
	lastSuccess time.Time
}

func NewSyncer(source CredentialSource, runner command.Runner, notifier notify.Notifier, cfg Config) (*Syncer, error) {
	if cfg.ConfigFile == "" {
		return nil, fmt.Errorf("credential sync requires a config file path")
	}
	if cfg.ReloadCommand == "" {
		cfg.ReloadCommand = DefaultReloadCommand
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = DefaultDegradedAfter
	}
	name, args, err := command.Split(cfg.ReloadCommand)
	if err != nil {
		return nil, fmt.Errorf("invalid reload command: %w", err)
	}
	return &Syncer{
		source:   source,
		runner:   runner,
		notifier: notifier,
		cfg:      cfg,
		reload:   name,
		args:     args,
		now:      time.Now,
	}, nil
}

// Sync writes the current credential set and reloads the tunnel server.
// A failure leaves the sync pending for RetryPending.
func (s *Syncer) Sync(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	err := s.sync(ctx)
	s.record(ctx, err)
	return err
}

func (s *Syncer) sync(ctx context.Context) error {
	creds, err := s.source.ListActiveCredentials(ctx, s.now())
	if err != nil {
		return fmt.Errorf("list active credentials: %w", err)
	}
	creds = normalise(creds)

	doc := readDocument(s.cfg.ConfigFile)
	applyCredentials(doc, creds)
	if err := writeDocument(s.cfg.ConfigFile, doc); err != nil {
		return err
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	if _, err := s.runner.Run(ctx, s.reload, s.args...); err != nil {
		return fmt.Errorf("%w: %v", ErrReload, err)
	}

	slog.Info("Credentials synced", "path", s.cfg.ConfigFile, "credentials", len(creds))
	return nil
}

func (s *Syncer) record(ctx context.Context, err error) {
	s.mu.Lock()
	if err == nil {
		s.failures = 0
		s.pending = false
		s.lastErr = nil
		s.lastSuccess = s.now()
		s.mu.Unlock()
		return
	}
	s.failures++
	s.pending = true
	s.lastErr = err
	failures := s.failures
	s.mu.Unlock()

	slog.Warn("Credential sync failed", "consecutive_failures", failures, "error", err)
	if failures == s.cfg.DegradedAfter {
		notify.Send(ctx, s.notifier, notify.NewEvent(notify.EventSyncDegraded, "", map[string]string{
			"consecutive_failures": strconv.Itoa(failures),
			"error":                err.Error(),
		}))
	}
}

// Trigger runs a sync after an account change. Failures are logged and kept
// pending; the status change itself already took effect in the store.
// The caller's deadline is dropped and Config.Timeout bounds the run.
func (s *Syncer) Trigger(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	_ = s.Sync(ctx)
}

// RetryPending re-runs a failed sync. It is a no-op when nothing is pending.
func (s *Syncer) RetryPending(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()
	if !pending {
		return nil
	}
	slog.Info("Retrying pending credential sync")
	return s.Sync(ctx)
}

func (s *Syncer) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Health{
		Degraded:            s.failures >= s.cfg.DegradedAfter,
		Pending:             s.pending,
		ConsecutiveFailures: s.failures,
		LastSuccess:         s.lastSuccess,
	}
	if s.lastErr != nil {
		h.LastError = s.lastErr.Error()
	}
	return h
}

// normalise sorts and de-duplicates credentials and drops empty ones.
func normalise(creds []string) []string {
	out := make([]string, 0, len(creds))
	for _, c := range creds {
		if c != "" {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
