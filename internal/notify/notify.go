// Package notify delivers enforcement events to collaborators such as the
// dashboard and the chat bot.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventBandwidthWarning  EventType = "bandwidth_warning"
	EventAccountSuspended  EventType = "account_suspended"
	EventAccountActivated  EventType = "account_activated"
	EventViolationRecorded EventType = "violation_recorded"
	EventSessionTerminated EventType = "session_terminated"
	EventSyncDegraded      EventType = "sync_degraded"
)

type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	AccountID string            `json:"account_id,omitempty"`
	Time      time.Time         `json:"time"`
	Data      map[string]string `json:"data,omitempty"`
}

// NewEvent stamps a fresh event with an ID and the current time.
func NewEvent(t EventType, accountID string, data map[string]string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		AccountID: accountID,
		Time:      time.Now().UTC(),
		Data:      data,
	}
}

type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// LogNotifier writes events to the process log. It is the default sink when
// no message broker is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, e Event) error {
	attrs := []any{"event_id", e.ID, "type", string(e.Type)}
	if e.AccountID != "" {
		attrs = append(attrs, "account_id", e.AccountID)
	}
	for k, v := range e.Data {
		attrs = append(attrs, k, v)
	}
	if e.Type == EventBandwidthWarning || e.Type == EventSyncDegraded {
		slog.Warn("Notification", attrs...)
		return nil
	}
	slog.Info("Notification", attrs...)
	return nil
}

// Multi fans an event out to several sinks. Every sink is tried.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send delivers e and logs a failure instead of returning it; notifications
// never block an enforcement decision.
func Send(ctx context.Context, n Notifier, e Event) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, e); err != nil {
		slog.Warn("Failed to deliver notification", "type", string(e.Type), "account_id", e.AccountID, "error", err)
	}
}
