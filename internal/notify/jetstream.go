package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const DefaultSubjectPrefix = "warden.events"

// Publisher is the part of jetstream.JetStream used for notifications.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStreamNotifier publishes events as JSON on <prefix>.<event type>.
type JetStreamNotifier struct {
	js     Publisher
	prefix string
}

func NewJetStreamNotifier(js Publisher, prefix string) *JetStreamNotifier {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &JetStreamNotifier{js: js, prefix: prefix}
}

func (n *JetStreamNotifier) Subject(t EventType) string {
	return n.prefix + "." + string(t)
}

func (n *JetStreamNotifier) Notify(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", e.Type, err)
	}

	subject := n.Subject(e.Type)
	ack, err := n.js.Publish(ctx, subject, payload, jetstream.WithMsgID(e.ID))
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", e.Type, err)
	}

	slog.Debug("Published event", "event_id", e.ID, "subject", subject, "seq", ack.Sequence)
	return nil
}

// Connect dials NATS, makes sure the stream exists and returns a notifier
// bound to it. The caller owns the returned connection.
func Connect(ctx context.Context, url, stream, prefix string, opts ...nats.Option) (*JetStreamNotifier, *nats.Conn, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	opts = append(opts,
		nats.Name("silo-warden"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := js.Stream(ctx, stream); err != nil {
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     stream,
			Subjects: []string{prefix + ".*"},
		})
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("failed to create or get stream %s: %w", stream, err)
		}
		slog.Info("Created NATS JetStream stream", "stream", stream)
	}

	return NewJetStreamNotifier(js, prefix), nc, nil
}
