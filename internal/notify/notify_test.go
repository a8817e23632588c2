package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	args := m.Called(subject, payload)
	ack, _ := args.Get(0).(*jetstream.PubAck)
	return ack, args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, e Event) error {
	return m.Called(e).Error(0)
}

func TestJetStreamNotifier_PublishesJSON(t *testing.T) {
	pub := new(MockPublisher)
	n := NewJetStreamNotifier(pub, "")
	e := NewEvent(EventAccountSuspended, "alice", map[string]string{"reason": "bandwidth"})

	var sent []byte
	pub.On("Publish", "warden.events.account_suspended", mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(1).([]byte) }).
		Return(&jetstream.PubAck{Stream: "WARDEN", Sequence: 7}, nil)

	require.NoError(t, n.Notify(context.Background(), e))
	pub.AssertExpectations(t)

	var decoded Event
	require.NoError(t, json.Unmarshal(sent, &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, EventAccountSuspended, decoded.Type)
	assert.Equal(t, "alice", decoded.AccountID)
	assert.Equal(t, "bandwidth", decoded.Data["reason"])
}

func TestJetStreamNotifier_PublishError(t *testing.T) {
	pub := new(MockPublisher)
	n := NewJetStreamNotifier(pub, "ops")
	pub.On("Publish", "ops.bandwidth_warning", mock.Anything).Return(nil, errors.New("no responders"))

	err := n.Notify(context.Background(), NewEvent(EventBandwidthWarning, "bob", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bandwidth_warning")
}

func TestSend_SwallowsErrors(t *testing.T) {
	n := new(MockNotifier)
	n.On("Notify", mock.Anything).Return(errors.New("down"))

	assert.NotPanics(t, func() {
		Send(context.Background(), n, NewEvent(EventViolationRecorded, "bob", nil))
		Send(context.Background(), nil, NewEvent(EventViolationRecorded, "bob", nil))
	})
	n.AssertNumberOfCalls(t, "Notify", 1)
}

func TestNewEvent(t *testing.T) {
	a := NewEvent(EventSessionTerminated, "alice", nil)
	b := NewEvent(EventSessionTerminated, "alice", nil)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.Time.IsZero())
	assert.NoError(t, LogNotifier{}.Notify(context.Background(), a))
}

func TestMulti_TriesEverySink(t *testing.T) {
	failing := new(MockNotifier)
	failing.On("Notify", mock.Anything).Return(errors.New("broker down"))
	ok := new(MockNotifier)
	ok.On("Notify", mock.Anything).Return(nil)

	err := Multi{failing, nil, ok}.Notify(context.Background(), NewEvent(EventAccountSuspended, "alice", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	failing.AssertNumberOfCalls(t, "Notify", 1)
	ok.AssertNumberOfCalls(t, "Notify", 1)
}
