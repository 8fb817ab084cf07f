package esb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blnkfinance/esb/config"
	"github.com/blnkfinance/esb/database/memstore"
	"github.com/blnkfinance/esb/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	mu       sync.Mutex
	enqueued []string
	err      error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, msg *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, msg.MessageID)
	return nil
}

func (f *fakeEnqueuer) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.enqueued...)
}

type fakeSender struct {
	mu        sync.Mutex
	confirmed []model.Message
	fail      bool
}

func (f *fakeSender) Confirm(_ context.Context, msg *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("source system unavailable")
	}
	f.confirmed = append(f.confirmed, *msg)
	return nil
}

func (f *fakeSender) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeSender) messages() []model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Message(nil), f.confirmed...)
}

// testClock is a settable time source shared by the services under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() *config.Configuration {
	return &config.Configuration{
		ProjectName:  "ESB",
		NodeID:       "node-1",
		CircuitStore: config.CircuitStoreLocal,
		Repair: config.RepairConfig{
			RepairInterval:         300,
			MaxFailuresBeforeFatal: 3,
			RepeatTime:             60,
		},
		Confirmation: config.ConfirmationConfig{
			RetryInterval: 60,
			RepeatTime:    30,
			Timeout:       1,
		},
		Poller: config.PollerConfig{
			PartlyFailedInterval: 60,
			PostponedInterval:    10,
			StuckInterval:        300,
			RepeatTime:           5,
			BatchSize:            50,
		},
	}
}

func newTestMessage() model.Message {
	return model.Message{
		MessageID:     model.GenerateUUIDWithSuffix("msg"),
		CorrelationID: gofakeit.UUID(),
		SourceSystem:  "crm",
		Service:       "customer",
		Operation:     "create",
		EntityType:    "customer",
		ObjectID:      gofakeit.UUID(),
		MsgTimestamp:  time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC),
		Payload:       []byte(`{"name":"` + gofakeit.Name() + `"}`),
	}
}

// storeMessage saves a fresh message in state. mutate adjusts it before the insert.
func storeMessage(t *testing.T, store *memstore.Store, state model.MessageState, mutate func(m *model.Message)) *model.Message {
	t.Helper()
	msg := newTestMessage()
	msg.State = state
	if mutate != nil {
		mutate(&msg)
	}
	created, err := store.CreateMessage(context.Background(), msg)
	require.NoError(t, err)
	return &created
}

func childOf(parent *model.Message, binding model.BindingType) func(m *model.Message) {
	return func(m *model.Message) {
		m.ParentMessageID = parent.MessageID
		m.ParentBinding = binding
	}
}

func messageState(t *testing.T, store *memstore.Store, messageID string) *model.Message {
	t.Helper()
	msg, err := store.GetMessage(context.Background(), messageID)
	require.NoError(t, err)
	return msg
}
