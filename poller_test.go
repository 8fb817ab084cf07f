package esb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blnkfinance/esb/database/memstore"
	"github.com/blnkfinance/esb/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessagePollerRun(t *testing.T) {
	store := memstore.New()
	clock := newTestClock()
	enqueuer := &fakeEnqueuer{}
	poller := NewMessagePoller(store, NewMessageStateMachine(store, "node-1").WithClock(clock.Now), enqueuer, testConfig().Poller).WithClock(clock.Now)

	at := func(ago time.Duration) func(m *model.Message) {
		return func(m *model.Message) { m.LastUpdateAt = clock.Now().Add(-ago) }
	}
	partlyFailed := storeMessage(t, store, model.MessagePartlyFailed, at(2*time.Minute))
	storeMessage(t, store, model.MessagePartlyFailed, at(30*time.Second))
	postponed := storeMessage(t, store, model.MessagePostponed, at(30*time.Second))
	storeMessage(t, store, model.MessagePostponed, at(5*time.Second))
	stranded := storeMessage(t, store, model.MessageNew, at(time.Hour))
	storeMessage(t, store, model.MessageNew, at(time.Minute))
	storeMessage(t, store, model.MessageFailed, at(time.Hour))
	storeMessage(t, store, model.MessageProcessing, at(time.Hour))

	n, err := poller.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []string{partlyFailed.MessageID, postponed.MessageID, stranded.MessageID}, enqueuer.ids())
}

func TestMessagePollerRescuesStuckQueuedMessages(t *testing.T) {
	store := memstore.New()
	clock := newTestClock()
	enqueuer := &fakeEnqueuer{}
	sm := NewMessageStateMachine(store, "node-2").WithClock(clock.Now)
	poller := NewMessagePoller(store, sm, enqueuer, testConfig().Poller).WithClock(clock.Now)
	ctx := context.Background()

	// a worker locked the message and died before MarkProcessing
	stuck := storeMessage(t, store, model.MessageInQueue, func(m *model.Message) {
		m.FunnelValue = "order-7"
		m.NodeID = "node-1"
		m.LastUpdateAt = clock.Now().Add(-time.Hour)
	})
	recent := storeMessage(t, store, model.MessageInQueue, func(m *model.Message) {
		m.LastUpdateAt = clock.Now().Add(-time.Second)
	})
	sibling := storeMessage(t, store, model.MessageNew, func(m *model.Message) {
		m.FunnelValue = "order-7"
		m.LastUpdateAt = clock.Now()
	})

	_, outcome, err := sm.LockForProcessing(ctx, sibling.MessageID)
	require.NoError(t, err)
	require.Equal(t, LockDeferred, outcome)

	n, err := poller.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{stuck.MessageID}, enqueuer.ids())
	assert.Equal(t, model.MessagePostponed, messageState(t, store, stuck.MessageID).State)
	assert.Equal(t, model.MessageInQueue, messageState(t, store, recent.MessageID).State)

	// the funnel is free again and the rescued message can be locked
	_, outcome, err = sm.LockForProcessing(ctx, sibling.MessageID)
	require.NoError(t, err)
	assert.Equal(t, LockAcquired, outcome)
}

func TestMessagePollerSkipsEnqueueFailures(t *testing.T) {
	store := memstore.New()
	clock := newTestClock()
	enqueuer := &fakeEnqueuer{err: errors.New("redis: connection refused")}
	poller := NewMessagePoller(store, NewMessageStateMachine(store, "node-1").WithClock(clock.Now), enqueuer, testConfig().Poller).WithClock(clock.Now)

	storeMessage(t, store, model.MessagePartlyFailed, func(m *model.Message) {
		m.LastUpdateAt = clock.Now().Add(-time.Hour)
	})

	n, err := poller.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMessagePollerBatchSize(t *testing.T) {
	store := memstore.New()
	clock := newTestClock()
	enqueuer := &fakeEnqueuer{}
	cfg := testConfig().Poller
	cfg.BatchSize = 3
	poller := NewMessagePoller(store, NewMessageStateMachine(store, "node-1").WithClock(clock.Now), enqueuer, cfg).WithClock(clock.Now)

	for i := 0; i < 5; i++ {
		storeMessage(t, store, model.MessagePostponed, func(m *model.Message) {
			m.LastUpdateAt = clock.Now().Add(-time.Hour)
		})
	}

	n, err := poller.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
