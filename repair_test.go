/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package esb

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/blnkfinance/esb/database"
	"github.com/blnkfinance/esb/database/memstore"
	"github.com/blnkfinance/esb/database/mocks"
	"github.com/blnkfinance/esb/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type repairFixture struct {
	store    *memstore.Store
	clock    *testClock
	repair   *RepairScheduler
	notified []error
	finished []string
}

func newRepairFixture() *repairFixture {
	f := &repairFixture{store: memstore.New(), clock: newTestClock()}
	sm := NewMessageStateMachine(f.store, "node-1").WithClock(f.clock.Now)
	sm.OnFinished(func(_ context.Context, msg *model.Message) {
		f.finished = append(f.finished, msg.MessageID)
	})
	f.repair = NewRepairScheduler(f.store, sm, testConfig().Repair).WithClock(f.clock.Now)
	f.repair.notify = func(err error) { f.notified = append(f.notified, err) }
	return f
}

func (f *repairFixture) stale() time.Time {
	return f.clock.Now().Add(-10 * time.Minute)
}

// crash puts the message back into PROCESSING as a dead worker would leave it.
func (f *repairFixture) crash(t *testing.T, messageID string) {
	t.Helper()
	_, err := f.store.UpdateMessage(context.Background(), messageID, func(_ database.MessageTx, m *model.Message) error {
		m.State = model.MessageProcessing
		m.LastUpdateAt = f.stale()
		return nil
	})
	require.NoError(t, err)
}

func TestRepairPromotesToFailed(t *testing.T) {
	f := newRepairFixture()
	ctx := context.Background()
	msg := storeMessage(t, f.store, model.MessageProcessing, func(m *model.Message) { m.LastUpdateAt = f.stale() })

	for sweep := 1; sweep <= 3; sweep++ {
		n, err := f.repair.RepairMessages(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got := messageState(t, f.store, msg.MessageID)
		assert.Equal(t, model.MessagePartlyFailed, got.State, "sweep %d", sweep)
		assert.Equal(t, sweep, got.FailedCount)
		assert.True(t, got.LastUpdateAt.Equal(f.clock.Now()))
		f.crash(t, msg.MessageID)
	}
	assert.Empty(t, f.notified)

	n, err := f.repair.RepairMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := messageState(t, f.store, msg.MessageID)
	assert.Equal(t, model.MessageFailed, got.State)
	assert.Equal(t, 3, got.FailedCount)
	assert.Equal(t, ErrorCodeCrashedTooManyTimes, got.FailedErrorCode)
	assert.Equal(t, "crashed too many times", got.FailedDesc)
	require.Len(t, f.notified, 1)
	assert.Contains(t, f.notified[0].Error(), msg.MessageID)
	assert.Equal(t, []string{msg.MessageID}, f.finished)
}

func TestRepairSkipsRecentMessages(t *testing.T) {
	f := newRepairFixture()
	msg := storeMessage(t, f.store, model.MessageProcessing, func(m *model.Message) {
		m.LastUpdateAt = f.clock.Now().Add(-time.Minute)
	})
	storeMessage(t, f.store, model.MessageWaiting, func(m *model.Message) { m.LastUpdateAt = f.stale() })

	n, err := f.repair.RepairMessages(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, model.MessageProcessing, messageState(t, f.store, msg.MessageID).State)
}

func TestRepairLoopsOverBatches(t *testing.T) {
	f := newRepairFixture()
	const stuck = 2*RepairBatchSize + 5
	for i := 0; i < stuck; i++ {
		storeMessage(t, f.store, model.MessageProcessing, func(m *model.Message) {
			m.LastUpdateAt = f.stale().Add(time.Duration(i) * time.Second)
		})
	}

	n, err := f.repair.RepairMessages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stuck, n)

	left, err := f.store.FindMessagesByState(context.Background(), model.MessageProcessing, f.clock.Now(), 0)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRepairFailsHardBoundParent(t *testing.T) {
	f := newRepairFixture()
	parent := storeMessage(t, f.store, model.MessageWaiting, nil)
	child := storeMessage(t, f.store, model.MessageProcessing, func(m *model.Message) {
		childOf(parent, model.BindingHard)(m)
		m.FailedCount = 3
		m.LastUpdateAt = f.stale()
	})

	_, err := f.repair.RepairMessages(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.MessageFailed, messageState(t, f.store, child.MessageID).State)
	got := messageState(t, f.store, parent.MessageID)
	assert.Equal(t, model.MessageFailed, got.State)
	assert.Equal(t, ErrorCodeCrashedTooManyTimes, got.FailedErrorCode)
	assert.Equal(t, []string{child.MessageID, parent.MessageID}, f.finished)
}

func TestRepairExternalCalls(t *testing.T) {
	f := newRepairFixture()
	ctx := context.Background()

	owner := storeMessage(t, f.store, model.MessageProcessing, func(m *model.Message) { m.FailedCount = 1 })

	const stuck = RepairBatchSize + 2
	for i := 0; i < stuck; i++ {
		_, err := f.store.LockExternalCall(ctx, "crm/customers", fmt.Sprintf("customer_%d", i), func(*model.ExternalCall) (*model.ExternalCall, error) {
			return &model.ExternalCall{
				State:        model.ExternalCallProcessing,
				MessageID:    owner.MessageID,
				FailedCount:  1,
				LastUpdateAt: f.stale(),
			}, nil
		})
		require.NoError(t, err)
	}
	_, err := f.store.LockExternalCall(ctx, "crm/customers", "customer_fresh", func(*model.ExternalCall) (*model.ExternalCall, error) {
		return &model.ExternalCall{State: model.ExternalCallProcessing, LastUpdateAt: f.clock.Now()}, nil
	})
	require.NoError(t, err)

	n, err := f.repair.RepairExternalCalls(ctx)
	require.NoError(t, err)
	assert.Equal(t, stuck, n)

	for i := 0; i < stuck; i++ {
		call, err := f.store.GetExternalCall(ctx, "crm/customers", fmt.Sprintf("customer_%d", i))
		require.NoError(t, err)
		assert.Equal(t, model.ExternalCallFailed, call.State)
		assert.Equal(t, 1, call.FailedCount, "repair must not count a failure")
	}

	got := messageState(t, f.store, owner.MessageID)
	assert.Equal(t, 1, got.FailedCount, "repairing calls must not touch the owning message")
	assert.Equal(t, model.MessageProcessing, got.State)

	fresh, err := f.store.GetExternalCall(ctx, "crm/customers", "customer_fresh")
	require.NoError(t, err)
	assert.Equal(t, model.ExternalCallProcessing, fresh.State)

	// a second sweep finds nothing left
	n, err = f.repair.RepairExternalCalls(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRepairedCallIgnoresLateFinalize(t *testing.T) {
	ledger, store, clock := newTestLedger(t, "")
	sm := NewMessageStateMachine(store, "node-1").WithClock(clock.Now)
	repair := NewRepairScheduler(store, sm, testConfig().Repair).WithClock(clock.Now)
	repair.notify = func(error) {}
	ctx := context.Background()

	slow := newTestMessage()
	key := entityKey(&slow)
	slowCall, err := ledger.Prepare(ctx, "crm/customers", key, &slow)
	require.NoError(t, err)
	require.NotNil(t, slowCall)

	clock.Advance(time.Hour)
	n, err := repair.RepairExternalCalls(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	next := newTestMessage()
	next.ObjectID = slow.ObjectID
	next.MsgTimestamp = slow.MsgTimestamp.Add(time.Minute)
	nextCall, err := ledger.Prepare(ctx, "crm/customers", key, &next)
	require.NoError(t, err)
	require.NotNil(t, nextCall)

	// the slow worker comes back after its row was repaired and re-locked
	require.NoError(t, ledger.Complete(ctx, slowCall))
	stored, err := store.GetExternalCall(ctx, "crm/customers", key.Value)
	require.NoError(t, err)
	assert.Equal(t, model.ExternalCallProcessing, stored.State)
	assert.Equal(t, next.MessageID, stored.MessageID)

	third := newTestMessage()
	third.ObjectID = slow.ObjectID
	third.MsgTimestamp = slow.MsgTimestamp.Add(2 * time.Minute)
	_, err = ledger.Prepare(ctx, "crm/customers", key, &third)
	assert.ErrorIs(t, err, ErrLockFailure)

	require.NoError(t, ledger.Failed(ctx, nextCall))
	stored, err = store.GetExternalCall(ctx, "crm/customers", key.Value)
	require.NoError(t, err)
	assert.Equal(t, model.ExternalCallFailed, stored.State)
	assert.Equal(t, next.MessageID, stored.MessageID)
}

func TestRepairRunJoinsErrors(t *testing.T) {
	ds := &mocks.MockDataSource{}
	sm := NewMessageStateMachine(ds, "node-1")
	repair := NewRepairScheduler(ds, sm, testConfig().Repair)

	dbErr := errors.New("connection refused")
	ds.On("RepairMessages", mock.Anything, mock.Anything, RepairBatchSize, mock.Anything).Return([]model.Message(nil), 0, dbErr)
	ds.On("RepairExternalCalls", mock.Anything, mock.Anything, RepairBatchSize, mock.Anything).Return([]model.ExternalCall{}, nil)

	err := repair.Run(context.Background())
	assert.ErrorIs(t, err, dbErr)
	ds.AssertExpectations(t)
}
