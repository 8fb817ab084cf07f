package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blnkfinance/esb/database"
	"github.com/blnkfinance/esb/internal/apierror"
	"github.com/blnkfinance/esb/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGetMessage(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, err := s.CreateMessage(ctx, model.Message{
		CorrelationID: gofakeit.UUID(),
		SourceSystem:  "crm",
		Payload:       []byte(`{"name":"` + gofakeit.Name() + `"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.MessageNew, created.State)
	assert.Equal(t, int64(1), created.ID)

	got, err := s.GetMessage(ctx, created.MessageID)
	require.NoError(t, err)
	assert.Equal(t, created.CorrelationID, got.CorrelationID)

	got.Payload[0] = 'x'
	again, _ := s.GetMessage(ctx, created.MessageID)
	assert.Equal(t, byte('{'), again.Payload[0], "reads must not alias stored rows")

	_, err = s.CreateMessage(ctx, model.Message{MessageID: created.MessageID})
	assert.True(t, apierror.HasCode(err, apierror.ErrConflict))

	_, err = s.CreateMessage(ctx, model.Message{ParentMessageID: "msg_missing"})
	assert.True(t, apierror.HasCode(err, apierror.ErrBadRequest))

	_, err = s.GetMessage(ctx, "msg_missing")
	assert.True(t, apierror.HasCode(err, apierror.ErrNotFound))
}

func TestUpdateMessage(t *testing.T) {
	s := New()
	ctx := context.Background()
	parent, _ := s.CreateMessage(ctx, model.Message{MessageID: "p", FunnelValue: "f"})
	_, _ = s.CreateMessage(ctx, model.Message{MessageID: "c1", ParentMessageID: "p"})
	_, _ = s.CreateMessage(ctx, model.Message{MessageID: "c2", ParentMessageID: "p", ParentBinding: model.BindingSoft, FunnelValue: "f", State: model.MessageProcessing})

	updated, err := s.UpdateMessage(ctx, parent.MessageID, func(tx database.MessageTx, m *model.Message) error {
		busy, err := tx.FunnelInFlight(ctx, m.FunnelValue, m.MessageID)
		require.NoError(t, err)
		assert.True(t, busy)

		kids, err := tx.ChildMessages(ctx, m.MessageID)
		require.NoError(t, err)
		require.Len(t, kids, 2)
		assert.Equal(t, model.BindingHard, kids[0].ParentBinding)
		assert.Equal(t, model.BindingSoft, kids[1].ParentBinding)

		m.State = model.MessagePostponed
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.MessagePostponed, updated.State)

	got, _ := s.GetMessage(ctx, "p")
	assert.Equal(t, model.MessagePostponed, got.State)

	_, err = s.UpdateMessage(ctx, "p", func(_ database.MessageTx, m *model.Message) error {
		m.State = model.MessageOk
		return errors.New("abort")
	})
	assert.Error(t, err)
	got, _ = s.GetMessage(ctx, "p")
	assert.Equal(t, model.MessagePostponed, got.State, "a failed mutation is discarded")

	same, err := s.UpdateMessage(ctx, "p", func(_ database.MessageTx, m *model.Message) error {
		m.State = model.MessageOk
		return database.ErrNoUpdate
	})
	require.NoError(t, err)
	assert.Equal(t, model.MessagePostponed, same.State)
}

func TestRepairMessagesBatch(t *testing.T) {
	s := New()
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	for i := 0; i < 12; i++ {
		_, err := s.CreateMessage(ctx, model.Message{State: model.MessageProcessing, LastUpdateAt: old})
		require.NoError(t, err)
	}
	_, _ = s.CreateMessage(ctx, model.Message{State: model.MessageProcessing})

	repaired, claimed, err := s.RepairMessages(ctx, time.Now().Add(-time.Minute), 10, func(m *model.Message) error {
		m.State = model.MessagePartlyFailed
		m.FailedCount++
		m.LastUpdateAt = time.Now()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 10, claimed)
	assert.Len(t, repaired, 10)

	remaining, _ := s.FindMessagesByState(ctx, model.MessageProcessing, time.Now().Add(time.Second), 0)
	assert.Len(t, remaining, 3)
}

func TestExternalCalls(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	call, err := s.LockExternalCall(ctx, "op", "key", func(existing *model.ExternalCall) (*model.ExternalCall, error) {
		assert.Nil(t, existing)
		return &model.ExternalCall{State: model.ExternalCallProcessing, MessageID: "m1", CreatedAt: now, LastUpdateAt: now}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "op", call.OperationName)

	assert.Equal(t, int64(1), call.Version)

	changed, err := s.UpdateExternalCallState(ctx, call.ID, call.Version+1, model.ExternalCallProcessing, model.ExternalCallOk, false, now)
	require.NoError(t, err)
	assert.False(t, changed, "a stale version must not finalize the row")

	changed, err = s.UpdateExternalCallState(ctx, call.ID, call.Version, model.ExternalCallProcessing, model.ExternalCallOk, false, now)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, _ = s.UpdateExternalCallState(ctx, call.ID, call.Version, model.ExternalCallProcessing, model.ExternalCallOk, false, now)
	assert.False(t, changed)

	skipped, err := s.LockExternalCall(ctx, "op", "key", func(existing *model.ExternalCall) (*model.ExternalCall, error) {
		require.NotNil(t, existing)
		assert.Equal(t, model.ExternalCallOk, existing.State)
		return nil, nil
	})
	assert.NoError(t, err)
	assert.Nil(t, skipped)

	stored, err := s.GetExternalCall(ctx, "op", "key")
	require.NoError(t, err)
	assert.Equal(t, call.ID, stored.ID)
}

func TestConfirmationsAndRepair(t *testing.T) {
	s := New()
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	first, err := s.UpsertFailedConfirmation(ctx, model.NewFailedConfirmation(&model.Message{MessageID: "m1"}, old))
	require.NoError(t, err)
	_, _ = s.UpsertFailedConfirmation(ctx, model.NewFailedConfirmation(&model.Message{MessageID: "m2"}, time.Now()))

	claimed, err := s.ClaimConfirmation(ctx, time.Now().Add(-time.Minute), time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, model.ExternalCallProcessing, claimed.State)

	none, err := s.ClaimConfirmation(ctx, time.Now().Add(-time.Minute), time.Now())
	require.NoError(t, err)
	assert.Nil(t, none)

	_, _ = s.LockExternalCall(ctx, "op", "k", func(*model.ExternalCall) (*model.ExternalCall, error) {
		return &model.ExternalCall{State: model.ExternalCallProcessing, LastUpdateAt: old}, nil
	})
	fixed, err := s.RepairExternalCalls(ctx, time.Now().Add(-time.Minute), 10, time.Now())
	require.NoError(t, err)
	require.Len(t, fixed, 1)
	assert.Equal(t, "op", fixed[0].OperationName)
	assert.Equal(t, model.ExternalCallFailed, fixed[0].State)
	assert.Equal(t, 0, fixed[0].FailedCount)
}
