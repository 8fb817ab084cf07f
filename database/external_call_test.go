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

package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/blnkfinance/esb/internal/apierror"
	"github.com/blnkfinance/esb/model"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var externalCallColumns = []string{
	"id", "version", "operation_name", "entity_id", "state", "message_id", "msg_timestamp", "failed_count", "created_at", "last_update_at",
}

func processingCall(now time.Time) *model.ExternalCall {
	return &model.ExternalCall{
		State:        model.ExternalCallProcessing,
		MessageID:    "msg_1",
		MsgTimestamp: now,
		CreatedAt:    now,
		LastUpdateAt: now,
	}
}

func TestLockExternalCall_InsertsNewRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM esb.external_calls WHERE operation_name = \\$1 AND entity_id = \\$2 FOR UPDATE NOWAIT").
		WithArgs("crm.create", "crm_corr-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO esb.external_calls").
		WithArgs("crm.create", "crm_corr-1", "PROCESSING", "msg_1", now, 0, now, now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "version"}).AddRow(11, 1))
	mock.ExpectCommit()

	call, err := ds.LockExternalCall(context.Background(), "crm.create", "crm_corr-1", func(existing *model.ExternalCall) (*model.ExternalCall, error) {
		assert.Nil(t, existing)
		return processingCall(now), nil
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(11), call.ID)
	assert.Equal(t, int64(1), call.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockExternalCall_ConcurrentInsertIsLockFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE NOWAIT").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("ON CONFLICT \\(operation_name, entity_id\\) DO NOTHING").
		WillReturnRows(sqlmock.NewRows([]string{"id", "version"}))
	mock.ExpectRollback()

	_, err = ds.LockExternalCall(context.Background(), "crm.create", "crm_corr-1", func(*model.ExternalCall) (*model.ExternalCall, error) {
		return processingCall(now), nil
	})
	assert.ErrorIs(t, err, ErrLockFailure)
	assert.True(t, apierror.HasCode(err, apierror.ErrLockFailure))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockExternalCall_NowaitContention(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE NOWAIT").
		WillReturnError(&pq.Error{Code: "55P03", Message: "could not obtain lock on row"})
	mock.ExpectRollback()

	_, err = ds.LockExternalCall(context.Background(), "crm.create", "crm_corr-1", func(*model.ExternalCall) (*model.ExternalCall, error) {
		t.Fatal("decide must not run when the row is held elsewhere")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrLockFailure)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockExternalCall_RelocksExistingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	old := time.Now().Add(-time.Hour)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE NOWAIT").
		WithArgs("crm.create", "crm_corr-1").
		WillReturnRows(sqlmock.NewRows(externalCallColumns).
			AddRow(5, 3, "crm.create", "crm_corr-1", "FAILED", "msg_0", old, 1, old, old))
	mock.ExpectQuery("UPDATE esb.external_calls SET .*version = version \\+ 1 WHERE id = \\$1 RETURNING version").
		WithArgs(int64(5), "PROCESSING", "msg_1", now, 1, now).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(4))
	mock.ExpectCommit()

	call, err := ds.LockExternalCall(context.Background(), "crm.create", "crm_corr-1", func(existing *model.ExternalCall) (*model.ExternalCall, error) {
		require.NotNil(t, existing)
		assert.Equal(t, model.ExternalCallFailed, existing.State)
		next := *existing
		next.State = model.ExternalCallProcessing
		next.MessageID = "msg_1"
		next.MsgTimestamp = now
		next.LastUpdateAt = now
		return &next, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(5), call.ID)
	assert.Equal(t, int64(4), call.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockExternalCall_SkipWritesNothing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE NOWAIT").
		WillReturnRows(sqlmock.NewRows(externalCallColumns).
			AddRow(5, 2, "crm.create", "crm_corr-1", "OK", "msg_0", now, 0, now, now))
	mock.ExpectRollback()

	call, err := ds.LockExternalCall(context.Background(), "crm.create", "crm_corr-1", func(*model.ExternalCall) (*model.ExternalCall, error) {
		return nil, nil
	})
	assert.NoError(t, err)
	assert.Nil(t, call)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateExternalCallState(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()

	mock.ExpectExec("UPDATE esb.external_calls SET state = \\$4, failed_count = failed_count \\+ \\$5, last_update_at = \\$6, version = version \\+ 1 WHERE id = \\$1 AND version = \\$2 AND state = \\$3").
		WithArgs(int64(5), int64(2), "PROCESSING", "OK", 0, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE esb.external_calls").
		WithArgs(int64(5), int64(2), "PROCESSING", "OK", 0, now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE esb.external_calls").
		WithArgs(int64(6), int64(1), "PROCESSING", "FAILED", 1, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	changed, err := ds.UpdateExternalCallState(context.Background(), 5, 2, model.ExternalCallProcessing, model.ExternalCallOk, false, now)
	assert.NoError(t, err)
	assert.True(t, changed)

	// the row was re-locked since version 2 was read
	changed, err = ds.UpdateExternalCallState(context.Background(), 5, 2, model.ExternalCallProcessing, model.ExternalCallOk, false, now)
	assert.NoError(t, err)
	assert.False(t, changed)

	changed, err = ds.UpdateExternalCallState(context.Background(), 6, 1, model.ExternalCallProcessing, model.ExternalCallFailed, true, now)
	assert.NoError(t, err)
	assert.True(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertFailedConfirmation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()
	entry := model.NewFailedConfirmation(&model.Message{MessageID: "msg_1", MsgTimestamp: now}, now)

	mock.ExpectQuery("ON CONFLICT \\(operation_name, entity_id\\) DO UPDATE SET").
		WithArgs("confirmation", "msg_1", "FAILED", "msg_1", now, 0, now, now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "version"}).AddRow(3, 1))

	saved, err := ds.UpsertFailedConfirmation(context.Background(), entry)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), saved.ID)
	assert.Equal(t, model.ExternalCallFailed, saved.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimConfirmation(t *testing.T) {
	cutoff := time.Now().Add(-time.Minute)
	now := time.Now()
	old := now.Add(-time.Hour)

	t.Run("nothing due", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		ds := Datasource{Conn: db}

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM esb.external_calls").
			WithArgs("confirmation", "FAILED", cutoff).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		call, err := ds.ClaimConfirmation(context.Background(), cutoff, now)
		assert.NoError(t, err)
		assert.Nil(t, call)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("claimed", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		ds := Datasource{Conn: db}

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM esb.external_calls").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
		mock.ExpectQuery("WHERE id = \\$1 AND state = \\$2 FOR UPDATE NOWAIT").
			WithArgs(int64(9), "FAILED").
			WillReturnRows(sqlmock.NewRows(externalCallColumns).
				AddRow(9, 4, "confirmation", "msg_1", "FAILED", "msg_1", old, 2, old, old))
		mock.ExpectQuery("UPDATE esb.external_calls SET state = \\$2, last_update_at = \\$3, version = version \\+ 1 WHERE id = \\$1 RETURNING version").
			WithArgs(int64(9), "PROCESSING", now).
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(5))
		mock.ExpectCommit()

		call, err := ds.ClaimConfirmation(context.Background(), cutoff, now)
		assert.NoError(t, err)
		require.NotNil(t, call)
		assert.Equal(t, model.ExternalCallProcessing, call.State)
		assert.Equal(t, 2, call.FailedCount)
		assert.Equal(t, int64(5), call.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost race", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		ds := Datasource{Conn: db}

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM esb.external_calls").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
		mock.ExpectQuery("FOR UPDATE NOWAIT").
			WillReturnError(&pq.Error{Code: "55P03"})
		mock.ExpectRollback()

		_, err = ds.ClaimConfirmation(context.Background(), cutoff, now)
		assert.ErrorIs(t, err, ErrLockFailure)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("taken before lock", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		ds := Datasource{Conn: db}

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM esb.external_calls").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
		mock.ExpectQuery("FOR UPDATE NOWAIT").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err = ds.ClaimConfirmation(context.Background(), cutoff, now)
		assert.ErrorIs(t, err, ErrLockFailure)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRepairExternalCalls(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	cutoff := time.Now().Add(-5 * time.Minute)
	now := time.Now()
	old := now.Add(-time.Hour)

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs("FAILED", now, "PROCESSING", cutoff, 10).
		WillReturnRows(sqlmock.NewRows(externalCallColumns).
			AddRow(1, 2, "crm.create", "crm_corr-1", "FAILED", "msg_1", old, 0, old, now))

	calls, err := ds.RepairExternalCalls(context.Background(), cutoff, 10, now)
	assert.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, model.ExternalCallFailed, calls[0].State)
	assert.Equal(t, 0, calls[0].FailedCount)

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").WillReturnError(errors.New("db down"))
	_, err = ds.RepairExternalCalls(context.Background(), cutoff, 10, now)
	assert.True(t, apierror.HasCode(err, apierror.ErrInternalServer))
	assert.NoError(t, mock.ExpectationsWereMet())
}
