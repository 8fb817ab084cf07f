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
	"fmt"
	"time"

	"github.com/blnkfinance/esb/internal/apierror"
	"github.com/blnkfinance/esb/model"
	"go.opentelemetry.io/otel"
)

const externalCallFields = `id, version, operation_name, entity_id, state, message_id, msg_timestamp,
	failed_count, created_at, last_update_at`

const selectExternalCalls = `SELECT ` + externalCallFields + ` FROM esb.external_calls`

func scanExternalCall(row rowScanner) (*model.ExternalCall, error) {
	var call model.ExternalCall
	var state string
	err := row.Scan(
		&call.ID,
		&call.Version,
		&call.OperationName,
		&call.EntityID,
		&state,
		&call.MessageID,
		&call.MsgTimestamp,
		&call.FailedCount,
		&call.CreatedAt,
		&call.LastUpdateAt,
	)
	if err != nil {
		return nil, err
	}
	call.State = model.ExternalCallState(state)
	return &call, nil
}

// LockExternalCall locks the row of (operation, entityID) without waiting and hands
// it to decide. When no row exists decide receives nil and the returned row is
// inserted; a concurrent insert of the same key is reported as a lock failure.
func (d Datasource) LockExternalCall(ctx context.Context, operation, entityID string, decide ExternalCallDecision) (*model.ExternalCall, error) {
	ctx, span := otel.Tracer("esb.database").Start(ctx, "Locking external call")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanExternalCall(tx.QueryRowContext(ctx, selectExternalCalls+`
		WHERE operation_name = $1 AND entity_id = $2
		FOR UPDATE NOWAIT
	`, operation, entityID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, mapPqError(err, "Failed to lock external call")
	}

	next, err := decide(existing)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, nil
	}

	if existing == nil {
		err = tx.QueryRowContext(ctx, `
			INSERT INTO esb.external_calls (operation_name, entity_id, state, message_id, msg_timestamp, failed_count, created_at, last_update_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (operation_name, entity_id) DO NOTHING
			RETURNING id, version
		`, operation, entityID, string(next.State), next.MessageID, next.MsgTimestamp, next.FailedCount, next.CreatedAt, next.LastUpdateAt).Scan(&next.ID, &next.Version)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, lockFailure(fmt.Sprintf("External call %s|%s was created concurrently", operation, entityID), nil)
		}
		if err != nil {
			return nil, mapPqError(err, "Failed to insert external call")
		}
	} else {
		err = tx.QueryRowContext(ctx, `
			UPDATE esb.external_calls
			SET state = $2, message_id = $3, msg_timestamp = $4, failed_count = $5, last_update_at = $6, version = version + 1
			WHERE id = $1
			RETURNING version
		`, existing.ID, string(next.State), next.MessageID, next.MsgTimestamp, next.FailedCount, next.LastUpdateAt).Scan(&next.Version)
		if err != nil {
			return nil, mapPqError(err, "Failed to update external call")
		}
		next.ID = existing.ID
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return next, nil
}

// GetExternalCall retrieves the row of a dedup key.
func (d Datasource) GetExternalCall(ctx context.Context, operation, entityID string) (*model.ExternalCall, error) {
	ctx, span := otel.Tracer("esb.database").Start(ctx, "Getting external call from db")
	defer span.End()

	call, err := scanExternalCall(d.Conn.QueryRowContext(ctx, selectExternalCalls+`
		WHERE operation_name = $1 AND entity_id = $2
	`, operation, entityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("External call %s|%s not found", operation, entityID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve external call", err)
	}
	return call, nil
}

// UpdateExternalCallState moves a call from one state to another. It reports false,
// without error, when the row is no longer in the expected state or was written
// since the caller read version.
func (d Datasource) UpdateExternalCallState(ctx context.Context, id, version int64, from, to model.ExternalCallState, incrementFailed bool, at time.Time) (bool, error) {
	ctx, span := otel.Tracer("esb.database").Start(ctx, "Updating external call state")
	defer span.End()

	increment := 0
	if incrementFailed {
		increment = 1
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE esb.external_calls
		SET state = $4, failed_count = failed_count + $5, last_update_at = $6, version = version + 1
		WHERE id = $1 AND version = $2 AND state = $3
	`, id, version, string(from), string(to), increment, at)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update external call", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	return rowsAffected > 0, nil
}

// UpsertFailedConfirmation stores a FAILED confirmation entry, resetting an existing
// entry for the same message back to FAILED.
func (d Datasource) UpsertFailedConfirmation(ctx context.Context, call model.ExternalCall) (*model.ExternalCall, error) {
	ctx, span := otel.Tracer("esb.database").Start(ctx, "Queueing failed confirmation")
	defer span.End()

	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO esb.external_calls (operation_name, entity_id, state, message_id, msg_timestamp, failed_count, created_at, last_update_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (operation_name, entity_id) DO UPDATE SET
			state = EXCLUDED.state,
			last_update_at = EXCLUDED.last_update_at,
			version = esb.external_calls.version + 1
		RETURNING id, version
	`, call.OperationName, call.EntityID, string(model.ExternalCallFailed), call.MessageID, call.MsgTimestamp,
		call.FailedCount, call.CreatedAt, call.LastUpdateAt).Scan(&call.ID, &call.Version)
	if err != nil {
		return nil, mapPqError(err, "Failed to queue confirmation")
	}
	call.State = model.ExternalCallFailed
	return &call, nil
}

// ClaimConfirmation picks the oldest FAILED confirmation last updated before
// olderThan and moves it to PROCESSING. It returns nil when nothing is due and a
// lock failure when another poller holds or already took the row.
func (d Datasource) ClaimConfirmation(ctx context.Context, olderThan time.Time, at time.Time) (*model.ExternalCall, error) {
	ctx, span := otel.Tracer("esb.database").Start(ctx, "Claiming confirmation")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM esb.external_calls
		WHERE operation_name = $1 AND state = $2 AND last_update_at < $3
		ORDER BY last_update_at ASC
		LIMIT 1
	`, model.ConfirmationOperation, string(model.ExternalCallFailed), olderThan).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to find confirmation", err)
	}

	call, err := scanExternalCall(tx.QueryRowContext(ctx, selectExternalCalls+`
		WHERE id = $1 AND state = $2
		FOR UPDATE NOWAIT
	`, id, string(model.ExternalCallFailed)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lockFailure(fmt.Sprintf("Confirmation %d was taken by another poller", id), nil)
	}
	if err != nil {
		return nil, mapPqError(err, "Failed to lock confirmation")
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE esb.external_calls SET state = $2, last_update_at = $3, version = version + 1 WHERE id = $1
		RETURNING version
	`, id, string(model.ExternalCallProcessing), at).Scan(&call.Version)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim confirmation", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	call.State = model.ExternalCallProcessing
	call.LastUpdateAt = at
	return call, nil
}

// RepairExternalCalls fails one batch of PROCESSING calls last updated before
// olderThan. The failed counter is left alone.
func (d Datasource) RepairExternalCalls(ctx context.Context, olderThan time.Time, limit int, at time.Time) ([]model.ExternalCall, error) {
	ctx, span := otel.Tracer("esb.database").Start(ctx, "Repairing stuck external calls")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		UPDATE esb.external_calls
		SET state = $1, last_update_at = $2, version = version + 1
		WHERE id IN (
			SELECT id FROM esb.external_calls
			WHERE state = $3 AND last_update_at < $4
			ORDER BY last_update_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+externalCallFields+`
	`, string(model.ExternalCallFailed), at, string(model.ExternalCallProcessing), olderThan, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to repair external calls", err)
	}
	defer func() { _ = rows.Close() }()

	var calls []model.ExternalCall
	for rows.Next() {
		call, err := scanExternalCall(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan external call", err)
		}
		calls = append(calls, *call)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over external calls", err)
	}
	return calls, nil
}
