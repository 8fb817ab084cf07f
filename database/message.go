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
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

const messageColumns = `id, message_id, correlation_id, source_system, service, operation, payload, state,
	parent_message_id, parent_binding, funnel_value, object_id, entity_type, msg_timestamp,
	failed_count, failed_error_code, failed_desc, node_id, created_at, last_update_at,
	start_processing_at, start_in_queue_at`

const selectMessages = `SELECT ` + messageColumns + ` FROM esb.messages`

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func stateStrings(states []model.MessageState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		msg                                    model.Message
		payload                                []byte
		state, binding                         string
		parentID, funnel, objectID, entityType sql.NullString
		errorCode, errorDesc, nodeID           sql.NullString
		startProcessing, startInQueue          sql.NullTime
	)
	err := row.Scan(
		&msg.ID,
		&msg.MessageID,
		&msg.CorrelationID,
		&msg.SourceSystem,
		&msg.Service,
		&msg.Operation,
		&payload,
		&state,
		&parentID,
		&binding,
		&funnel,
		&objectID,
		&entityType,
		&msg.MsgTimestamp,
		&msg.FailedCount,
		&errorCode,
		&errorDesc,
		&nodeID,
		&msg.CreatedAt,
		&msg.LastUpdateAt,
		&startProcessing,
		&startInQueue,
	)
	if err != nil {
		return nil, err
	}
	msg.Payload = payload
	msg.State = model.MessageState(state)
	msg.ParentMessageID = parentID.String
	msg.ParentBinding = model.BindingType(binding)
	msg.FunnelValue = funnel.String
	msg.ObjectID = objectID.String
	msg.EntityType = entityType.String
	msg.FailedErrorCode = errorCode.String
	msg.FailedDesc = errorDesc.String
	msg.NodeID = nodeID.String
	if startProcessing.Valid {
		msg.StartProcessingAt = &startProcessing.Time
	}
	if startInQueue.Valid {
		msg.StartInQueueAt = &startInQueue.Time
	}
	return &msg, nil
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	defer func() { _ = rows.Close() }()

	var messages []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan message", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over messages", err)
	}
	return messages, nil
}

// CreateMessage inserts a message in state NEW unless another state is given.
func (d Datasource) CreateMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	ctx, span := otel.Tracer("esb.database").Start(ctx, "Saving message to db")
	defer span.End()

	now := time.Now()
	if msg.MessageID == "" {
		msg.MessageID = model.GenerateUUIDWithSuffix("msg")
	}
	if msg.State == "" {
		msg.State = model.MessageNew
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.LastUpdateAt.IsZero() {
		msg.LastUpdateAt = msg.CreatedAt
	}
	if msg.MsgTimestamp.IsZero() {
		msg.MsgTimestamp = msg.CreatedAt
	}
	if msg.IsChild() && msg.ParentBinding == "" {
		msg.ParentBinding = model.BindingHard
	}

	var payload any
	if len(msg.Payload) > 0 {
		payload = []byte(msg.Payload)
	}

	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO esb.messages (message_id, correlation_id, source_system, service, operation, payload, state,
			parent_message_id, parent_binding, funnel_value, object_id, entity_type, msg_timestamp,
			failed_count, created_at, last_update_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id
	`, msg.MessageID, msg.CorrelationID, msg.SourceSystem, msg.Service, msg.Operation, payload, string(msg.State),
		nullString(msg.ParentMessageID), string(msg.ParentBinding), nullString(msg.FunnelValue), nullString(msg.ObjectID),
		nullString(msg.EntityType), msg.MsgTimestamp, msg.FailedCount, msg.CreatedAt, msg.LastUpdateAt).Scan(&msg.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch string(pqErr.Code) {
			case pqUniqueViolation:
				return model.Message{}, apierror.NewAPIError(apierror.ErrConflict, "Message already exists", err)
			case pqForeignKeyViolation:
				return model.Message{}, apierror.NewAPIError(apierror.ErrBadRequest, "Parent message not found", err)
			}
		}
		return model.Message{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create message", err)
	}

	return msg, nil
}

// GetMessage retrieves a message by its message ID.
func (d Datasource) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	ctx, span := otel.Tracer("esb.database").Start(ctx, "Getting message from db")
	defer span.End()

	msg, err := scanMessage(d.Conn.QueryRowContext(ctx, selectMessages+` WHERE message_id = $1`, messageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Message with ID '%s' not found", messageID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve message", err)
	}
	return msg, nil
}

func (d Datasource) GetChildMessages(ctx context.Context, parentMessageID string) ([]model.Message, error) {
	return childMessages(ctx, d.Conn, parentMessageID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func childMessages(ctx context.Context, q queryer, parentMessageID string) ([]model.Message, error) {
	rows, err := q.QueryContext(ctx, selectMessages+` WHERE parent_message_id = $1 ORDER BY id`, parentMessageID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve child messages", err)
	}
	return scanMessages(rows)
}

// pgMessageTx serves MessageTx reads from the transaction holding the message row lock.
type pgMessageTx struct {
	tx *sql.Tx
}

// FunnelInFlight takes a transaction-scoped advisory lock on the funnel value so
// concurrent lockers of the same funnel are serialized until commit.
func (t pgMessageTx) FunnelInFlight(ctx context.Context, funnelValue, excludeMessageID string) (bool, error) {
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, funnelValue); err != nil {
		return false, mapPqError(err, "Failed to lock funnel")
	}

	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM esb.messages
			WHERE funnel_value = $1 AND message_id <> $2 AND state = ANY($3)
		)
	`, funnelValue, excludeMessageID, pq.Array(stateStrings(model.InFlightStates))).Scan(&exists)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check funnel", err)
	}
	return exists, nil
}

func (t pgMessageTx) ChildMessages(ctx context.Context, parentMessageID string) ([]model.Message, error) {
	return childMessages(ctx, t.tx, parentMessageID)
}

// UpdateMessage locks the message row with SELECT ... FOR UPDATE, applies fn and
// writes the mutable columns back in the same transaction.
func (d Datasource) UpdateMessage(ctx context.Context, messageID string, fn MessageMutation) (*model.Message, error) {
	ctx, span := otel.Tracer("esb.database").Start(ctx, "Updating message in db")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	msg, err := scanMessage(tx.QueryRowContext(ctx, selectMessages+` WHERE message_id = $1 FOR UPDATE`, messageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Message with ID '%s' not found", messageID), err)
		}
		return nil, mapPqError(err, "Failed to lock message")
	}

	err = fn(pgMessageTx{tx: tx}, msg)
	if errors.Is(err, ErrNoUpdate) {
		return msg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := writeMessage(ctx, tx, msg); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return msg, nil
}

func writeMessage(ctx context.Context, tx *sql.Tx, msg *model.Message) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE esb.messages
		SET state = $2, failed_count = $3, failed_error_code = $4, failed_desc = $5, node_id = $6,
			last_update_at = $7, start_processing_at = $8, start_in_queue_at = $9
		WHERE message_id = $1
	`, msg.MessageID, string(msg.State), msg.FailedCount, nullString(msg.FailedErrorCode), nullString(msg.FailedDesc),
		nullString(msg.NodeID), msg.LastUpdateAt, nullTime(msg.StartProcessingAt), nullTime(msg.StartInQueueAt))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update message", err)
	}
	return nil
}

// FindMessagesByState returns up to limit messages in state whose last update is older than olderThan.
func (d Datasource) FindMessagesByState(ctx context.Context, state model.MessageState, olderThan time.Time, limit int) ([]model.Message, error) {
	ctx, span := otel.Tracer("esb.database").Start(ctx, "Finding messages by state")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, selectMessages+`
		WHERE state = $1 AND last_update_at < $2
		ORDER BY last_update_at ASC
		LIMIT $3
	`, string(state), olderThan, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to find messages", err)
	}
	return scanMessages(rows)
}

// RepairMessages claims one batch of PROCESSING messages last updated before olderThan.
// Rows locked by a concurrent repair pass are skipped. fn mutates each claimed message;
// an error from fn leaves that message untouched. It returns the updated messages and
// the number of rows claimed.
func (d Datasource) RepairMessages(ctx context.Context, olderThan time.Time, limit int, fn func(*model.Message) error) ([]model.Message, int, error) {
	ctx, span := otel.Tracer("esb.database").Start(ctx, "Repairing stuck messages")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, selectMessages+`
		WHERE state = $1 AND last_update_at < $2
		ORDER BY last_update_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, string(model.MessageProcessing), olderThan, limit)
	if err != nil {
		return nil, 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim stuck messages", err)
	}
	claimed, err := scanMessages(rows)
	if err != nil {
		return nil, 0, err
	}

	repaired := make([]model.Message, 0, len(claimed))
	for i := range claimed {
		msg := &claimed[i]
		if err := fn(msg); err != nil {
			continue
		}
		if err := writeMessage(ctx, tx, msg); err != nil {
			return nil, len(claimed), err
		}
		repaired = append(repaired, *msg)
	}

	if err := tx.Commit(); err != nil {
		return nil, len(claimed), apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return repaired, len(claimed), nil
}
