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

package model

import "time"

type ExternalCallState string

const (
	ExternalCallReady      ExternalCallState = "READY"
	ExternalCallProcessing ExternalCallState = "PROCESSING"
	ExternalCallOk         ExternalCallState = "OK"
	ExternalCallFailed     ExternalCallState = "FAILED"
)

// ConfirmationOperation is the operation name of confirmation entries.
const ConfirmationOperation = "confirmation"

func (s ExternalCallState) IsTerminal() bool {
	return s == ExternalCallOk || s == ExternalCallFailed
}

// ExternalCall is the idempotency record of one downstream invocation.
// (OperationName, EntityID) is unique in storage. Version changes on every
// write, so a holder can only finalize the row it locked.
type ExternalCall struct {
	ID            int64             `json:"id"`
	Version       int64             `json:"version"`
	OperationName string            `json:"operation_name"`
	EntityID      string            `json:"entity_id"`
	State         ExternalCallState `json:"state"`
	MessageID     string            `json:"message_id"`
	MsgTimestamp  time.Time         `json:"msg_timestamp"`
	FailedCount   int               `json:"failed_count"`
	CreatedAt     time.Time         `json:"created_at"`
	LastUpdateAt  time.Time         `json:"last_update_at"`
}

// OperationKey is the composite dedup key of the call.
func (c *ExternalCall) OperationKey() string {
	return c.OperationName + "|" + c.EntityID
}

// IsConfirmation reports whether the row is a confirmation entry.
func (c *ExternalCall) IsConfirmation() bool {
	return c.OperationName == ConfirmationOperation
}

// NewFailedConfirmation builds the confirmation entry queued after a
// failed delivery of msg's final state.
func NewFailedConfirmation(msg *Message, now time.Time) ExternalCall {
	return ExternalCall{
		OperationName: ConfirmationOperation,
		EntityID:      msg.MessageID,
		State:         ExternalCallFailed,
		MessageID:     msg.MessageID,
		MsgTimestamp:  msg.MsgTimestamp,
		CreatedAt:     now,
		LastUpdateAt:  now,
	}
}
