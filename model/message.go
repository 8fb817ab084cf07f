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

import (
	"encoding/json"
	"time"
)

// MessageState is the lifecycle state of a Message.
type MessageState string

const (
	MessageNew                MessageState = "NEW"
	MessageInQueue            MessageState = "IN_QUEUE"
	MessageProcessing         MessageState = "PROCESSING"
	MessageWaiting            MessageState = "WAITING"
	MessageWaitingForResponse MessageState = "WAITING_FOR_RESPONSE"
	MessagePartlyFailed       MessageState = "PARTLY_FAILED"
	MessageFailed             MessageState = "FAILED"
	MessageOk                 MessageState = "OK"
	MessageCancel             MessageState = "CANCEL"
	MessagePostponed          MessageState = "POSTPONED"
)

// AllMessageStates lists every state in declaration order.
var AllMessageStates = []MessageState{
	MessageNew,
	MessageInQueue,
	MessageProcessing,
	MessageWaiting,
	MessageWaitingForResponse,
	MessagePartlyFailed,
	MessageFailed,
	MessageOk,
	MessageCancel,
	MessagePostponed,
}

// InFlightStates are the states that block funnel siblings.
var InFlightStates = []MessageState{
	MessageInQueue,
	MessageProcessing,
	MessageWaiting,
	MessageWaitingForResponse,
}

func (s MessageState) Valid() bool {
	for _, st := range AllMessageStates {
		if st == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is allowed from s.
func (s MessageState) IsTerminal() bool {
	return s == MessageOk || s == MessageFailed || s == MessageCancel
}

func (s MessageState) IsInFlight() bool {
	for _, st := range InFlightStates {
		if st == s {
			return true
		}
	}
	return false
}

// BindingType describes how a child message's failure affects its parent.
type BindingType string

const (
	BindingHard BindingType = "HARD"
	BindingSoft BindingType = "SOFT"
)

// Message is one inbound integration unit tracked through the bus.
type Message struct {
	ID                int64           `json:"-"`
	MessageID         string          `json:"message_id"`
	CorrelationID     string          `json:"correlation_id"`
	SourceSystem      string          `json:"source_system"`
	Service           string          `json:"service"`
	Operation         string          `json:"operation"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	State             MessageState    `json:"state"`
	ParentMessageID   string          `json:"parent_message_id,omitempty"`
	ParentBinding     BindingType     `json:"parent_binding,omitempty"`
	FunnelValue       string          `json:"funnel_value,omitempty"`
	ObjectID          string          `json:"object_id,omitempty"`
	EntityType        string          `json:"entity_type,omitempty"`
	MsgTimestamp      time.Time       `json:"msg_timestamp"`
	FailedCount       int             `json:"failed_count"`
	FailedErrorCode   string          `json:"failed_error_code,omitempty"`
	FailedDesc        string          `json:"failed_desc,omitempty"`
	NodeID            string          `json:"node_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	LastUpdateAt      time.Time       `json:"last_update_at"`
	StartProcessingAt *time.Time      `json:"start_processing_at,omitempty"`
	StartInQueueAt    *time.Time      `json:"start_in_queue_at,omitempty"`
}

// IsChild reports whether the message was spawned by another message.
func (m *Message) IsChild() bool {
	return m.ParentMessageID != ""
}

// HardBound reports whether a failure of this child must fail its parent.
// Children without an explicit binding are treated as hard-bound.
func (m *Message) HardBound() bool {
	return m.IsChild() && m.ParentBinding != BindingSoft
}

// ShardKey is the value used to pick an inbound queue for the message.
// Messages sharing a funnel value land on the same queue.
func (m *Message) ShardKey() string {
	if m.FunnelValue != "" {
		return m.FunnelValue
	}
	return m.MessageID
}
