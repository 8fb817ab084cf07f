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
	"time"

	"github.com/blnkfinance/esb/model"
)

// IDataSource defines the storage contract of the bus, grouping related functionalities.
type IDataSource interface {
	message      // Interface for message-related operations
	externalCall // Interface for external call and confirmation operations
}

// MessageTx exposes the reads a transition may perform while the message row is locked.
type MessageTx interface {
	FunnelInFlight(ctx context.Context, funnelValue, excludeMessageID string) (bool, error) // Serializes on the funnel value, then checks for in-flight siblings
	ChildMessages(ctx context.Context, parentMessageID string) ([]model.Message, error)     // Children of a message, read inside the lock
}

// MessageMutation mutates a locked message. Returning ErrNoUpdate leaves the row unchanged.
type MessageMutation func(tx MessageTx, msg *model.Message) error

// ExternalCallDecision receives the locked row for a key (nil when none exists) and
// returns the row to persist, or nil to persist nothing.
type ExternalCallDecision func(existing *model.ExternalCall) (*model.ExternalCall, error)

// message defines methods for handling messages.
type message interface {
	CreateMessage(ctx context.Context, msg model.Message) (model.Message, error)                                                       // Inserts a new message
	GetMessage(ctx context.Context, messageID string) (*model.Message, error)                                                          // Retrieves a message by ID
	GetChildMessages(ctx context.Context, parentMessageID string) ([]model.Message, error)                                             // Retrieves the children of a message
	UpdateMessage(ctx context.Context, messageID string, fn MessageMutation) (*model.Message, error)                                   // Locks a message row and applies fn atomically
	FindMessagesByState(ctx context.Context, state model.MessageState, olderThan time.Time, limit int) ([]model.Message, error)         // Range query by state and last update
	RepairMessages(ctx context.Context, olderThan time.Time, limit int, fn func(*model.Message) error) ([]model.Message, int, error) // Claims one batch of stuck PROCESSING messages
}

// externalCall defines methods for handling the external call ledger.
type externalCall interface {
	LockExternalCall(ctx context.Context, operation, entityID string, decide ExternalCallDecision) (*model.ExternalCall, error)                    // Insert-or-lock the row of a dedup key
	GetExternalCall(ctx context.Context, operation, entityID string) (*model.ExternalCall, error)                                                 // Retrieves the row of a dedup key
	UpdateExternalCallState(ctx context.Context, id, version int64, from, to model.ExternalCallState, incrementFailed bool, at time.Time) (bool, error) // Conditional state change
	UpsertFailedConfirmation(ctx context.Context, call model.ExternalCall) (*model.ExternalCall, error)                                          // Queues a confirmation for retry
	ClaimConfirmation(ctx context.Context, olderThan time.Time, at time.Time) (*model.ExternalCall, error)                                      // Locks the oldest retryable confirmation
	RepairExternalCalls(ctx context.Context, olderThan time.Time, limit int, at time.Time) ([]model.ExternalCall, error)                        // Fails one batch of stuck PROCESSING calls
}
