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

// Package memstore is an in-process implementation of database.IDataSource.
// Every operation runs under one mutex, which plays the role of the row locks
// and transactions of the Postgres datasource.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blnkfinance/esb/database"
	"github.com/blnkfinance/esb/internal/apierror"
	"github.com/blnkfinance/esb/model"
)

type Store struct {
	mu            sync.Mutex
	nextMessageID int64
	nextCallID    int64
	messages      map[string]*model.Message
	calls         map[string]*model.ExternalCall
}

var _ database.IDataSource = (*Store)(nil)

func New() *Store {
	return &Store{
		messages: make(map[string]*model.Message),
		calls:    make(map[string]*model.ExternalCall),
	}
}

func callKey(operation, entityID string) string {
	return operation + "|" + entityID
}

func copyMessage(m *model.Message) model.Message {
	c := *m
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	if m.StartProcessingAt != nil {
		t := *m.StartProcessingAt
		c.StartProcessingAt = &t
	}
	if m.StartInQueueAt != nil {
		t := *m.StartInQueueAt
		c.StartInQueueAt = &t
	}
	return c
}

func notFound(format string, args ...any) error {
	return apierror.APIError{Code: apierror.ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func (s *Store) CreateMessage(_ context.Context, msg model.Message) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if msg.MessageID == "" {
		msg.MessageID = model.GenerateUUIDWithSuffix("msg")
	}
	if _, ok := s.messages[msg.MessageID]; ok {
		return model.Message{}, apierror.APIError{Code: apierror.ErrConflict, Message: "Message already exists"}
	}
	if msg.IsChild() {
		if _, ok := s.messages[msg.ParentMessageID]; !ok {
			return model.Message{}, apierror.APIError{Code: apierror.ErrBadRequest, Message: "Parent message not found"}
		}
		if msg.ParentBinding == "" {
			msg.ParentBinding = model.BindingHard
		}
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
	s.nextMessageID++
	msg.ID = s.nextMessageID

	stored := copyMessage(&msg)
	s.messages[msg.MessageID] = &stored
	return msg, nil
}

func (s *Store) GetMessage(_ context.Context, messageID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return nil, notFound("Message with ID '%s' not found", messageID)
	}
	c := copyMessage(m)
	return &c, nil
}

func (s *Store) GetChildMessages(_ context.Context, parentMessageID string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.children(parentMessageID), nil
}

func (s *Store) children(parentMessageID string) []model.Message {
	var out []model.Message
	for _, m := range s.messages {
		if m.ParentMessageID == parentMessageID {
			out = append(out, copyMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// lockedTx answers MessageTx reads while Store.mu is held.
type lockedTx struct {
	s *Store
}

func (t lockedTx) FunnelInFlight(_ context.Context, funnelValue, excludeMessageID string) (bool, error) {
	for _, m := range t.s.messages {
		if m.FunnelValue == funnelValue && m.MessageID != excludeMessageID && m.State.IsInFlight() {
			return true, nil
		}
	}
	return false, nil
}

func (t lockedTx) ChildMessages(_ context.Context, parentMessageID string) ([]model.Message, error) {
	return t.s.children(parentMessageID), nil
}

func (s *Store) UpdateMessage(_ context.Context, messageID string, fn database.MessageMutation) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.messages[messageID]
	if !ok {
		return nil, notFound("Message with ID '%s' not found", messageID)
	}

	working := copyMessage(stored)
	err := fn(lockedTx{s: s}, &working)
	if errors.Is(err, database.ErrNoUpdate) {
		c := copyMessage(stored)
		return &c, nil
	}
	if err != nil {
		return nil, err
	}

	updated := copyMessage(&working)
	s.messages[messageID] = &updated
	return &working, nil
}

func (s *Store) FindMessagesByState(_ context.Context, state model.MessageState, olderThan time.Time, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oldest(state, olderThan, limit), nil
}

func (s *Store) oldest(state model.MessageState, olderThan time.Time, limit int) []model.Message {
	var out []model.Message
	for _, m := range s.messages {
		if m.State == state && m.LastUpdateAt.Before(olderThan) {
			out = append(out, copyMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdateAt.Before(out[j].LastUpdateAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) RepairMessages(_ context.Context, olderThan time.Time, limit int, fn func(*model.Message) error) ([]model.Message, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := s.oldest(model.MessageProcessing, olderThan, limit)
	repaired := make([]model.Message, 0, len(claimed))
	for i := range claimed {
		msg := &claimed[i]
		if err := fn(msg); err != nil {
			continue
		}
		updated := copyMessage(msg)
		s.messages[msg.MessageID] = &updated
		repaired = append(repaired, *msg)
	}
	return repaired, len(claimed), nil
}

func (s *Store) LockExternalCall(_ context.Context, operation, entityID string, decide database.ExternalCallDecision) (*model.ExternalCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := callKey(operation, entityID)
	var existing *model.ExternalCall
	if stored, ok := s.calls[key]; ok {
		c := *stored
		existing = &c
	}

	next, err := decide(existing)
	if err != nil || next == nil {
		return nil, err
	}

	saved := *next
	saved.OperationName = operation
	saved.EntityID = entityID
	if existing == nil {
		s.nextCallID++
		saved.ID = s.nextCallID
		saved.Version = 1
	} else {
		saved.ID = existing.ID
		saved.CreatedAt = existing.CreatedAt
		saved.Version = existing.Version + 1
	}
	s.calls[key] = &saved

	out := saved
	return &out, nil
}

func (s *Store) GetExternalCall(_ context.Context, operation, entityID string) (*model.ExternalCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.calls[callKey(operation, entityID)]
	if !ok {
		return nil, notFound("External call %s|%s not found", operation, entityID)
	}
	c := *stored
	return &c, nil
}

func (s *Store) findCall(id int64) *model.ExternalCall {
	for _, c := range s.calls {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *Store) UpdateExternalCallState(_ context.Context, id, version int64, from, to model.ExternalCallState, incrementFailed bool, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.findCall(id)
	if c == nil || c.Version != version || c.State != from {
		return false, nil
	}
	c.Version++
	c.State = to
	if incrementFailed {
		c.FailedCount++
	}
	c.LastUpdateAt = at
	return true, nil
}

func (s *Store) UpsertFailedConfirmation(_ context.Context, call model.ExternalCall) (*model.ExternalCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := callKey(call.OperationName, call.EntityID)
	if stored, ok := s.calls[key]; ok {
		stored.State = model.ExternalCallFailed
		stored.LastUpdateAt = call.LastUpdateAt
		stored.Version++
		c := *stored
		return &c, nil
	}

	s.nextCallID++
	call.ID = s.nextCallID
	call.Version = 1
	call.State = model.ExternalCallFailed
	saved := call
	s.calls[key] = &saved
	return &call, nil
}

func (s *Store) ClaimConfirmation(_ context.Context, olderThan time.Time, at time.Time) (*model.ExternalCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *model.ExternalCall
	for _, c := range s.calls {
		if !c.IsConfirmation() || c.State != model.ExternalCallFailed || !c.LastUpdateAt.Before(olderThan) {
			continue
		}
		if oldest == nil || c.LastUpdateAt.Before(oldest.LastUpdateAt) {
			oldest = c
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.State = model.ExternalCallProcessing
	oldest.LastUpdateAt = at
	oldest.Version++
	c := *oldest
	return &c, nil
}

func (s *Store) RepairExternalCalls(_ context.Context, olderThan time.Time, limit int, at time.Time) ([]model.ExternalCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stuck []*model.ExternalCall
	for _, c := range s.calls {
		if c.State == model.ExternalCallProcessing && c.LastUpdateAt.Before(olderThan) {
			stuck = append(stuck, c)
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].LastUpdateAt.Before(stuck[j].LastUpdateAt) })
	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}

	out := make([]model.ExternalCall, 0, len(stuck))
	for _, c := range stuck {
		c.State = model.ExternalCallFailed
		c.LastUpdateAt = at
		c.Version++
		out = append(out, *c)
	}
	return out, nil
}
