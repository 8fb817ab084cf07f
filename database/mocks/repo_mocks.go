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
package mocks

import (
	"context"
	"time"

	"github.com/blnkfinance/esb/database"
	"github.com/blnkfinance/esb/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

var _ database.IDataSource = (*MockDataSource)(nil)

// Message methods

func (m *MockDataSource) CreateMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(model.Message), args.Error(1)
}

func (m *MockDataSource) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	args := m.Called(ctx, messageID)
	if v := args.Get(0); v != nil {
		return v.(*model.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDataSource) GetChildMessages(ctx context.Context, parentMessageID string) ([]model.Message, error) {
	args := m.Called(ctx, parentMessageID)
	return args.Get(0).([]model.Message), args.Error(1)
}

func (m *MockDataSource) UpdateMessage(ctx context.Context, messageID string, fn database.MessageMutation) (*model.Message, error) {
	args := m.Called(ctx, messageID, fn)
	if v := args.Get(0); v != nil {
		return v.(*model.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDataSource) FindMessagesByState(ctx context.Context, state model.MessageState, olderThan time.Time, limit int) ([]model.Message, error) {
	args := m.Called(ctx, state, olderThan, limit)
	return args.Get(0).([]model.Message), args.Error(1)
}

func (m *MockDataSource) RepairMessages(ctx context.Context, olderThan time.Time, limit int, fn func(*model.Message) error) ([]model.Message, int, error) {
	args := m.Called(ctx, olderThan, limit, fn)
	return args.Get(0).([]model.Message), args.Int(1), args.Error(2)
}

// External call methods

func (m *MockDataSource) LockExternalCall(ctx context.Context, operation, entityID string, decide database.ExternalCallDecision) (*model.ExternalCall, error) {
	args := m.Called(ctx, operation, entityID, decide)
	if v := args.Get(0); v != nil {
		return v.(*model.ExternalCall), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDataSource) GetExternalCall(ctx context.Context, operation, entityID string) (*model.ExternalCall, error) {
	args := m.Called(ctx, operation, entityID)
	if v := args.Get(0); v != nil {
		return v.(*model.ExternalCall), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDataSource) UpdateExternalCallState(ctx context.Context, id, version int64, from, to model.ExternalCallState, incrementFailed bool, at time.Time) (bool, error) {
	args := m.Called(ctx, id, version, from, to, incrementFailed, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) UpsertFailedConfirmation(ctx context.Context, call model.ExternalCall) (*model.ExternalCall, error) {
	args := m.Called(ctx, call)
	if v := args.Get(0); v != nil {
		return v.(*model.ExternalCall), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDataSource) ClaimConfirmation(ctx context.Context, olderThan time.Time, at time.Time) (*model.ExternalCall, error) {
	args := m.Called(ctx, olderThan, at)
	if v := args.Get(0); v != nil {
		return v.(*model.ExternalCall), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDataSource) RepairExternalCalls(ctx context.Context, olderThan time.Time, limit int, at time.Time) ([]model.ExternalCall, error) {
	args := m.Called(ctx, olderThan, limit, at)
	return args.Get(0).([]model.ExternalCall), args.Error(1)
}
