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
	"errors"
	"time"

	"github.com/blnkfinance/esb/model"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// SubmitMessage is the request body of POST /messages.
type SubmitMessage struct {
	MessageID       string          `json:"message_id"`
	CorrelationID   string          `json:"correlation_id"`
	SourceSystem    string          `json:"source_system"`
	Service         string          `json:"service"`
	Operation       string          `json:"operation"`
	Payload         json.RawMessage `json:"payload"`
	ParentMessageID string          `json:"parent_message_id"`
	ParentBinding   string          `json:"parent_binding"`
	FunnelValue     string          `json:"funnel_value"`
	ObjectID        string          `json:"object_id"`
	EntityType      string          `json:"entity_type"`
	MsgTimestamp    string          `json:"msg_timestamp"`
}

func validateTimestamp(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := time.Parse(time.RFC3339, s); err != nil {
		return errors.New("please format the timestamp as RFC3339 (e.g., 2024-04-22T15:28:03+00:00)")
	}
	return nil
}

func (m *SubmitMessage) ValidateSubmitMessage() error {
	return validation.ValidateStruct(m,
		validation.Field(&m.CorrelationID, validation.Required),
		validation.Field(&m.SourceSystem, validation.Required),
		validation.Field(&m.Service, validation.Required),
		validation.Field(&m.Operation, validation.Required),
		validation.Field(&m.ParentBinding,
			validation.In(string(model.BindingHard), string(model.BindingSoft)),
			validation.When(m.ParentMessageID == "", validation.Empty.Error("must be empty without a parent message"))),
		validation.Field(&m.EntityType, validation.When(m.ObjectID != "", validation.Required)),
		validation.Field(&m.ObjectID, validation.When(m.EntityType != "", validation.Required)),
		validation.Field(&m.MsgTimestamp, validation.By(validateTimestamp)),
	)
}

// ToMessage converts a validated request into a new message.
func (m *SubmitMessage) ToMessage() model.Message {
	msg := model.Message{
		MessageID:       m.MessageID,
		CorrelationID:   m.CorrelationID,
		SourceSystem:    m.SourceSystem,
		Service:         m.Service,
		Operation:       m.Operation,
		Payload:         m.Payload,
		ParentMessageID: m.ParentMessageID,
		ParentBinding:   model.BindingType(m.ParentBinding),
		FunnelValue:     m.FunnelValue,
		ObjectID:        m.ObjectID,
		EntityType:      m.EntityType,
	}
	if ts, err := time.Parse(time.RFC3339, m.MsgTimestamp); err == nil {
		msg.MsgTimestamp = ts
	}
	return msg
}
