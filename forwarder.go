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

package esb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/blnkfinance/esb/config"
	"github.com/blnkfinance/esb/internal/apierror"
	"github.com/blnkfinance/esb/internal/request"
	"github.com/blnkfinance/esb/model"
)

// ErrorCodeRejected is recorded when the downstream system refuses a message.
const ErrorCodeRejected = "E102"

// MessageIDHeader carries the message id on forwarded requests.
const MessageIDHeader = "X-ESB-Message-ID"

type forwardPayload struct {
	MessageID     string          `json:"message_id"`
	CorrelationID string          `json:"correlation_id"`
	SourceSystem  string          `json:"source_system"`
	Service       string          `json:"service"`
	Operation     string          `json:"operation"`
	ObjectID      string          `json:"object_id,omitempty"`
	EntityType    string          `json:"entity_type,omitempty"`
	MsgTimestamp  time.Time       `json:"msg_timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// HTTPForwarder is a Processor that posts a message to the target of its call
// site. The call goes through the ledger, so a retried message does not post
// twice and an open circuit stops it before the request is sent.
type HTTPForwarder struct {
	ledger *ExternalCallLedger
	site   CallSite
	client *http.Client
}

func NewHTTPForwarder(ledger *ExternalCallLedger, route config.RouteConfig) (*HTTPForwarder, error) {
	site, err := ParseCallSite(route.CallSite)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(site.TargetURI, "http://") && !strings.HasPrefix(site.TargetURI, "https://") {
		return nil, fmt.Errorf("route %s:%s: target %s is not an http url", route.Service, route.Operation, site.TargetURI)
	}
	return &HTTPForwarder{
		ledger: ledger,
		site:   site,
		client: &http.Client{Timeout: config.Seconds(route.Timeout)},
	}, nil
}

func (f *HTTPForwarder) Process(ctx context.Context, msg *model.Message) (Outcome, error) {
	err := f.ledger.Execute(ctx, f.site, msg, CallContext{}, func(ctx context.Context) error {
		return f.post(ctx, msg)
	})
	return OutcomeOk, err
}

func (f *HTTPForwarder) post(ctx context.Context, msg *model.Message) error {
	body, err := request.ToJsonReq(forwardPayload{
		MessageID:     msg.MessageID,
		CorrelationID: msg.CorrelationID,
		SourceSystem:  msg.SourceSystem,
		Service:       msg.Service,
		Operation:     msg.Operation,
		ObjectID:      msg.ObjectID,
		EntityType:    msg.EntityType,
		MsgTimestamp:  msg.MsgTimestamp,
		Payload:       msg.Payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.site.TargetURI, body)
	if err != nil {
		return err
	}
	req.Header.Set(MessageIDHeader, msg.MessageID)

	_, err = request.Call(f.client, req, nil)
	var statusErr *request.StatusError
	if errors.As(err, &statusErr) && !statusErr.Retryable() {
		return apierror.APIError{
			Code:    ErrorCodeRejected,
			Message: fmt.Sprintf("%s rejected message %s", f.site.TargetURI, msg.MessageID),
			Details: statusErr,
		}
	}
	return err
}

// RegisterRoutes installs an HTTPForwarder for every configured route.
func (b *Bus) RegisterRoutes(routes []config.RouteConfig) error {
	for _, route := range routes {
		fwd, err := NewHTTPForwarder(b.ledger, route)
		if err != nil {
			return err
		}
		b.RegisterProcessor(route.Service, route.Operation, fwd)
	}
	return nil
}
