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
	"fmt"
	"strings"

	"github.com/blnkfinance/esb/internal/apierror"
	"github.com/blnkfinance/esb/model"
)

// CallSiteScheme prefixes call-site addresses: extcall:<keyType>:<targetURI>.
const CallSiteScheme = "extcall"

// KeyType selects how the dedup key of an external call is built.
type KeyType string

const (
	KeyTypeMessage KeyType = "message" // sourceSystem_correlationId[_suffix]
	KeyTypeEntity  KeyType = "entity"  // entityType_objectId[_suffix], obsolete calls are skipped
	KeyTypeCustom  KeyType = "custom"  // caller supplied key
)

func (k KeyType) valid() bool {
	return k == KeyTypeMessage || k == KeyTypeEntity || k == KeyTypeCustom
}

// CallSite is a parsed call-site address.
type CallSite struct {
	KeyType   KeyType
	TargetURI string
}

func (s CallSite) String() string {
	return fmt.Sprintf("%s:%s:%s", CallSiteScheme, s.KeyType, s.TargetURI)
}

// ParseCallSite parses extcall:<keyType>:<targetURI>. The target URI may
// itself contain colons.
func ParseCallSite(address string) (CallSite, error) {
	parts := strings.SplitN(address, ":", 3)
	if len(parts) != 3 || parts[0] != CallSiteScheme {
		return CallSite{}, apierror.APIError{
			Code:    apierror.ErrBadRequest,
			Message: fmt.Sprintf("invalid call site %q, expected %s:<keyType>:<targetURI>", address, CallSiteScheme),
		}
	}
	site := CallSite{KeyType: KeyType(parts[1]), TargetURI: parts[2]}
	if !site.KeyType.valid() {
		return CallSite{}, apierror.APIError{
			Code:    apierror.ErrBadRequest,
			Message: fmt.Sprintf("unknown key type %q in call site %q", parts[1], address),
		}
	}
	if site.TargetURI == "" {
		return CallSite{}, apierror.APIError{
			Code:    apierror.ErrBadRequest,
			Message: fmt.Sprintf("call site %q has no target", address),
		}
	}
	return site, nil
}

// CallContext carries per-call overrides for a call site.
type CallContext struct {
	// OperationOverride replaces the target URI as the ledger operation name.
	OperationOverride string
	// Key is the whole key for custom sites and a suffix for the others.
	Key string
	// Success, when set, overrides the outcome inferred from the call error.
	Success *bool
}

// CallKey is the dedup key of an external call.
type CallKey struct {
	Type  KeyType
	Value string
}

// BuildKey derives the dedup key of msg for keyType.
func BuildKey(keyType KeyType, msg *model.Message, cc CallContext) (CallKey, error) {
	var value string
	switch keyType {
	case KeyTypeMessage:
		value = msg.SourceSystem + "_" + msg.CorrelationID
	case KeyTypeEntity:
		if msg.EntityType == "" || msg.ObjectID == "" {
			return CallKey{}, apierror.APIError{
				Code:    apierror.ErrBadRequest,
				Message: fmt.Sprintf("message %s has no entity type or object id for an entity key", msg.MessageID),
			}
		}
		value = msg.EntityType + "_" + msg.ObjectID
	case KeyTypeCustom:
		if cc.Key == "" {
			return CallKey{}, apierror.APIError{Code: apierror.ErrBadRequest, Message: "custom call key must not be empty"}
		}
		return CallKey{Type: keyType, Value: cc.Key}, nil
	default:
		return CallKey{}, apierror.APIError{Code: apierror.ErrBadRequest, Message: fmt.Sprintf("unknown key type %q", keyType)}
	}

	if cc.Key != "" {
		value += "_" + cc.Key
	}
	return CallKey{Type: keyType, Value: value}, nil
}

// operation resolves the ledger operation name of a call site.
func (cc CallContext) operation(site CallSite) string {
	if cc.OperationOverride != "" {
		return cc.OperationOverride
	}
	return site.TargetURI
}
