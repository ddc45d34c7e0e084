// Copyright (c) 2025 - The Event Relay authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package eventrelay

import (
	"context"
	"fmt"
	"sync"
)

// ContextField carries one context value through the envelope metadata. The
// publishing side extracts the value from its context, the consuming side
// injects it into the context the handlers run with.
type ContextField struct {
	// Key is the metadata key, unique among the registered fields.
	Key string
	// Extract returns the value to put in the metadata, if the context has one.
	Extract func(ctx context.Context) (interface{}, bool)
	// Inject returns ctx with the decoded metadata value applied. Values of the
	// wrong type should leave ctx untouched.
	Inject func(ctx context.Context, val interface{}) context.Context
}

var (
	contextFields   = map[string]ContextField{}
	contextOrder    []string
	contextFieldsMu sync.RWMutex
)

// RegisterContextField registers a field used by MarshalContext and
// UnmarshalContext. It panics on an empty key, missing funcs or a key that is
// already registered.
func RegisterContextField(f ContextField) {
	if f.Key == "" || f.Extract == nil || f.Inject == nil {
		panic("eventrelay: attempt to register an incomplete context field")
	}

	contextFieldsMu.Lock()
	defer contextFieldsMu.Unlock()

	if _, ok := contextFields[f.Key]; ok {
		panic(fmt.Sprintf("eventrelay: registering duplicate context field %q", f.Key))
	}

	contextFields[f.Key] = f
	contextOrder = append(contextOrder, f.Key)
}

// MarshalContext collects the registered context values, keyed for the
// envelope metadata.
func MarshalContext(ctx context.Context) map[string]interface{} {
	contextFieldsMu.RLock()
	defer contextFieldsMu.RUnlock()

	vals := make(map[string]interface{}, len(contextOrder))

	for _, key := range contextOrder {
		if val, ok := contextFields[key].Extract(ctx); ok {
			vals[key] = val
		}
	}

	return vals
}

// UnmarshalContext applies the registered values found in vals onto ctx, in
// registration order.
func UnmarshalContext(ctx context.Context, vals map[string]interface{}) context.Context {
	if len(vals) == 0 {
		return ctx
	}

	contextFieldsMu.RLock()
	defer contextFieldsMu.RUnlock()

	for _, key := range contextOrder {
		if val, ok := vals[key]; ok {
			ctx = contextFields[key].Inject(ctx, val)
		}
	}

	return ctx
}

type contextKey int

const correlationIDKey contextKey = iota

// CorrelationIDMetadataKey is the metadata key of the correlation ID.
const CorrelationIDMetadataKey = "er_correlation_id"

func init() {
	RegisterContextField(ContextField{
		Key: CorrelationIDMetadataKey,
		Extract: func(ctx context.Context) (interface{}, bool) {
			id, ok := CorrelationIDFromContext(ctx)
			return id, ok && id != ""
		},
		Inject: func(ctx context.Context, val interface{}) context.Context {
			if id, ok := val.(string); ok && id != "" {
				return NewContextWithCorrelationID(ctx, id)
			}

			return ctx
		},
	})
}

// NewContextWithCorrelationID returns a context carrying a correlation ID. The
// ID follows the envelope to the consumer.
func NewContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext returns the correlation ID of the context, if any.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationIDKey).(string)
	return id, ok
}
