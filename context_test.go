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
	"testing"

	"github.com/stretchr/testify/assert"
)

type tenantContextKey struct{}

const tenantMetadataKey = "test_course_tenant"

// withContextFields restores the registry after the test.
func withContextFields(t *testing.T) {
	contextFieldsMu.Lock()
	savedFields := make(map[string]ContextField, len(contextFields))
	for k, f := range contextFields {
		savedFields[k] = f
	}
	savedOrder := append([]string{}, contextOrder...)
	contextFieldsMu.Unlock()

	t.Cleanup(func() {
		contextFieldsMu.Lock()
		contextFields = savedFields
		contextOrder = savedOrder
		contextFieldsMu.Unlock()
	})
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := NewContextWithCorrelationID(context.Background(), "enroll-7")

	vals := MarshalContext(ctx)
	assert.Equal(t, "enroll-7", vals[CorrelationIDMetadataKey])

	got, ok := CorrelationIDFromContext(UnmarshalContext(context.Background(), vals))
	assert.True(t, ok)
	assert.Equal(t, "enroll-7", got)
}

func TestMarshalContextWithoutValues(t *testing.T) {
	assert.Empty(t, MarshalContext(context.Background()))
	assert.Empty(t, MarshalContext(NewContextWithCorrelationID(context.Background(), "")))

	ctx := context.Background()
	assert.Equal(t, ctx, UnmarshalContext(ctx, nil))

	_, ok := CorrelationIDFromContext(UnmarshalContext(ctx, map[string]interface{}{
		CorrelationIDMetadataKey: 42,
	}))
	assert.False(t, ok, "a correlation ID of the wrong type should be ignored")
}

func TestRegisteredContextField(t *testing.T) {
	withContextFields(t)

	RegisterContextField(ContextField{
		Key: tenantMetadataKey,
		Extract: func(ctx context.Context) (interface{}, bool) {
			tenant, ok := ctx.Value(tenantContextKey{}).(string)
			return tenant, ok
		},
		Inject: func(ctx context.Context, val interface{}) context.Context {
			if tenant, ok := val.(string); ok {
				return context.WithValue(ctx, tenantContextKey{}, tenant)
			}

			return ctx
		},
	})

	ctx := context.WithValue(context.Background(), tenantContextKey{}, "campus-north")
	ctx = NewContextWithCorrelationID(ctx, "enroll-8")

	vals := MarshalContext(ctx)
	assert.Equal(t, "enroll-8", vals[CorrelationIDMetadataKey])
	assert.Equal(t, "campus-north", vals[tenantMetadataKey])

	ctx = UnmarshalContext(context.Background(), vals)
	assert.Equal(t, "campus-north", ctx.Value(tenantContextKey{}))

	id, _ := CorrelationIDFromContext(ctx)
	assert.Equal(t, "enroll-8", id)
}

func TestRegisterContextFieldPanics(t *testing.T) {
	withContextFields(t)

	noop := func(ctx context.Context, val interface{}) context.Context { return ctx }
	none := func(ctx context.Context) (interface{}, bool) { return nil, false }

	assert.Panics(t, func() {
		RegisterContextField(ContextField{Key: CorrelationIDMetadataKey, Extract: none, Inject: noop})
	}, "duplicate key")
	assert.Panics(t, func() {
		RegisterContextField(ContextField{Extract: none, Inject: noop})
	}, "empty key")
	assert.Panics(t, func() {
		RegisterContextField(ContextField{Key: "no_inject", Extract: none})
	}, "missing inject")
}
