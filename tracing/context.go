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
// Package tracing adds opentracing spans around envelope handling and sending,
// and propagates the span context in the envelope metadata.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	json "github.com/json-iterator/go"
	"github.com/opentracing/opentracing-go"

	er "github.com/looplab/eventrelay"
)

// SpanMetadataKey is the envelope metadata key of the propagated span.
const SpanMetadataKey = "er_tracing_span"

type contextKey int

const remoteSpanKey contextKey = iota

var registerOnce sync.Once

// RegisterContext makes the publisher span travel in the envelope metadata,
// using the global tracer. It is safe to call more than once.
func RegisterContext() {
	registerOnce.Do(func() {
		er.RegisterContextField(er.ContextField{
			Key:     SpanMetadataKey,
			Extract: extractSpan,
			Inject:  injectSpan,
		})
	})
}

func extractSpan(ctx context.Context) (interface{}, bool) {
	span := opentracing.SpanFromContext(ctx)
	if span == nil {
		return nil, false
	}

	carrier := opentracing.TextMapCarrier{}
	if err := opentracing.GlobalTracer().Inject(span.Context(), opentracing.TextMap, carrier); err != nil {
		log.Printf("eventrelay: could not inject tracing span: %s", err)

		return nil, false
	}

	// Stored as a string so the value survives both the JSON and BSON codecs.
	js, err := json.Marshal(carrier)
	if err != nil {
		log.Printf("eventrelay: could not marshal tracing span: %s", err)

		return nil, false
	}

	return string(js), true
}

func injectSpan(ctx context.Context, val interface{}) context.Context {
	sc, err := decodeSpan(val)
	if errors.Is(err, opentracing.ErrSpanContextNotFound) {
		return ctx
	} else if err != nil {
		log.Printf("eventrelay: could not extract tracing span: %s", err)

		return ctx
	}

	return context.WithValue(ctx, remoteSpanKey, sc)
}

func decodeSpan(val interface{}) (opentracing.SpanContext, error) {
	js, ok := val.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected span value of type %T", val)
	}

	carrier := opentracing.TextMapCarrier{}
	if err := json.Unmarshal([]byte(js), &carrier); err != nil {
		return nil, fmt.Errorf("could not unmarshal span: %w", err)
	}

	return opentracing.GlobalTracer().Extract(opentracing.TextMap, carrier)
}

// remoteSpanContext returns the span context of the publisher, if received.
func remoteSpanContext(ctx context.Context) (opentracing.SpanContext, bool) {
	sc, ok := ctx.Value(remoteSpanKey).(opentracing.SpanContext)

	return sc, ok
}
