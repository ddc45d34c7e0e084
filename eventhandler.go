// Copyright (c) 2025 - The Event Relay authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventrelay

import (
	"context"
	"errors"
)

var (
	// ErrMissingEnvelope is when there is no envelope to handle.
	ErrMissingEnvelope = errors.New("missing envelope")
	// ErrMissingHandler is when there is no handler.
	ErrMissingHandler = errors.New("missing handler")
	// ErrHandlerAlreadyAdded is when a handler is already added for a kind.
	ErrHandlerAlreadyAdded = errors.New("handler already added")
)

// EnvelopeHandler applies the side effects of an envelope. Returning an
// error makes the dispatcher redeliver the envelope.
type EnvelopeHandler interface {
	// HandlerName is a name used in logs and metrics.
	HandlerName() string
	// HandleEnvelope handles an envelope.
	HandleEnvelope(context.Context, *Envelope) error
}

// EnvelopeHandlerFunc is a function that can be used as an envelope handler.
type EnvelopeHandlerFunc func(context.Context, *Envelope) error

// HandleEnvelope implements the HandleEnvelope method of the EnvelopeHandler.
func (h EnvelopeHandlerFunc) HandleEnvelope(ctx context.Context, e *Envelope) error {
	return h(ctx, e)
}

// HandlerName implements the HandlerName method of the EnvelopeHandler.
func (h EnvelopeHandlerFunc) HandlerName() string {
	return "func"
}

// EnvelopeHandlerMiddleware is a function that middlewares can implement to
// be able to chain.
type EnvelopeHandlerMiddleware func(EnvelopeHandler) EnvelopeHandler

// UseEnvelopeHandlerMiddleware wraps an EnvelopeHandler in one or more
// middleware. The first middleware is the outermost.
func UseEnvelopeHandlerMiddleware(h EnvelopeHandler, middleware ...EnvelopeHandlerMiddleware) EnvelopeHandler {
	// Apply in reverse order.
	for i := len(middleware) - 1; i >= 0; i-- {
		m := middleware[i]
		h = m(h)
	}

	return h
}

// MatchingHandler only passes envelopes that match to the inner handler,
// other envelopes are ignored without error.
func MatchingHandler(m EnvelopeMatcher, h EnvelopeHandler) EnvelopeHandler {
	return &matchingHandler{EnvelopeHandler: h, m: m}
}

type matchingHandler struct {
	EnvelopeHandler
	m EnvelopeMatcher
}

func (h *matchingHandler) HandleEnvelope(ctx context.Context, e *Envelope) error {
	if !h.m(e) {
		return nil
	}

	return h.EnvelopeHandler.HandleEnvelope(ctx, e)
}
