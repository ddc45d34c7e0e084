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

package tracing

import (
	"context"
	"fmt"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	er "github.com/looplab/eventrelay"
)

// NewEnvelopeHandlerMiddleware returns an envelope handler middleware that
// adds tracing spans. The span is a child of the publisher span when it was
// propagated in the envelope.
func NewEnvelopeHandlerMiddleware() er.EnvelopeHandlerMiddleware {
	return er.EnvelopeHandlerMiddleware(func(h er.EnvelopeHandler) er.EnvelopeHandler {
		return &envelopeHandler{h}
	})
}

type envelopeHandler struct {
	er.EnvelopeHandler
}

// HandleEnvelope implements the HandleEnvelope method of the EnvelopeHandler.
func (h *envelopeHandler) HandleEnvelope(ctx context.Context, e *er.Envelope) error {
	opName := fmt.Sprintf("%s.Envelope(%s)", h.HandlerName(), e.Kind)

	var opts []opentracing.StartSpanOption
	if opentracing.SpanFromContext(ctx) == nil {
		if sc, ok := remoteSpanContext(ctx); ok {
			opts = append(opts, ext.RPCServerOption(sc))
		}
	}

	sp, ctx := opentracing.StartSpanFromContext(ctx, opName, opts...)

	err := h.EnvelopeHandler.HandleEnvelope(ctx, e)
	if err != nil {
		ext.LogError(sp, err)
	}

	sp.SetTag("er.event_id", e.ID.String())
	sp.SetTag("er.event_kind", e.Kind.String())
	sp.SetTag("er.subject_id", e.SubjectID)

	sp.Finish()

	return err
}
