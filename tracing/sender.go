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

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	er "github.com/looplab/eventrelay"
)

// Sender is a Sender that adds a tracing span around each send.
type Sender struct {
	er.Sender
}

// NewSender creates a Sender.
func NewSender(s er.Sender) *Sender {
	return &Sender{s}
}

// Send implements the Send method of the eventrelay.Sender interface.
func (s *Sender) Send(ctx context.Context, m *er.Message) error {
	sp, ctx := opentracing.StartSpanFromContext(ctx, "Sender.Send")
	ext.SpanKindProducer.Set(sp)

	err := s.Sender.Send(ctx, m)
	if err != nil {
		ext.LogError(sp, err)
	}

	sp.SetTag("er.event_id", m.ID)
	sp.SetTag("er.key", m.Key)

	sp.Finish()

	return err
}
