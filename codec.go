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
)

// EnvelopeCodec is a codec for marshaling and unmarshaling envelopes to and
// from bytes.
type EnvelopeCodec interface {
	// MarshalEnvelope marshals an envelope and the supported parts of
	// context into bytes.
	MarshalEnvelope(context.Context, *Envelope) ([]byte, error)
	// UnmarshalEnvelope unmarshals an envelope and supported parts of
	// context from bytes. The returned envelope is validated.
	UnmarshalEnvelope(context.Context, []byte) (*Envelope, context.Context, error)
}
