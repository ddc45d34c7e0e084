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

// Package json is the default envelope codec. It encodes envelopes as the
// self-describing JSON record that both services agree on.
package json

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/json-iterator/go"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/uuid"
)

// ErrMissingField is when a required field is absent from the record.
var ErrMissingField = errors.New("missing field")

// EnvelopeCodec is a codec for marshaling and unmarshaling envelopes
// to and from bytes in JSON format.
type EnvelopeCodec struct{}

// MarshalEnvelope marshals an envelope into bytes in JSON format.
func (c *EnvelopeCodec) MarshalEnvelope(ctx context.Context, e *er.Envelope) ([]byte, error) {
	if e == nil {
		return nil, er.ErrMissingEnvelope
	}

	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("could not marshal envelope: %w", err)
	}

	id := e.ID.String()
	kind := e.Kind.String()
	subjectID := e.SubjectID
	occurredAt := e.OccurredAt.UTC()

	r := record{
		EventID:    &id,
		EventKind:  &kind,
		SubjectID:  &subjectID,
		OccurredAt: &occurredAt,
		Metadata:   mergeMetadata(e.Metadata, er.MarshalContext(ctx)),
	}

	if e.Payload != nil {
		r.Payload = &payload{
			Name:        e.Payload.Name,
			Description: e.Payload.Description,
			Instructor:  e.Payload.Instructor,
		}
	}

	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("could not marshal envelope: %w", err)
	}

	return b, nil
}

// UnmarshalEnvelope unmarshals an envelope from bytes in JSON format.
// Unknown fields are ignored, missing required fields are an error.
func (c *EnvelopeCodec) UnmarshalEnvelope(ctx context.Context, b []byte) (*er.Envelope, context.Context, error) {
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, nil, fmt.Errorf("could not unmarshal envelope: %w", err)
	}

	e, err := r.envelope()
	if err != nil {
		return nil, nil, fmt.Errorf("could not unmarshal envelope: %w", err)
	}

	ctx = er.UnmarshalContext(ctx, e.Metadata)

	return e, ctx, nil
}

// record is the envelope used on the wire only. Pointers detect fields that
// are absent.
type record struct {
	EventID    *string                `json:"eventId"`
	EventKind  *string                `json:"eventKind"`
	SubjectID  *int64                 `json:"subjectId"`
	Payload    *payload               `json:"payload,omitempty"`
	OccurredAt *time.Time             `json:"occurredAt"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

type payload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Instructor  string `json:"instructor"`
}

func (r *record) envelope() (*er.Envelope, error) {
	switch {
	case r.EventID == nil:
		return nil, fmt.Errorf("%w: eventId", ErrMissingField)
	case r.EventKind == nil:
		return nil, fmt.Errorf("%w: eventKind", ErrMissingField)
	case r.SubjectID == nil:
		return nil, fmt.Errorf("%w: subjectId", ErrMissingField)
	case r.OccurredAt == nil:
		return nil, fmt.Errorf("%w: occurredAt", ErrMissingField)
	}

	id, err := uuid.ParseEventID(*r.EventID)
	if err != nil {
		return nil, fmt.Errorf("invalid eventId %q: %w", *r.EventID, err)
	}

	kind, err := er.ParseEventKind(*r.EventKind)
	if err != nil {
		return nil, err
	}

	e := &er.Envelope{
		ID:         id,
		Kind:       kind,
		SubjectID:  *r.SubjectID,
		OccurredAt: r.OccurredAt.UTC(),
		Metadata:   r.Metadata,
	}

	if r.Payload != nil {
		e.Payload = &er.Payload{
			Name:        r.Payload.Name,
			Description: r.Payload.Description,
			Instructor:  r.Payload.Instructor,
		}
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}

	return e, nil
}

func mergeMetadata(md, ctxVals map[string]interface{}) map[string]interface{} {
	if len(md) == 0 && len(ctxVals) == 0 {
		return nil
	}

	all := make(map[string]interface{}, len(md)+len(ctxVals))
	for k, v := range md {
		all[k] = v
	}

	for k, v := range ctxVals {
		all[k] = v
	}

	return all
}
