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

// Package bson encodes envelopes as BSON documents, for channels and stores
// that are backed by MongoDB.
package bson

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/uuid"
)

// ErrMissingField is when a required field is absent from the document.
var ErrMissingField = errors.New("missing field")

// EnvelopeCodec is a codec for marshaling and unmarshaling envelopes
// to and from bytes in BSON format.
type EnvelopeCodec struct{}

// MarshalEnvelope marshals an envelope into bytes in BSON format.
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

	d := document{
		EventID:    &id,
		EventKind:  &kind,
		SubjectID:  &subjectID,
		OccurredAt: &occurredAt,
		Metadata:   map[string]interface{}{},
	}

	for k, v := range e.Metadata {
		d.Metadata[k] = v
	}

	for k, v := range er.MarshalContext(ctx) {
		d.Metadata[k] = v
	}

	if e.Payload != nil {
		d.Payload = &payload{
			Name:        e.Payload.Name,
			Description: e.Payload.Description,
			Instructor:  e.Payload.Instructor,
		}
	}

	b, err := bson.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("could not marshal envelope: %w", err)
	}

	return b, nil
}

// UnmarshalEnvelope unmarshals an envelope from bytes in BSON format.
func (c *EnvelopeCodec) UnmarshalEnvelope(ctx context.Context, b []byte) (*er.Envelope, context.Context, error) {
	var d document
	if err := bson.Unmarshal(b, &d); err != nil {
		return nil, nil, fmt.Errorf("could not unmarshal envelope: %w", err)
	}

	switch {
	case d.EventID == nil:
		return nil, nil, fmt.Errorf("could not unmarshal envelope: %w: event_id", ErrMissingField)
	case d.EventKind == nil:
		return nil, nil, fmt.Errorf("could not unmarshal envelope: %w: event_kind", ErrMissingField)
	case d.SubjectID == nil:
		return nil, nil, fmt.Errorf("could not unmarshal envelope: %w: subject_id", ErrMissingField)
	case d.OccurredAt == nil:
		return nil, nil, fmt.Errorf("could not unmarshal envelope: %w: occurred_at", ErrMissingField)
	}

	id, err := uuid.ParseEventID(*d.EventID)
	if err != nil {
		return nil, nil, fmt.Errorf("could not unmarshal envelope: invalid event_id: %w", err)
	}

	kind, err := er.ParseEventKind(*d.EventKind)
	if err != nil {
		return nil, nil, fmt.Errorf("could not unmarshal envelope: %w", err)
	}

	e := &er.Envelope{
		ID:         id,
		Kind:       kind,
		SubjectID:  *d.SubjectID,
		OccurredAt: d.OccurredAt.UTC(),
	}

	if len(d.Metadata) > 0 {
		e.Metadata = d.Metadata
	}

	if d.Payload != nil {
		e.Payload = &er.Payload{
			Name:        d.Payload.Name,
			Description: d.Payload.Description,
			Instructor:  d.Payload.Instructor,
		}
	}

	if err := e.Validate(); err != nil {
		return nil, nil, fmt.Errorf("could not unmarshal envelope: %w", err)
	}

	ctx = er.UnmarshalContext(ctx, e.Metadata)

	return e, ctx, nil
}

// document is the envelope used on the wire only.
type document struct {
	EventID    *string                `bson:"event_id"`
	EventKind  *string                `bson:"event_kind"`
	SubjectID  *int64                 `bson:"subject_id"`
	Payload    *payload               `bson:"payload,omitempty"`
	OccurredAt *time.Time             `bson:"occurred_at"`
	Metadata   map[string]interface{} `bson:"metadata"`
}

type payload struct {
	Name        string `bson:"name"`
	Description string `bson:"description"`
	Instructor  string `bson:"instructor"`
}
