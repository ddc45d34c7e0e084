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
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/looplab/eventrelay/uuid"
)

// EventKind is the kind of change a course event describes. The set of kinds
// is closed, the zero value is not a valid kind.
type EventKind int

const (
	// Created is when a course has been created.
	Created EventKind = iota + 1
	// Updated is when the metadata of a course has changed.
	Updated
	// Deleted is when a course has been removed.
	Deleted
)

// ErrInvalidEventKind is when an event kind is not one of the known kinds.
var ErrInvalidEventKind = errors.New("invalid event kind")

var kindNames = map[EventKind]string{
	Created: "CREATED",
	Updated: "UPDATED",
	Deleted: "DELETED",
}

// EventKinds returns all valid kinds, in order.
func EventKinds() []EventKind {
	return []EventKind{Created, Updated, Deleted}
}

// ParseEventKind parses the canonical string form of a kind.
func ParseEventKind(s string) (EventKind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrInvalidEventKind, s)
}

// Valid returns true for the known kinds.
func (k EventKind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// String implements the Stringer interface for EventKind.
func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return "EventKind(" + strconv.Itoa(int(k)) + ")"
}

// MarshalText implements the encoding.TextMarshaler interface.
func (k EventKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidEventKind, int(k))
	}

	return []byte(k.String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (k *EventKind) UnmarshalText(b []byte) error {
	parsed, err := ParseEventKind(string(b))
	if err != nil {
		return err
	}

	*k = parsed

	return nil
}

// Payload is the course data carried by an event. It is complete for
// created and updated courses and may be partial for deleted ones.
type Payload struct {
	Name        string
	Description string
	Instructor  string
}

var (
	// ErrMissingEventID is when an envelope has no event ID.
	ErrMissingEventID = errors.New("missing event ID")
	// ErrMissingSubjectID is when an envelope does not name a course.
	ErrMissingSubjectID = errors.New("missing subject ID")
	// ErrMissingPayload is when a created or updated event has no payload.
	ErrMissingPayload = errors.New("missing payload")
	// ErrMissingTimestamp is when an envelope has no occurrence time.
	ErrMissingTimestamp = errors.New("missing occurred at timestamp")
)

// Envelope is the immutable unit of transmission: one fact about a change
// to a course. The ID is assigned once, when the envelope is created, and
// is kept for every retransmission of the same fact.
type Envelope struct {
	// ID is the deduplication key of the event.
	ID uuid.UUID
	// Kind is the kind of change.
	Kind EventKind
	// SubjectID is the ID of the course.
	SubjectID int64
	// Payload is the course data, may be nil for deleted courses.
	Payload *Payload
	// OccurredAt is when the publisher created the event.
	OccurredAt time.Time
	// Metadata carries marshaled context values, for example tracing spans.
	Metadata map[string]interface{}
}

// NewEnvelope creates a validated envelope with a new ID, stamped with the
// current time.
func NewEnvelope(kind EventKind, subjectID int64, payload *Payload) (*Envelope, error) {
	return NewEnvelopeAt(uuid.New(), kind, subjectID, payload, time.Now())
}

// NewEnvelopeAt creates a validated envelope with an explicit ID and time.
func NewEnvelopeAt(id uuid.UUID, kind EventKind, subjectID int64, payload *Payload, occurredAt time.Time) (*Envelope, error) {
	e := &Envelope{
		ID:         id,
		Kind:       kind,
		SubjectID:  subjectID,
		Payload:    payload,
		OccurredAt: occurredAt.UTC(),
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}

	return e, nil
}

// Validate checks the required fields of the envelope.
func (e *Envelope) Validate() error {
	if e.ID == uuid.Nil {
		return ErrMissingEventID
	}

	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidEventKind, e.Kind)
	}

	if e.SubjectID <= 0 {
		return ErrMissingSubjectID
	}

	if e.OccurredAt.IsZero() {
		return ErrMissingTimestamp
	}

	if e.Payload == nil && e.Kind != Deleted {
		return fmt.Errorf("%w for %s", ErrMissingPayload, e.Kind)
	}

	return nil
}

// PartitionKey returns the key used to keep all events for one course in
// order on the channel.
func (e *Envelope) PartitionKey() string {
	return strconv.FormatInt(e.SubjectID, 10)
}

// String implements the Stringer interface for Envelope.
func (e *Envelope) String() string {
	return fmt.Sprintf("%s(course %d) %s", e.Kind, e.SubjectID, e.ID)
}
