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
// Package uuid wraps github.com/google/uuid for event IDs. Event IDs are
// random v4 UUIDs; collisions are possible in theory and accepted in practice.
package uuid

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// UUID is an alias type for github.com/google/uuid.UUID.
type UUID = uuid.UUID

// Nil is an empty UUID.
var Nil = UUID(uuid.Nil)

// ErrNilEventID is returned by ParseEventID for the all-zero UUID.
var ErrNilEventID = errors.New("nil event ID")

// New creates a new random UUID.
func New() UUID {
	return UUID(uuid.New())
}

// Parse parses a UUID from a string, or returns an error.
func Parse(s string) (UUID, error) {
	id, err := uuid.Parse(s)
	return UUID(id), err
}

// ParseEventID parses the event_id of a wire envelope. Only the canonical
// 36 character form is accepted and the nil UUID is rejected.
func ParseEventID(s string) (UUID, error) {
	if len(s) != 36 {
		return Nil, fmt.Errorf("invalid event ID length %d", len(s))
	}

	id, err := uuid.Parse(s)
	if err != nil {
		return Nil, err
	}

	if id == uuid.Nil {
		return Nil, ErrNilEventID
	}

	return UUID(id), nil
}

// MustParse parses a UUID from a string, or panics.
func MustParse(s string) UUID {
	return UUID(uuid.MustParse(s))
}
