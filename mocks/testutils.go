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

package mocks

import (
	"fmt"
	"reflect"
	"time"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/uuid"
)

// Envelope creates a valid envelope for a course, useful in testing.
func Envelope(kind er.EventKind, subjectID int64) *er.Envelope {
	e := &er.Envelope{
		ID:         uuid.New(),
		Kind:       kind,
		SubjectID:  subjectID,
		OccurredAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	if kind != er.Deleted {
		e.Payload = &er.Payload{
			Name:        fmt.Sprintf("Course %d", subjectID),
			Description: "A course",
			Instructor:  "Ada",
		}
	}

	return e
}

// CompareEnvelopes compares two envelopes, ignoring their metadata.
func CompareEnvelopes(e1, e2 *er.Envelope) error {
	if e1 == nil || e2 == nil {
		if e1 != e2 {
			return fmt.Errorf("incorrect envelope: %v (should be %v)", e1, e2)
		}

		return nil
	}

	if e1.ID != e2.ID {
		return fmt.Errorf("incorrect event ID: %s (should be %s)", e1.ID, e2.ID)
	}

	if e1.Kind != e2.Kind {
		return fmt.Errorf("incorrect event kind: %s (should be %s)", e1.Kind, e2.Kind)
	}

	if e1.SubjectID != e2.SubjectID {
		return fmt.Errorf("incorrect subject ID: %d (should be %d)", e1.SubjectID, e2.SubjectID)
	}

	if !e1.OccurredAt.Equal(e2.OccurredAt) {
		return fmt.Errorf("incorrect timestamp: %s (should be %s)", e1.OccurredAt, e2.OccurredAt)
	}

	if !reflect.DeepEqual(e1.Payload, e2.Payload) {
		return fmt.Errorf("incorrect payload: %v (should be %v)", e1.Payload, e2.Payload)
	}

	return nil
}
