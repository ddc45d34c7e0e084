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

package progress

import (
	"errors"
	"fmt"

	er "github.com/looplab/eventrelay"
)

// State is the progress tracking state of one course.
type State int

const (
	// Untracked is a course that has not been created, the zero value.
	Untracked State = iota
	// Tracked is a course with active progress tracking.
	Tracked
	// Archived is a deleted course. It is terminal.
	Archived
)

// String implements the String method of the fmt.Stringer interface.
func (s State) String() string {
	switch s {
	case Untracked:
		return "UNTRACKED"
	case Tracked:
		return "TRACKED"
	case Archived:
		return "ARCHIVED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Effect is the side effect of a transition on the progress store.
type Effect int

const (
	// None is no side effect.
	None Effect = iota
	// Initialize starts tracking a course.
	Initialize
	// Update changes the tracked course metadata.
	Update
	// Archive archives the progress data of a course.
	Archive
)

// String implements the String method of the fmt.Stringer interface.
func (e Effect) String() string {
	switch e {
	case None:
		return "none"
	case Initialize:
		return "initialize"
	case Update:
		return "update"
	case Archive:
		return "archive"
	default:
		return fmt.Sprintf("Effect(%d)", int(e))
	}
}

// ErrOutOfOrderEvent is when an event does not apply to the current state of
// its course. It is an anomaly, not a failure.
var ErrOutOfOrderEvent = errors.New("out of order event")

// OutOfOrderEventError is an anomaly for an event received in a state where
// it does not apply.
type OutOfOrderEventError struct {
	// Envelope is the out of order event.
	Envelope *er.Envelope
	// State is the state the course was in.
	State State
}

// Error implements the Error method of the errors.Error interface.
func (e *OutOfOrderEventError) Error() string {
	return fmt.Sprintf("%s: %s in state %s", ErrOutOfOrderEvent, e.Envelope, e.State)
}

// Unwrap implements the errors.Unwrap method.
func (e *OutOfOrderEventError) Unwrap() error {
	return ErrOutOfOrderEvent
}

// Transition returns the next state and the side effect of applying an
// event. The error is an *OutOfOrderEventError for anomalies, in which case the
// state is unchanged and there is no effect.
//
//	CREATED: UNTRACKED -> TRACKED (initialize), TRACKED -> TRACKED
//	UPDATED: TRACKED -> TRACKED (update)
//	DELETED: TRACKED -> ARCHIVED (archive), ARCHIVED -> ARCHIVED
func Transition(s State, e *er.Envelope) (State, Effect, error) {
	if e == nil {
		return s, None, er.ErrMissingEnvelope
	}

	switch e.Kind {
	case er.Created:
		switch s {
		case Untracked:
			return Tracked, Initialize, nil
		case Tracked:
			return Tracked, None, nil
		}
	case er.Updated:
		if s == Tracked {
			return Tracked, Update, nil
		}
	case er.Deleted:
		switch s {
		case Tracked:
			return Archived, Archive, nil
		case Archived:
			return Archived, None, nil
		}
	default:
		return s, None, fmt.Errorf("%w: %s", er.ErrInvalidEventKind, e.Kind)
	}

	return s, None, &OutOfOrderEventError{Envelope: e, State: s}
}
