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
	"testing"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/mocks"
)

func TestTransition(t *testing.T) {
	testCases := []struct {
		kind    er.EventKind
		state   State
		next    State
		effect  Effect
		anomaly bool
	}{
		{er.Created, Untracked, Tracked, Initialize, false},
		{er.Created, Tracked, Tracked, None, false},
		{er.Created, Archived, Archived, None, true},
		{er.Updated, Untracked, Untracked, None, true},
		{er.Updated, Tracked, Tracked, Update, false},
		{er.Updated, Archived, Archived, None, true},
		{er.Deleted, Untracked, Untracked, None, true},
		{er.Deleted, Tracked, Archived, Archive, false},
		{er.Deleted, Archived, Archived, None, false},
	}

	for _, tc := range testCases {
		t.Run(tc.kind.String()+"_"+tc.state.String(), func(t *testing.T) {
			e := mocks.Envelope(tc.kind, 1)

			next, effect, err := Transition(tc.state, e)
			if next != tc.next || effect != tc.effect {
				t.Error("the transition should be correct:", next, effect)
			}

			if !tc.anomaly {
				if err != nil {
					t.Error("there should be no error:", err)
				}

				return
			}

			var oerr *OutOfOrderEventError
			if !errors.As(err, &oerr) || !errors.Is(err, ErrOutOfOrderEvent) {
				t.Fatal("there should be an out of order error:", err)
			}

			if oerr.State != tc.state || oerr.Envelope != e {
				t.Error("the error should be correct:", oerr)
			}
		})
	}
}

func TestTransitionInvalid(t *testing.T) {
	if _, _, err := Transition(Tracked, nil); !errors.Is(err, er.ErrMissingEnvelope) {
		t.Error("the error should be correct:", err)
	}

	e := mocks.Envelope(er.Created, 1)
	e.Kind = er.EventKind(0)

	if s, effect, err := Transition(Tracked, e); !errors.Is(err, er.ErrInvalidEventKind) || s != Tracked || effect != None {
		t.Error("an invalid kind should be an error:", err)
	}
}

func TestStrings(t *testing.T) {
	if Archived.String() != "ARCHIVED" || State(7).String() != "State(7)" {
		t.Error("the state strings should be correct")
	}

	if Archive.String() != "archive" || Effect(7).String() != "Effect(7)" {
		t.Error("the effect strings should be correct")
	}

	e := mocks.Envelope(er.Updated, 3)
	err := &OutOfOrderEventError{Envelope: e, State: Untracked}
	if err.Error() != "out of order event: "+e.String()+" in state UNTRACKED" {
		t.Error("the error string should be correct:", err)
	}
}
