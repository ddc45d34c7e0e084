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

// EnvelopeMatcher is a func that can match an envelope to a criteria.
type EnvelopeMatcher func(*Envelope) bool

// MatchAny matches any envelope.
func MatchAny() EnvelopeMatcher {
	return func(e *Envelope) bool {
		return true
	}
}

// MatchKind matches a specific event kind, nil envelopes never match.
func MatchKind(k EventKind) EnvelopeMatcher {
	return func(e *Envelope) bool {
		return e != nil && e.Kind == k
	}
}

// MatchSubject matches a specific course, nil envelopes never match.
func MatchSubject(id int64) EnvelopeMatcher {
	return func(e *Envelope) bool {
		return e != nil && e.SubjectID == id
	}
}

// MatchAnyOf matches if any of several matchers matches.
func MatchAnyOf(matchers ...EnvelopeMatcher) EnvelopeMatcher {
	return func(e *Envelope) bool {
		for _, m := range matchers {
			if m(e) {
				return true
			}
		}

		return false
	}
}

// MatchAnyKindOf matches if the envelope is of any of the kinds.
func MatchAnyKindOf(kinds ...EventKind) EnvelopeMatcher {
	return func(e *Envelope) bool {
		for _, k := range kinds {
			if MatchKind(k)(e) {
				return true
			}
		}

		return false
	}
}
