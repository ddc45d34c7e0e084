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

// Package memory is an in-memory dead-letter sink.
package memory

import (
	"context"
	"sync"

	er "github.com/looplab/eventrelay"
)

// Sink keeps dead letters in memory.
type Sink struct {
	letters   []er.DeadLetter
	lettersMu sync.RWMutex
}

// NewSink creates a Sink.
func NewSink() *Sink {
	return &Sink{}
}

// DeadLetter implements the DeadLetter method of the eventrelay.DeadLetterSink interface.
func (s *Sink) DeadLetter(ctx context.Context, l *er.DeadLetter) error {
	s.lettersMu.Lock()
	defer s.lettersMu.Unlock()

	c := *l
	c.Body = append([]byte(nil), l.Body...)
	s.letters = append(s.letters, c)

	return nil
}

// Letters returns a copy of all dead letters in arrival order.
func (s *Sink) Letters() []er.DeadLetter {
	s.lettersMu.RLock()
	defer s.lettersMu.RUnlock()

	return append([]er.DeadLetter(nil), s.letters...)
}
