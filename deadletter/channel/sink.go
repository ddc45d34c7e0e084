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

// Package channel sends dead letters as JSON records to a separate named
// destination through any eventrelay.Sender.
package channel

import (
	"context"
	"fmt"

	json "github.com/json-iterator/go"

	er "github.com/looplab/eventrelay"
)

// DefaultDestination is the conventional name of the dead-letter destination.
const DefaultDestination = "course-events.dlq"

// Sink forwards dead letters to a Sender.
type Sink struct {
	sender er.Sender
}

// NewSink creates a Sink. The sender should be bound to the dead-letter
// destination, not to the main event stream.
func NewSink(sender er.Sender) (*Sink, error) {
	if sender == nil {
		return nil, fmt.Errorf("missing sender")
	}

	return &Sink{sender: sender}, nil
}

// DeadLetter implements the DeadLetter method of the eventrelay.DeadLetterSink interface.
func (s *Sink) DeadLetter(ctx context.Context, l *er.DeadLetter) error {
	b, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("could not marshal dead letter: %w", err)
	}

	id := l.EventID
	if id == "" {
		id = fmt.Sprintf("%s-%d", l.Key, l.FailedAt.UnixNano())
	}

	if err := s.sender.Send(ctx, &er.Message{ID: id, Key: l.Key, Body: b}); err != nil {
		return fmt.Errorf("could not send dead letter: %w", err)
	}

	return nil
}

// Decode parses a dead-letter record received from the destination.
func Decode(b []byte) (*er.DeadLetter, error) {
	l := &er.DeadLetter{}
	if err := json.Unmarshal(b, l); err != nil {
		return nil, fmt.Errorf("could not unmarshal dead letter: %w", err)
	}

	return l, nil
}
