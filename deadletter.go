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
	"context"
	"time"
)

// DeadLetter is a message that could not be applied and will not be retried.
type DeadLetter struct {
	// EventID is the event ID if it could be decoded.
	EventID string `json:"eventId,omitempty" bson:"event_id,omitempty"`
	// Key is the partition key of the original message.
	Key string `json:"key" bson:"key"`
	// Body is the original message, as received.
	Body []byte `json:"body" bson:"body"`
	// Reason is the cause of the failure.
	Reason string `json:"reason" bson:"reason"`
	// Attempt is the delivery attempt that failed.
	Attempt int `json:"attemptCount" bson:"attempt_count"`
	// FailedAt is when the message was dead-lettered.
	FailedAt time.Time `json:"failedAt" bson:"failed_at"`
}

// DeadLetterSink is a destination for messages that exhausted their retries
// or could not be decoded.
type DeadLetterSink interface {
	// DeadLetter durably stores the dead letter.
	DeadLetter(context.Context, *DeadLetter) error
}
