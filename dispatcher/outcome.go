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

package dispatcher

import (
	"time"

	er "github.com/looplab/eventrelay"
)

// Result is how a delivery was settled.
type Result int

const (
	// Applied is when the handler ran and the delivery was acknowledged.
	Applied Result = iota + 1
	// Duplicate is when the event was already applied and the delivery was
	// acknowledged without running the handler.
	Duplicate
	// Skipped is when no handler is registered for the kind.
	Skipped
	// Requeued is when the handler failed and the delivery was rejected
	// for redelivery.
	Requeued
	// DeadLettered is when the retries were exhausted.
	DeadLettered
	// Poisoned is when the message could not be decoded.
	Poisoned
	// StoreUnavailable is when the idempotency store could not answer and the
	// delivery was rejected for redelivery.
	StoreUnavailable
)

var resultNames = map[Result]string{
	Applied:          "applied",
	Duplicate:        "duplicate",
	Skipped:          "skipped",
	Requeued:         "requeued",
	DeadLettered:     "dead_lettered",
	Poisoned:         "poisoned",
	StoreUnavailable: "store_unavailable",
}

// String implements the String method of the fmt.Stringer interface.
func (r Result) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}

	return "unknown"
}

// Results returns all results, in declaration order.
func Results() []Result {
	return []Result{Applied, Duplicate, Skipped, Requeued, DeadLettered, Poisoned, StoreUnavailable}
}

// Outcome is reported to observers once per delivery.
type Outcome struct {
	// Envelope is the decoded envelope, nil for poison messages.
	Envelope *er.Envelope
	// Delivery is the settled delivery.
	Delivery *er.Delivery
	// Result is how the delivery was settled.
	Result Result
	// Err is the failure, if any.
	Err error
	// Duration is the time from receive to settle.
	Duration time.Duration
}
