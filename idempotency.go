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
	"errors"
	"time"

	"github.com/looplab/eventrelay/uuid"
)

// ErrAlreadyApplied is returned by an idempotency store when the event ID
// has already been recorded.
var ErrAlreadyApplied = errors.New("event already applied")

// DeliveryRecord is a record of an event that has been applied by the
// consumer. Its existence is what makes an event a duplicate.
type DeliveryRecord struct {
	EventID        uuid.UUID
	Kind           EventKind
	SubjectID      int64
	AppliedAt      time.Time
	OutcomeSummary string
}

// IdempotencyStore is a durable set of applied event IDs.
type IdempotencyStore interface {
	// Insert atomically records the event ID of the record. It returns
	// ErrAlreadyApplied if the ID was already recorded, concurrent inserts of
	// the same ID have exactly one winner.
	Insert(context.Context, *DeliveryRecord) error

	// Remove deletes a record, used to roll back an insert when applying the
	// event failed. Removing a missing record is not an error.
	Remove(context.Context, uuid.UUID) error
}

// IdempotencyPruner is implemented by stores that can delete old records.
type IdempotencyPruner interface {
	// Prune deletes records applied before the time and returns the count.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// NewDeliveryRecord creates the record for applying an envelope.
func NewDeliveryRecord(e *Envelope, appliedAt time.Time) *DeliveryRecord {
	return &DeliveryRecord{
		EventID:        e.ID,
		Kind:           e.Kind,
		SubjectID:      e.SubjectID,
		AppliedAt:      appliedAt.UTC(),
		OutcomeSummary: "apply " + e.Kind.String() + " to course " + e.PartitionKey(),
	}
}
