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

package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/uuid"
)

// AcceptanceTest is the acceptance test that all implementations of
// IdempotencyStore should pass. It should manually be called from a test case
// in each implementation:
//
//	func TestStore(t *testing.T) {
//	    store := NewStore()
//	    idempotency.AcceptanceTest(t, store)
//	}
func AcceptanceTest(t *testing.T, store er.IdempotencyStore) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	record := &er.DeliveryRecord{
		EventID:        uuid.New(),
		Kind:           er.Created,
		SubjectID:      42,
		AppliedAt:      now,
		OutcomeSummary: "apply CREATED to course 42",
	}

	// First insert wins.
	if err := store.Insert(ctx, record); err != nil {
		t.Fatal("there should be no error:", err)
	}

	// Second insert is a duplicate.
	if err := store.Insert(ctx, record); !errors.Is(err, er.ErrAlreadyApplied) {
		t.Error("the second insert should be a duplicate:", err)
	}

	// A different event for the same course is not a duplicate.
	other := *record
	other.EventID = uuid.New()

	if err := store.Insert(ctx, &other); err != nil {
		t.Error("there should be no error:", err)
	}

	// Removing rolls back the insert.
	if err := store.Remove(ctx, record.EventID); err != nil {
		t.Error("there should be no error:", err)
	}

	if err := store.Insert(ctx, record); err != nil {
		t.Error("the removed record should be insertable again:", err)
	}

	// Removing a missing record is not an error.
	if err := store.Remove(ctx, uuid.New()); err != nil {
		t.Error("there should be no error:", err)
	}

	// Concurrent inserts of the same ID have exactly one winner.
	raced := &er.DeliveryRecord{
		EventID:   uuid.New(),
		Kind:      er.Updated,
		SubjectID: 7,
		AppliedAt: now,
	}

	const workers = 16

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		winners    int
		duplicates int
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := store.Insert(ctx, raced)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				winners++
			case errors.Is(err, er.ErrAlreadyApplied):
				duplicates++
			default:
				t.Error("there should be no error:", err)
			}
		}()
	}

	wg.Wait()

	if winners != 1 || duplicates != workers-1 {
		t.Error("there should be exactly one winner:", winners, duplicates)
	}
}

// PrunerAcceptanceTest is the acceptance test for stores that can prune old
// records.
func PrunerAcceptanceTest(t *testing.T, store er.IdempotencyStore, pruner er.IdempotencyPruner) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	old := &er.DeliveryRecord{EventID: uuid.New(), Kind: er.Created, SubjectID: 1, AppliedAt: now.Add(-48 * time.Hour)}
	recent := &er.DeliveryRecord{EventID: uuid.New(), Kind: er.Created, SubjectID: 2, AppliedAt: now}

	for _, r := range []*er.DeliveryRecord{old, recent} {
		if err := store.Insert(ctx, r); err != nil {
			t.Fatal("there should be no error:", err)
		}
	}

	n, err := pruner.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if n < 1 {
		t.Error("the old record should be pruned:", n)
	}

	if err := store.Insert(ctx, old); err != nil {
		t.Error("the pruned record should be insertable again:", err)
	}

	if err := store.Insert(ctx, recent); !errors.Is(err, er.ErrAlreadyApplied) {
		t.Error("the recent record should be kept:", err)
	}
}
