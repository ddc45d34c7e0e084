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

// Package memory is an in-memory idempotency store, for tests and single
// process deployments where losing the records on restart is acceptable.
package memory

import (
	"context"
	"sync"
	"time"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/uuid"
)

// Store is an in-memory idempotency store.
type Store struct {
	records   map[uuid.UUID]er.DeliveryRecord
	recordsMu sync.RWMutex
}

// NewStore creates a Store.
func NewStore() *Store {
	return &Store{
		records: map[uuid.UUID]er.DeliveryRecord{},
	}
}

// Insert implements the Insert method of the eventrelay.IdempotencyStore interface.
func (s *Store) Insert(ctx context.Context, r *er.DeliveryRecord) error {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()

	if _, ok := s.records[r.EventID]; ok {
		return er.ErrAlreadyApplied
	}

	s.records[r.EventID] = *r

	return nil
}

// Remove implements the Remove method of the eventrelay.IdempotencyStore interface.
func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()

	delete(s.records, id)

	return nil
}

// Prune implements the Prune method of the eventrelay.IdempotencyPruner interface.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()

	var n int64

	for id, r := range s.records {
		if r.AppliedAt.Before(before) {
			delete(s.records, id)
			n++
		}
	}

	return n, nil
}

// Find returns a copy of a record, for inspection.
func (s *Store) Find(id uuid.UUID) (er.DeliveryRecord, bool) {
	s.recordsMu.RLock()
	defer s.recordsMu.RUnlock()

	r, ok := s.records[id]

	return r, ok
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.recordsMu.RLock()
	defer s.recordsMu.RUnlock()

	return len(s.records)
}
