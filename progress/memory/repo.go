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

// Package memory is an in-memory progress repository.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jinzhu/copier"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/progress"
)

// Repo implements an in memory progress repository.
type Repo struct {
	db   map[int64]*progress.Tracking
	dbMu sync.RWMutex
}

// NewRepo creates a new Repo.
func NewRepo() *Repo {
	return &Repo{
		db: map[int64]*progress.Tracking{},
	}
}

// Find implements the Find method of the progress.Repository interface.
func (r *Repo) Find(ctx context.Context, subjectID int64) (*progress.Tracking, error) {
	r.dbMu.RLock()
	defer r.dbMu.RUnlock()

	t, ok := r.db[subjectID]
	if !ok {
		return nil, progress.ErrTrackingNotFound
	}

	return clone(t)
}

// FindAll returns copies of all trackings, ordered by course.
func (r *Repo) FindAll(ctx context.Context) ([]*progress.Tracking, error) {
	r.dbMu.RLock()
	defer r.dbMu.RUnlock()

	all := make([]*progress.Tracking, 0, len(r.db))
	for _, t := range r.db {
		c, err := clone(t)
		if err != nil {
			return nil, err
		}

		all = append(all, c)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].SubjectID < all[j].SubjectID })

	return all, nil
}

// InitializeTracking implements the InitializeTracking method of the progress.Repository interface.
func (r *Repo) InitializeTracking(ctx context.Context, subjectID int64, p *er.Payload, at time.Time) error {
	r.dbMu.Lock()
	defer r.dbMu.Unlock()

	if _, ok := r.db[subjectID]; ok {
		return nil
	}

	t := &progress.Tracking{
		SubjectID: subjectID,
		State:     progress.Tracked,
		TrackedAt: at,
		UpdatedAt: at,
	}
	setPayload(t, p)
	r.db[subjectID] = t

	return nil
}

// UpdateTracking implements the UpdateTracking method of the progress.Repository interface.
func (r *Repo) UpdateTracking(ctx context.Context, subjectID int64, p *er.Payload, at time.Time) error {
	r.dbMu.Lock()
	defer r.dbMu.Unlock()

	t, ok := r.db[subjectID]
	if !ok {
		return progress.ErrTrackingNotFound
	}

	setPayload(t, p)
	t.Updates++
	t.UpdatedAt = at

	return nil
}

// ArchiveTracking implements the ArchiveTracking method of the progress.Repository interface.
func (r *Repo) ArchiveTracking(ctx context.Context, subjectID int64, at time.Time) error {
	r.dbMu.Lock()
	defer r.dbMu.Unlock()

	t, ok := r.db[subjectID]
	if !ok {
		return progress.ErrTrackingNotFound
	}

	t.State = progress.Archived
	t.ArchivedAt = at

	return nil
}

func setPayload(t *progress.Tracking, p *er.Payload) {
	if p == nil {
		return
	}

	t.Name = p.Name
	t.Description = p.Description
	t.Instructor = p.Instructor
}

func clone(t *progress.Tracking) (*progress.Tracking, error) {
	c := &progress.Tracking{}
	if err := copier.Copy(c, t); err != nil {
		return nil, fmt.Errorf("could not copy tracking: %w", err)
	}

	return c, nil
}
