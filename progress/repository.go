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
	"context"
	"errors"
	"time"

	er "github.com/looplab/eventrelay"
)

// ErrTrackingNotFound is when there is no tracking for a course.
var ErrTrackingNotFound = errors.New("tracking not found")

// Tracking is the progress tracking of one course.
type Tracking struct {
	SubjectID   int64     `json:"subjectId" bson:"_id"`
	State       State     `json:"state" bson:"state"`
	Name        string    `json:"name" bson:"name"`
	Description string    `json:"description" bson:"description"`
	Instructor  string    `json:"instructor" bson:"instructor"`
	Updates     int       `json:"updates" bson:"updates"`
	TrackedAt   time.Time `json:"trackedAt" bson:"tracked_at"`
	UpdatedAt   time.Time `json:"updatedAt" bson:"updated_at"`
	ArchivedAt  time.Time `json:"archivedAt,omitempty" bson:"archived_at,omitempty"`
}

// Repository is the progress persistence of courses.
type Repository interface {
	// Find returns the tracking of a course, or ErrTrackingNotFound.
	Find(ctx context.Context, subjectID int64) (*Tracking, error)

	// InitializeTracking starts tracking a course. Initializing a tracked
	// course is a no-op.
	InitializeTracking(ctx context.Context, subjectID int64, p *er.Payload, at time.Time) error

	// UpdateTracking changes the tracked course metadata.
	UpdateTracking(ctx context.Context, subjectID int64, p *er.Payload, at time.Time) error

	// ArchiveTracking archives the progress data of a course.
	ArchiveTracking(ctx context.Context, subjectID int64, at time.Time) error
}
