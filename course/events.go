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

// Package course is the course service side of event propagation. It turns
// course changes into published events.
package course

import (
	"context"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/uuid"
)

// Course is a course as known by the course service.
type Course struct {
	ID          int64
	Title       string
	Description string
	Instructor  string
}

// Payload returns the event payload describing the course.
func (c *Course) Payload() *er.Payload {
	return &er.Payload{
		Name:        c.Title,
		Description: c.Description,
		Instructor:  c.Instructor,
	}
}

// Publisher is the publishing side used by Events.
type Publisher interface {
	Publish(ctx context.Context, kind er.EventKind, subjectID int64, payload *er.Payload) (uuid.UUID, error)
}

// Events publishes course lifecycle events. Each call returns only after the
// event was accepted by the channel, or with a *eventrelay.PublishError.
type Events struct {
	publisher Publisher
}

// NewEvents creates Events publishing with the publisher.
func NewEvents(p Publisher) *Events {
	return &Events{publisher: p}
}

// CourseCreated publishes that a course was created.
func (e *Events) CourseCreated(ctx context.Context, id int64, name, description, instructor string) (uuid.UUID, error) {
	return e.publish(ctx, er.Created, &Course{ID: id, Title: name, Description: description, Instructor: instructor})
}

// CourseUpdated publishes that the metadata of a course changed.
func (e *Events) CourseUpdated(ctx context.Context, id int64, name, description, instructor string) (uuid.UUID, error) {
	return e.publish(ctx, er.Updated, &Course{ID: id, Title: name, Description: description, Instructor: instructor})
}

// CourseDeleted publishes that a course was removed. The last known metadata
// is sent along for the record.
func (e *Events) CourseDeleted(ctx context.Context, id int64, name, description, instructor string) (uuid.UUID, error) {
	return e.publish(ctx, er.Deleted, &Course{ID: id, Title: name, Description: description, Instructor: instructor})
}

func (e *Events) publish(ctx context.Context, kind er.EventKind, c *Course) (uuid.UUID, error) {
	return e.publisher.Publish(ctx, kind, c.ID, c.Payload())
}
