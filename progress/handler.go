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

// Package progress applies course events to the progress tracking of each
// course, following a per-course state machine.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log"

	er "github.com/looplab/eventrelay"
)

// HandlerName is the name of the progress handler.
const HandlerName = "progress"

// Handler is an envelope handler that keeps the progress tracking of courses
// in a Repository.
type Handler struct {
	repo      Repository
	anomalies []func(context.Context, *OutOfOrderEventError)
}

// Option is an option setter used to configure creation.
type Option func(*Handler) error

// WithAnomalyHook adds a hook that is called for every out of order event.
func WithAnomalyHook(f func(context.Context, *OutOfOrderEventError)) Option {
	return func(h *Handler) error {
		if f == nil {
			return fmt.Errorf("missing anomaly hook")
		}

		h.anomalies = append(h.anomalies, f)

		return nil
	}
}

// NewHandler creates a new Handler.
func NewHandler(repo Repository, options ...Option) (*Handler, error) {
	if repo == nil {
		return nil, fmt.Errorf("missing repository")
	}

	h := &Handler{
		repo: repo,
	}

	for _, option := range options {
		if err := option(h); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	return h, nil
}

// HandlerName implements the HandlerName method of the eventrelay.EnvelopeHandler interface.
func (h *Handler) HandlerName() string {
	return HandlerName
}

// HandleEnvelope implements the HandleEnvelope method of the eventrelay.EnvelopeHandler interface.
func (h *Handler) HandleEnvelope(ctx context.Context, e *er.Envelope) error {
	if e == nil {
		return er.ErrMissingEnvelope
	}

	state, err := h.state(ctx, e.SubjectID)
	if err != nil {
		return err
	}

	_, effect, err := Transition(state, e)

	var anomaly *OutOfOrderEventError
	if errors.As(err, &anomaly) {
		log.Printf("progress: %s", anomaly)

		for _, f := range h.anomalies {
			f(ctx, anomaly)
		}

		return nil
	} else if err != nil {
		return err
	}

	switch effect {
	case Initialize:
		err = h.repo.InitializeTracking(ctx, e.SubjectID, e.Payload, e.OccurredAt)
	case Update:
		err = h.repo.UpdateTracking(ctx, e.SubjectID, e.Payload, e.OccurredAt)
	case Archive:
		err = h.repo.ArchiveTracking(ctx, e.SubjectID, e.OccurredAt)
	}

	if err != nil {
		return fmt.Errorf("could not %s tracking of course %d: %w", effect, e.SubjectID, err)
	}

	return nil
}

// State returns the state of a course.
func (h *Handler) State(ctx context.Context, subjectID int64) (State, error) {
	return h.state(ctx, subjectID)
}

func (h *Handler) state(ctx context.Context, subjectID int64) (State, error) {
	t, err := h.repo.Find(ctx, subjectID)
	if errors.Is(err, ErrTrackingNotFound) {
		return Untracked, nil
	} else if err != nil {
		return Untracked, fmt.Errorf("could not find tracking of course %d: %w", subjectID, err)
	}

	return t.State, nil
}
