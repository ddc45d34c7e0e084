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

// Package publisher sends course events on a channel. Publishing is
// synchronous: it returns once the channel has durably accepted the message,
// or with an error carrying the envelope so the caller can retransmit it.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/codec/json"
	"github.com/looplab/eventrelay/uuid"
)

// Result is the result of a publish, passed to observers.
type Result struct {
	Envelope *er.Envelope
	Err      error
	Duration time.Duration
}

// Publisher publishes envelopes on a sender.
type Publisher struct {
	sender   er.Sender
	codec    er.EnvelopeCodec
	now      func() time.Time
	newID    func() uuid.UUID
	observer func(Result)
}

// Option is an option setter used to configure creation.
type Option func(*Publisher) error

// WithCodec uses the specified codec for encoding envelopes.
func WithCodec(codec er.EnvelopeCodec) Option {
	return func(p *Publisher) error {
		if codec == nil {
			return errors.New("missing codec")
		}

		p.codec = codec

		return nil
	}
}

// WithClock sets the clock used to stamp envelopes.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) error {
		p.now = now
		return nil
	}
}

// WithIDGenerator sets the generator of event IDs.
func WithIDGenerator(newID func() uuid.UUID) Option {
	return func(p *Publisher) error {
		p.newID = newID
		return nil
	}
}

// WithObserver adds an observer of all publish results, for metrics.
func WithObserver(f func(Result)) Option {
	return func(p *Publisher) error {
		p.observer = f
		return nil
	}
}

// NewPublisher creates a Publisher.
func NewPublisher(sender er.Sender, options ...Option) (*Publisher, error) {
	if sender == nil {
		return nil, errors.New("missing sender")
	}

	p := &Publisher{
		sender: sender,
		codec:  &json.EnvelopeCodec{},
		now:    time.Now,
		newID:  uuid.New,
	}

	for _, option := range options {
		if err := option(p); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	return p, nil
}

// Publish creates an envelope with a new event ID and sends it. The event ID
// is returned on success. On failure the error is a *eventrelay.PublishError,
// holding the envelope if it could be created.
func (p *Publisher) Publish(ctx context.Context, kind er.EventKind, subjectID int64, payload *er.Payload) (uuid.UUID, error) {
	e, err := er.NewEnvelopeAt(p.newID(), kind, subjectID, payload, p.now())
	if err != nil {
		err = &er.PublishError{Err: err, Ctx: ctx}
		p.observe(Result{Err: err})

		return uuid.Nil, err
	}

	if err := p.Republish(ctx, e); err != nil {
		return uuid.Nil, err
	}

	return e.ID, nil
}

// Republish sends an existing envelope again, keeping its event ID so that
// consumers detect it as a duplicate if the first send did arrive.
func (p *Publisher) Republish(ctx context.Context, e *er.Envelope) error {
	start := p.now()

	err := p.send(ctx, e)
	if err != nil {
		err = &er.PublishError{Err: err, Ctx: ctx, Envelope: e}
	}

	p.observe(Result{Envelope: e, Err: err, Duration: p.now().Sub(start)})

	return err
}

func (p *Publisher) send(ctx context.Context, e *er.Envelope) error {
	if e == nil {
		return er.ErrMissingEnvelope
	}

	b, err := p.codec.MarshalEnvelope(ctx, e)
	if err != nil {
		return err
	}

	return p.sender.Send(ctx, &er.Message{
		ID:   e.ID.String(),
		Key:  e.PartitionKey(),
		Body: b,
	})
}

func (p *Publisher) observe(r Result) {
	if p.observer != nil {
		p.observer(r)
	}
}
