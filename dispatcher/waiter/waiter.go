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

// Package waiter lets callers wait for dispatcher outcomes matching a
// criteria, like a specific event being applied.
package waiter

import (
	"context"
	"errors"

	"github.com/looplab/eventrelay/dispatcher"
	"github.com/looplab/eventrelay/uuid"
)

// ErrClosed is when waiting on a closed listener or waiter.
var ErrClosed = errors.New("waiter closed")

// DefaultBuffer is the number of outcomes a listener holds before it starts
// dropping new ones.
var DefaultBuffer = 16

// Waiter fans out dispatcher outcomes to listeners.
type Waiter struct {
	inbox      chan dispatcher.Outcome
	register   chan *Listener
	unregister chan *Listener
	done       chan struct{}
}

// NewWaiter returns a new Waiter. Use Observe as a dispatcher observer.
func NewWaiter() *Waiter {
	w := &Waiter{
		inbox:      make(chan dispatcher.Outcome, 1),
		register:   make(chan *Listener),
		unregister: make(chan *Listener),
		done:       make(chan struct{}),
	}

	go w.run()

	return w
}

// Observe forwards an outcome to the listeners. It is a dispatcher observer.
func (w *Waiter) Observe(o dispatcher.Outcome) {
	select {
	case w.inbox <- o:
	case <-w.done:
	}
}

// Listen registers a listener for outcomes where match returns true. A nil
// match accepts all outcomes.
func (w *Waiter) Listen(match func(dispatcher.Outcome) bool) *Listener {
	l := &Listener{
		id:         uuid.New(),
		inbox:      make(chan dispatcher.Outcome, DefaultBuffer),
		match:      match,
		unregister: w.unregister,
		done:       w.done,
	}

	select {
	case w.register <- l:
	case <-w.done:
		close(l.inbox)
	}

	return l
}

// Close stops the waiter and closes all listeners.
func (w *Waiter) Close() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

func (w *Waiter) run() {
	listeners := map[uuid.UUID]*Listener{}

	defer func() {
		for _, l := range listeners {
			close(l.inbox)
		}
	}()

	for {
		select {
		case l := <-w.register:
			listeners[l.id] = l
		case l := <-w.unregister:
			// Closing twice would panic.
			if _, ok := listeners[l.id]; ok {
				delete(listeners, l.id)
				close(l.inbox)
			}
		case o := <-w.inbox:
			for _, l := range listeners {
				if l.match == nil || l.match(o) {
					select {
					case l.inbox <- o:
					default:
					}
				}
			}
		case <-w.done:
			return
		}
	}
}

// Listener receives matching outcomes from a Waiter.
type Listener struct {
	id         uuid.UUID
	inbox      chan dispatcher.Outcome
	match      func(dispatcher.Outcome) bool
	unregister chan *Listener
	done       chan struct{}
}

// Wait waits for the next matching outcome or the context to be done.
func (l *Listener) Wait(ctx context.Context) (dispatcher.Outcome, error) {
	select {
	case o, ok := <-l.inbox:
		if !ok {
			return dispatcher.Outcome{}, ErrClosed
		}

		return o, nil
	case <-ctx.Done():
		return dispatcher.Outcome{}, ctx.Err()
	}
}

// WaitN waits for n matching outcomes.
func (l *Listener) WaitN(ctx context.Context, n int) ([]dispatcher.Outcome, error) {
	outcomes := make([]dispatcher.Outcome, 0, n)

	for len(outcomes) < n {
		o, err := l.Wait(ctx)
		if err != nil {
			return outcomes, err
		}

		outcomes = append(outcomes, o)
	}

	return outcomes, nil
}

// Inbox returns the channel outcomes are delivered on, for use in a select.
func (l *Listener) Inbox() <-chan dispatcher.Outcome {
	return l.inbox
}

// Close stops listening.
func (l *Listener) Close() {
	select {
	case l.unregister <- l:
	case <-l.done:
	}
}

// Applied matches outcomes where the event was applied.
func Applied(o dispatcher.Outcome) bool {
	return o.Result == dispatcher.Applied
}

// Settled matches outcomes that settled the delivery for good, leaving no
// redelivery behind.
func Settled(o dispatcher.Outcome) bool {
	switch o.Result {
	case dispatcher.Requeued, dispatcher.StoreUnavailable:
		return false
	default:
		return true
	}
}

// ForSubject matches outcomes for an event about a subject.
func ForSubject(subjectID int64) func(dispatcher.Outcome) bool {
	return func(o dispatcher.Outcome) bool {
		return o.Envelope != nil && o.Envelope.SubjectID == subjectID
	}
}
