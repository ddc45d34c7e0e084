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

package mocks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/uuid"
)

// ErrFailed is a generic error used to simulate failures.
var ErrFailed = errors.New("mock failure")

// EnvelopeHandler is a mocked eventrelay.EnvelopeHandler, useful in testing.
type EnvelopeHandler struct {
	sync.RWMutex

	Name      string
	Envelopes []*er.Envelope
	Context   context.Context
	Recv      chan *er.Envelope
	// Used to simulate errors when handling.
	Err error
	// Used to fail the first handled envelopes, then succeed.
	FailTimes int
	// Used to simulate slow handling.
	Delay time.Duration
}

// NewEnvelopeHandler creates a new EnvelopeHandler.
func NewEnvelopeHandler(name string) *EnvelopeHandler {
	return &EnvelopeHandler{
		Name:      name,
		Envelopes: []*er.Envelope{},
		Context:   context.Background(),
		Recv:      make(chan *er.Envelope, 100),
	}
}

// HandlerName implements the HandlerName method of the eventrelay.EnvelopeHandler interface.
func (m *EnvelopeHandler) HandlerName() string {
	return m.Name
}

// HandleEnvelope implements the HandleEnvelope method of the eventrelay.EnvelopeHandler interface.
func (m *EnvelopeHandler) HandleEnvelope(ctx context.Context, e *er.Envelope) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.Lock()
	defer m.Unlock()

	if m.Err != nil {
		return m.Err
	}

	if m.FailTimes > 0 {
		m.FailTimes--
		return ErrFailed
	}

	m.Envelopes = append(m.Envelopes, e)
	m.Context = ctx

	select {
	case m.Recv <- e:
	default:
	}

	return nil
}

// Handled returns a copy of the handled envelopes.
func (m *EnvelopeHandler) Handled() []*er.Envelope {
	m.RLock()
	defer m.RUnlock()

	return append([]*er.Envelope{}, m.Envelopes...)
}

// Wait is a helper to wait some duration until an envelope has been handled.
func (m *EnvelopeHandler) Wait(d time.Duration) bool {
	select {
	case <-m.Recv:
		return true
	case <-time.After(d):
		return false
	}
}

// WaitForEnvelope is a helper to wait until an envelope has been handled, it
// times out after 1 second.
func (m *EnvelopeHandler) WaitForEnvelope(t *testing.T) {
	t.Helper()

	if !m.Wait(time.Second) {
		t.Error("did not receive envelope in time")
	}
}

// Sender is a mocked eventrelay.Sender, useful in testing.
type Sender struct {
	sync.RWMutex

	Messages []*er.Message
	Context  context.Context
	// Used to simulate errors when sending.
	Err error
}

// Send implements the Send method of the eventrelay.Sender interface.
func (m *Sender) Send(ctx context.Context, msg *er.Message) error {
	m.Lock()
	defer m.Unlock()

	if m.Err != nil {
		return m.Err
	}

	m.Messages = append(m.Messages, msg)
	m.Context = ctx

	return nil
}

// Sent returns a copy of the sent messages.
func (m *Sender) Sent() []*er.Message {
	m.RLock()
	defer m.RUnlock()

	return append([]*er.Message{}, m.Messages...)
}

// IdempotencyStore is a mocked eventrelay.IdempotencyStore, useful in testing.
type IdempotencyStore struct {
	sync.RWMutex

	Records map[uuid.UUID]*er.DeliveryRecord
	Inserts int
	Removes int
	// Used to simulate errors.
	InsertErr error
	RemoveErr error
	// Used to fail a number of removes, then succeed.
	RemoveFailTimes int
}

// NewIdempotencyStore creates a new IdempotencyStore.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{
		Records: map[uuid.UUID]*er.DeliveryRecord{},
	}
}

// Insert implements the Insert method of the eventrelay.IdempotencyStore interface.
func (m *IdempotencyStore) Insert(ctx context.Context, r *er.DeliveryRecord) error {
	m.Lock()
	defer m.Unlock()

	m.Inserts++

	// Like the real stores, a done context fails the call.
	if err := ctx.Err(); err != nil {
		return err
	}

	if m.InsertErr != nil {
		return m.InsertErr
	}

	if _, ok := m.Records[r.EventID]; ok {
		return er.ErrAlreadyApplied
	}

	m.Records[r.EventID] = r

	return nil
}

// Remove implements the Remove method of the eventrelay.IdempotencyStore interface.
func (m *IdempotencyStore) Remove(ctx context.Context, id uuid.UUID) error {
	m.Lock()
	defer m.Unlock()

	m.Removes++

	if err := ctx.Err(); err != nil {
		return err
	}

	if m.RemoveErr != nil {
		return m.RemoveErr
	}

	if m.RemoveFailTimes > 0 {
		m.RemoveFailTimes--
		return ErrFailed
	}

	delete(m.Records, id)

	return nil
}

// Has returns true if the event ID is recorded.
func (m *IdempotencyStore) Has(id uuid.UUID) bool {
	m.RLock()
	defer m.RUnlock()

	_, ok := m.Records[id]

	return ok
}

// DeadLetterSink is a mocked eventrelay.DeadLetterSink, useful in testing.
type DeadLetterSink struct {
	sync.RWMutex

	Letters []*er.DeadLetter
	// Used to simulate errors.
	Err error
}

// DeadLetter implements the DeadLetter method of the eventrelay.DeadLetterSink interface.
func (m *DeadLetterSink) DeadLetter(ctx context.Context, l *er.DeadLetter) error {
	m.Lock()
	defer m.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if m.Err != nil {
		return m.Err
	}

	m.Letters = append(m.Letters, l)

	return nil
}

// Received returns a copy of the dead letters.
func (m *DeadLetterSink) Received() []*er.DeadLetter {
	m.RLock()
	defer m.RUnlock()

	return append([]*er.DeadLetter{}, m.Letters...)
}

type contextKey int

const (
	contextKeyOne contextKey = iota
)

const (
	// The string key used to marshal contextKeyOne.
	contextKeyOneStr = "context_one"
)

func init() {
	er.RegisterContextField(er.ContextField{
		Key: contextKeyOneStr,
		Extract: func(ctx context.Context) (interface{}, bool) {
			return ContextOne(ctx)
		},
		Inject: func(ctx context.Context, val interface{}) context.Context {
			if s, ok := val.(string); ok {
				return WithContextOne(ctx, s)
			}

			return ctx
		},
	})
}

// WithContextOne sets a value for One one the context.
func WithContextOne(ctx context.Context, val string) context.Context {
	return context.WithValue(ctx, contextKeyOne, val)
}

// ContextOne returns a value for One from the context.
func ContextOne(ctx context.Context) (string, bool) {
	val, ok := ctx.Value(contextKeyOne).(string)
	return val, ok
}
