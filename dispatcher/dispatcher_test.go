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

package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/channel/local"
	"github.com/looplab/eventrelay/codec/json"
	"github.com/looplab/eventrelay/idempotency/memory"
	"github.com/looplab/eventrelay/mocks"
)

const stream = "course-events"

type fixture struct {
	broker   *local.Broker
	ch       *local.Channel
	store    *mocks.IdempotencyStore
	dl       *mocks.DeadLetterSink
	handler  *mocks.EnvelopeHandler
	d        *Dispatcher
	outcomes []Outcome
	mu       sync.Mutex
}

func newFixture(t *testing.T, options ...Option) *fixture {
	t.Helper()

	f := &fixture{
		broker:  local.NewBroker(),
		store:   mocks.NewIdempotencyStore(),
		dl:      &mocks.DeadLetterSink{},
		handler: mocks.NewEnvelopeHandler("progress"),
	}

	var err error
	if f.ch, err = local.NewChannel(f.broker, stream); err != nil {
		t.Fatal("there should be no error:", err)
	}
	t.Cleanup(func() { f.ch.Close() })

	options = append([]Option{
		WithStoreBackoff(time.Millisecond, time.Millisecond),
		WithObserver(func(o Outcome) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.outcomes = append(f.outcomes, o)
		}),
	}, options...)

	if f.d, err = NewDispatcher(f.store, f.dl, options...); err != nil {
		t.Fatal("there should be no error:", err)
	}

	if err := f.d.AddHandler(f.handler); err != nil {
		t.Fatal("there should be no error:", err)
	}

	return f
}

func (f *fixture) send(t *testing.T, e *er.Envelope) {
	t.Helper()

	b, err := (&json.EnvelopeCodec{}).MarshalEnvelope(context.Background(), e)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	f.sendRaw(t, e.PartitionKey(), b)
}

func (f *fixture) sendRaw(t *testing.T, key string, body []byte) {
	t.Helper()

	if err := f.ch.Send(context.Background(), &er.Message{Key: key, Body: body}); err != nil {
		t.Fatal("there should be no error:", err)
	}
}

func (f *fixture) receive(t *testing.T) *er.Delivery {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d, err := f.ch.Receive(ctx)
	if err != nil {
		t.Fatal("there should be a delivery:", err)
	}

	return d
}

func (f *fixture) results() []Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	var rs []Result
	for _, o := range f.outcomes {
		rs = append(rs, o.Result)
	}

	return rs
}

func (f *fixture) inserts() int {
	f.store.RLock()
	defer f.store.RUnlock()

	return f.store.Inserts
}

func (f *fixture) settled(t *testing.T) {
	t.Helper()

	if n := f.broker.Ready(stream); n != 0 {
		t.Error("there should be no ready messages:", n)
	}

	if n := f.broker.InFlight(stream); n != 0 {
		t.Error("there should be no messages in flight:", n)
	}
}

func TestNewDispatcher(t *testing.T) {
	store := memory.NewStore()
	dl := &mocks.DeadLetterSink{}

	if _, err := NewDispatcher(nil, dl); err == nil {
		t.Error("a missing store should be an error")
	}

	if _, err := NewDispatcher(store, nil); err == nil {
		t.Error("a missing sink should be an error")
	}

	for _, option := range []Option{
		WithCodec(nil),
		WithMaxRetries(-1),
		WithMaxRetries(0),
		WithSettleTimeout(0),
		WithFailureMemory(0),
		WithConcurrency(0),
		WithShutdownGrace(-time.Second),
		WithStoreBackoff(time.Second, time.Millisecond),
		WithObserver(nil),
		WithClock(nil),
	} {
		if _, err := NewDispatcher(store, dl, option); err == nil {
			t.Error("an invalid option should be an error")
		}
	}

	d, err := NewDispatcher(store, dl, nil)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if d.maxRetries != DefaultMaxRetries || d.concurrency != DefaultConcurrency || d.shutdownGrace != DefaultShutdownGrace {
		t.Error("the defaults should be used")
	}
}

func TestAddHandler(t *testing.T) {
	d, err := NewDispatcher(memory.NewStore(), &mocks.DeadLetterSink{})
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if err := d.AddHandler(nil); !errors.Is(err, er.ErrMissingHandler) {
		t.Error("the error should be correct:", err)
	}

	h := mocks.NewEnvelopeHandler("h")
	if err := d.AddHandler(h, er.Created, er.Updated); err != nil {
		t.Error("there should be no error:", err)
	}

	if err := d.AddHandler(h, er.Deleted, er.Updated); !errors.Is(err, er.ErrHandlerAlreadyAdded) {
		t.Error("the error should be correct:", err)
	}

	// Nothing is added when one kind is taken.
	if d.handler(er.Deleted) != nil {
		t.Error("the handler should not be added for DELETED")
	}

	if err := d.AddHandler(h, er.EventKind(9)); !errors.Is(err, er.ErrInvalidEventKind) {
		t.Error("the error should be correct:", err)
	}
}

func TestOnMessageApplied(t *testing.T) {
	now := time.Date(2009, time.November, 10, 23, 0, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return now }))
	e := mocks.Envelope(er.Created, 42)
	f.send(t, e)

	ctx := mocks.WithContextOne(context.Background(), "testval")
	if err := f.d.OnMessage(ctx, f.ch, f.receive(t)); err != nil {
		t.Fatal("there should be no error:", err)
	}

	handled := f.handler.Handled()
	if len(handled) != 1 {
		t.Fatal("the handler should be called once:", len(handled))
	}

	if err := mocks.CompareEnvelopes(handled[0], e); err != nil {
		t.Error("the envelope should be correct:", err)
	}

	r, ok := f.store.Records[e.ID]
	if !ok || !r.AppliedAt.Equal(now) || r.Kind != er.Created || r.SubjectID != 42 {
		t.Error("the record should be stored:", r)
	}

	if rs := f.results(); len(rs) != 1 || rs[0] != Applied {
		t.Error("the outcome should be applied:", rs)
	}

	f.settled(t)
}

// Redeliveries of the same envelope apply the side effect once.
func TestOnMessageIdempotence(t *testing.T) {
	f := newFixture(t)
	e := mocks.Envelope(er.Updated, 7)

	for i := 0; i < 5; i++ {
		f.send(t, e)
	}

	for i := 0; i < 5; i++ {
		if err := f.d.OnMessage(context.Background(), f.ch, f.receive(t)); err != nil {
			t.Error("there should be no error:", err)
		}
	}

	if n := len(f.handler.Handled()); n != 1 {
		t.Error("the handler should be called once:", n)
	}

	expected := []Result{Applied, Duplicate, Duplicate, Duplicate, Duplicate}
	rs := f.results()
	if len(rs) != len(expected) {
		t.Fatal("there should be an outcome per delivery:", rs)
	}

	for i := range expected {
		if rs[i] != expected[i] {
			t.Error("the outcome should be correct:", i, rs[i])
		}
	}

	f.settled(t)
}

// An unknown kind is dead-lettered once and never requeued.
func TestOnMessagePoison(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"eventId":"10a7ec0f-7f2b-46f5-bca1-877b6e33c9fd","eventKind":"BOGUS","subjectId":1,"occurredAt":"2009-11-10T23:00:00Z"}`)
	f.sendRaw(t, "1", body)

	err := f.d.OnMessage(context.Background(), f.ch, f.receive(t))

	var perr *er.PoisonMessageError
	if !errors.As(err, &perr) {
		t.Fatal("the error should be a poison message error:", err)
	}

	if !errors.Is(err, er.ErrInvalidEventKind) || perr.Key != "1" || perr.Attempt != 1 {
		t.Error("the error should be correct:", perr)
	}

	letters := f.dl.Received()
	if len(letters) != 1 {
		t.Fatal("there should be one dead letter:", len(letters))
	}

	if string(letters[0].Body) != string(body) || letters[0].Attempt != 1 || letters[0].Key != "1" || letters[0].Reason == "" {
		t.Error("the dead letter should be correct:", letters[0])
	}

	if len(f.handler.Handled()) != 0 || f.store.Inserts != 0 {
		t.Error("the handler and store should not be used")
	}

	if rs := f.results(); len(rs) != 1 || rs[0] != Poisoned {
		t.Error("the outcome should be poisoned:", rs)
	}

	f.settled(t)
}

func TestOnMessagePoisonSinkFailure(t *testing.T) {
	f := newFixture(t)
	f.dl.Err = mocks.ErrFailed
	f.sendRaw(t, "1", []byte("not json"))

	err := f.d.OnMessage(context.Background(), f.ch, f.receive(t))
	if !errors.Is(err, mocks.ErrFailed) {
		t.Error("the sink error should be returned:", err)
	}

	// Kept for a later attempt.
	if f.broker.Ready(stream) != 1 {
		t.Error("the message should be requeued")
	}
}

func TestOnMessageSkipped(t *testing.T) {
	f := newFixture(t)
	d, err := NewDispatcher(f.store, f.dl)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if err := d.AddHandler(f.handler, er.Created); err != nil {
		t.Fatal("there should be no error:", err)
	}

	f.send(t, mocks.Envelope(er.Deleted, 3))

	if err := d.OnMessage(context.Background(), f.ch, f.receive(t)); err != nil {
		t.Error("there should be no error:", err)
	}

	if len(f.handler.Handled()) != 0 || f.store.Inserts != 0 {
		t.Error("the envelope should be skipped")
	}

	f.settled(t)
}

func TestOnMessageStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.store.InsertErr = mocks.ErrFailed
	e := mocks.Envelope(er.Created, 5)
	f.send(t, e)

	err := f.d.OnMessage(context.Background(), f.ch, f.receive(t))

	var serr *er.StoreUnavailableError
	if !errors.As(err, &serr) || serr.Envelope.ID != e.ID || !errors.Is(err, mocks.ErrFailed) {
		t.Error("the error should be a store error:", err)
	}

	if len(f.handler.Handled()) != 0 {
		t.Error("the handler should not be called")
	}

	if f.broker.Ready(stream) != 1 {
		t.Error("the message should be requeued")
	}

	if rs := f.results(); len(rs) != 1 || rs[0] != StoreUnavailable {
		t.Error("the outcome should be correct:", rs)
	}
}

// A handler failing on every attempt is dead-lettered on the attempt after
// the retry bound.
func TestOnMessageRetriesExhausted(t *testing.T) {
	f := newFixture(t, WithMaxRetries(3))
	f.handler.FailTimes = 3
	e := mocks.Envelope(er.Updated, 11)
	f.send(t, e)

	for attempt := 1; attempt <= 3; attempt++ {
		d := f.receive(t)
		if d.Attempt != attempt {
			t.Fatal("the attempt should be correct:", d.Attempt, attempt)
		}

		err := f.d.OnMessage(context.Background(), f.ch, d)

		var herr *er.HandlerError
		if !errors.As(err, &herr) || !errors.Is(err, mocks.ErrFailed) || herr.Envelope.ID != e.ID {
			t.Error("the error should be a handler error:", err)
		}

		if f.store.Has(e.ID) {
			t.Error("the record should be rolled back")
		}
	}

	d := f.receive(t)
	if err := f.d.OnMessage(context.Background(), f.ch, d); err != nil {
		t.Error("there should be no error:", err)
	}

	letters := f.dl.Received()
	if len(letters) != 1 {
		t.Fatal("there should be one dead letter:", len(letters))
	}

	if letters[0].Attempt != 4 || letters[0].EventID != e.ID.String() || letters[0].Key != "11" {
		t.Error("the dead letter should be correct:", letters[0])
	}

	if len(f.handler.Handled()) != 0 {
		t.Error("the handler should never succeed")
	}

	if f.store.Has(e.ID) {
		t.Error("the record should be rolled back")
	}

	expected := []Result{Requeued, Requeued, Requeued, DeadLettered}
	rs := f.results()
	for i := range expected {
		if i >= len(rs) || rs[i] != expected[i] {
			t.Error("the outcomes should be correct:", rs)
			break
		}
	}

	f.settled(t)
}

// Redeliveries caused by a store outage never count against the retry bound.
func TestOnMessageStoreRecovers(t *testing.T) {
	f := newFixture(t, WithMaxRetries(3))
	f.store.InsertErr = mocks.ErrFailed
	e := mocks.Envelope(er.Created, 16)
	f.send(t, e)

	for i := 0; i < 3; i++ {
		var serr *er.StoreUnavailableError
		if err := f.d.OnMessage(context.Background(), f.ch, f.receive(t)); !errors.As(err, &serr) {
			t.Fatal("the error should be a store error:", err)
		}
	}

	f.store.Lock()
	f.store.InsertErr = nil
	f.store.Unlock()

	d := f.receive(t)
	if d.Attempt != 4 {
		t.Error("the attempt should be correct:", d.Attempt)
	}

	if err := f.d.OnMessage(context.Background(), f.ch, d); err != nil {
		t.Error("there should be no error:", err)
	}

	if len(f.handler.Handled()) != 1 || !f.store.Has(e.ID) {
		t.Error("the envelope should be applied after the store recovered")
	}

	if len(f.dl.Received()) != 0 {
		t.Error("there should be no dead letters")
	}

	expected := []Result{StoreUnavailable, StoreUnavailable, StoreUnavailable, Applied}
	if rs := f.results(); len(rs) != len(expected) || rs[3] != Applied {
		t.Error("the outcomes should be correct:", rs, expected)
	}

	f.settled(t)
}

// Store outages between handler failures leave the failure count untouched.
func TestOnMessageStoreOutageBetweenFailures(t *testing.T) {
	f := newFixture(t, WithMaxRetries(1))
	f.handler.Err = mocks.ErrFailed
	e := mocks.Envelope(er.Updated, 17)
	f.send(t, e)

	var herr *er.HandlerError
	if err := f.d.OnMessage(context.Background(), f.ch, f.receive(t)); !errors.As(err, &herr) {
		t.Fatal("the error should be a handler error:", err)
	}

	f.store.Lock()
	f.store.InsertErr = mocks.ErrFailed
	f.store.Unlock()

	_ = f.d.OnMessage(context.Background(), f.ch, f.receive(t))

	f.store.Lock()
	f.store.InsertErr = nil
	f.store.Unlock()

	if err := f.d.OnMessage(context.Background(), f.ch, f.receive(t)); err != nil {
		t.Error("there should be no error:", err)
	}

	letters := f.dl.Received()
	if len(letters) != 1 || letters[0].Attempt != 3 {
		t.Fatal("the event should be dead-lettered on the third delivery:", letters)
	}

	if !strings.Contains(letters[0].Reason, "after 1 handler failures") {
		t.Error("the reason should count handler failures:", letters[0].Reason)
	}

	if rs := f.results(); len(rs) != 3 || rs[0] != Requeued || rs[1] != StoreUnavailable || rs[2] != DeadLettered {
		t.Error("the outcomes should be correct:", rs)
	}

	f.settled(t)
}

// Failure counts of the least recently failed events are forgotten.
func TestOnMessageFailureMemory(t *testing.T) {
	f := newFixture(t, WithMaxRetries(1), WithFailureMemory(1))
	f.handler.FailTimes = 2
	first := mocks.Envelope(er.Created, 18)
	second := mocks.Envelope(er.Created, 19)
	f.send(t, first)
	f.send(t, second)

	d1, d2 := f.receive(t), f.receive(t)
	_ = f.d.OnMessage(context.Background(), f.ch, d1)
	_ = f.d.OnMessage(context.Background(), f.ch, d2)

	if f.d.failures.count(first.ID) != 0 || f.d.failures.count(second.ID) != 1 {
		t.Error("only the last failing event should be counted")
	}

	// The second event is still counted and is dead-lettered.
	if err := f.d.OnMessage(context.Background(), f.ch, f.receive(t)); err != nil {
		t.Error("there should be no error:", err)
	}

	if letters := f.dl.Received(); len(letters) != 1 || letters[0].EventID != second.ID.String() {
		t.Error("the second event should be dead-lettered:", letters)
	}

	// The first event runs again instead of being dead-lettered.
	if err := f.d.OnMessage(context.Background(), f.ch, f.receive(t)); err != nil {
		t.Error("there should be no error:", err)
	}

	if h := f.handler.Handled(); len(h) != 1 || h[0].ID != first.ID {
		t.Error("the first event should be applied:", h)
	}

	f.settled(t)
}

// A handler whose context is cancelled still has its delivery rolled back
// and requeued, and the cancellation is not counted as a failure.
func TestOnMessageCancelledHandler(t *testing.T) {
	f := newFixture(t)
	d, err := NewDispatcher(f.store, f.dl, WithMaxRetries(1), WithStoreBackoff(time.Millisecond, time.Millisecond))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.AddHandler(er.EnvelopeHandlerFunc(func(ctx context.Context, e *er.Envelope) error {
		cancel()
		return ctx.Err()
	})); err != nil {
		t.Fatal("there should be no error:", err)
	}

	e := mocks.Envelope(er.Created, 20)
	f.send(t, e)

	var herr *er.HandlerError
	if err := d.OnMessage(ctx, f.ch, f.receive(t)); !errors.As(err, &herr) || !errors.Is(err, context.Canceled) {
		t.Error("the error should be a handler error:", err)
	}

	if f.store.Has(e.ID) {
		t.Error("the record should be rolled back")
	}

	if f.broker.Ready(stream) != 1 || f.broker.InFlight(stream) != 0 {
		t.Error("the message should be requeued")
	}

	if d.failures.count(e.ID) != 0 {
		t.Error("the cancellation should not count as a failure")
	}
}

func TestOnMessageRetrySucceeds(t *testing.T) {
	f := newFixture(t)
	f.handler.FailTimes = 2
	e := mocks.Envelope(er.Created, 12)
	f.send(t, e)

	for i := 0; i < 3; i++ {
		_ = f.d.OnMessage(context.Background(), f.ch, f.receive(t))
	}

	if len(f.handler.Handled()) != 1 || !f.store.Has(e.ID) {
		t.Error("the envelope should be applied on the third attempt")
	}

	if len(f.dl.Received()) != 0 {
		t.Error("there should be no dead letters")
	}

	f.settled(t)
}

func TestOnMessageRollbackRetried(t *testing.T) {
	f := newFixture(t)
	f.handler.FailTimes = 1
	f.store.RemoveFailTimes = 2
	e := mocks.Envelope(er.Created, 13)
	f.send(t, e)

	_ = f.d.OnMessage(context.Background(), f.ch, f.receive(t))

	if f.store.Removes != 3 || f.store.Has(e.ID) {
		t.Error("the rollback should be retried:", f.store.Removes)
	}

	if f.broker.Ready(stream) != 1 {
		t.Error("the message should be requeued")
	}
}

func TestOnMessageRollbackFailure(t *testing.T) {
	f := newFixture(t)
	f.handler.Err = mocks.ErrFailed
	f.store.RemoveErr = errors.New("store down")
	e := mocks.Envelope(er.Created, 14)
	f.send(t, e)

	err := f.d.OnMessage(context.Background(), f.ch, f.receive(t))
	if !errors.Is(err, mocks.ErrFailed) {
		t.Error("the handler error should be returned:", err)
	}

	if len(f.dl.Received()) != 1 {
		t.Error("the message should be dead-lettered")
	}

	if rs := f.results(); len(rs) != 1 || rs[0] != DeadLettered {
		t.Error("the outcome should be correct:", rs)
	}

	f.settled(t)
}

func TestOnMessagePanic(t *testing.T) {
	f := newFixture(t)
	d, err := NewDispatcher(f.store, f.dl, WithStoreBackoff(time.Millisecond, time.Millisecond))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if err := d.AddHandler(er.EnvelopeHandlerFunc(func(ctx context.Context, e *er.Envelope) error {
		panic("boom")
	})); err != nil {
		t.Fatal("there should be no error:", err)
	}

	f.send(t, mocks.Envelope(er.Created, 15))

	var herr *er.HandlerError
	if err := d.OnMessage(context.Background(), f.ch, f.receive(t)); !errors.As(err, &herr) {
		t.Error("a panic should be a handler error:", err)
	}

	if f.broker.Ready(stream) != 1 {
		t.Error("the message should be requeued")
	}
}

// Two copies of the same event racing: one applies, the other is a duplicate.
func TestOnMessageRace(t *testing.T) {
	f := newFixture(t)
	f.handler.Delay = 50 * time.Millisecond
	e := mocks.Envelope(er.Created, 21)
	f.send(t, e)
	f.send(t, e)

	d1, d2 := f.receive(t), f.receive(t)

	var wg sync.WaitGroup
	for _, d := range []*er.Delivery{d1, d2} {
		wg.Add(1)

		go func(d *er.Delivery) {
			defer wg.Done()

			if err := f.d.OnMessage(context.Background(), f.ch, d); err != nil {
				t.Error("there should be no error:", err)
			}
		}(d)
	}
	wg.Wait()

	if n := len(f.handler.Handled()); n != 1 {
		t.Error("the handler should be called once:", n)
	}

	var applied, duplicate int
	for _, r := range f.results() {
		switch r {
		case Applied:
			applied++
		case Duplicate:
			duplicate++
		}
	}

	if applied != 1 || duplicate != 1 {
		t.Error("one copy should win:", applied, duplicate)
	}

	f.settled(t)
}

func TestRunOrdering(t *testing.T) {
	f := newFixture(t, WithConcurrency(3))

	subjects := []int64{1, 2, 3, 4, 5, 6}
	for _, s := range subjects {
		for _, k := range er.EventKinds() {
			f.send(t, mocks.Envelope(k, s))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- f.d.Run(ctx, f.ch) }()

	for i := 0; i < len(subjects)*3; i++ {
		f.handler.WaitForEnvelope(t)
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Error("there should be no error:", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run should return after cancel")
	}

	order := map[int64][]er.EventKind{}
	for _, e := range f.handler.Handled() {
		order[e.SubjectID] = append(order[e.SubjectID], e.Kind)
	}

	for _, s := range subjects {
		kinds := order[s]
		if len(kinds) != 3 || kinds[0] != er.Created || kinds[1] != er.Updated || kinds[2] != er.Deleted {
			t.Error("the events should be handled in order:", s, kinds)
		}
	}

	f.settled(t)
}

func TestRunGracefulShutdown(t *testing.T) {
	f := newFixture(t, WithShutdownGrace(time.Second))
	f.handler.Delay = 200 * time.Millisecond
	f.send(t, mocks.Envelope(er.Created, 31))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- f.d.Run(ctx, f.ch) }()

	for f.inserts() == 0 {
		time.Sleep(time.Millisecond)
	}

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run should return after the handler finished")
	}

	if len(f.handler.Handled()) != 1 {
		t.Error("the in-flight handler should finish")
	}

	f.settled(t)
}

func TestRunShutdownGraceExceeded(t *testing.T) {
	f := newFixture(t, WithShutdownGrace(10*time.Millisecond))
	f.handler.Delay = time.Second
	e := mocks.Envelope(er.Created, 32)
	f.send(t, e)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- f.d.Run(ctx, f.ch) }()

	for f.inserts() == 0 {
		time.Sleep(time.Millisecond)
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run should return after the grace period")
	}

	if len(f.handler.Handled()) != 0 || f.store.Has(e.ID) {
		t.Error("the unfinished handler should not be recorded")
	}

	if f.broker.Ready(stream) != 1 {
		t.Error("the message should be left for redelivery")
	}

	// The redelivery is applied, not acked as a duplicate.
	f.handler.Lock()
	f.handler.Delay = 0
	f.handler.Unlock()

	if err := f.d.OnMessage(context.Background(), f.ch, f.receive(t)); err != nil {
		t.Error("there should be no error:", err)
	}

	if len(f.handler.Handled()) != 1 || !f.store.Has(e.ID) {
		t.Error("the redelivered envelope should be applied")
	}

	if rs := f.results(); len(rs) != 2 || rs[0] != Requeued || rs[1] != Applied {
		t.Error("the outcomes should be correct:", rs)
	}

	f.settled(t)
}

func TestRunClosedReceiver(t *testing.T) {
	f := newFixture(t)
	f.ch.Close()

	if err := f.d.Run(context.Background(), f.ch); !errors.Is(err, er.ErrChannelClosed) {
		t.Error("the error should be correct:", err)
	}
}

func TestRunReportsErrors(t *testing.T) {
	f := newFixture(t)
	f.sendRaw(t, "1", []byte("{"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go f.d.Run(ctx, f.ch)

	select {
	case err := <-f.d.Errors():
		var perr *er.PoisonMessageError
		if !errors.As(err, &perr) {
			t.Error("the error should be a poison message error:", err)
		}
	case <-time.After(time.Second):
		t.Fatal("there should be an async error")
	}
}

func TestPartition(t *testing.T) {
	for _, key := range []string{"1", "42", "1000"} {
		p := partition(key, 3)
		if p < 0 || p >= 3 {
			t.Error("the partition should be in range:", p)
		}

		if partition(key, 3) != p {
			t.Error("the partition should be stable")
		}
	}

	if partition("anything", 1) != 0 {
		t.Error("a single worker should get all keys")
	}
}

func TestGracefulContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g, stop := newGracefulContext(ctx, 50*time.Millisecond)
	defer stop()

	cancel()

	select {
	case <-g.Done():
		t.Fatal("the context should be alive during the grace period")
	case <-time.After(20 * time.Millisecond):
	}

	if g.Err() != nil {
		t.Error("there should be no error during the grace period")
	}

	select {
	case <-g.Done():
	case <-time.After(time.Second):
		t.Fatal("the context should be done after the grace period")
	}

	if !errors.Is(g.Err(), context.Canceled) {
		t.Error("the error should be correct:", g.Err())
	}

	g2, stop2 := newGracefulContext(context.Background(), time.Hour)
	stop2()

	select {
	case <-g2.Done():
	case <-time.After(time.Second):
		t.Fatal("the context should be done after stop")
	}
}
