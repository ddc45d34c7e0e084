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

// Package dispatcher consumes envelopes from a channel and applies each event
// at most once through the idempotency store, with bounded retries and
// dead-lettering.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/codec/json"
)

// Defaults used when not configured.
const (
	DefaultMaxRetries    = 3
	DefaultConcurrency   = 3
	DefaultShutdownGrace = 10 * time.Second
	DefaultSettleTimeout = 10 * time.Second
	DefaultFailureMemory = 10000
)

// Number of attempts to roll back an idempotency record before giving up.
const rollbackAttempts = 5

// Dispatcher is an inbound dispatcher of envelopes to one handler per kind.
type Dispatcher struct {
	store       er.IdempotencyStore
	deadLetters er.DeadLetterSink
	codec       er.EnvelopeCodec

	handlers   map[er.EventKind]er.EnvelopeHandler
	handlersMu sync.RWMutex

	maxRetries    int
	concurrency   int
	shutdownGrace time.Duration
	settleTimeout time.Duration
	failureMemory int
	failures      *failureCounter
	storeBackoff  backoff.Backoff
	observers     []func(Outcome)
	now           func() time.Time

	errCh chan error
}

// Option is an option setter used to configure creation.
type Option func(*Dispatcher) error

// WithCodec uses the specified codec for decoding envelopes.
func WithCodec(codec er.EnvelopeCodec) Option {
	return func(d *Dispatcher) error {
		if codec == nil {
			return fmt.Errorf("missing codec")
		}

		d.codec = codec

		return nil
	}
}

// WithMaxRetries sets the number of handler failures of an event before its
// next delivery is dead-lettered. With 3 retries the 4th delivery of an event
// that failed 3 times is dead-lettered.
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) error {
		if n < 1 {
			return fmt.Errorf("invalid max retries: %d", n)
		}

		d.maxRetries = n

		return nil
	}
}

// WithConcurrency sets the number of workers used by Run.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) error {
		if n < 1 {
			return fmt.Errorf("invalid concurrency: %d", n)
		}

		d.concurrency = n

		return nil
	}
}

// WithShutdownGrace sets how long in-flight handlers may run after Run has
// been cancelled.
func WithShutdownGrace(grace time.Duration) Option {
	return func(d *Dispatcher) error {
		if grace < 0 {
			return fmt.Errorf("invalid shutdown grace: %s", grace)
		}

		d.shutdownGrace = grace

		return nil
	}
}

// WithSettleTimeout bounds the time spent rolling back, dead-lettering and
// settling a delivery after its handler has returned. Those steps are not cut
// short by the shutdown of Run.
func WithSettleTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) error {
		if timeout <= 0 {
			return fmt.Errorf("invalid settle timeout: %s", timeout)
		}

		d.settleTimeout = timeout

		return nil
	}
}

// WithFailureMemory sets how many failing events have their handler failures
// counted. The least recently failed events are forgotten first.
func WithFailureMemory(n int) Option {
	return func(d *Dispatcher) error {
		if n < 1 {
			return fmt.Errorf("invalid failure memory: %d", n)
		}

		d.failureMemory = n

		return nil
	}
}

// WithStoreBackoff sets the backoff before rejecting a delivery when the
// idempotency store is unavailable, and between rollback attempts.
func WithStoreBackoff(min, max time.Duration) Option {
	return func(d *Dispatcher) error {
		if min < 0 || max < min {
			return fmt.Errorf("invalid store backoff: %s-%s", min, max)
		}

		d.storeBackoff = backoff.Backoff{Min: min, Max: max, Factor: 2}

		return nil
	}
}

// WithObserver adds an observer that is called once per settled delivery.
func WithObserver(f func(Outcome)) Option {
	return func(d *Dispatcher) error {
		if f == nil {
			return fmt.Errorf("missing observer")
		}

		d.observers = append(d.observers, f)

		return nil
	}
}

// WithClock sets the time source used for records and dead letters.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) error {
		if now == nil {
			return fmt.Errorf("missing clock")
		}

		d.now = now

		return nil
	}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store er.IdempotencyStore, deadLetters er.DeadLetterSink, options ...Option) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("missing idempotency store")
	}

	if deadLetters == nil {
		return nil, fmt.Errorf("missing dead letter sink")
	}

	d := &Dispatcher{
		store:         store,
		deadLetters:   deadLetters,
		codec:         &json.EnvelopeCodec{},
		handlers:      map[er.EventKind]er.EnvelopeHandler{},
		maxRetries:    DefaultMaxRetries,
		concurrency:   DefaultConcurrency,
		shutdownGrace: DefaultShutdownGrace,
		settleTimeout: DefaultSettleTimeout,
		failureMemory: DefaultFailureMemory,
		storeBackoff:  backoff.Backoff{Min: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2},
		now:           time.Now,
		errCh:         make(chan error, 100),
	}

	for _, option := range options {
		if option == nil {
			continue
		}

		if err := option(d); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	var err error
	if d.failures, err = newFailureCounter(d.failureMemory); err != nil {
		return nil, fmt.Errorf("could not create failure counter: %w", err)
	}

	return d, nil
}

// AddHandler adds a handler for one or more event kinds. Each kind can only
// have one handler.
func (d *Dispatcher) AddHandler(h er.EnvelopeHandler, kinds ...er.EventKind) error {
	if h == nil {
		return er.ErrMissingHandler
	}

	if len(kinds) == 0 {
		kinds = er.EventKinds()
	}

	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()

	for _, k := range kinds {
		if !k.Valid() {
			return fmt.Errorf("%w: %s", er.ErrInvalidEventKind, k)
		}

		if _, ok := d.handlers[k]; ok {
			return fmt.Errorf("%w: %s", er.ErrHandlerAlreadyAdded, k)
		}
	}

	for _, k := range kinds {
		d.handlers[k] = h
	}

	return nil
}

func (d *Dispatcher) handler(k er.EventKind) er.EnvelopeHandler {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()

	return d.handlers[k]
}

// Errors returns an error channel where async handling errors are sent.
func (d *Dispatcher) Errors() <-chan error {
	return d.errCh
}

// OnMessage processes one delivery end to end and settles it on the receiver.
// The returned error is nil when the delivery was applied, skipped, was a
// duplicate or was dead-lettered after exhausting its retries.
func (d *Dispatcher) OnMessage(ctx context.Context, r er.Receiver, msg *er.Delivery) error {
	start := time.Now()
	o := d.onMessage(ctx, r, msg)
	o.Delivery = msg
	o.Duration = time.Since(start)

	for _, f := range d.observers {
		f(o)
	}

	return o.Err
}

func (d *Dispatcher) onMessage(ctx context.Context, r er.Receiver, msg *er.Delivery) Outcome {
	e, ectx, err := d.codec.UnmarshalEnvelope(ctx, msg.Body)
	if err != nil {
		sctx, cancel := d.settleContext(ctx)
		defer cancel()

		return d.poison(sctx, r, msg, err)
	}

	ctx = ectx

	// Settling uses its own context from here on, the handler and the store
	// insert use ctx.
	sctx, cancel := d.settleContext(ctx)
	defer cancel()

	h := d.handler(e.Kind)
	if h == nil {
		if err := r.Ack(sctx, msg); err != nil {
			return Outcome{Envelope: e, Result: Skipped, Err: fmt.Errorf("could not ack: %w", err)}
		}

		return Outcome{Envelope: e, Result: Skipped}
	}

	record := er.NewDeliveryRecord(e, d.now())
	if err := d.store.Insert(ctx, record); errors.Is(err, er.ErrAlreadyApplied) {
		d.failures.forget(e.ID)

		if err := r.Ack(sctx, msg); err != nil {
			return Outcome{Envelope: e, Result: Duplicate, Err: fmt.Errorf("could not ack: %w", err)}
		}

		return Outcome{Envelope: e, Result: Duplicate}
	} else if err != nil {
		err = &er.StoreUnavailableError{Err: err, Ctx: ctx, Envelope: e}

		d.sleep(ctx, d.storeBackoff.ForAttempt(float64(max(msg.Attempt-1, 0))))

		if rerr := r.Reject(sctx, msg, true); rerr != nil {
			err = fmt.Errorf("%w (could not reject: %s)", err, rerr)
		}

		return Outcome{Envelope: e, Result: StoreUnavailable, Err: err}
	}

	if n := d.failures.count(e.ID); n >= d.maxRetries {
		reason := fmt.Sprintf("retries exhausted after %d handler failures", n)
		if err := d.rollback(sctx, e); err != nil {
			reason += fmt.Sprintf(" (%s)", err)
		}

		o := d.deadLetter(sctx, r, msg, e, reason, DeadLettered, nil)
		if o.Result == DeadLettered {
			d.failures.forget(e.ID)
		}

		return o
	}

	if err := d.handle(ctx, h, e); err != nil {
		err = &er.HandlerError{Err: err, Ctx: ctx, Envelope: e}

		// Handlers cut off by shutdown are not counted as failing.
		if ctx.Err() == nil {
			d.failures.add(e.ID)
		}

		// The message must not be redelivered as a duplicate if the record
		// can not be removed.
		if rerr := d.rollback(sctx, e); rerr != nil {
			o := d.deadLetter(sctx, r, msg, e, fmt.Sprintf("%s (%s)", err, rerr), DeadLettered, err)
			if o.Result == DeadLettered {
				d.failures.forget(e.ID)
			}

			return o
		}

		if rerr := r.Reject(sctx, msg, true); rerr != nil {
			err = fmt.Errorf("%w (could not reject: %s)", err, rerr)
		}

		return Outcome{Envelope: e, Result: Requeued, Err: err}
	}

	d.failures.forget(e.ID)

	if err := r.Ack(sctx, msg); err != nil {
		return Outcome{Envelope: e, Result: Applied, Err: fmt.Errorf("could not ack: %w", err)}
	}

	return Outcome{Envelope: e, Result: Applied}
}

// settleContext keeps the values of ctx but not its cancellation.
func (d *Dispatcher) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.settleTimeout)
}

func (d *Dispatcher) handle(ctx context.Context, h er.EnvelopeHandler, e *er.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler %s: %v", h.HandlerName(), r)
		}
	}()

	return h.HandleEnvelope(ctx, e)
}

func (d *Dispatcher) poison(ctx context.Context, r er.Receiver, msg *er.Delivery, err error) Outcome {
	perr := &er.PoisonMessageError{Err: err, Ctx: ctx, Key: msg.Key, Attempt: msg.Attempt}

	return d.deadLetter(ctx, r, msg, nil, perr.Error(), Poisoned, perr)
}

// deadLetter writes the delivery to the dead-letter sink and rejects it
// without requeue. If the sink fails, the delivery is requeued instead.
func (d *Dispatcher) deadLetter(ctx context.Context, r er.Receiver, msg *er.Delivery,
	e *er.Envelope, reason string, result Result, cause error) Outcome {
	l := &er.DeadLetter{
		Key:      msg.Key,
		Body:     msg.Body,
		Reason:   reason,
		Attempt:  msg.Attempt,
		FailedAt: d.now(),
	}
	if e != nil {
		l.EventID = e.ID.String()
	}

	if err := d.deadLetters.DeadLetter(ctx, l); err != nil {
		err = fmt.Errorf("could not dead-letter: %w", err)
		if rerr := r.Reject(ctx, msg, true); rerr != nil {
			err = fmt.Errorf("%w (could not reject: %s)", err, rerr)
		}

		if cause != nil {
			err = fmt.Errorf("%s: %w", cause, err)
		}

		return Outcome{Envelope: e, Result: Requeued, Err: err}
	}

	log.Printf("eventrelay: dead-lettered message with key %q at attempt %d: %s", msg.Key, msg.Attempt, reason)

	if err := r.Reject(ctx, msg, false); err != nil {
		return Outcome{Envelope: e, Result: result, Err: fmt.Errorf("could not reject: %w", err)}
	}

	return Outcome{Envelope: e, Result: result, Err: cause}
}

// rollback removes the idempotency record so that a redelivery can retry.
func (d *Dispatcher) rollback(ctx context.Context, e *er.Envelope) error {
	delay := d.storeBackoff

	var err error
	for i := 0; i < rollbackAttempts; i++ {
		if err = d.store.Remove(ctx, e.ID); err == nil {
			return nil
		}

		log.Printf("eventrelay: could not roll back %s, retrying: %s", e, err)

		if !d.sleep(ctx, delay.Duration()) {
			break
		}
	}

	return fmt.Errorf("could not roll back idempotency record: %w", err)
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) bool {
	if dur <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(dur)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run receives deliveries until the context is cancelled or the receiver is
// closed. Deliveries with the same key are always handled by the same worker,
// in receive order. On cancel it stops receiving and lets in-flight handlers
// finish within the shutdown grace; queued deliveries are left unsettled for
// redelivery.
func (d *Dispatcher) Run(ctx context.Context, r er.Receiver) error {
	if r == nil {
		return fmt.Errorf("missing receiver")
	}

	workCtx, cancelWork := newGracefulContext(ctx, d.shutdownGrace)
	defer cancelWork()

	queues := make([]chan *er.Delivery, d.concurrency)
	for i := range queues {
		queues[i] = make(chan *er.Delivery, 1)
	}

	var g errgroup.Group

	for i := range queues {
		q := queues[i]

		g.Go(func() error {
			d.work(ctx, workCtx, r, q)

			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()

		return d.receive(ctx, r, queues)
	})

	return g.Wait()
}

func (d *Dispatcher) receive(ctx context.Context, r er.Receiver, queues []chan *er.Delivery) error {
	delay := &backoff.Backoff{Max: 5 * time.Second}

	for {
		msg, err := r.Receive(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, er.ErrChannelClosed) {
			return err
		}

		if err != nil {
			d.report(fmt.Errorf("could not receive: %w", err))
			d.sleep(ctx, delay.Duration())

			continue
		}

		delay.Reset()

		select {
		case queues[partition(msg.Key, len(queues))] <- msg:
		case <-ctx.Done():
			// Left unsettled for redelivery.
			return nil
		}
	}
}

func (d *Dispatcher) work(ctx, workCtx context.Context, r er.Receiver, q <-chan *er.Delivery) {
	for msg := range q {
		// Queued deliveries are not started after cancel.
		if ctx.Err() != nil {
			continue
		}

		if err := d.OnMessage(workCtx, r, msg); err != nil {
			d.report(err)
		}
	}
}

func (d *Dispatcher) report(err error) {
	select {
	case d.errCh <- err:
	default:
		log.Printf("eventrelay: missed error in dispatcher: %s", err)
	}
}

// partition maps a key to a worker.
func partition(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))

	return int(h.Sum32() % uint32(n))
}
